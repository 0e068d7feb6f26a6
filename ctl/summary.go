// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"io"
	"sort"
	"sync"

	"github.com/featurebasedb/rtregion/jobs"
	"github.com/featurebasedb/rtregion/task"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

// summary counts the commits of every job during a run.
type summary struct {
	mu   sync.Mutex
	jobs map[string]*jobSummary
}

type jobSummary struct {
	commits int
	last    jobs.Commit
}

func newSummary() *summary {
	return &summary{jobs: make(map[string]*jobSummary)}
}

// record is installed as jobs.State.OnCommit.
func (s *summary) record(c jobs.Commit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[c.Job]
	if !ok {
		js = &jobSummary{}
		s.jobs[c.Job] = js
	}
	js.commits++
	if c.Version > js.last.Version {
		js.last = c
	}
}

// write renders one row per job, ordered by name, and the pool totals.
func (s *summary) write(w io.Writer, st task.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(w)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault

	t.AppendHeader(table.Row{"job", "commits", "version", "a", "b"})
	total := 0
	for _, name := range names {
		js := s.jobs[name]
		total += js.commits
		t.AppendRow(table.Row{name, js.commits, js.last.Version, js.last.A, js.last.B})
	}
	t.AppendFooter(table.Row{"rounds " + formatUint(st.Rounds), total, "", "", ""})
	t.Render()
}
