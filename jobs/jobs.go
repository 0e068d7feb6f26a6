// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package jobs holds the sample periodic jobs: small arithmetic updates of
// shared integers, each applied as one transaction per release.
package jobs

import (
	"math"

	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/stm"
	"github.com/featurebasedb/rtregion/task"
)

// Sample names.
const (
	SampleAPrinter   = "aprinter"
	SampleABCPrinter = "abcprinter"
)

// MaxValueLimit is the largest max the sample jobs accept. An update at most
// doubles the largest shared value and the jobs stop soon after crossing
// max, so shared values stay below 8*max.
const MaxValueLimit = math.MaxInt / 8

// Samples lists the known sample names.
var Samples = []string{SampleAPrinter, SampleABCPrinter}

// Commit describes one committed job run.
type Commit struct {
	Job     string
	Version uint64
	A, B    int
}

// State is the shared state of a sample.
type State struct {
	A, B, C *stm.Var[int]

	// OnCommit, if set, is called after every committed job run, from the
	// participant that ran it.
	OnCommit func(Commit)
}

// NewState returns the initial state of both samples: a = 1, b = 1, c = 2.
func NewState() *State {
	return &State{
		A: stm.NewVar(1),
		B: stm.NewVar(1),
		C: stm.NewVar(2),
	}
}

// update runs fn as a transaction on behalf of pt, logs and reports the
// committed values, and returns whether written reached max.
func (s *State) update(pt *task.Participant, name string, max int, fn func(tx *stm.Tx) (written int)) bool {
	var a, b, written int
	res, err := stm.Atomically(func(tx *stm.Tx) error {
		written = fn(tx)
		a, b = s.A.Load(tx), s.B.Load(tx)
		return nil
	}, stm.OptTxStatsClient(pt.Stats()))
	if err != nil {
		// fn never fails.
		pt.Logger().Errorf("%s: %v", name, err)
		return true
	}
	pt.Logger().Infof("[%s] value updated: a = %d, b = %d (attempts %d)", name, a, b, res.Attempts)
	if s.OnCommit != nil {
		s.OnCommit(Commit{Job: name, Version: res.Version, A: a, B: b})
	}
	return written >= max
}

// Plus2 adds 2 to a and stops once a reaches max.
func Plus2(s *State, max int) task.Job {
	return func(pt *task.Participant) bool {
		return s.update(pt, "Plus2", max, func(tx *stm.Tx) int {
			a := s.A.Load(tx) + 2
			s.A.Store(tx, a)
			return a
		})
	}
}

// MultiplyBy2 doubles a and stops once a reaches max.
func MultiplyBy2(s *State, max int) task.Job {
	return func(pt *task.Participant) bool {
		return s.update(pt, "MultiplyBy2", max, func(tx *stm.Tx) int {
			a := s.A.Load(tx) * 2
			s.A.Store(tx, a)
			return a
		})
	}
}

// APlusB adds b to a and stops once a reaches max.
func APlusB(s *State, max int) task.Job {
	return func(pt *task.Participant) bool {
		return s.update(pt, "APlusB", max, func(tx *stm.Tx) int {
			a := s.A.Load(tx) + s.B.Load(tx)
			s.A.Store(tx, a)
			return a
		})
	}
}

// AMultiplyByC sets b to a*c and stops once b reaches max.
func AMultiplyByC(s *State, max int) task.Job {
	return func(pt *task.Participant) bool {
		return s.update(pt, "AMultiplyByC", max, func(tx *stm.Tx) int {
			b := s.A.Load(tx) * s.C.Load(tx)
			s.B.Store(tx, b)
			return b
		})
	}
}

// Table returns the per-participant jobs of a sample. Participant 0 runs the
// additive job and participant 1 the multiplicative one; any further
// participants have no job.
func Table(sample string, s *State, max int) ([]task.Job, error) {
	if max < 1 || max > MaxValueLimit {
		return nil, errors.Newf(errors.ErrConfigInvalid, "max-value must be in [1, %d], got %d", MaxValueLimit, max)
	}
	switch sample {
	case SampleAPrinter:
		return []task.Job{Plus2(s, max), MultiplyBy2(s, max)}, nil
	case SampleABCPrinter:
		return []task.Job{APlusB(s, max), AMultiplyByC(s, max)}, nil
	}
	return nil, errors.Newf(errors.ErrConfigInvalid, "unknown sample %q, want one of %v", sample, Samples)
}
