// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package task

import (
	"strings"

	"github.com/featurebasedb/rtregion"
	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
)

// StopPolicy decides what a participant's local stop means for the pool.
type StopPolicy int

const (
	// StopIndependent lets a stopped participant keep taking part in rounds
	// without running its job. Once every participant that has a job has
	// stopped, the pool shuts itself down.
	StopIndependent StopPolicy = iota

	// StopAll shuts the pool down as soon as any participant stops.
	StopAll
)

func (s StopPolicy) String() string {
	switch s {
	case StopIndependent:
		return "independent"
	case StopAll:
		return "all"
	}
	return "unknown"
}

// ParseStopPolicy parses "independent" or "all".
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch strings.ToLower(s) {
	case "independent", "":
		return StopIndependent, nil
	case "all":
		return StopAll, nil
	}
	return 0, errors.Newf(errors.ErrConfigInvalid, "unknown stop policy %q", s)
}

// PoolOption is a functional option type for Pool.
type PoolOption func(p *Pool)

func OptPoolLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

func OptPoolStatsClient(s stats.StatsClient) PoolOption {
	return func(p *Pool) {
		p.stats = s
	}
}

// OptPoolJobs binds jobs[i] to participant i. Participants past the end of
// jobs, and nil entries, have no job.
func OptPoolJobs(jobs ...Job) PoolOption {
	return func(p *Pool) {
		p.jobs = jobs
	}
}

// OptPoolParams sets participant i's real-time parameters to params[i]. The
// last entry is reused for the remaining participants.
func OptPoolParams(params ...rt.Params) PoolOption {
	return func(p *Pool) {
		p.params = params
	}
}

func OptPoolTriggerFactory(f rt.TriggerFactory) PoolOption {
	return func(p *Pool) {
		p.triggers = f
	}
}

func OptPoolModeSwitch(ms rt.ModeSwitch) PoolOption {
	return func(p *Pool) {
		p.modes = ms
	}
}

func OptPoolStopPolicy(s StopPolicy) PoolOption {
	return func(p *Pool) {
		p.policy = s
	}
}

func OptPoolGCNotifier(n rtregion.GCNotifier) PoolOption {
	return func(p *Pool) {
		p.gcNotifier = n
	}
}
