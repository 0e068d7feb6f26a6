// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package task

import (
	"github.com/featurebasedb/rtregion/barrier"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
)

// RoundFunc is executed by every participant once per round.
type RoundFunc func(pt *Participant, arg interface{})

// Job is the periodic work bound to one participant. It runs once per round
// after the participant's release and returns true when the participant has
// nothing more to do.
type Job func(pt *Participant) (stop bool)

// Participant is one member of a running pool.
type Participant struct {
	pool   *Pool
	id     int
	b      *barrier.Barrier
	params rt.Params
	job    Job
	logger logger.Logger
	stats  stats.StatsClient
}

// ID returns the participant's id in [0, PoolSize()).
func (pt *Participant) ID() int { return pt.id }

// PoolSize returns the number of participants in the pool.
func (pt *Participant) PoolSize() int { return pt.b.Size() }

// Primary reports whether this is participant 0, the caller of Start.
func (pt *Participant) Primary() bool { return pt.id == 0 }

// BarrierWait blocks until every participant has called BarrierWait. Round
// functions that call it must do so the same number of times on every
// participant.
func (pt *Participant) BarrierWait() { pt.b.Wait(pt.id) }

// RequestShutdown asks the pool to drain. Every participant finishes the
// current round, job included, and leaves at the next entry barrier. It is
// the way for a round function or job to end the pool.
func (pt *Participant) RequestShutdown() {
	pt.logger.Infof("shutdown requested")
	pt.pool.requestShutdown()
}

// Params returns the participant's real-time parameters.
func (pt *Participant) Params() rt.Params { return pt.params }

// Logger returns a logger prefixed with the pool and participant.
func (pt *Participant) Logger() logger.Logger { return pt.logger }

// Stats returns a stats client tagged with the pool and participant.
func (pt *Participant) Stats() stats.StatsClient { return pt.stats }
