// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package task

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/featurebasedb/rtregion/tracing"
)

func fmtParticipant(id int) string {
	return "participant " + strconv.Itoa(id) + ": "
}

// run is the dispatch loop of one participant. It returns when the round
// published at the entry barrier says the pool is shutting down.
func (p *Pool) run(pt *Participant) {
	p.enterMode(pt, rt.RealTime)
	defer p.enterMode(pt, rt.Background)

	trigger := p.triggers(pt.id, pt.params)
	stopped := pt.job == nil
	for {
		if pt.id == 0 {
			p.publish()
		}
		p.barrierWait(pt)
		round := p.slot
		if round.shutdown {
			pt.logger.Debugf("leaving at shutdown checkpoint")
			return
		}

		round.fn(pt, round.arg)
		p.barrierWait(pt)

		if err := trigger.Wait(p.ctx); err != nil {
			// Shutdown cut the wait short. The round was entered, so its job
			// still runs; the flag is acted on at the next checkpoint.
			pt.logger.Debugf("release cut short: %v", err)
		}
		if stopped {
			continue
		}
		if p.runJob(round.trace, pt) {
			stopped = true
			p.localStop(pt)
		}
	}
}

// publish fills in the shutdown decision for the coming round. Only
// participant 0 calls it, and only outside the barrier.
func (p *Pool) publish() {
	p.slot.shutdown = p.ShutdownRequested()
	if p.slot.shutdown {
		return
	}
	n := atomic.AddUint64(&p.rounds, 1)
	p.logger.Debugf("round %d", n)
	p.stats.Count(stats.MetricRounds, 1, 1.0)
	if gcs := p.gc.Swap(); gcs > 0 {
		p.stats.Count(stats.MetricGCCycles, gcs, 1.0)
	}
}

func (p *Pool) barrierWait(pt *Participant) {
	start := time.Now()
	p.b.Wait(pt.id)
	pt.stats.Timing(stats.MetricBarrierWait, time.Since(start), 1.0)
}

// runJob runs the participant's job once and records whether it kept to its
// budget and deadline. The release time is taken to be now.
func (p *Pool) runJob(ctx context.Context, pt *Participant) (stop bool) {
	span, _ := tracing.StartSpanFromContext(ctx, "Job")
	defer span.Finish()

	release := time.Now()
	stop = pt.job(pt)
	end := time.Now()

	pt.stats.Count(stats.MetricJobRuns, 1, 1.0)
	pt.stats.Timing(stats.MetricJobDuration, end.Sub(release), 1.0)
	overrun, missed := pt.params.Check(release, release, end)
	if overrun {
		pt.stats.Count(stats.MetricBudgetOverruns, 1, 1.0)
		pt.logger.Debugf("job ran %s, budget %s", end.Sub(release), pt.params.Budget)
	}
	if missed {
		pt.stats.Count(stats.MetricDeadlineMisses, 1, 1.0)
		pt.logger.Debugf("job missed its %s deadline", pt.params.RelativeDeadline)
	}
	span.LogKV("participant", pt.id, "duration", end.Sub(release).String(), "overrun", overrun, "missed", missed, "stop", stop)
	return stop
}

// localStop applies the stop policy after pt's job asked to stop.
func (p *Pool) localStop(pt *Participant) {
	pt.stats.Count(stats.MetricLocalStops, 1, 1.0)
	switch p.policy {
	case StopAll:
		pt.logger.Infof("job stopped, shutting the pool down")
		p.requestShutdown()
	default:
		n := atomic.AddInt32(&p.stopped, 1)
		pt.logger.Infof("job stopped (%d of %d)", n, p.withJobs)
		if n == p.withJobs {
			p.requestShutdown()
		}
	}
}

// enterMode switches pt's thread between scheduling modes. Failure is
// reported and otherwise ignored.
func (p *Pool) enterMode(pt *Participant, m rt.Mode) {
	if err := p.modes.Enter(m, pt.params); err != nil {
		pt.stats.Count(stats.MetricModeFailures, 1, 1.0)
		pt.logger.Warnf("entering %s mode: %v", m, err)
	}
}
