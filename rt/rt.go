// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package rt holds the real-time collaborators of a pool: the per-participant
// timing parameters, the trigger that releases a participant once per period,
// and the switch between background and real-time scheduling.
//
// Budgets and deadlines are recorded, not enforced.
package rt

import (
	"context"
	"time"

	"github.com/featurebasedb/rtregion/errors"
	"golang.org/x/time/rate"
)

// NoCPU leaves a participant unpinned.
const NoCPU = -1

// Params describe one participant's periodic release.
type Params struct {
	Period           time.Duration
	Budget           time.Duration
	RelativeDeadline time.Duration

	// CPU is the processor the participant is pinned to while in real-time
	// mode, or NoCPU.
	CPU int
}

// DefaultParams matches the sample programs: a 100ms period with a 10ms
// budget and a 50ms relative deadline.
func DefaultParams() Params {
	return Params{
		Period:           100 * time.Millisecond,
		Budget:           10 * time.Millisecond,
		RelativeDeadline: 50 * time.Millisecond,
		CPU:              NoCPU,
	}
}

// Validate checks that all durations are positive and that the budget fits
// in the relative deadline, which itself fits in the period.
func (p Params) Validate() error {
	switch {
	case p.Period <= 0:
		return errors.Newf(errors.ErrConfigInvalid, "period must be positive, got %s", p.Period)
	case p.Budget <= 0:
		return errors.Newf(errors.ErrConfigInvalid, "budget must be positive, got %s", p.Budget)
	case p.RelativeDeadline < p.Budget:
		return errors.Newf(errors.ErrConfigInvalid, "relative deadline %s is shorter than budget %s", p.RelativeDeadline, p.Budget)
	case p.RelativeDeadline > p.Period:
		return errors.Newf(errors.ErrConfigInvalid, "relative deadline %s is longer than period %s", p.RelativeDeadline, p.Period)
	case p.CPU < NoCPU:
		return errors.Newf(errors.ErrConfigInvalid, "invalid cpu %d", p.CPU)
	}
	return nil
}

// Check reports whether a job released at release, which ran from start to
// end, overran its budget or missed its deadline.
func (p Params) Check(release, start, end time.Time) (overrun, missed bool) {
	overrun = end.Sub(start) > p.Budget
	missed = end.Sub(release) > p.RelativeDeadline
	return overrun, missed
}

// Trigger releases its caller once per period.
type Trigger interface {
	// Wait blocks until the next release or until ctx is done.
	Wait(ctx context.Context) error
}

// TriggerFactory builds the trigger for participant id.
type TriggerFactory func(id int, p Params) Trigger

// NewPeriodic returns a trigger releasing once every p.Period. The first
// Wait returns immediately.
func NewPeriodic(p Params) Trigger {
	return &periodic{lim: rate.NewLimiter(rate.Every(p.Period), 1)}
}

// PeriodicFactory is a TriggerFactory for NewPeriodic.
func PeriodicFactory(id int, p Params) Trigger {
	return NewPeriodic(p)
}

type periodic struct {
	lim *rate.Limiter
}

func (t *periodic) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}

// Immediate is a trigger that never blocks. It is used when no real-time
// parameters are configured.
var Immediate Trigger = immediate{}

// ImmediateFactory is a TriggerFactory for Immediate.
func ImmediateFactory(int, Params) Trigger { return Immediate }

type immediate struct{}

func (immediate) Wait(ctx context.Context) error { return ctx.Err() }
