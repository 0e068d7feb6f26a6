// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package rt

import "github.com/featurebasedb/rtregion/errors"

// Mode is a scheduling mode.
type Mode int

const (
	Background Mode = iota
	RealTime
)

func (m Mode) String() string {
	switch m {
	case Background:
		return "background"
	case RealTime:
		return "real-time"
	}
	return "unknown"
}

// ErrModeUnsupported is returned by the OS mode switch on platforms without
// per-thread scheduling controls.
var ErrModeUnsupported = errors.New(errors.ErrSchedulingModeFailure, "scheduling mode switch not supported on this platform")

// ModeSwitch moves the calling goroutine's thread between scheduling modes.
// Enter must be called from the goroutine whose mode changes; every
// Enter(RealTime) is paired with an Enter(Background) on the same goroutine.
// Errors are reported, never fatal.
type ModeSwitch interface {
	Enter(m Mode, p Params) error
}

// NopModeSwitch never changes anything.
var NopModeSwitch ModeSwitch = nopModeSwitch{}

type nopModeSwitch struct{}

func (nopModeSwitch) Enter(Mode, Params) error { return nil }
