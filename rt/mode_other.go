// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

//go:build !linux
// +build !linux

package rt

// DefaultRealTimeNice is unused outside linux.
const DefaultRealTimeNice = 0

// NewOSModeSwitch returns a ModeSwitch that always reports
// ErrModeUnsupported.
func NewOSModeSwitch(nice int) ModeSwitch {
	return unsupportedModeSwitch{}
}

type unsupportedModeSwitch struct{}

func (unsupportedModeSwitch) Enter(Mode, Params) error { return ErrModeUnsupported }
