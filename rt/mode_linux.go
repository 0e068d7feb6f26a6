// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package rt

import (
	"runtime"

	"github.com/featurebasedb/rtregion/errors"
	"golang.org/x/sys/unix"
)

// DefaultRealTimeNice is the nice value applied in real-time mode. Lowering
// it below the inherited value needs CAP_SYS_NICE.
const DefaultRealTimeNice = -10

type osModeSwitch struct {
	nice     int
	baseNice int
	all      unix.CPUSet
	haveAll  bool
}

// NewOSModeSwitch returns a ModeSwitch that locks the goroutine to its
// thread, lowers the thread's nice value to nice, and pins it to p.CPU when
// entering real-time mode. Background mode restores the process's nice value
// and affinity and unlocks the thread.
func NewOSModeSwitch(nice int) ModeSwitch {
	ms := &osModeSwitch{nice: nice}
	if prio, err := unix.Getpriority(unix.PRIO_PROCESS, 0); err == nil {
		// getpriority(2) returns 20-nice on linux.
		ms.baseNice = 20 - prio
	}
	if err := unix.SchedGetaffinity(0, &ms.all); err == nil {
		ms.haveAll = true
	}
	return ms
}

func (ms *osModeSwitch) Enter(m Mode, p Params) error {
	switch m {
	case RealTime:
		runtime.LockOSThread()
		tid := unix.Gettid()
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, ms.nice); err != nil {
			return errors.Newf(errors.ErrSchedulingModeFailure, "setpriority(%d, %d): %v", tid, ms.nice, err)
		}
		if p.CPU != NoCPU {
			var set unix.CPUSet
			set.Set(p.CPU)
			if err := unix.SchedSetaffinity(0, &set); err != nil {
				return errors.Newf(errors.ErrSchedulingModeFailure, "sched_setaffinity(cpu %d): %v", p.CPU, err)
			}
		}
		return nil
	case Background:
		defer runtime.UnlockOSThread()
		tid := unix.Gettid()
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, ms.baseNice); err != nil {
			return errors.Newf(errors.ErrSchedulingModeFailure, "setpriority(%d, %d): %v", tid, ms.baseNice, err)
		}
		if p.CPU != NoCPU && ms.haveAll {
			if err := unix.SchedSetaffinity(0, &ms.all); err != nil {
				return errors.Newf(errors.ErrSchedulingModeFailure, "sched_setaffinity(all): %v", err)
			}
		}
		return nil
	}
	return errors.Newf(errors.ErrPreconditionViolation, "unknown mode %d", m)
}
