// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gopsutil

import (
	"github.com/featurebasedb/rtregion"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var _ rtregion.SystemInfo = NewSystemInfo()

// SystemInfo is an implementation of rtregion.SystemInfo that uses gopsutil
// to collect information about the host OS.
type SystemInfo struct {
	memInfo  *mem.VirtualMemoryStat
	platform string
	logical  int
	physical int
}

// LogicalCPUs returns the number of logical CPUs.
func (s *SystemInfo) LogicalCPUs() (n int, err error) {
	if s.logical == 0 {
		s.logical, err = cpu.Counts(true)
		if err != nil {
			return 0, err
		}
	}
	return s.logical, nil
}

// PhysicalCPUs returns the number of physical cores.
func (s *SystemInfo) PhysicalCPUs() (n int, err error) {
	if s.physical == 0 {
		s.physical, err = cpu.Counts(false)
		if err != nil {
			return 0, err
		}
	}
	return s.physical, nil
}

// Platform returns the system platform
func (s *SystemInfo) Platform() (string, error) {
	if s.platform == "" {
		platform, _, _, err := host.PlatformInformation()
		if err != nil {
			return "", err
		}
		s.platform = platform
	}
	return s.platform, nil
}

// KernelVersion returns the kernel version as a string
func (s *SystemInfo) KernelVersion() (string, error) {
	return host.KernelVersion()
}

// MemTotal returns the amount of total memory in bytes
func (s *SystemInfo) MemTotal() (uint64, error) {
	if s.memInfo == nil {
		m, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		s.memInfo = m
	}
	return s.memInfo.Total, nil
}

// NewSystemInfo is a constructor for the gopsutil implementation of SystemInfo
func NewSystemInfo() *SystemInfo {
	return &SystemInfo{}
}
