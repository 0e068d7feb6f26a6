// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package rtregion

// SystemInfo describes the host a pool runs on.
type SystemInfo interface {
	LogicalCPUs() (int, error)
	PhysicalCPUs() (int, error)
	Platform() (string, error)
	KernelVersion() (string, error)
	MemTotal() (uint64, error)
}

// NewNopSystemInfo creates a no-op implementation of SystemInfo.
func NewNopSystemInfo() *NopSystemInfo {
	return &NopSystemInfo{}
}

// NopSystemInfo is a no-op implementation of SystemInfo. It reports a
// single CPU.
type NopSystemInfo struct{}

// LogicalCPUs is a no-op implementation of SystemInfo.LogicalCPUs.
func (n *NopSystemInfo) LogicalCPUs() (int, error) { return 1, nil }

// PhysicalCPUs is a no-op implementation of SystemInfo.PhysicalCPUs.
func (n *NopSystemInfo) PhysicalCPUs() (int, error) { return 1, nil }

// Platform is a no-op implementation of SystemInfo.Platform.
func (n *NopSystemInfo) Platform() (string, error) { return "", nil }

// KernelVersion is a no-op implementation of SystemInfo.KernelVersion.
func (n *NopSystemInfo) KernelVersion() (string, error) { return "", nil }

// MemTotal is a no-op implementation of SystemInfo.MemTotal.
func (n *NopSystemInfo) MemTotal() (uint64, error) { return 0, nil }

// DefaultPoolSize returns the largest power of two not above the number of
// logical CPUs reported by si, and at least 1.
func DefaultPoolSize(si SystemInfo) int {
	cpus, err := si.LogicalCPUs()
	if err != nil || cpus < 1 {
		return 1
	}
	n := 1
	for n*2 <= cpus {
		n *= 2
	}
	return n
}
