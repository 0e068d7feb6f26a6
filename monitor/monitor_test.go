// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package monitor_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/rtregion/monitor"
	"github.com/stretchr/testify/require"
)

func TestMonitor_OffWithoutDSN(t *testing.T) {
	require.NoError(t, monitor.InitErrorMonitor("", "v0.0.0"))
	require.False(t, monitor.IsOn())

	// None of these may reach sentry while the monitor is off.
	monitor.CaptureMessage("hello")
	monitor.CaptureException(monitor.LevelError, "failed: %d", 1)
	span := monitor.StartSpan(context.Background(), "region", "test")
	require.NotNil(t, span)
	monitor.Finish(span)
	monitor.Close()
}
