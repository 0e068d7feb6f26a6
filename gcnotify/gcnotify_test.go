// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gcnotify_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/featurebasedb/rtregion"
	"github.com/featurebasedb/rtregion/gcnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_Active(t *testing.T) {
	n := gcnotify.NewActiveGCNotifier()
	defer n.Close()
	c := gcnotify.NewCounter(n)
	defer c.Close()

	var seen int64
	deadline := time.Now().Add(10 * time.Second)
	for seen == 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		seen += c.Swap()
	}
	require.NotZero(t, seen)
}

func TestCounter_Nop(t *testing.T) {
	c := gcnotify.NewCounter(rtregion.NopGCNotifier)
	defer c.Close()
	runtime.GC()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, c.Swap())
}
