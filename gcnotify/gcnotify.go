// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gcnotify

import (
	"sync/atomic"

	"github.com/CAFxX/gcnotifier"
	"github.com/featurebasedb/rtregion"
)

// Ensure ActiveGCNotifier implements interface.
var _ rtregion.GCNotifier = &activeGCNotifier{}

type activeGCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// NewActiveGCNotifier creates an active GCNotifier.
func NewActiveGCNotifier() *activeGCNotifier {
	return &activeGCNotifier{
		gcn: gcnotifier.New(),
	}
}

// Close implements the GCNotifier interface.
func (n *activeGCNotifier) Close() {
	n.gcn.Close()
}

// AfterGC implements the GCNotifier interface.
func (n *activeGCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}

// Counter drains a GCNotifier in the background and counts the cycles it
// reports.
type Counter struct {
	n     rtregion.GCNotifier
	count int64
	done  chan struct{}
}

// NewCounter starts counting notifications from n. A nil channel from
// AfterGC (the nop notifier) never counts.
func NewCounter(n rtregion.GCNotifier) *Counter {
	c := &Counter{n: n, done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Counter) run() {
	ch := c.n.AfterGC()
	for {
		select {
		case <-c.done:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			atomic.AddInt64(&c.count, 1)
		}
	}
}

// Swap returns the number of cycles seen since the previous call.
func (c *Counter) Swap() int64 {
	return atomic.SwapInt64(&c.count, 0)
}

// Close stops counting. The notifier is left open.
func (c *Counter) Close() {
	close(c.done)
}
