// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package stats defines the StatsClient used by the pool, the dispatcher and
// the transaction engine, plus the no-op and expvar implementations. The
// prometheus and statsd packages provide the others.
package stats

import (
	"expvar"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names. Tags are "key:value" strings.
const (
	MetricRounds          = "rounds_total"
	MetricBarrierWait     = "barrier_wait"
	MetricJobRuns         = "job_runs_total"
	MetricJobDuration     = "job_duration"
	MetricBudgetOverruns  = "budget_overruns_total"
	MetricDeadlineMisses  = "deadline_misses_total"
	MetricLocalStops      = "local_stops_total"
	MetricModeFailures    = "scheduling_mode_failures_total"
	MetricPoolSize        = "pool_size"
	MetricGCCycles        = "gc_cycles_total"
	MetricTxCommits       = "tx_commits_total"
	MetricTxAborts        = "tx_aborts_total"
	MetricTxRollbacks     = "tx_rollbacks_total"
	MetricTxAttemptsPerOp = "tx_attempts"
)

// Expvar global expvar map.
var Expvar = expvar.NewMap("rtregion")

// StatsClient represents a client to a stats server.
type StatsClient interface {
	// Returns a sorted list of tags on the client.
	Tags() []string

	// Returns a new client with additional tags appended.
	WithTags(tags ...string) StatsClient

	// Tracks the number of times something occurs.
	Count(name string, value int64, rate float64)

	// Sets the value of a metric.
	Gauge(name string, value float64, rate float64)

	// Tracks statistical distribution of a metric.
	Histogram(name string, value float64, rate float64)

	// Tracks timing information for a metric.
	Timing(name string, value time.Duration, rate float64)

	// Closes the client
	Close() error
}

// NopStatsClient represents a client that doesn't do anything.
var NopStatsClient StatsClient = &nopStatsClient{}

type nopStatsClient struct{}

func (c *nopStatsClient) Tags() []string                                        { return nil }
func (c *nopStatsClient) WithTags(tags ...string) StatsClient                   { return c }
func (c *nopStatsClient) Count(name string, value int64, rate float64)          {}
func (c *nopStatsClient) Gauge(name string, value float64, rate float64)        {}
func (c *nopStatsClient) Histogram(name string, value float64, rate float64)    {}
func (c *nopStatsClient) Timing(name string, value time.Duration, rate float64) {}
func (c *nopStatsClient) Close() error                                          { return nil }

// ExpvarStatsClient writes stats out to expvars.
type ExpvarStatsClient struct {
	mu   *sync.Mutex
	m    *expvar.Map
	tags []string
}

// NewExpvarStatsClient returns a new instance of ExpvarStatsClient.
// This client points at the root of the expvar rtregion map.
func NewExpvarStatsClient() *ExpvarStatsClient {
	return newExpvarStatsClient(Expvar)
}

func newExpvarStatsClient(m *expvar.Map) *ExpvarStatsClient {
	return &ExpvarStatsClient{
		mu: &sync.Mutex{},
		m:  m,
	}
}

// Tags returns a sorted list of tags on the client.
func (c *ExpvarStatsClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended. Stats of the
// new client are kept in a sub-map keyed by the joined tag list.
func (c *ExpvarStatsClient) WithTags(tags ...string) StatsClient {
	all := UnionStringSlice(c.tags, tags)
	key := strings.Join(all, ",")

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.m.Get(key).(*expvar.Map)
	if !ok {
		m = &expvar.Map{}
		m.Init()
		c.m.Set(key, m)
	}
	return &ExpvarStatsClient{
		mu:   c.mu,
		m:    m,
		tags: all,
	}
}

// Count tracks the number of times something occurs.
func (c *ExpvarStatsClient) Count(name string, value int64, rate float64) {
	c.m.Add(name, value)
}

// Gauge sets the value of a metric.
func (c *ExpvarStatsClient) Gauge(name string, value float64, rate float64) {
	var f expvar.Float
	f.Set(value)
	c.m.Set(name, &f)
}

// Histogram tracks statistical distribution of a metric.
// This works the same as gauge for this client.
func (c *ExpvarStatsClient) Histogram(name string, value float64, rate float64) {
	c.Gauge(name, value, rate)
}

// Timing accumulates the total time spent, in nanoseconds.
func (c *ExpvarStatsClient) Timing(name string, value time.Duration, rate float64) {
	c.m.Add(name, int64(value))
}

// Close no-op.
func (c *ExpvarStatsClient) Close() error { return nil }

// UnionStringSlice returns a sorted set of tags which combine a & b.
func UnionStringSlice(a, b []string) []string {
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)

	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return nil
	}

	// Iterate over both in order and merge.
	other := make([]string, 0, n)
	for len(a) > 0 || len(b) > 0 {
		if len(a) == 0 {
			other, b = append(other, b[0]), b[1:]
		} else if len(b) == 0 {
			other, a = append(other, a[0]), a[1:]
		} else if a[0] < b[0] {
			other, a = append(other, a[0]), a[1:]
		} else if b[0] < a[0] {
			other, b = append(other, b[0]), b[1:]
		} else {
			other, a, b = append(other, a[0]), a[1:], b[1:]
		}
	}
	return other
}

// Tag formats a "key:value" tag.
func Tag(key string, value interface{}) string {
	return key + ":" + toString(value)
}

// SplitTag splits a "key:value" tag. Tags without a colon get the key "tag".
func SplitTag(tag string) (key, value string) {
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return "tag", tag
}
