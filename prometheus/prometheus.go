// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package prometheus implements stats.StatsClient on top of the prometheus
// client library. Tags become labels: "participant:1" is exported as
// participant="1". A given metric name must always be reported with the same
// tag keys.
package prometheus

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/stats"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric.
const Namespace = "rtregion"

// Ensure client implements interface.
var _ stats.StatsClient = &statsClient{}

// registry holds the collectors shared by a client and everything derived
// from it with WithTags.
type registry struct {
	mu         sync.Mutex
	reg        *prom.Registry
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	logger     logger.Logger
}

type statsClient struct {
	r      *registry
	tags   []string
	labels prom.Labels
	keys   []string
}

// NewStatsClient returns a client registering its collectors on a fresh
// registry. Use Handler to expose it.
func NewStatsClient(log logger.Logger) *statsClient {
	if log == nil {
		log = logger.NopLogger
	}
	return &statsClient{
		r: &registry{
			reg:        prom.NewRegistry(),
			counters:   make(map[string]*prom.CounterVec),
			gauges:     make(map[string]*prom.GaugeVec),
			histograms: make(map[string]*prom.HistogramVec),
			logger:     log,
		},
		labels: prom.Labels{},
	}
}

// Handler serves the client's registry in the prometheus text format.
func (c *statsClient) Handler() http.Handler {
	return promhttp.HandlerFor(c.r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mostly for tests.
func (c *statsClient) Gatherer() prom.Gatherer {
	return c.r.reg
}

// Tags returns a sorted list of tags on the client.
func (c *statsClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *statsClient) WithTags(tags ...string) stats.StatsClient {
	all := stats.UnionStringSlice(c.tags, tags)
	labels := prom.Labels{}
	for _, t := range all {
		k, v := stats.SplitTag(t)
		labels[sanitize(k)] = v
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &statsClient{r: c.r, tags: all, labels: labels, keys: keys}
}

// Count adds value to a counter. Samples whose tag keys do not match the
// first use of name are dropped.
func (c *statsClient) Count(name string, value int64, rate float64) {
	if value < 0 {
		return
	}
	if cv := c.counter(name); cv != nil {
		if m, err := cv.GetMetricWith(c.labels); err == nil {
			m.Add(float64(value))
		}
	}
}

// Gauge sets the value of a metric.
func (c *statsClient) Gauge(name string, value float64, rate float64) {
	if gv := c.gauge(name); gv != nil {
		if m, err := gv.GetMetricWith(c.labels); err == nil {
			m.Set(value)
		}
	}
}

// Histogram observes value.
func (c *statsClient) Histogram(name string, value float64, rate float64) {
	if hv := c.histogram(name); hv != nil {
		if m, err := hv.GetMetricWith(c.labels); err == nil {
			m.Observe(value)
		}
	}
}

// Timing observes value in seconds.
func (c *statsClient) Timing(name string, value time.Duration, rate float64) {
	c.Histogram(name+"_seconds", value.Seconds(), rate)
}

// Close no-op.
func (c *statsClient) Close() error { return nil }

func (c *statsClient) counter(name string) *prom.CounterVec {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if cv, ok := c.r.counters[name]; ok {
		return cv
	}
	cv := prom.NewCounterVec(prom.CounterOpts{
		Namespace: Namespace,
		Name:      sanitize(name),
		Help:      "rtregion counter " + name,
	}, c.keys)
	if !c.r.register(name, cv) {
		return nil
	}
	c.r.counters[name] = cv
	return cv
}

func (c *statsClient) gauge(name string) *prom.GaugeVec {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if gv, ok := c.r.gauges[name]; ok {
		return gv
	}
	gv := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: Namespace,
		Name:      sanitize(name),
		Help:      "rtregion gauge " + name,
	}, c.keys)
	if !c.r.register(name, gv) {
		return nil
	}
	c.r.gauges[name] = gv
	return gv
}

func (c *statsClient) histogram(name string) *prom.HistogramVec {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if hv, ok := c.r.histograms[name]; ok {
		return hv
	}
	hv := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: Namespace,
		Name:      sanitize(name),
		Help:      "rtregion histogram " + name,
		Buckets:   prom.ExponentialBuckets(0.00001, 4, 12),
	}, c.keys)
	if !c.r.register(name, hv) {
		return nil
	}
	c.r.histograms[name] = hv
	return hv
}

// register must be called with r.mu held. Failures are logged once per
// name; the metric is then dropped.
func (r *registry) register(name string, col prom.Collector) bool {
	if err := r.reg.Register(col); err != nil {
		r.logger.Warnf("prometheus: dropping metric %s: %v", name, err)
		return false
	}
	return true
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
