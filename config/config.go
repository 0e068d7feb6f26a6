// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the rtregion command.
package config

import (
	"time"

	"github.com/featurebasedb/rtregion/barrier"
	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/jobs"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/task"
)

// Metric services.
const (
	MetricNone       = "none"
	MetricExpvar     = "expvar"
	MetricPrometheus = "prometheus"
	MetricStatsD     = "statsd"
)

// Config represents the configuration for the command.
type Config struct {
	// Threads is the pool size. Zero picks the largest power of two not
	// above the number of logical CPUs.
	Threads int `toml:"threads"`

	// Sample selects the job table: aprinter or abcprinter.
	Sample string `toml:"sample"`

	// MaxValue is the value at which the sample jobs stop.
	MaxValue int `toml:"max-value"`

	// StopPolicy is independent or all.
	StopPolicy string `toml:"stop-policy"`

	// LogPath configures where logs are written. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles debug logging, including one line per round.
	Verbose bool `toml:"verbose"`

	// Summary prints a table of commits per job after the run.
	Summary bool `toml:"summary"`

	RealTime struct {
		// ModeSwitch moves participants into real-time mode while they run.
		ModeSwitch bool `toml:"mode-switch"`
		// Nice is the thread nice value used in real-time mode.
		Nice int `toml:"nice"`
		// Periods per participant; the last one applies to the rest.
		Periods          Durations `toml:"periods"`
		Budget           Duration  `toml:"budget"`
		RelativeDeadline Duration  `toml:"relative-deadline"`
		// PinCPUs pins participant i to CPU i modulo the CPU count.
		PinCPUs bool `toml:"pin-cpus"`
	} `toml:"realtime"`

	Metric struct {
		// Service can be none, expvar, prometheus, or statsd.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
		// Bind is where /metrics and /debug/vars are served. Empty disables
		// the listener.
		Bind string `toml:"bind"`
	} `toml:"metric"`

	Monitor struct {
		SentryDSN string `toml:"sentry-dsn"`
	} `toml:"monitor"`

	Tracing struct {
		// SamplerType is the type of sampler to use: const, probabilistic,
		// ratelimiting, or remote. "off" disables tracing.
		SamplerType string `toml:"sampler-type"`
		// SamplerParam is the parameter passed to the tracing sampler.
		SamplerParam float64 `toml:"sampler-param"`
		// AgentHostPort is the host:port of the local Jaeger agent.
		AgentHostPort string `toml:"agent-host-port"`
	} `toml:"tracing"`

	Profile struct {
		// BlockRate is passed directly to runtime.SetBlockProfileRate
		BlockRate int `toml:"block-rate"`
		// MutexFraction is passed directly to runtime.SetMutexProfileFraction
		MutexFraction int `toml:"mutex-fraction"`
		// CPU is a file to write a CPU profile of the run to.
		CPU string `toml:"cpu"`
		// CPUTime stops the CPU profile early. Zero profiles the whole run.
		CPUTime Duration `toml:"cpu-time"`
	} `toml:"profile"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		Threads:    2,
		Sample:     jobs.SampleAPrinter,
		MaxValue:   100,
		StopPolicy: task.StopIndependent.String(),
		// LogPath: "",
		// Verbose: false,
	}

	// Real-time config, as in the sample programs.
	c.RealTime.Nice = rt.DefaultRealTimeNice
	c.RealTime.Periods = Durations{Duration(100 * time.Millisecond), Duration(800 * time.Millisecond)}
	c.RealTime.Budget = Duration(10 * time.Millisecond)
	c.RealTime.RelativeDeadline = Duration(50 * time.Millisecond)

	// Metric config.
	c.Metric.Service = MetricNone

	// Tracing config.
	c.Tracing.SamplerType = "off"
	c.Tracing.SamplerParam = 0.001

	return c
}

// Validate checks the configuration. A zero Threads is valid.
func (c *Config) Validate() error {
	if c.Threads < 0 || (c.Threads != 0 && !barrier.IsPowerOfTwo(c.Threads)) {
		return errors.Newf(errors.ErrConfigInvalid, "threads must be a power of two, got %d", c.Threads)
	}
	if _, err := jobs.Table(c.Sample, jobs.NewState(), c.MaxValue); err != nil {
		return err
	}
	if _, err := task.ParseStopPolicy(c.StopPolicy); err != nil {
		return err
	}
	if len(c.RealTime.Periods) == 0 {
		return errors.New(errors.ErrConfigInvalid, "at least one real-time period is required")
	}
	for i := range c.RealTime.Periods {
		if err := c.params(i, 0).Validate(); err != nil {
			return errors.Wrapf(err, "participant %d", i)
		}
	}
	switch c.Metric.Service {
	case MetricNone, MetricExpvar, MetricPrometheus:
	case MetricStatsD:
		if c.Metric.Host == "" {
			return errors.New(errors.ErrConfigInvalid, "metric.host is required for statsd")
		}
	default:
		return errors.Newf(errors.ErrConfigInvalid, "unknown metric service %q", c.Metric.Service)
	}
	if c.Profile.CPUTime < 0 {
		return errors.Newf(errors.ErrConfigInvalid, "profile.cpu-time must not be negative, got %s", c.Profile.CPUTime)
	}
	return nil
}

// Policy returns the parsed stop policy.
func (c *Config) Policy() task.StopPolicy {
	p, _ := task.ParseStopPolicy(c.StopPolicy)
	return p
}

// Params returns the real-time parameters of n participants. cpus is the
// number of CPUs to spread pinned participants over.
func (c *Config) Params(n, cpus int) []rt.Params {
	out := make([]rt.Params, n)
	for i := range out {
		out[i] = c.params(i, cpus)
	}
	return out
}

func (c *Config) params(i, cpus int) rt.Params {
	period := c.RealTime.Periods[len(c.RealTime.Periods)-1]
	if i < len(c.RealTime.Periods) {
		period = c.RealTime.Periods[i]
	}
	p := rt.Params{
		Period:           time.Duration(period),
		Budget:           time.Duration(c.RealTime.Budget),
		RelativeDeadline: time.Duration(c.RealTime.RelativeDeadline),
		CPU:              rt.NoCPU,
	}
	if c.RealTime.PinCPUs && cpus > 0 {
		p.CPU = i % cpus
	}
	return p
}
