// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"net"
	gohttp "net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/featurebasedb/rtregion"
	"github.com/featurebasedb/rtregion/config"
	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/gcnotify"
	"github.com/featurebasedb/rtregion/gopsutil"
	"github.com/featurebasedb/rtregion/http"
	"github.com/featurebasedb/rtregion/jobs"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/monitor"
	"github.com/featurebasedb/rtregion/prometheus"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/featurebasedb/rtregion/statsd"
	"github.com/featurebasedb/rtregion/task"
	"github.com/featurebasedb/rtregion/tracing"
	"github.com/featurebasedb/rtregion/tracing/opentracing"
	"github.com/spf13/cobra"
)

// RunCommand runs a sample through a pool until its jobs stop or the
// context is cancelled.
type RunCommand struct {
	*rtregion.CmdIO

	Config *config.Config

	// SystemInfo and GCNotifier default to the host implementations.
	SystemInfo rtregion.SystemInfo
	GCNotifier rtregion.GCNotifier

	// TriggerFactory defaults to rt.PeriodicFactory.
	TriggerFactory rt.TriggerFactory

	// Addr is the address the diagnostics handler listens on, once Run has
	// opened it.
	Addr net.Addr

	// State holds the final shared values after Run returns.
	State *jobs.State
}

// NewRunCommand returns a new instance of RunCommand with a default config.
func NewRunCommand(stdin io.Reader, stdout, stderr io.Writer) *RunCommand {
	return &RunCommand{
		CmdIO:  rtregion.NewCmdIO(stdin, stdout, stderr),
		Config: config.NewConfig(),
	}
}

// BuildRunFlags attaches the run configuration flags to cmd.
func BuildRunFlags(cmd *cobra.Command, rc *RunCommand) {
	c := rc.Config
	flags := cmd.Flags()
	flags.IntVarP(&c.Threads, "threads", "n", c.Threads, "Number of participants, a power of two. Zero uses the logical CPU count.")
	flags.StringVar(&c.Sample, "sample", c.Sample, fmt.Sprintf("Sample to run: one of %v.", jobs.Samples))
	flags.IntVar(&c.MaxValue, "max-value", c.MaxValue, "Value at which the sample jobs stop.")
	flags.StringVar(&c.StopPolicy, "stop-policy", c.StopPolicy, "When to drain the pool: independent (all jobs stopped) or all (first job stopped).")
	flags.StringVar(&c.LogPath, "log-path", c.LogPath, "Log path")
	flags.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logging")
	flags.BoolVar(&c.Summary, "summary", c.Summary, "Print a table of commits per job after the run.")

	// Real-time
	flags.BoolVar(&c.RealTime.ModeSwitch, "realtime.mode-switch", c.RealTime.ModeSwitch, "Raise participant threads to real-time mode while they run.")
	flags.IntVar(&c.RealTime.Nice, "realtime.nice", c.RealTime.Nice, "Nice value of participant threads in real-time mode.")
	flags.Var(&c.RealTime.Periods, "realtime.periods", "Comma separated release periods per participant. The last one applies to the rest.")
	flags.DurationVar((*time.Duration)(&c.RealTime.Budget), "realtime.budget", time.Duration(c.RealTime.Budget), "Expected execution time of a job.")
	flags.DurationVar((*time.Duration)(&c.RealTime.RelativeDeadline), "realtime.relative-deadline", time.Duration(c.RealTime.RelativeDeadline), "Deadline of a job relative to its release.")
	flags.BoolVar(&c.RealTime.PinCPUs, "realtime.pin-cpus", c.RealTime.PinCPUs, "Pin participant i to CPU i modulo the CPU count.")

	// Metric
	flags.StringVar(&c.Metric.Service, "metric.service", c.Metric.Service, "Where to send stats: can be none, expvar, prometheus, or statsd.")
	flags.StringVar(&c.Metric.Host, "metric.host", c.Metric.Host, "URI to send statsd metrics to.")
	flags.StringVar(&c.Metric.Bind, "metric.bind", c.Metric.Bind, "Address to serve metrics, expvars, profiles and status on.")

	// Monitor
	flags.StringVar(&c.Monitor.SentryDSN, "monitor.sentry-dsn", c.Monitor.SentryDSN, "Sentry DSN to report warnings and errors to.")

	// Tracing
	flags.StringVar(&c.Tracing.AgentHostPort, "tracing.agent-host-port", c.Tracing.AgentHostPort, "Jaeger agent host:port.")
	flags.StringVar(&c.Tracing.SamplerType, "tracing.sampler-type", c.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting) or 'off' to disable tracing completely.")
	flags.Float64Var(&c.Tracing.SamplerParam, "tracing.sampler-param", c.Tracing.SamplerParam, "Jaeger sampler parameter.")

	// Profiling
	flags.IntVar(&c.Profile.BlockRate, "profile.block-rate", c.Profile.BlockRate, "Sampling rate for goroutine blocking profiler. One sample per <rate> ns.")
	flags.IntVar(&c.Profile.MutexFraction, "profile.mutex-fraction", c.Profile.MutexFraction, "Sampling fraction for mutex contention profiling. Sample 1/<rate> of events.")
	flags.StringVar(&c.Profile.CPU, "profile.cpu", c.Profile.CPU, "Write a CPU profile of the run to this file.")
	flags.DurationVar((*time.Duration)(&c.Profile.CPUTime), "profile.cpu-time", time.Duration(c.Profile.CPUTime), "Stop CPU profiling after this long. Zero profiles the whole run.")
}

// Run executes the sample. Cancelling ctx requests shutdown of the pool.
func (cmd *RunCommand) Run(ctx context.Context) (err error) {
	if err := cmd.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	closeLog, err := cmd.setupLogger()
	if err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	defer closeLog()
	log := cmd.Logger()

	if err := monitor.InitErrorMonitor(cmd.Config.Monitor.SentryDSN, rtregion.Version); err != nil {
		return errors.Wrap(err, "initializing error monitor")
	}
	defer monitor.Close()
	span := monitor.StartSpan(ctx, "run", "Run."+cmd.Config.Sample)
	defer monitor.Finish(span)

	runtime.SetBlockProfileRate(cmd.Config.Profile.BlockRate)
	runtime.SetMutexProfileFraction(cmd.Config.Profile.MutexFraction)
	if cmd.Config.Profile.CPU != "" {
		stopProfile, err := cmd.startCPUProfile(log)
		if err != nil {
			return errors.Wrap(err, "starting cpu profile")
		}
		defer stopProfile()
	}

	tracer, closer, err := opentracing.NewJaegerTracer("rtregion", cmd.Config.Tracing.AgentHostPort,
		cmd.Config.Tracing.SamplerType, cmd.Config.Tracing.SamplerParam, log)
	if err != nil {
		return errors.Wrap(err, "initializing tracer")
	}
	if tracer != nil {
		tracing.GlobalTracer = tracer
		defer func() {
			tracing.GlobalTracer = tracing.NopTracer()
			closer.Close()
		}()
	}

	sc, err := NewStatsClient(cmd.Config.Metric.Service, cmd.Config.Metric.Host, log)
	if err != nil {
		return errors.Wrap(err, "new stats client")
	}
	defer sc.Close()

	if cmd.SystemInfo == nil {
		cmd.SystemInfo = gopsutil.NewSystemInfo()
	}
	if cmd.GCNotifier == nil {
		cmd.GCNotifier = gcnotify.NewActiveGCNotifier()
	}
	defer cmd.GCNotifier.Close()
	if cmd.TriggerFactory == nil {
		cmd.TriggerFactory = rt.PeriodicFactory
	}

	n := cmd.Config.Threads
	if n == 0 {
		n = rtregion.DefaultPoolSize(cmd.SystemInfo)
	}
	cpus, err := cmd.SystemInfo.LogicalCPUs()
	if err != nil {
		log.Warnf("counting CPUs: %v", err)
		cpus = 1
	}
	cmd.logHost(log, cpus)

	cmd.State = jobs.NewState()
	var sum *summary
	if cmd.Config.Summary {
		sum = newSummary()
		cmd.State.OnCommit = sum.record
	}
	table, err := jobs.Table(cmd.Config.Sample, cmd.State, cmd.Config.MaxValue)
	if err != nil {
		return err
	}
	opts := []task.PoolOption{
		task.OptPoolLogger(log),
		task.OptPoolStatsClient(sc),
		task.OptPoolJobs(table...),
		task.OptPoolParams(cmd.Config.Params(n, cpus)...),
		task.OptPoolTriggerFactory(cmd.TriggerFactory),
		task.OptPoolStopPolicy(cmd.Config.Policy()),
		task.OptPoolGCNotifier(cmd.GCNotifier),
	}
	if cmd.Config.RealTime.ModeSwitch {
		opts = append(opts, task.OptPoolModeSwitch(rt.NewOSModeSwitch(cmd.Config.RealTime.Nice)))
	}
	pool := task.NewPool(opts...)

	if cmd.Config.Metric.Bind != "" {
		h, herr := cmd.serve(pool, sc, log)
		if herr != nil {
			return errors.Wrap(herr, "starting diagnostics handler")
		}
		defer func() {
			if cerr := h.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	if err := pool.Startup(n); err != nil {
		return errors.Wrap(err, "starting up pool")
	}
	startErr := pool.Start(ctx, roundFunc, nil)
	if err := pool.Shutdown(); err != nil && startErr == nil {
		startErr = errors.Wrap(err, "shutting down pool")
	}
	if startErr != nil {
		return startErr
	}

	if sum != nil {
		sum.write(cmd.Stdout, pool.Status())
	}
	a, b := cmd.State.A.Peek(), cmd.State.B.Peek()
	switch cmd.Config.Sample {
	case jobs.SampleABCPrinter:
		fmt.Fprintf(cmd.Stdout, "a = %d, b = %d\n", a, b)
	default:
		fmt.Fprintf(cmd.Stdout, "a = %d\n", a)
	}
	return nil
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

// roundFunc is the parallel region of the samples: participants only meet.
func roundFunc(pt *task.Participant, _ interface{}) {
	pt.Logger().Debugf("in region")
}

// setupLogger replaces the command's logger according to log-path and
// verbose. The returned func closes the log file, if any.
func (cmd *RunCommand) setupLogger() (func(), error) {
	var w io.Writer = cmd.Stderr
	closer := func() {}
	if cmd.Config.LogPath != "" {
		f, err := os.OpenFile(cmd.Config.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		w = f
		closer = func() { f.Close() }
	}
	if cmd.Config.Verbose {
		cmd.SetLogger(logger.NewVerboseLogger(w))
	} else {
		cmd.SetLogger(logger.NewStandardLogger(w))
	}
	return closer, nil
}

// startCPUProfile writes a CPU profile to the configured file until the
// returned func is called or the configured time has passed.
func (cmd *RunCommand) startCPUProfile(log logger.Logger) (func(), error) {
	f, err := os.Create(cmd.Config.Profile.CPU)
	if err != nil {
		return nil, errors.Wrap(err, "create cpu profile")
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "start cpu profile")
	}
	log.Infof("starting cpu profile")

	var once sync.Once
	stop := func() {
		once.Do(func() {
			log.Infof("stopping cpu profile")
			pprof.StopCPUProfile()
			f.Close()
		})
	}
	if d := time.Duration(cmd.Config.Profile.CPUTime); d > 0 {
		t := time.AfterFunc(d, stop)
		return func() { t.Stop(); stop() }, nil
	}
	return stop, nil
}

func (cmd *RunCommand) logHost(log logger.Logger, cpus int) {
	physical, err := cmd.SystemInfo.PhysicalCPUs()
	if err != nil {
		log.Warnf("counting physical CPUs: %v", err)
	}
	platform, _ := cmd.SystemInfo.Platform()
	kernel, _ := cmd.SystemInfo.KernelVersion()
	mem, _ := cmd.SystemInfo.MemTotal()
	log.Infof("%s", rtregion.VersionInfo())
	log.Infof("host: %s, kernel %s, %d logical / %d physical CPUs, %d bytes of memory", platform, kernel, cpus, physical, mem)
}

// serve starts the diagnostics handler in the background.
func (cmd *RunCommand) serve(pool *task.Pool, sc stats.StatsClient, log logger.Logger) (*http.Handler, error) {
	ln, err := net.Listen("tcp", cmd.Config.Metric.Bind)
	if err != nil {
		return nil, errors.Wrap(err, "listening")
	}
	cmd.Addr = ln.Addr()
	opts := []http.HandlerOption{
		http.OptHandlerListener(ln),
		http.OptHandlerLogger(log),
		http.OptHandlerStatus(func() interface{} { return pool.Status() }),
	}
	if m, ok := sc.(interface{ Handler() gohttp.Handler }); ok {
		opts = append(opts, http.OptHandlerMetrics(m.Handler()))
	}
	h, err := http.NewHandler(opts...)
	if err != nil {
		ln.Close()
		return nil, err
	}
	go func() {
		if err := h.Serve(); err != nil {
			log.Errorf("serving diagnostics: %v", err)
		}
	}()
	log.Infof("serving diagnostics on %s", cmd.Addr)
	return h, nil
}

// NewStatsClient returns a StatsClient for the named service.
func NewStatsClient(name, host string, log logger.Logger) (stats.StatsClient, error) {
	switch name {
	case config.MetricExpvar:
		return stats.NewExpvarStatsClient(), nil
	case config.MetricPrometheus:
		return prometheus.NewStatsClient(log), nil
	case config.MetricStatsD:
		sc, err := statsd.NewStatsClient(host)
		if err != nil {
			return nil, err
		}
		sc.SetLogger(log)
		return sc, nil
	default:
		return stats.NopStatsClient, nil
	}
}
