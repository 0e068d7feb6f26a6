// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/featurebasedb/rtregion/task"
	"github.com/featurebasedb/rtregion/tracing"
	rtopentracing "github.com/featurebasedb/rtregion/tracing/opentracing"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// stopAfter returns a job that asks to stop on its k-th run, and the
// counter of its runs.
func stopAfter(k int32) (task.Job, *int32) {
	var runs int32
	return func(pt *task.Participant) bool {
		return atomic.AddInt32(&runs, 1) >= k
	}, &runs
}

// roundCounter is a round function counting calls per participant.
type roundCounter struct {
	counts []int32
}

func newRoundCounter(n int) *roundCounter {
	return &roundCounter{counts: make([]int32, n)}
}

func (rc *roundCounter) fn(pt *task.Participant, arg interface{}) {
	atomic.AddInt32(&rc.counts[pt.ID()], 1)
}

func (rc *roundCounter) get(id int) int32 {
	return atomic.LoadInt32(&rc.counts[id])
}

// startAndWait runs Start in the background and fails the test if it does
// not return in time.
func startAndWait(t *testing.T, p *task.Pool, ctx context.Context, fn task.RoundFunc, arg interface{}) {
	t.Helper()
	var eg errgroup.Group
	eg.Go(func() error { return p.Start(ctx, fn, arg) })
	waitOrFail(t, eg.Wait)
}

func waitOrFail(t *testing.T, wait func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("pool deadlocked")
	}
}

func TestPool_Preconditions(t *testing.T) {
	p := task.NewPool(task.OptPoolLogger(logger.NewLogfLogger(t)))
	assert.Equal(t, 1, p.Size())

	for _, n := range []int{0, 3, 6, -2} {
		err := p.Startup(n)
		assert.True(t, errors.Is(err, errors.ErrPreconditionViolation), "n=%d: %v", n, err)
		assert.ErrorIs(t, err, task.ErrNotPowerOfTwo)
	}
	assert.Equal(t, 1, p.Size())

	noop := func(*task.Participant, interface{}) {}
	assert.Equal(t, task.ErrNotStarted, p.Start(context.Background(), noop, nil))
	assert.Equal(t, task.ErrNotStarted, p.Shutdown())

	require.NoError(t, p.Startup(4))
	assert.Equal(t, 4, p.Size())
	assert.Equal(t, task.ErrAlreadyStarted, p.Startup(4))
	assert.Equal(t, task.ErrNilRoundFunc, p.Start(context.Background(), nil, nil))

	require.NoError(t, p.Shutdown())
	assert.Equal(t, 1, p.Size())
}

// Shutdown without Start must release the parked participants and leave the
// pool ready for another Startup.
func TestPool_ShutdownWithoutStart(t *testing.T) {
	for _, n := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			rc := newRoundCounter(n)
			p := task.NewPool()
			require.NoError(t, p.Startup(n))
			waitOrFail(t, p.Shutdown)
			for id := 0; id < n; id++ {
				assert.Zero(t, rc.get(id))
			}
			assert.Equal(t, 1, p.Size())

			// Again, this time with a Start.
			job, runs := stopAfter(3)
			p = task.NewPool(task.OptPoolJobs(job), task.OptPoolStopPolicy(task.StopAll))
			require.NoError(t, p.Startup(n))
			startAndWait(t, p, context.Background(), rc.fn, nil)
			require.NoError(t, p.Shutdown())
			assert.Equal(t, int32(3), atomic.LoadInt32(runs))
		})
	}
}

func TestPool_Restart(t *testing.T) {
	// Stops on every second run, so once per Startup.
	var runs int32
	job := func(pt *task.Participant) bool {
		return atomic.AddInt32(&runs, 1)%2 == 0
	}
	p := task.NewPool(task.OptPoolStopPolicy(task.StopAll), task.OptPoolJobs(job))
	for i, n := range []int{2, 4, 1} {
		rc := newRoundCounter(n)
		require.NoError(t, p.Startup(n), "startup %d", i)
		assert.Equal(t, n, p.Size())
		startAndWait(t, p, context.Background(), rc.fn, nil)
		assert.Equal(t, task.ErrDrained, p.Start(context.Background(), rc.fn, nil))
		require.NoError(t, p.Shutdown())
		assert.Equal(t, 1, p.Size())
		assert.Equal(t, int32(2*(i+1)), atomic.LoadInt32(&runs))
	}
}

// Every participant enters every round, nobody gets ahead, and the pool
// always drains, for every power of two up to 64.
func TestPool_NoDeadlock(t *testing.T) {
	const stopRound = 25
	for n := 1; n <= 64; n *= 2 {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			rc := newRoundCounter(n)
			var started int64
			var violations int32
			fn := func(pt *task.Participant, arg interface{}) {
				c := int64(atomic.AddInt32(&rc.counts[pt.ID()], 1))
				total := atomic.AddInt64(&started, 1)
				// While in round c, every participant has started round c-1
				// and none has started round c+1.
				if total <= int64(n)*(c-1) || total > int64(n)*c {
					atomic.AddInt32(&violations, 1)
				}
			}
			job, _ := stopAfter(stopRound)
			p := task.NewPool(
				task.OptPoolLogger(logger.NewLogfLogger(t)),
				task.OptPoolJobs(job),
			)
			require.NoError(t, p.Startup(n))
			startAndWait(t, p, context.Background(), fn, nil)
			require.NoError(t, p.Shutdown())

			assert.Zero(t, atomic.LoadInt32(&violations))
			for id := 0; id < n; id++ {
				assert.Equal(t, rc.get(0), rc.get(id), "participant %d", id)
			}
			assert.GreaterOrEqual(t, rc.get(0), int32(stopRound))
			assert.LessOrEqual(t, rc.get(0), int32(stopRound+1))
		})
	}
}

// Under StopAll, the first local stop drains the pool within one more round.
func TestPool_StopAll(t *testing.T) {
	const n = 4
	job, runs := stopAfter(3)
	rc := newRoundCounter(n)
	p := task.NewPool(
		task.OptPoolJobs(nil, job),
		task.OptPoolStopPolicy(task.StopAll),
	)
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), rc.fn, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int32(3), atomic.LoadInt32(runs))
	for id := 0; id < n; id++ {
		assert.GreaterOrEqual(t, rc.get(id), int32(3))
		assert.LessOrEqual(t, rc.get(id), int32(4))
	}
}

// Under StopIndependent, a stopped participant keeps taking part in rounds
// and the pool drains only once every participant with a job has stopped.
func TestPool_StopIndependent(t *testing.T) {
	const n = 4
	early, earlyRuns := stopAfter(2)
	late, lateRuns := stopAfter(9)
	rc := newRoundCounter(n)
	p := task.NewPool(task.OptPoolJobs(early, late))
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), rc.fn, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int32(2), atomic.LoadInt32(earlyRuns))
	assert.Equal(t, int32(9), atomic.LoadInt32(lateRuns))
	for id := 0; id < n; id++ {
		assert.GreaterOrEqual(t, rc.get(id), int32(9))
		assert.LessOrEqual(t, rc.get(id), int32(10))
	}
}

func TestPool_ContextCancel(t *testing.T) {
	const n = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc := newRoundCounter(n)
	fn := func(pt *task.Participant, arg interface{}) {
		if rc.fn(pt, arg); pt.Primary() && rc.get(0) == 10 {
			cancel()
		}
	}
	// No jobs: only the context can end this.
	p := task.NewPool(task.OptPoolTriggerFactory(rt.PeriodicFactory), task.OptPoolParams(rt.Params{
		Period: time.Millisecond, Budget: time.Millisecond, RelativeDeadline: time.Millisecond, CPU: rt.NoCPU,
	}))
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, ctx, fn, nil)
	assert.True(t, p.ShutdownRequested())
	require.NoError(t, p.Shutdown())
	assert.GreaterOrEqual(t, rc.get(0), int32(10))
	assert.Equal(t, rc.get(0), rc.get(1))
}

// Shutdown called while Start is running waits for Start to drain.
func TestPool_ShutdownWhileRunning(t *testing.T) {
	const n = 8
	rc := newRoundCounter(n)
	p := task.NewPool()
	require.NoError(t, p.Startup(n))

	var eg errgroup.Group
	eg.Go(func() error { return p.Start(context.Background(), rc.fn, nil) })
	for rc.get(0) < 5 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, task.ErrStartInFlight, p.Start(context.Background(), rc.fn, nil))

	waitOrFail(t, p.Shutdown)
	waitOrFail(t, eg.Wait)
	for id := 0; id < n; id++ {
		assert.Equal(t, rc.get(0), rc.get(id))
	}
}

// A participant that has entered a round runs its job for that round even
// when another participant's stop ends the pool while it waits for its
// release.
func TestPool_JobRunsInEveryEnteredRound(t *testing.T) {
	const n = 2
	fast := rt.Params{Period: time.Millisecond, Budget: time.Millisecond, RelativeDeadline: time.Millisecond, CPU: rt.NoCPU}
	slow := fast
	slow.Period = 200 * time.Millisecond

	runs := make([]int32, n)
	counting := func(stopOn int32) task.Job {
		return func(pt *task.Participant) bool {
			k := atomic.AddInt32(&runs[pt.ID()], 1)
			return stopOn > 0 && k >= stopOn
		}
	}
	rc := newRoundCounter(n)
	p := task.NewPool(
		task.OptPoolLogger(logger.NewLogfLogger(t)),
		task.OptPoolJobs(counting(2), counting(0)),
		task.OptPoolParams(fast, slow),
		task.OptPoolTriggerFactory(rt.PeriodicFactory),
		task.OptPoolStopPolicy(task.StopAll),
	)
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), rc.fn, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int32(2), atomic.LoadInt32(&runs[0]))
	for id := 0; id < n; id++ {
		assert.Equal(t, rc.get(id), atomic.LoadInt32(&runs[id]), "participant %d", id)
	}
}

// A job can end the pool through its participant; Shutdown afterwards
// returns the pool to size 1.
func TestPool_RequestShutdownFromJob(t *testing.T) {
	const n = 4
	var runs int32
	job := func(pt *task.Participant) bool {
		if atomic.AddInt32(&runs, 1) == 3 {
			pt.RequestShutdown()
		}
		return false
	}
	rc := newRoundCounter(n)
	// On participant 0 the request is seen by the very next publish.
	p := task.NewPool(task.OptPoolJobs(job))
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), rc.fn, nil)
	assert.True(t, p.ShutdownRequested())
	require.NoError(t, p.Shutdown())
	assert.Equal(t, 1, p.Size())

	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
	for id := 0; id < n; id++ {
		assert.Equal(t, int32(3), rc.get(id))
	}
}

// Participants see their own id, the pool size, and can rendezvous inside a
// round.
func TestPool_Participant(t *testing.T) {
	const n = 4
	var mu sync.Mutex
	seen := map[int]bool{}
	var phase int32
	var bad int32
	fn := func(pt *task.Participant, arg interface{}) {
		mu.Lock()
		seen[pt.ID()] = true
		mu.Unlock()
		if pt.PoolSize() != n || pt.Primary() != (pt.ID() == 0) || arg.(string) != "arg" {
			atomic.AddInt32(&bad, 1)
		}
		if pt.Primary() {
			atomic.StoreInt32(&phase, 1)
		}
		pt.BarrierWait()
		if atomic.LoadInt32(&phase) != 1 {
			atomic.AddInt32(&bad, 1)
		}
		pt.BarrierWait()
		if pt.Primary() {
			atomic.StoreInt32(&phase, 0)
		}
	}
	job, _ := stopAfter(5)
	p := task.NewPool(task.OptPoolJobs(job))
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), fn, "arg")
	require.NoError(t, p.Shutdown())

	assert.Len(t, seen, n)
	assert.Zero(t, atomic.LoadInt32(&bad))
}

type recordingTriggers struct {
	mu     sync.Mutex
	params map[int]rt.Params
}

func (r *recordingTriggers) factory(id int, p rt.Params) rt.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[id] = p
	return rt.Immediate
}

func TestPool_ParamsPerParticipant(t *testing.T) {
	fast := rt.Params{Period: 100 * time.Millisecond, Budget: 10 * time.Millisecond, RelativeDeadline: 50 * time.Millisecond, CPU: rt.NoCPU}
	slow := fast
	slow.Period = 800 * time.Millisecond

	rec := &recordingTriggers{params: map[int]rt.Params{}}
	job, _ := stopAfter(1)
	p := task.NewPool(
		task.OptPoolParams(fast, slow),
		task.OptPoolTriggerFactory(rec.factory),
		task.OptPoolJobs(job),
	)
	require.NoError(t, p.Startup(4))
	startAndWait(t, p, context.Background(), func(*task.Participant, interface{}) {}, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, fast, rec.params[0])
	assert.Equal(t, slow, rec.params[1])
	assert.Equal(t, slow, rec.params[2])
	assert.Equal(t, slow, rec.params[3])
}

type failingModeSwitch struct {
	realTime, background int32
}

func (f *failingModeSwitch) Enter(m rt.Mode, p rt.Params) error {
	if m == rt.RealTime {
		atomic.AddInt32(&f.realTime, 1)
	} else {
		atomic.AddInt32(&f.background, 1)
	}
	return errors.New(errors.ErrSchedulingModeFailure, "operation not permitted")
}

// A failing mode switch is logged and counted but never stops the pool.
func TestPool_ModeSwitchFailure(t *testing.T) {
	const n = 4
	ms := &failingModeSwitch{}
	log := logger.NewBufferLogger()
	sc := newCountingStats()
	job, runs := stopAfter(3)
	p := task.NewPool(
		task.OptPoolModeSwitch(ms),
		task.OptPoolLogger(log),
		task.OptPoolStatsClient(sc),
		task.OptPoolJobs(job),
	)
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), func(*task.Participant, interface{}) {}, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int32(3), atomic.LoadInt32(runs))
	assert.Equal(t, int32(n), atomic.LoadInt32(&ms.realTime))
	assert.Equal(t, int32(n), atomic.LoadInt32(&ms.background))
	assert.Equal(t, int64(2*n), sc.count(stats.MetricModeFailures))
	assert.Contains(t, log.String(), "WARN:  pool ")
	assert.Contains(t, log.String(), "entering real-time mode: operation not permitted")
}

func TestPool_Stats(t *testing.T) {
	sc := newCountingStats()
	slow := func(pt *task.Participant) bool {
		time.Sleep(3 * time.Millisecond)
		return true
	}
	p := task.NewPool(
		task.OptPoolStatsClient(sc),
		task.OptPoolJobs(slow),
		task.OptPoolParams(rt.Params{Period: 10 * time.Millisecond, Budget: time.Millisecond, RelativeDeadline: 2 * time.Millisecond, CPU: rt.NoCPU}),
	)
	require.NoError(t, p.Startup(2))
	startAndWait(t, p, context.Background(), func(*task.Participant, interface{}) {}, nil)
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int64(1), sc.count(stats.MetricJobRuns))
	assert.Equal(t, int64(1), sc.count(stats.MetricBudgetOverruns))
	assert.Equal(t, int64(1), sc.count(stats.MetricDeadlineMisses))
	assert.Equal(t, int64(1), sc.count(stats.MetricLocalStops))
	assert.GreaterOrEqual(t, sc.count(stats.MetricRounds), int64(1))
	assert.Equal(t, 1.0, sc.gauge(stats.MetricPoolSize))
}

// countingStats is a StatsClient that sums counts and keeps the last gauge
// value, ignoring tags.
type countingStats struct {
	mu     *sync.Mutex
	counts map[string]int64
	gauges map[string]float64
}

func newCountingStats() *countingStats {
	return &countingStats{mu: &sync.Mutex{}, counts: map[string]int64{}, gauges: map[string]float64{}}
}

func (c *countingStats) Tags() []string                            { return nil }
func (c *countingStats) WithTags(tags ...string) stats.StatsClient { return c }

func (c *countingStats) Count(name string, value int64, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += value
}

func (c *countingStats) Gauge(name string, value float64, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

func (c *countingStats) Histogram(name string, value float64, rate float64)    {}
func (c *countingStats) Timing(name string, value time.Duration, rate float64) {}
func (c *countingStats) Close() error                                          { return nil }

func (c *countingStats) count(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func (c *countingStats) gauge(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[name]
}

func TestPool_Status(t *testing.T) {
	const n = 2
	job, _ := stopAfter(4)
	p := task.NewPool(task.OptPoolJobs(job))

	st := p.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, p.ID(), st.ID)

	require.NoError(t, p.Startup(n))
	assert.Equal(t, "parked", p.Status().State)

	startAndWait(t, p, context.Background(), newRoundCounter(n).fn, nil)
	st = p.Status()
	assert.Equal(t, "drained", st.State)
	assert.Equal(t, n, st.Size)
	assert.Equal(t, 1, st.JobsStopped)
	assert.True(t, st.ShutdownRequested)
	assert.GreaterOrEqual(t, st.Rounds, uint64(4))
	assert.Equal(t, st.Rounds, p.Rounds())

	require.NoError(t, p.Shutdown())
	assert.Equal(t, "idle", p.Status().State)
}

func TestPool_Tracing(t *testing.T) {
	mt := mocktracer.New()
	tracing.GlobalTracer = rtopentracing.NewTracer(mt, logger.NewLogfLogger(t))
	defer func() { tracing.GlobalTracer = tracing.NopTracer() }()

	const n = 2
	j0, _ := stopAfter(3)
	j1, _ := stopAfter(3)
	p := task.NewPool(task.OptPoolJobs(j0, j1))
	require.NoError(t, p.Startup(n))
	startAndWait(t, p, context.Background(), newRoundCounter(n).fn, nil)
	require.NoError(t, p.Shutdown())

	var start *mocktracer.MockSpan
	var jobSpans []*mocktracer.MockSpan
	for _, span := range mt.FinishedSpans() {
		switch span.OperationName {
		case "Pool.Start":
			start = span
		case "Job":
			jobSpans = append(jobSpans, span)
		}
	}
	require.NotNil(t, start)
	assert.Len(t, jobSpans, 2*3)
	for _, span := range jobSpans {
		assert.Equal(t, start.SpanContext.SpanID, span.ParentID)
	}
}
