// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/rtregion"
	"github.com/featurebasedb/rtregion/barrier"
	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/gcnotify"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/rt"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/featurebasedb/rtregion/tracing"
	"github.com/google/uuid"
)

var (
	ErrNotPowerOfTwo  = errors.New(errors.ErrPreconditionViolation, "pool size must be a power of two")
	ErrAlreadyStarted = errors.New(errors.ErrPreconditionViolation, "pool already started up")
	ErrNotStarted     = errors.New(errors.ErrPreconditionViolation, "pool not started up")
	ErrNilRoundFunc   = errors.New(errors.ErrPreconditionViolation, "round function is nil")
	ErrStartInFlight  = errors.New(errors.ErrPreconditionViolation, "pool is already running")
	ErrDrained        = errors.New(errors.ErrPreconditionViolation, "pool has drained; shut it down before starting again")
	ErrShuttingDown   = errors.New(errors.ErrPreconditionViolation, "pool is shutting down")
)

type poolState int

const (
	stateIdle     poolState = iota // no participants
	stateParked                    // secondaries wait at the entry barrier
	stateRunning                   // Start in flight
	stateDrained                   // Start returned, everyone left the loop
	stateStopping                  // Shutdown in progress
)

func (s poolState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateParked:
		return "parked"
	case stateRunning:
		return "running"
	case stateDrained:
		return "drained"
	case stateStopping:
		return "stopping"
	}
	return "unknown"
}

// slot is the round published by participant 0 before every entry barrier.
type slot struct {
	fn       RoundFunc
	arg      interface{}
	trace    context.Context // parent of job spans
	shutdown bool
}

// Pool is a fixed-size group of participants executing a round function in
// lock-step. The zero value is not usable; use NewPool.
//
// A Pool is driven through Startup, Start and Shutdown, in that order. After
// Shutdown it may be started up again.
type Pool struct {
	mu    sync.Mutex // locker used for cond
	cond  *sync.Cond // notify of exiting secondaries
	live  int32      // secondaries still running
	state poolState

	id     string
	logger logger.Logger
	stats  stats.StatsClient

	jobs       []Job
	params     []rt.Params
	triggers   rt.TriggerFactory
	modes      rt.ModeSwitch
	policy     StopPolicy
	gcNotifier rtregion.GCNotifier

	// Set up by Startup.
	n            int
	b            *barrier.Barrier
	participants []*Participant
	ctx          context.Context // cancelled when shutdown is requested
	cancel       context.CancelFunc
	gc           *gcnotify.Counter
	withJobs     int32 // participants that have a job
	stopped      int32 // participants whose job has stopped
	done         chan struct{}

	// Written by participant 0 only, before the entry barrier.
	slot slot

	shutdown int32
	rounds   uint64
}

// NewPool returns a pool of size 1 that has not been started up.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		id:         uuid.New().String(),
		logger:     logger.NopLogger,
		stats:      stats.NopStatsClient,
		triggers:   rt.ImmediateFactory,
		modes:      rt.NopModeSwitch,
		policy:     StopIndependent,
		gcNotifier: rtregion.NopGCNotifier,
		n:          1,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithPrefix("pool " + p.id[:8] + ": ")
	p.stats = p.stats.WithTags(stats.Tag("pool", p.id))
	return p
}

// ID returns the pool's unique id, which also tags its logs and stats.
func (p *Pool) ID() string { return p.id }

// Size returns the number of participants, or 1 if the pool is not started
// up.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Rounds returns the number of rounds published since the last Startup.
func (p *Pool) Rounds() uint64 { return atomic.LoadUint64(&p.rounds) }

// Status is a point-in-time view of a pool.
type Status struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	Size              int    `json:"size"`
	Rounds            uint64 `json:"rounds"`
	JobsStopped       int    `json:"jobsStopped"`
	ShutdownRequested bool   `json:"shutdownRequested"`
}

// Status returns the pool's current status.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ID:                p.id,
		State:             p.state.String(),
		Size:              p.n,
		Rounds:            p.Rounds(),
		JobsStopped:       int(atomic.LoadInt32(&p.stopped)),
		ShutdownRequested: p.ShutdownRequested(),
	}
}

// Startup creates the barrier and spawns participants 1..n-1, which wait at
// the entry barrier for Start. It returns without waiting for them.
func (p *Pool) Startup(n int) error {
	if !barrier.IsPowerOfTwo(n) {
		return errors.Wrapf(ErrNotPowerOfTwo, "startup(%d)", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateIdle {
		return ErrAlreadyStarted
	}

	b, err := barrier.New(n)
	if err != nil {
		return errors.Wrap(err, "creating barrier")
	}
	p.n, p.b = n, b
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	p.slot = slot{}
	atomic.StoreInt32(&p.shutdown, 0)
	atomic.StoreInt32(&p.stopped, 0)
	atomic.StoreUint64(&p.rounds, 0)
	p.withJobs = 0
	p.participants = make([]*Participant, n)
	for id := 0; id < n; id++ {
		pt := p.newParticipant(id)
		if pt.job != nil {
			p.withJobs++
		}
		p.participants[id] = pt
	}
	p.gc = gcnotify.NewCounter(p.gcNotifier)
	p.stats.Gauge(stats.MetricPoolSize, float64(n), 1.0)

	for id := 1; id < n; id++ {
		p.live++
		go p.secondary(p.participants[id])
	}
	p.state = stateParked
	p.logger.Infof("started up with %d participants, %d with jobs, stop policy %s", n, p.withJobs, p.policy)
	return nil
}

func (p *Pool) newParticipant(id int) *Participant {
	params := rt.DefaultParams()
	if len(p.params) > 0 {
		if id < len(p.params) {
			params = p.params[id]
		} else {
			params = p.params[len(p.params)-1]
		}
	}
	var job Job
	if id < len(p.jobs) {
		job = p.jobs[id]
	}
	return &Participant{
		pool:   p,
		id:     id,
		b:      p.b,
		params: params,
		job:    job,
		logger: p.logger.WithPrefix(fmtParticipant(id)),
		stats:  p.stats.WithTags(stats.Tag("participant", id)),
	}
}

func (p *Pool) secondary(pt *Participant) {
	defer func() {
		p.mu.Lock()
		p.live--
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	p.run(pt)
}

// Start publishes fn and arg and runs the dispatch loop as participant 0,
// blocking until the pool drains. Cancelling ctx requests shutdown; it takes
// effect at the next entry barrier.
func (p *Pool) Start(ctx context.Context, fn RoundFunc, arg interface{}) error {
	if fn == nil {
		return ErrNilRoundFunc
	}
	p.mu.Lock()
	switch p.state {
	case stateIdle:
		p.mu.Unlock()
		return ErrNotStarted
	case stateRunning:
		p.mu.Unlock()
		return ErrStartInFlight
	case stateDrained:
		p.mu.Unlock()
		return ErrDrained
	case stateStopping:
		p.mu.Unlock()
		return ErrShuttingDown
	}
	span, tctx := tracing.StartSpanFromContext(ctx, "Pool.Start")
	defer span.Finish()

	p.state = stateRunning
	p.slot = slot{fn: fn, arg: arg, trace: tctx}
	pt := p.participants[0]
	p.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Infof("context done, requesting shutdown: %v", ctx.Err())
			p.requestShutdown()
		case <-stop:
		}
	}()

	p.logger.Infof("starting")
	p.run(pt)
	p.logger.Infof("drained after %d rounds", atomic.LoadUint64(&p.rounds))
	span.LogKV("participants", p.n, "rounds", atomic.LoadUint64(&p.rounds))

	p.mu.Lock()
	p.state = stateDrained
	close(p.done)
	p.mu.Unlock()
	return nil
}

// requestShutdown sets the shutdown flag and cuts short any pending
// periodic release. The job of the current round still runs. The flag is
// only read by participant 0 when it publishes the next round.
func (p *Pool) requestShutdown() {
	if atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		p.cancel()
	}
}

// ShutdownRequested reports whether shutdown has been requested since the
// last Startup.
func (p *Pool) ShutdownRequested() bool {
	return atomic.LoadInt32(&p.shutdown) == 1
}

// Shutdown requests shutdown, waits for every participant to leave its loop,
// and returns the pool to size 1. If Start is running, Shutdown waits for it
// to return. If Start was never called, Shutdown releases the waiting
// participants itself.
//
// Shutdown must not be called from a round function or job: it would wait
// for the round its caller is holding up. Use Participant.RequestShutdown
// there and call Shutdown after Start returns.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	state := p.state
	switch state {
	case stateIdle:
		p.mu.Unlock()
		return ErrNotStarted
	case stateStopping:
		p.mu.Unlock()
		return ErrShuttingDown
	}
	p.state = stateStopping
	done := p.done
	p.mu.Unlock()

	p.requestShutdown()
	switch state {
	case stateRunning:
		<-done
	case stateParked:
		// Stand in for participant 0 for the one round that tells everyone
		// to leave.
		p.slot = slot{shutdown: true}
		p.b.Wait(0)
	}

	// important to note: p.cond.Wait() is actually releasing this lock,
	// then reacquiring it when the wait succeeds.
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.live > 0 {
		p.cond.Wait()
	}
	p.gc.Close()
	p.cancel()
	p.n, p.b, p.participants = 1, nil, nil
	p.state = stateIdle
	p.stats.Gauge(stats.MetricPoolSize, 1, 1.0)
	p.logger.Infof("shut down")
	return nil
}
