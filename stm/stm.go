// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package stm provides atomic, automatically retried updates of shared
// variables.
//
// A transaction body runs against a snapshot taken when the attempt begins.
// If a variable it read is committed by someone else before the attempt
// commits, the attempt is aborted and the body runs again from a fresh
// snapshot; callers never see the conflict. The body may therefore run more
// than once and must not have effects other than Load and Store.
//
// Transactions do not nest: calling Atomically from inside a body is not
// supported.
package stm

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/stats"
)

var (
	// clock is the version of the latest commit. It only advances after a
	// commit's writes are all visible.
	clock uint64

	// commitMu serializes validation and publication of write sets.
	commitMu sync.Mutex
)

// State is the state of a transaction attempt.
type State int32

const (
	Active State = iota
	Committed
	Aborted
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case RolledBack:
		return "ROLLED_BACK"
	}
	return "UNKNOWN"
}

// CommitResult describes a successful Atomically call.
type CommitResult struct {
	// Attempts is the number of times the body ran, including the one that
	// committed.
	Attempts int
	// Version is the clock value of the commit. Read-only transactions report
	// the snapshot they read.
	Version uint64
}

// conflict is the panic value used to unwind an attempt that read a
// variable newer than its snapshot.
type conflict struct{}

type tvar interface {
	version() uint64
	publish(val interface{}, ver uint64)
}

// Tx is a single transaction attempt. It is only valid inside the body it
// was passed to.
type Tx struct {
	rv     uint64
	state  int32
	reads  map[tvar]struct{}
	writes map[tvar]interface{}
	order  []tvar
}

func newTx() *Tx {
	return &Tx{
		rv:     atomic.LoadUint64(&clock),
		reads:  make(map[tvar]struct{}),
		writes: make(map[tvar]interface{}),
	}
}

// State returns the attempt's current state.
func (tx *Tx) State() State {
	return State(atomic.LoadInt32(&tx.state))
}

func (tx *Tx) setState(s State) {
	atomic.StoreInt32(&tx.state, int32(s))
}

func (tx *Tx) checkActive() {
	if tx.State() != Active {
		panic(errors.Newf(errors.ErrPreconditionViolation, "transaction used in state %s", tx.State()))
	}
}

func (tx *Tx) abort() {
	tx.setState(Aborted)
	panic(conflict{})
}

// commit validates the read set and publishes the write set. It returns
// false if the attempt has to be retried.
func (tx *Tx) commit() (uint64, bool) {
	if len(tx.writes) == 0 {
		// Every read was checked against rv when it happened.
		tx.setState(Committed)
		return tx.rv, true
	}

	commitMu.Lock()
	defer commitMu.Unlock()
	for v := range tx.reads {
		if v.version() > tx.rv {
			tx.setState(Aborted)
			return 0, false
		}
	}
	wv := atomic.LoadUint64(&clock) + 1
	for _, v := range tx.order {
		v.publish(tx.writes[v], wv)
	}
	atomic.StoreUint64(&clock, wv)
	tx.setState(Committed)
	return wv, true
}

// TxOption configures Atomically.
type TxOption func(*txOptions)

type txOptions struct {
	stats stats.StatsClient
}

// OptTxStatsClient reports commits, aborts, rollbacks and attempts per
// operation to s.
func OptTxStatsClient(s stats.StatsClient) TxOption {
	return func(o *txOptions) {
		o.stats = s
	}
}

// Atomically runs fn as a transaction and retries it until it commits. If fn
// returns an error the attempt is rolled back, nothing it stored becomes
// visible, and the error is returned without retrying.
func Atomically(fn func(tx *Tx) error, opts ...TxOption) (CommitResult, error) {
	o := txOptions{stats: stats.NopStatsClient}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; ; attempt++ {
		tx := newTx()
		ok, err := run(tx, fn)
		if !ok {
			o.stats.Count(stats.MetricTxAborts, 1, 1.0)
			runtime.Gosched()
			continue
		}
		if err != nil {
			tx.setState(RolledBack)
			o.stats.Count(stats.MetricTxRollbacks, 1, 1.0)
			return CommitResult{Attempts: attempt}, err
		}
		if ver, ok := tx.commit(); ok {
			o.stats.Count(stats.MetricTxCommits, 1, 1.0)
			o.stats.Histogram(stats.MetricTxAttemptsPerOp, float64(attempt), 1.0)
			return CommitResult{Attempts: attempt, Version: ver}, nil
		}
		o.stats.Count(stats.MetricTxAborts, 1, 1.0)
		runtime.Gosched()
	}
}

// run executes one attempt of fn. ok is false if the attempt hit a conflict
// while reading.
func run(tx *Tx, fn func(*Tx) error) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, isConflict := r.(conflict); !isConflict {
				panic(r)
			}
			ok = false
		}
	}()
	return true, fn(tx)
}

type record[T any] struct {
	val T
	ver uint64
}

// Var is a shared variable that can only be changed inside a transaction.
type Var[T any] struct {
	rec atomic.Value // *record[T]
}

// NewVar returns a variable holding v.
func NewVar[T any](v T) *Var[T] {
	tv := &Var[T]{}
	tv.rec.Store(&record[T]{val: v, ver: atomic.LoadUint64(&clock)})
	return tv
}

func (v *Var[T]) load() *record[T] {
	return v.rec.Load().(*record[T])
}

func (v *Var[T]) version() uint64 {
	return v.load().ver
}

func (v *Var[T]) publish(val interface{}, ver uint64) {
	v.rec.Store(&record[T]{val: val.(T), ver: ver})
}

// Load returns the variable's value in tx's snapshot, or the value tx stored
// earlier.
func (v *Var[T]) Load(tx *Tx) T {
	tx.checkActive()
	if w, ok := tx.writes[v]; ok {
		return w.(T)
	}
	rec := v.load()
	if rec.ver > tx.rv {
		tx.abort()
	}
	tx.reads[v] = struct{}{}
	return rec.val
}

// Store sets the variable's value. It becomes visible when tx commits.
func (v *Var[T]) Store(tx *Tx, val T) {
	tx.checkActive()
	if _, ok := tx.writes[v]; !ok {
		tx.order = append(tx.order, v)
	}
	tx.writes[v] = val
}

// Peek returns the latest committed value outside of any transaction.
func (v *Var[T]) Peek() T {
	return v.load().val
}
