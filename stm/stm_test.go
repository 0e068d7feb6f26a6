// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package stm_test

import (
	"expvar"
	"fmt"
	"testing"

	"github.com/featurebasedb/rtregion/errors"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/featurebasedb/rtregion/stm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func add(v *stm.Var[int], d int) func(*stm.Tx) error {
	return func(tx *stm.Tx) error {
		v.Store(tx, v.Load(tx)+d)
		return nil
	}
}

func TestAtomically_Increments(t *testing.T) {
	const v0, k = 7, 2000
	for _, workers := range []int{2, 4, 8} {
		t.Run(fmt.Sprintf("workers-%d", workers), func(t *testing.T) {
			v := stm.NewVar(v0)
			var eg errgroup.Group
			for w := 0; w < workers; w++ {
				eg.Go(func() error {
					for i := 0; i < k; i++ {
						if _, err := stm.Atomically(add(v, 2)); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, eg.Wait())
			assert.Equal(t, v0+2*k*workers, v.Peek())
		})
	}
}

func TestAtomically_RetryIsTransparent(t *testing.T) {
	v := stm.NewVar(1)
	runs := 0
	res, err := stm.Atomically(func(tx *stm.Tx) error {
		runs++
		x := v.Load(tx)
		if runs == 1 {
			// Commit a conflicting update from another goroutine before this
			// attempt commits.
			done := make(chan error)
			go func() {
				_, err := stm.Atomically(add(v, 100))
				done <- err
			}()
			if err := <-done; err != nil {
				return err
			}
		}
		v.Store(tx, x*2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Equal(t, 2, res.Attempts)
	// (1+100)*2: the aborted attempt's doubling is not visible.
	assert.Equal(t, 202, v.Peek())
}

func TestAtomically_ConsistentSnapshot(t *testing.T) {
	a, b := stm.NewVar(0), stm.NewVar(0)
	var eg errgroup.Group
	eg.Go(func() error {
		for i := 0; i < 2000; i++ {
			if _, err := stm.Atomically(func(tx *stm.Tx) error {
				a.Store(tx, a.Load(tx)+1)
				b.Store(tx, b.Load(tx)-1)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < 2000; i++ {
			var sum int
			if _, err := stm.Atomically(func(tx *stm.Tx) error {
				sum = a.Load(tx) + b.Load(tx)
				return nil
			}); err != nil {
				return err
			}
			if sum != 0 {
				return errors.Errorf("inconsistent snapshot: a+b = %d", sum)
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())
}

func TestAtomically_Rollback(t *testing.T) {
	v := stm.NewVar(5)
	var seen *stm.Tx
	boom := errors.Errorf("boom")
	res, err := stm.Atomically(func(tx *stm.Tx) error {
		seen = tx
		v.Store(tx, 99)
		assert.Equal(t, 99, v.Load(tx))
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 5, v.Peek())
	assert.Equal(t, stm.RolledBack, seen.State())
}

func TestAtomically_States(t *testing.T) {
	v := stm.NewVar("x")
	var seen *stm.Tx
	res, err := stm.Atomically(func(tx *stm.Tx) error {
		assert.Equal(t, stm.Active, tx.State())
		seen = tx
		v.Store(tx, v.Load(tx)+"y")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, stm.Committed, seen.State())
	assert.Equal(t, "xy", v.Peek())
	assert.NotZero(t, res.Version)

	// Using a finished transaction is a precondition violation.
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, errors.ErrPreconditionViolation))
	}()
	v.Load(seen)
}

func TestAtomically_ReadOnly(t *testing.T) {
	v := stm.NewVar(3)
	_, err := stm.Atomically(add(v, 1))
	require.NoError(t, err)

	var got int
	res, err := stm.Atomically(func(tx *stm.Tx) error {
		got = v.Load(tx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, 1, res.Attempts)
}

func TestAtomically_Stats(t *testing.T) {
	sc := stats.NewExpvarStatsClient().WithTags(stats.Tag("test", t.Name()))
	v := stm.NewVar(0)
	for i := 0; i < 3; i++ {
		_, err := stm.Atomically(add(v, 1), stm.OptTxStatsClient(sc))
		require.NoError(t, err)
	}
	_, _ = stm.Atomically(func(*stm.Tx) error { return errors.Errorf("no") }, stm.OptTxStatsClient(sc))

	m, ok := stats.Expvar.Get(stats.Tag("test", t.Name())).(*expvar.Map)
	require.True(t, ok)
	assert.Equal(t, "3", m.Get(stats.MetricTxCommits).String())
	assert.Equal(t, "1", m.Get(stats.MetricTxRollbacks).String())
	assert.Nil(t, m.Get(stats.MetricTxAborts))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ACTIVE", stm.Active.String())
	assert.Equal(t, "COMMITTED", stm.Committed.String())
	assert.Equal(t, "ABORTED", stm.Aborted.String())
	assert.Equal(t, "ROLLED_BACK", stm.RolledBack.String())
	assert.Equal(t, "UNKNOWN", stm.State(9).String())
}
