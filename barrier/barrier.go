// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package barrier implements a reusable logarithmic barrier for a fixed,
// power-of-two sized group of participants.
//
// Participants pair up in a binary combining tree. At level k (pair span
// 2^k) the participant whose low k bits are zero is the node's master: it
// waits for its partner and keeps climbing. The partner announces itself and
// parks on the node until released. The master that reaches the root knows
// everyone has arrived and walks back down the levels it mastered, resetting
// each node and releasing the parked partner, who in turn releases its own
// subtree. Each node is only ever touched by the same two participants, and
// a node is reset before its partner is released, so the barrier can be
// reused immediately by the next round.
package barrier

import (
	"math/bits"
	"sync"

	"github.com/featurebasedb/rtregion/errors"
)

// node is the rendezvous point of one pair at one level of the tree.
type node struct {
	mu       sync.Mutex
	arrived  *sync.Cond // partner arrived
	released *sync.Cond // round released
	count    int        // 0, 1 or 2 arrivals
	gen      uint64     // bumped on every release
}

// Barrier is a combining-tree barrier for n participants with ids in [0, n).
type Barrier struct {
	n     int
	depth int // log2(n)
	nodes []node
}

// New returns a barrier for n participants. n must be a power of two.
func New(n int) (*Barrier, error) {
	if !IsPowerOfTwo(n) {
		return nil, errors.Newf(errors.ErrPreconditionViolation, "barrier size %d is not a power of two", n)
	}
	b := &Barrier{
		n:     n,
		depth: bits.TrailingZeros(uint(n)),
		nodes: make([]node, n),
	}
	for i := range b.nodes {
		nd := &b.nodes[i]
		nd.arrived = sync.NewCond(&nd.mu)
		nd.released = sync.NewCond(&nd.mu)
	}
	return b, nil
}

// IsPowerOfTwo reports whether n is 1, 2, 4, 8, ...
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Size returns the number of participants.
func (b *Barrier) Size() int {
	return b.n
}

// index returns the node shared by id at the given level (1-based). Levels
// are laid out bottom-up; level k holds n>>k nodes starting at n-n>>(k-1).
func (b *Barrier) index(id, level int) int {
	return b.n - b.n>>(level-1) + id>>level
}

// Wait blocks until all n participants have called Wait for this round.
// id must be in [0, n) and distinct among concurrent callers.
func (b *Barrier) Wait(id int) {
	if b.n < 2 {
		return
	}
	if id < 0 || id >= b.n {
		panic(errors.Newf(errors.ErrPreconditionViolation, "barrier participant %d out of range [0, %d)", id, b.n))
	}

	// Ascent.
	level := 1
	for ; level <= b.depth; level++ {
		nd := &b.nodes[b.index(id, level)]
		nd.mu.Lock()
		nd.count++
		if id&((1<<level)-1) == 0 {
			for nd.count < 2 {
				nd.arrived.Wait()
			}
			nd.mu.Unlock()
			continue
		}
		if nd.count == 2 {
			nd.arrived.Signal()
		}
		for gen := nd.gen; gen == nd.gen; {
			nd.released.Wait()
		}
		nd.mu.Unlock()
		break
	}

	// Descent, top-down over the levels this participant mastered.
	for level--; level >= 1; level-- {
		nd := &b.nodes[b.index(id, level)]
		nd.mu.Lock()
		nd.count = 0
		nd.gen++
		nd.released.Signal()
		nd.mu.Unlock()
	}
}
