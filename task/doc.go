// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package task runs periodic parallel regions.
//
// A Pool of N participants (N a power of two) executes the same round
// function over and over. Participant 0 is the goroutine that called Start;
// participants 1..N-1 are spawned by Startup and wait at the entry barrier
// until the first round is published. Every round looks the same to every
// participant:
//
//	entry barrier -> shutdown? -> round function -> exit barrier
//	  -> wait for the next periodic release -> run own job -> repeat
//
// Participant 0 publishes the round, including whether the pool is shutting
// down, before it enters the entry barrier, and nobody
// reads it until they are through that barrier, so every participant sees
// the same decision. Shutdown is therefore only ever observed at the entry
// barrier and never in the middle of a round: once it is requested, every
// participant runs at most one more round.
//
// Each participant may have a Job bound to it. A job reports when it is
// done; what happens then is decided by the pool's StopPolicy.
//
// Participants are handed a *Participant rather than having to look up who
// they are. It carries the id and pool size, and lets round functions that
// need a mid-round rendezvous reach the barrier.
package task
