// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides a sliding-window request limiter keyed by
// client identifier.
//
// The limiter is an explicitly constructed, injectable instance: build one
// at server start and share it across request handlers. There is no
// module-level state. Internally the identifier space is sharded so that
// concurrent admission checks from in-flight requests do not serialize on
// a single lock.
package ratelimit

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultWindow is the sliding admission window.
	DefaultWindow = 60 * time.Second

	// DefaultLimit is the maximum number of admitted requests per
	// identifier within the window.
	DefaultLimit = 30

	// shardCount spreads identifiers across independently locked maps.
	shardCount = 16

	// sweepProbability is the chance, per admission call, of a full sweep
	// that evicts identifiers with no requests left in the window. This
	// bounds memory growth without a background goroutine.
	sweepProbability = 0.01
)

// ErrRateLimited is returned by Allow when an identifier has exhausted its
// window. Callers map it to HTTP 429, distinct from validation failures.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter admits or rejects requests per identifier over a sliding window.
//
// # Thread Safety
//
// Safe for concurrent use. Each shard serializes its own
// read-filter-append sequence under a mutex; no lost updates.
type Limiter struct {
	window time.Duration
	limit  int

	// now is the clock source; replaceable in tests.
	now func() time.Time

	// sweepRoll returns a uniform [0,1) sample deciding whether this
	// admission also runs a full eviction sweep.
	sweepRoll func() float64

	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New creates a Limiter with the given window and per-identifier limit.
// Zero or negative arguments fall back to the defaults.
func New(window time.Duration, limit int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	l := &Limiter{
		window:    window,
		limit:     limit,
		now:       time.Now,
		sweepRoll: rand.Float64,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string][]time.Time)}
	}
	return l
}

// Allow records one request for id and decides admit or reject.
//
// The identifier's timestamp list is pruned lazily on each call; entries
// older than the window stop counting. An empty id lands in the shared
// "unknown" bucket rather than bypassing limiting.
//
// Returns ErrRateLimited on rejection, nil on admission.
func (l *Limiter) Allow(id string) error {
	if id == "" {
		id = "unknown"
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	sh := l.shardFor(id)
	sh.mu.Lock()
	recent := pruneBefore(sh.buckets[id], cutoff)
	if len(recent) >= l.limit {
		sh.buckets[id] = recent
		sh.mu.Unlock()
		return ErrRateLimited
	}
	sh.buckets[id] = append(recent, now)
	sh.mu.Unlock()

	if l.sweepRoll() < sweepProbability {
		l.sweep(cutoff)
	}

	return nil
}

// TrackedIdentifiers reports how many identifiers currently hold state.
// Used by metrics and tests; the count is a snapshot, not a fence.
func (l *Limiter) TrackedIdentifiers() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}

// sweep prunes every identifier and evicts those with nothing left in the
// window. Shards are locked one at a time so in-flight admissions on other
// shards proceed unimpeded.
func (l *Limiter) sweep(cutoff time.Time) {
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, ts := range sh.buckets {
			recent := pruneBefore(ts, cutoff)
			if len(recent) == 0 {
				delete(sh.buckets, id)
			} else {
				sh.buckets[id] = recent
			}
		}
		sh.mu.Unlock()
	}
}

func (l *Limiter) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return l.shards[h.Sum32()%shardCount]
}

// pruneBefore drops timestamps at or before cutoff, preserving order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	// Timestamps are appended in order; find the first one still inside
	// the window instead of filtering the whole slice.
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}
