// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the coordinator's time-bounded prediction cache.
//
// # Description
//
// Entries are keyed by site identity. Freshness is checked lazily: a read
// of an entry whose age has reached the TTL evicts it and reports a miss.
// There is no background sweep. Writes replace the whole entry with a
// fresh timestamp; there are no partial updates.
//
// The cache is memory-only and does not survive a coordinator restart.
//
// # Thread Safety
//
// PredictionCache is safe for concurrent use.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the maximum age of a valid entry.
const DefaultTTL = 15 * time.Minute

// FetchFunc loads predictions for a domain from the network.
type FetchFunc func(ctx context.Context, domain string) ([]datatypes.PredictionItem, error)

// Recorder receives cache events. observability.Metrics implements it.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CacheEviction()
	CacheSize(n int)
}

// CacheOptions configures a PredictionCache.
type CacheOptions struct {
	// TTL is the maximum entry age. Default: 15 minutes.
	TTL time.Duration

	// Clock supplies the current time. Default: ttl.Real().
	Clock ttl.Clock

	// DedupeInFlight makes concurrent Fetch calls for the same domain
	// share one FetchFunc call. Default: false, duplicate fetches are
	// tolerated and the last response wins.
	DedupeInFlight bool

	// Recorder receives hit/miss/eviction events. May be nil.
	Recorder Recorder
}

// CacheOption mutates CacheOptions.
type CacheOption func(*CacheOptions)

// WithTTL overrides the entry TTL.
func WithTTL(d time.Duration) CacheOption {
	return func(o *CacheOptions) { o.TTL = d }
}

// WithClock injects a clock.
func WithClock(c ttl.Clock) CacheOption {
	return func(o *CacheOptions) { o.Clock = c }
}

// WithDedupeInFlight enables single-flight fetches per domain.
func WithDedupeInFlight(enabled bool) CacheOption {
	return func(o *CacheOptions) { o.DedupeInFlight = enabled }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) CacheOption {
	return func(o *CacheOptions) { o.Recorder = r }
}

// DefaultCacheOptions returns the production defaults.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{TTL: DefaultTTL, Clock: ttl.Real()}
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	Fetches   int64
}

// PredictionCache maps site identity to its latest predictions.
type PredictionCache struct {
	mu      sync.RWMutex
	entries map[string]datatypes.PredictionCacheEntry
	flight  singleflight.Group
	options CacheOptions

	hits      int64
	misses    int64
	evictions int64
	fetches   int64
}

// NewPredictionCache creates an empty cache.
func NewPredictionCache(opts ...CacheOption) *PredictionCache {
	options := DefaultCacheOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Clock == nil {
		options.Clock = ttl.Real()
	}
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	return &PredictionCache{
		entries: make(map[string]datatypes.PredictionCacheEntry),
		options: options,
	}
}

// TTL returns the configured entry lifetime.
func (c *PredictionCache) TTL() time.Duration {
	return c.options.TTL
}

// Get returns the entry for domain if it is still valid. A stale entry is
// evicted during the read and reported as a miss.
func (c *PredictionCache) Get(domain string) (datatypes.PredictionCacheEntry, bool) {
	now := ttl.NowMs(c.options.Clock)

	c.mu.RLock()
	entry, ok := c.entries[domain]
	c.mu.RUnlock()

	if !ok {
		c.recordMiss()
		return datatypes.PredictionCacheEntry{}, false
	}

	if !entry.Valid(now, c.options.TTL) {
		c.evictIfUnchanged(domain, entry.CachedAtMs)
		c.recordMiss()
		return datatypes.PredictionCacheEntry{}, false
	}

	c.recordHit()
	entry.Predictions = datatypes.ClonePredictions(entry.Predictions)
	return entry, true
}

// Has reports whether a valid entry exists, with the same lazy eviction
// as Get but without touching hit/miss counters.
func (c *PredictionCache) Has(domain string) bool {
	now := ttl.NowMs(c.options.Clock)

	c.mu.RLock()
	entry, ok := c.entries[domain]
	c.mu.RUnlock()

	if !ok {
		return false
	}
	if !entry.Valid(now, c.options.TTL) {
		c.evictIfUnchanged(domain, entry.CachedAtMs)
		return false
	}
	return true
}

// Put replaces the entry for domain with preds stamped at the current time.
func (c *PredictionCache) Put(domain string, preds []datatypes.PredictionItem) datatypes.PredictionCacheEntry {
	entry := datatypes.PredictionCacheEntry{
		Domain:      domain,
		Predictions: datatypes.ClonePredictions(preds),
		CachedAtMs:  ttl.NowMs(c.options.Clock),
	}

	c.mu.Lock()
	c.entries[domain] = entry
	size := len(c.entries)
	c.mu.Unlock()

	if c.options.Recorder != nil {
		c.options.Recorder.CacheSize(size)
	}
	return entry
}

// Invalidate drops the entry for domain. It reports whether one existed.
func (c *PredictionCache) Invalidate(domain string) bool {
	c.mu.Lock()
	_, ok := c.entries[domain]
	delete(c.entries, domain)
	size := len(c.entries)
	c.mu.Unlock()

	if c.options.Recorder != nil {
		c.options.Recorder.CacheSize(size)
	}
	return ok
}

// Clear drops every entry.
func (c *PredictionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]datatypes.PredictionCacheEntry)
	c.mu.Unlock()

	if c.options.Recorder != nil {
		c.options.Recorder.CacheSize(0)
	}
}

// Len returns the number of stored entries, stale ones included.
func (c *PredictionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fetch calls fn for domain and writes the result into the cache. With
// DedupeInFlight, concurrent callers for one domain share a single fn
// call. Errors leave the cache untouched.
func (c *PredictionCache) Fetch(ctx context.Context, domain string, fn FetchFunc) ([]datatypes.PredictionItem, error) {
	if !c.options.DedupeInFlight {
		return c.fetchAndStore(ctx, domain, fn)
	}

	result, err, _ := c.flight.Do(domain, func() (interface{}, error) {
		return c.fetchAndStore(ctx, domain, fn)
	})
	if err != nil {
		return nil, err
	}
	return datatypes.ClonePredictions(result.([]datatypes.PredictionItem)), nil
}

func (c *PredictionCache) fetchAndStore(ctx context.Context, domain string, fn FetchFunc) ([]datatypes.PredictionItem, error) {
	atomic.AddInt64(&c.fetches, 1)
	preds, err := fn(ctx, domain)
	if err != nil {
		return nil, err
	}
	entry := c.Put(domain, preds)
	return entry.Predictions, nil
}

// Stats returns a snapshot of the cache counters.
func (c *PredictionCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Fetches:   atomic.LoadInt64(&c.fetches),
	}
}

// evictIfUnchanged removes a stale entry unless a concurrent Put already
// replaced it with a fresh one.
func (c *PredictionCache) evictIfUnchanged(domain string, cachedAtMs int64) {
	c.mu.Lock()
	current, ok := c.entries[domain]
	evicted := ok && current.CachedAtMs == cachedAtMs
	if evicted {
		delete(c.entries, domain)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if !evicted {
		return
	}
	atomic.AddInt64(&c.evictions, 1)
	if c.options.Recorder != nil {
		c.options.Recorder.CacheEviction()
		c.options.Recorder.CacheSize(size)
	}
}

func (c *PredictionCache) recordHit() {
	atomic.AddInt64(&c.hits, 1)
	if c.options.Recorder != nil {
		c.options.Recorder.CacheHit()
	}
}

func (c *PredictionCache) recordMiss() {
	atomic.AddInt64(&c.misses, 1)
	if c.options.Recorder != nil {
		c.options.Recorder.CacheMiss()
	}
}
