// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func p1() []datatypes.PredictionItem {
	return []datatypes.PredictionItem{{ID: "p1", VaultItemID: "v1", Confidence: 0.95, Reason: datatypes.ReasonCombined}}
}

type countingRecorder struct {
	hits, misses, evictions int32
	size                    int32
}

func (r *countingRecorder) CacheHit()       { atomic.AddInt32(&r.hits, 1) }
func (r *countingRecorder) CacheMiss()      { atomic.AddInt32(&r.misses, 1) }
func (r *countingRecorder) CacheEviction()  { atomic.AddInt32(&r.evictions, 1) }
func (r *countingRecorder) CacheSize(n int) { atomic.StoreInt32(&r.size, int32(n)) }

// =============================================================================
// TTL Tests
// =============================================================================

func TestPredictionCache_ValidJustBeforeTTL(t *testing.T) {
	clock := ttl.FakeAtMs(1000)
	c := NewPredictionCache(WithClock(clock))

	c.Put("bank.example", p1())
	clock.Advance(14*time.Minute + 59*time.Second)

	entry, ok := c.Get("bank.example")
	require.True(t, ok)
	assert.Equal(t, int64(1000), entry.CachedAtMs)
	assert.Equal(t, "p1", entry.Predictions[0].ID)
}

func TestPredictionCache_StaleEntryEvictedOnRead(t *testing.T) {
	clock := ttl.FakeAtMs(1000)
	rec := &countingRecorder{}
	c := NewPredictionCache(WithClock(clock), WithRecorder(rec))

	c.Put("bank.example", p1())
	clock.Advance(15*time.Minute + time.Second)

	assert.Equal(t, 1, c.Len(), "no background sweep")
	_, ok := c.Get("bank.example")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "evicted at read time")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.evictions))
	assert.Equal(t, int32(0), atomic.LoadInt32(&rec.size))
}

func TestPredictionCache_ExactlyTTLIsStale(t *testing.T) {
	clock := ttl.FakeAtMs(0)
	c := NewPredictionCache(WithClock(clock), WithTTL(time.Minute))

	c.Put("a.example", p1())
	clock.Advance(time.Minute)
	assert.False(t, c.Has("a.example"))
}

// =============================================================================
// Write Path Tests
// =============================================================================

func TestPredictionCache_PutReplaces(t *testing.T) {
	clock := ttl.FakeAtMs(1000)
	c := NewPredictionCache(WithClock(clock))

	c.Put("bank.example", p1())
	clock.Advance(10 * time.Minute)
	c.Put("bank.example", []datatypes.PredictionItem{{ID: "p2", VaultItemID: "v2", Confidence: 0.4, Reason: datatypes.ReasonFrequency}})

	entry, ok := c.Get("bank.example")
	require.True(t, ok)
	require.Len(t, entry.Predictions, 1, "replace, not merge")
	assert.Equal(t, "p2", entry.Predictions[0].ID)
	assert.Equal(t, int64(1000+10*60*1000), entry.CachedAtMs)
}

func TestPredictionCache_ReturnsCopies(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1)))
	c.Put("bank.example", p1())

	entry, _ := c.Get("bank.example")
	entry.Predictions[0].ID = "mutated"

	again, _ := c.Get("bank.example")
	assert.Equal(t, "p1", again.Predictions[0].ID)
}

func TestPredictionCache_InvalidateAndClear(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1)))
	c.Put("a.example", p1())
	c.Put("b.example", p1())

	assert.True(t, c.Invalidate("a.example"))
	assert.False(t, c.Invalidate("a.example"))
	assert.False(t, c.Has("a.example"))
	assert.True(t, c.Has("b.example"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

// =============================================================================
// Fetch Tests
// =============================================================================

func TestPredictionCache_FetchWritesResult(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1000)))

	preds, err := c.Fetch(context.Background(), "bank.example", func(ctx context.Context, domain string) ([]datatypes.PredictionItem, error) {
		assert.Equal(t, "bank.example", domain)
		return p1(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", preds[0].ID)
	assert.True(t, c.Has("bank.example"))
}

func TestPredictionCache_FetchErrorLeavesCache(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1000)))
	c.Put("bank.example", p1())

	_, err := c.Fetch(context.Background(), "bank.example", func(context.Context, string) ([]datatypes.PredictionItem, error) {
		return nil, errors.New("backend down")
	})
	assert.Error(t, err)

	entry, ok := c.Get("bank.example")
	require.True(t, ok)
	assert.Equal(t, "p1", entry.Predictions[0].ID)
}

func TestPredictionCache_DuplicateFetchesTolerated(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1000)))
	var calls int32

	for _, id := range []string{"first", "second"} {
		id := id
		_, err := c.Fetch(context.Background(), "bank.example", func(context.Context, string) ([]datatypes.PredictionItem, error) {
			atomic.AddInt32(&calls, 1)
			return []datatypes.PredictionItem{{ID: id, VaultItemID: "v", Reason: datatypes.ReasonCombined}}, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), calls)
	entry, _ := c.Get("bank.example")
	assert.Equal(t, "second", entry.Predictions[0].ID, "last response wins")
}

func TestPredictionCache_DedupeInFlight(t *testing.T) {
	c := NewPredictionCache(WithClock(ttl.FakeAtMs(1000)), WithDedupeInFlight(true))
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	fetch := func(context.Context, string) ([]datatypes.PredictionItem, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return p1(), nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Fetch(context.Background(), "bank.example", fetch)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Fetch(context.Background(), "bank.example", fetch)
	}()

	// Give the second caller time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), c.Stats().Fetches)
}
