// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl provides the time primitives of the autofill pipeline:
// an injectable Clock, named cancellable scheduled tasks, a re-armable
// debouncer, and a heartbeat loop.
//
// # Description
//
// Every time-based cancellation point of the pipeline goes through this
// package:
//
//	cache TTL check        15 min   (Clock.Now)
//	context debounce       300 ms   (Debouncer)
//	observer debounce      1000 ms  (Debouncer)
//	mutation settle        100 ms   (Task)
//	popup auto-dismiss     10 s     (Task)
//	autofill badge clear   5 s      (Task)
//	push reconnect delay   5 s      (Task)
//	push heartbeat         30 s     (Heartbeat)
//
// Production code uses Real(); tests use Fake() and drive time with
// Advance, which makes every timer above deterministic.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package ttl

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f after d elapses and returns a Timer that can
	// cancel the pending call. Real clocks call f in its own goroutine;
	// fake clocks call f synchronously from Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// NowMs returns the clock's current time in Unix milliseconds.
func NowMs(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false when the timer
// already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C (capacity 1, ticks dropped when
// the consumer lags, matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() {
	if t != nil && t.stopFunc != nil {
		t.stopFunc()
	}
}

// =============================================================================
// Real Clock
// =============================================================================

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
