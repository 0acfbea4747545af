// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrHeartbeatRunning is returned by Start when the loop is already active.
var ErrHeartbeatRunning = errors.New("heartbeat is already running")

// Heartbeat runs beat every interval on a background goroutine.
//
// # Description
//
// Uses the ticker + done channel pattern. Start and Stop may be called
// repeatedly; each Start begins a fresh ticker so the first beat comes
// one full interval after Start.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. beat runs on the
// heartbeat goroutine only.
type Heartbeat struct {
	name     string
	clock    Clock
	interval time.Duration
	beat     func()
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHeartbeat creates a stopped heartbeat. A nil logger uses
// slog.Default().
func NewHeartbeat(name string, clock Clock, interval time.Duration, beat func(), logger *slog.Logger) *Heartbeat {
	if clock == nil {
		clock = Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		name:     name,
		clock:    clock,
		interval: interval,
		beat:     beat,
		logger:   logger,
	}
}

// Start begins ticking.
func (h *Heartbeat) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHeartbeatRunning
	}
	h.running = true
	h.done = make(chan struct{})

	ticker := h.clock.NewTicker(h.interval)
	h.wg.Add(1)
	go h.run(ticker, h.done)

	h.logger.Debug("heartbeat started", slog.String("name", h.name), slog.String("interval", h.interval.String()))
	return nil
}

// Stop halts the loop and waits for it to exit, including a beat already
// in progress. Callers must not hold a lock the beat needs, and must first
// unblock a beat that may be waiting on I/O. Stopping a stopped heartbeat
// is a no-op.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Debug("heartbeat stopped", slog.String("name", h.name))
}

// Running reports whether the loop is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) run(ticker *Ticker, done <-chan struct{}) {
	defer h.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}
