// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator is the single long-lived owner of cross-tab autofill
// state.
//
// # Description
//
// The Coordinator answers page requests (it implements messaging.Handler),
// batches context signals behind a 300 ms debounce, owns the prediction
// cache and the push session, tracks tab lifecycle and drives the toolbar
// autofill-ready badge.
//
// State that the pages share (enabled flag, token, batch queue, tab map,
// badge tasks) lives on the Coordinator and is guarded by one mutex.
// Handlers compute under the lock, release it, and only then touch the
// network, so no lock is ever held across I/O. Background network work
// is tracked by a WaitGroup; WaitIdle lets tests join it deterministically.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/backend"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/cache"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/store"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
)

// ErrDisabled is the failure answered while the feature is switched off.
var ErrDisabled = errors.New("disabled")

// =============================================================================
// Collaborators
// =============================================================================

// Backend is the REST surface the coordinator calls. *backend.Client
// implements it.
type Backend interface {
	SubmitContext(ctx context.Context, sig datatypes.ContextSignal) (backend.ContextResult, error)
	ListPredictions(ctx context.Context, domain string) ([]datatypes.PredictionItem, error)
	RecordFeedback(ctx context.Context, ev datatypes.FeedbackEvent) error
	DecryptCredential(ctx context.Context, vaultItemID string) (datatypes.Credential, error)
	SetToken(token string)
}

// Session is the push connection. *pushsession.Session implements it.
type Session interface {
	Start() error
	Stop()
	Enable()
	Disable()
	SetToken(token string)
}

// Notifier delivers unsolicited messages to pages. *messaging.Hub
// implements it.
type Notifier interface {
	Deliver(tabID int, n datatypes.Notification) bool
	Broadcast(n datatypes.Notification) int
}

// Toolbar sets the per-tab badge text. Empty text clears it.
type Toolbar interface {
	SetBadge(tabID int, text string) error
}

// Recorder receives coordinator events. observability.Metrics implements it.
type Recorder interface {
	RecordMessage(kind string, success bool)
	RecordCoalesced(n int)
	RecordAutofillReady()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds coordinator timing and thresholds.
type Config struct {
	// DebounceDelay is the context batching window. Default: 300 ms.
	DebounceDelay time.Duration

	// BadgeClearDelay is how long the autofill-ready badge stays up.
	// Default: 5 seconds.
	BadgeClearDelay time.Duration

	// ReadyThreshold is the minimum confidence for autofill-ready.
	// Default: 0.9.
	ReadyThreshold float64

	// RequestTimeout bounds each backend call. Default: 10 seconds.
	RequestTimeout time.Duration

	Clock    ttl.Clock
	Logger   *slog.Logger
	Recorder Recorder
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:   300 * time.Millisecond,
		BadgeClearDelay: 5 * time.Second,
		ReadyThreshold:  0.9,
		RequestTimeout:  10 * time.Second,
		Clock:           ttl.Real(),
	}
}

// Deps are the collaborators the coordinator owns or calls.
type Deps struct {
	Backend  Backend
	Cache    *cache.PredictionCache
	Session  Session
	Notifier Notifier
	Toolbar  Toolbar
	Settings store.SettingsStore

	// Audit records credential fills and settings changes. Optional.
	Audit store.AuditLogger
}

type tabState struct {
	url    string
	domain string
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator owns session state, the cache and the batch queue.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	debounce *ttl.Debouncer

	mu      sync.Mutex
	enabled bool
	token   string
	stopped bool
	queue   []datatypes.ContextSignal
	tabs    map[int]tabState
	badges  map[int]*ttl.Task
}

// New wires a coordinator. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Backend == nil {
		return nil, errors.New("coordinator: backend is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("coordinator: notifier is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("coordinator: settings store is required")
	}

	defaults := DefaultConfig()
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = defaults.DebounceDelay
	}
	if cfg.BadgeClearDelay <= 0 {
		cfg.BadgeClearDelay = defaults.BadgeClearDelay
	}
	if cfg.ReadyThreshold <= 0 {
		cfg.ReadyThreshold = defaults.ReadyThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = ttl.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewPredictionCache(cache.WithClock(cfg.Clock))
	}
	if deps.Toolbar == nil {
		deps.Toolbar = nopToolbar{}
	}
	if deps.Audit == nil {
		deps.Audit = store.NopAuditLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "coordinator"),
		ctx:     ctx,
		cancel:  cancel,
		enabled: true,
		tabs:    make(map[int]tabState),
		badges:  make(map[int]*ttl.Task),
	}
	c.debounce = ttl.NewDebouncer("coordinator.context_debounce", cfg.Clock, cfg.DebounceDelay, c.flushContext)
	return c, nil
}

// Start loads persisted settings and brings up the push session when the
// feature is enabled and a token is present.
func (c *Coordinator) Start(ctx context.Context) error {
	settings, err := c.deps.Settings.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.enabled = settings.Enabled
	c.token = settings.AuthToken
	c.mu.Unlock()

	c.deps.Backend.SetToken(settings.AuthToken)
	if c.deps.Session != nil {
		c.deps.Session.SetToken(settings.AuthToken)
		if settings.Enabled {
			c.deps.Session.Enable()
		} else {
			c.deps.Session.Disable()
		}
		if err := c.deps.Session.Start(); err != nil {
			return err
		}
	}

	c.logger.Info("coordinator started",
		slog.Bool("enabled", settings.Enabled),
		slog.Bool("token_present", settings.AuthToken != ""),
	)
	return nil
}

// Stop cancels timers, stops the push session and waits for background
// fetches to finish.
func (c *Coordinator) Stop() {
	c.debounce.Stop()

	c.mu.Lock()
	c.stopped = true
	c.queue = nil
	badges := c.badges
	c.badges = make(map[int]*ttl.Task)
	c.mu.Unlock()

	for _, task := range badges {
		task.Cancel()
	}
	if c.deps.Session != nil {
		c.deps.Session.Stop()
	}
	c.cancel()
	c.inflight.Wait()
	c.logger.Info("coordinator stopped")
}

// WaitIdle blocks until every background fetch started so far finished.
func (c *Coordinator) WaitIdle() {
	c.inflight.Wait()
}

// Enabled reports the feature flag.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Cache exposes the prediction cache for diagnostics.
func (c *Coordinator) Cache() *cache.PredictionCache {
	return c.deps.Cache
}

// InvalidateCache drops the cached entry for domain.
func (c *Coordinator) InvalidateCache(domain string) bool {
	return c.deps.Cache.Invalidate(domain)
}

// background runs fn on a tracked goroutine with a per-call timeout. It
// must be called without c.mu held and is a no-op after Stop.
func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

type nopToolbar struct{}

func (nopToolbar) SetBadge(int, string) error { return nil }
