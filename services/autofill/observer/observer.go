// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observer detects credential forms on a page and emits context
// signals to the coordinator.
//
// # Description
//
// One Observer runs per page. On Start it scans the document, reports each
// login form with LOGIN_FORM_DETECTED and emits a CONTEXT_SIGNAL. DOM
// insertions that contain a form or input schedule a rescan after a short
// settle delay, so dynamically injected forms are picked up once they are
// complete. Context signals are debounced to one per window; only the last
// request in a burst is sent.
//
// All outbound requests run on tracked goroutines. Nothing the Observer
// does blocks the caller that mutated the page.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Presenter receives predictions to show on the page. *autofill.Presenter
// implements it.
type Presenter interface {
	Show(preds []datatypes.PredictionItem) bool
	Dismiss()
}

// Config holds observer timing.
type Config struct {
	// TabID identifies the page to the coordinator.
	TabID int

	// IsNewTab is carried on every signal.
	IsNewTab bool

	// SettleDelay is the wait between a form insertion and the rescan.
	// Default: 100 ms.
	SettleDelay time.Duration

	// EmitDelay is the context signal debounce window. Default: 1000 ms.
	EmitDelay time.Duration

	// RequestTimeout bounds each coordinator round-trip. Default: 10 s.
	RequestTimeout time.Duration

	Clock  ttl.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the production timing for tabID.
func DefaultConfig(tabID int) Config {
	return Config{
		TabID:          tabID,
		SettleDelay:    100 * time.Millisecond,
		EmitDelay:      time.Second,
		RequestTimeout: 10 * time.Second,
		Clock:          ttl.Real(),
	}
}

// Observer watches one page.
type Observer struct {
	cfg       Config
	logger    *slog.Logger
	doc       *page.Document
	port      messaging.Port
	presenter Presenter

	settle *ttl.Task
	emit   *ttl.Debouncer

	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	notesDone chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAtMs int64
	known       map[*html.Node]struct{}
	matches     []FormMatch
	unobserve   func()
}

// New builds an observer for doc talking to the coordinator through port.
// A nil presenter discards predictions.
func New(cfg Config, doc *page.Document, port messaging.Port, presenter Presenter) (*Observer, error) {
	if doc == nil {
		return nil, errors.New("observer: document is required")
	}
	if port == nil {
		return nil, errors.New("observer: port is required")
	}

	defaults := DefaultConfig(cfg.TabID)
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaults.SettleDelay
	}
	if cfg.EmitDelay <= 0 {
		cfg.EmitDelay = defaults.EmitDelay
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
	if presenter == nil {
		presenter = nopPresenter{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Observer{
		cfg:       cfg,
		logger:    logger.With("component", "observer", "tab_id", cfg.TabID),
		doc:       doc,
		port:      port,
		presenter: presenter,
		settle:    ttl.NewTask("observer.mutation_settle", cfg.Clock),
		ctx:       ctx,
		cancel:    cancel,
		notesDone: make(chan struct{}),
		known:     make(map[*html.Node]struct{}),
	}
	o.emit = ttl.NewDebouncer("observer.context_emit", cfg.Clock, cfg.EmitDelay, o.sendContextSignal)
	return o, nil
}

// Start performs the page-load scan, arms the first context signal and
// subscribes to mutations and coordinator notifications.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.startedAtMs = ttl.NowMs(o.cfg.Clock)
	o.mu.Unlock()

	o.ScanForCredentialForms()
	o.EmitContextSignal()

	unobserve := o.doc.Observe(o.onMutation)
	o.mu.Lock()
	o.unobserve = unobserve
	o.mu.Unlock()

	go o.notificationLoop()
}

// Stop cancels pending timers, unsubscribes and waits for in-flight
// requests.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	started := o.started
	unobserve := o.unobserve
	o.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	o.settle.Cancel()
	o.emit.Stop()
	o.cancel()
	o.inflight.Wait()
	if started {
		<-o.notesDone
	}
}

// WaitIdle blocks until every request started so far has completed.
func (o *Observer) WaitIdle() {
	o.inflight.Wait()
}

// =============================================================================
// Detection
// =============================================================================

// ScanForCredentialForms runs detection and reports forms not seen before
// through onLoginFormDetected. It returns every current match.
func (o *Observer) ScanForCredentialForms() []FormMatch {
	matches := ScanForCredentialForms(o.doc)

	var fresh []FormMatch
	o.mu.Lock()
	for _, m := range matches {
		if _, seen := o.known[m.Container]; !seen {
			o.known[m.Container] = struct{}{}
			fresh = append(fresh, m)
		}
	}
	o.matches = matches
	o.mu.Unlock()

	for _, m := range fresh {
		o.onLoginFormDetected(m)
	}
	return matches
}

// HasLoginForm reports whether the last scan found a login form.
func (o *Observer) HasLoginForm() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.matches) > 0
}

// onMutation schedules a rescan when inserted content holds a form or an
// input. A later insertion inside the settle window pushes the rescan out.
func (o *Observer) onMutation(rec page.MutationRecord) {
	for _, n := range rec.Added {
		if len(o.doc.Subtree(n, atom.Form, atom.Input)) > 0 {
			o.settle.Schedule(o.cfg.SettleDelay, o.rescan)
			return
		}
	}
}

func (o *Observer) rescan() {
	o.mu.Lock()
	known := len(o.known)
	o.mu.Unlock()

	o.ScanForCredentialForms()

	o.mu.Lock()
	grew := len(o.known) > known
	o.mu.Unlock()
	if grew {
		o.EmitContextSignal()
	}
}

// =============================================================================
// Signals
// =============================================================================

// EmitContextSignal requests a CONTEXT_SIGNAL. Calls within the debounce
// window collapse into one send.
func (o *Observer) EmitContextSignal() {
	o.emit.Trigger()
}

func (o *Observer) buildSignal() (datatypes.ContextSignal, bool) {
	o.mu.Lock()
	startedAt := o.startedAtMs
	o.mu.Unlock()

	now := ttl.NowMs(o.cfg.Clock)
	sig, err := datatypes.NewContextSignal(o.doc.URL(), o.doc.Title(), FieldKinds(o.doc),
		(now-startedAt)/1000, o.cfg.IsNewTab, o.cfg.TabID, now)
	if err != nil {
		o.logger.Debug("page has no site identity", slog.String("error", err.Error()))
		return datatypes.ContextSignal{}, false
	}
	return sig, true
}

func (o *Observer) sendContextSignal() {
	sig, ok := o.buildSignal()
	if !ok {
		return
	}
	o.background(func(ctx context.Context) {
		resp, err := o.port.Request(ctx, datatypes.ContextSignalMessage{ContextSignal: sig})
		if err != nil {
			o.logger.Debug("context signal failed", slog.String("error", err.Error()))
			return
		}
		if !resp.Success {
			o.logger.Debug("context signal rejected", slog.String("error", resp.Error))
			return
		}
		if resp.FromCache && len(resp.Predictions) > 0 && o.HasLoginForm() {
			o.presenter.Show(resp.Predictions)
		}
	})
}

// onLoginFormDetected sends the dedicated signal for a newly seen form.
// The coordinator always round-trips this one to the backend.
func (o *Observer) onLoginFormDetected(m FormMatch) {
	sig, ok := o.buildSignal()
	if !ok {
		return
	}
	o.logger.Info("login form detected",
		slog.String("domain", sig.Domain),
		slog.Bool("formless", m.Formless),
	)
	o.background(func(ctx context.Context) {
		resp, err := o.port.Request(ctx, datatypes.LoginFormDetectedMessage{ContextSignal: sig})
		if err != nil {
			o.logger.Debug("login form signal failed", slog.String("error", err.Error()))
			return
		}
		if resp.Success && len(resp.Predictions) > 0 {
			o.presenter.Show(resp.Predictions)
		}
	})
}

// =============================================================================
// Notifications
// =============================================================================

func (o *Observer) notificationLoop() {
	defer close(o.notesDone)
	notes := o.port.Notifications()
	for {
		select {
		case <-o.ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			o.handleNotification(n)
		}
	}
}

func (o *Observer) handleNotification(n datatypes.Notification) {
	switch n.Type {
	case datatypes.KindPredictionsUpdate:
		update, err := datatypes.DecodePredictionsUpdate(n)
		if err != nil {
			o.logger.Warn("bad predictions update", slog.String("error", err.Error()))
			return
		}
		if domain, err := datatypes.SiteIdentity(o.doc.URL()); err != nil || domain != update.Domain {
			return
		}
		if len(update.Predictions) > 0 && o.HasLoginForm() {
			o.presenter.Show(update.Predictions)
		}
	case datatypes.KindAutofillDisabled:
		o.presenter.Dismiss()
	default:
		o.logger.Debug("notification ignored", slog.String("type", string(n.Type)))
	}
}

// background runs fn on a tracked goroutine. It is a no-op after Stop.
func (o *Observer) background(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.inflight.Done()
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

type nopPresenter struct{}

func (nopPresenter) Show([]datatypes.PredictionItem) bool { return false }
func (nopPresenter) Dismiss()                             {}
