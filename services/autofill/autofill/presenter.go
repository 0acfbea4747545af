// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autofill

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// PopupID is the id of the single overlay element.
const PopupID = "predictive-autofill-popup"

// Filler resolves and fills a selected prediction. *Executor implements it.
type Filler interface {
	RequestFill(ctx context.Context, predictionID, vaultItemID string) bool
}

// PresenterConfig holds popup limits and timing.
type PresenterConfig struct {
	// MaxItems caps the rendered predictions. Default: 3.
	MaxItems int

	// DismissAfter is the auto-dismiss timeout. Default: 10 s.
	DismissAfter time.Duration

	// RequestTimeout bounds the fill and feedback round-trips.
	// Default: 10 s.
	RequestTimeout time.Duration

	Clock  ttl.Clock
	Logger *slog.Logger
}

// DefaultPresenterConfig returns the production limits.
func DefaultPresenterConfig() PresenterConfig {
	return PresenterConfig{
		MaxItems:       3,
		DismissAfter:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		Clock:          ttl.Real(),
	}
}

// =============================================================================
// Presenter
// =============================================================================

// Presenter renders at most one prediction popup per page.
//
// # Description
//
// Show is a no-op while a popup is visible. The popup lists the first
// MaxItems predictions in the order given; no re-sorting happens on the
// page. It goes away after DismissAfter, on Close, or on Select, and every
// dismissal clears the visibility guard.
//
// Selecting an item dismisses immediately and fills in the background.
// A successful fill sends "used" feedback with the time since the popup
// appeared. Close sends "dismissed" feedback for every shown item; the
// timeout and Dismiss send none.
//
// # Thread Safety
//
// Safe for concurrent use.
type Presenter struct {
	cfg    PresenterConfig
	logger *slog.Logger
	doc    *page.Document
	port   messaging.Port
	filler Filler

	timer    *ttl.Task
	inflight sync.WaitGroup

	mu        sync.Mutex
	visible   bool
	gen       uint64
	node      *html.Node
	shown     []datatypes.PredictionItem
	shownAtMs int64
}

// NewPresenter builds a presenter for doc. Feedback goes through port.
func NewPresenter(cfg PresenterConfig, doc *page.Document, port messaging.Port, filler Filler) *Presenter {
	defaults := DefaultPresenterConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaults.MaxItems
	}
	if cfg.DismissAfter <= 0 {
		cfg.DismissAfter = defaults.DismissAfter
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
	return &Presenter{
		cfg:    cfg,
		logger: logger.With("component", "popup_presenter"),
		doc:    doc,
		port:   port,
		filler: filler,
		timer:  ttl.NewTask("presenter.auto_dismiss", cfg.Clock),
	}
}

// Show renders preds. It reports false when a popup is already visible,
// preds is empty, or the page has no body to attach to.
func (p *Presenter) Show(preds []datatypes.PredictionItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.visible || len(preds) == 0 {
		return false
	}
	items := datatypes.ClonePredictions(preds)
	if len(items) > p.cfg.MaxItems {
		items = items[:p.cfg.MaxItems]
	}

	body := p.doc.Body()
	if body == nil {
		return false
	}
	nodes, err := p.doc.AppendHTML(body, renderPopup(items))
	if err != nil || len(nodes) == 0 {
		p.logger.Warn("popup render failed", slog.Any("error", err))
		return false
	}

	p.gen++
	gen := p.gen
	p.node = nodes[0]
	p.shown = items
	p.visible = true
	p.shownAtMs = ttl.NowMs(p.cfg.Clock)
	p.doc.AddEventListener(p.node, page.EventClick, p.onClick)
	p.timer.Schedule(p.cfg.DismissAfter, func() { p.expire(gen) })

	p.logger.Debug("popup shown", slog.Int("items", len(items)))
	return true
}

// Visible reports whether the popup is on the page.
func (p *Presenter) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Items returns the predictions currently shown.
func (p *Presenter) Items() []datatypes.PredictionItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return datatypes.ClonePredictions(p.shown)
}

// Select fills the i-th shown prediction and dismisses the popup without
// waiting for the fill.
func (p *Presenter) Select(i int) bool {
	p.mu.Lock()
	if !p.visible || i < 0 || i >= len(p.shown) {
		p.mu.Unlock()
		return false
	}
	pred := p.shown[i]
	elapsed := ttl.NowMs(p.cfg.Clock) - p.shownAtMs
	p.dismissLocked()
	p.mu.Unlock()

	p.background(func(ctx context.Context) {
		if p.filler == nil || !p.filler.RequestFill(ctx, pred.ID, pred.VaultItemID) {
			return
		}
		p.sendFeedback(ctx, datatypes.FeedbackEvent{
			PredictionID: pred.ID,
			FeedbackKind: datatypes.FeedbackUsed,
			TimeToUseMs:  &elapsed,
		})
	})
	return true
}

// Close dismisses the popup on user request and reports each shown
// prediction as dismissed.
func (p *Presenter) Close() {
	p.mu.Lock()
	if !p.visible {
		p.mu.Unlock()
		return
	}
	shown := p.shown
	p.dismissLocked()
	p.mu.Unlock()

	p.background(func(ctx context.Context) {
		for _, pred := range shown {
			p.sendFeedback(ctx, datatypes.FeedbackEvent{PredictionID: pred.ID, FeedbackKind: datatypes.FeedbackDismissed})
		}
	})
}

// Dismiss removes the popup silently.
func (p *Presenter) Dismiss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.visible {
		p.dismissLocked()
	}
}

// WaitIdle blocks until background fills and feedback sends finish.
func (p *Presenter) WaitIdle() {
	p.inflight.Wait()
}

// expire is the auto-dismiss. gen guards against a timer that fired while
// an explicit dismissal and a new Show were in progress.
func (p *Presenter) expire(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.visible && p.gen == gen {
		p.logger.Debug("popup expired")
		p.dismissLocked()
	}
}

func (p *Presenter) dismissLocked() {
	p.timer.Cancel()
	if p.node != nil {
		_ = p.doc.Remove(p.node)
	}
	p.node = nil
	p.shown = nil
	p.visible = false
}

// onClick routes clicks that bubble up to the popup root.
func (p *Presenter) onClick(ev page.Event) {
	for n := ev.Target; n != nil; n = p.doc.Parent(n) {
		if p.doc.Attr(n, "data-action") == "close" {
			p.Close()
			return
		}
		if v := p.doc.Attr(n, "data-index"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				p.Select(i)
			}
			return
		}
		if p.doc.Attr(n, "id") == PopupID {
			return
		}
	}
}

func (p *Presenter) sendFeedback(ctx context.Context, ev datatypes.FeedbackEvent) {
	if p.port == nil {
		return
	}
	if _, err := p.port.Request(ctx, datatypes.RecordFeedbackMessage{FeedbackEvent: ev}); err != nil {
		p.logger.Debug("feedback send failed", slog.String("error", err.Error()))
	}
}

func (p *Presenter) background(fn func(ctx context.Context)) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// renderPopup builds the overlay markup. Names come from the vault and are
// escaped.
func renderPopup(items []datatypes.PredictionItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div id="%s" role="listbox" data-render-id="%s">`, PopupID, uuid.NewString())
	for i, item := range items {
		name := item.VaultItemName
		if name == "" {
			name = item.VaultItemID
		}
		fmt.Fprintf(&b, `<button class="paf-item" data-index="%d">%s <span class="paf-confidence">%d%%</span></button>`,
			i, html.EscapeString(name), int(item.Confidence*100+0.5))
	}
	b.WriteString(`<button class="paf-close" data-action="close">close</button></div>`)
	return b.String()
}
