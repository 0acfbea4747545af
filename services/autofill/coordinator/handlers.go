// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/store"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
)

// =============================================================================
// Dispatch
// =============================================================================

// Handle answers one page request. It implements messaging.Handler.
//
// # Description
//
// Dispatch is exhaustive over the sealed message variants. Adding a kind
// to datatypes without a case here falls through to the tagged
// ErrUnknownMessage failure rather than being silently dropped.
//
// # Inputs
//
//   - ctx: Request context; synchronous backend calls honor it.
//   - tabID: Tab the transport received the request from. It overrides
//     any tab id carried in the payload.
//   - msg: Decoded request.
func (c *Coordinator) Handle(ctx context.Context, tabID int, msg datatypes.Message) datatypes.Response {
	var resp datatypes.Response

	switch m := msg.(type) {
	case datatypes.ContextSignalMessage:
		resp = c.handleContextSignal(tabID, m.ContextSignal)
	case datatypes.LoginFormDetectedMessage:
		resp = c.handleLoginForm(ctx, tabID, m.ContextSignal)
	case datatypes.FillCredentialMessage:
		resp = c.handleFillCredential(ctx, tabID, m)
	case datatypes.RecordFeedbackMessage:
		resp = c.handleFeedback(m.FeedbackEvent)
	case datatypes.AutofillReadyMessage:
		resp = c.handleAutofillReady(tabID, m)
	case datatypes.GetPredictionsMessage:
		resp = c.handleGetPredictions(tabID, m.Domain)
	case datatypes.SetAuthTokenMessage:
		resp = c.handleSetAuthToken(m.Token)
	case datatypes.ToggleEnabledMessage:
		resp = c.handleToggleEnabled(m.Enabled)
	default:
		resp = datatypes.Fail(fmt.Errorf("%w: %T", datatypes.ErrUnknownMessage, msg))
	}

	if c.cfg.Recorder != nil && msg != nil {
		c.cfg.Recorder.RecordMessage(string(msg.Kind()), resp.Success)
	}
	return resp
}

// =============================================================================
// Context Signals
// =============================================================================

// handleContextSignal queues sig for the batch window and answers from the
// cache immediately. A miss answers pending; the refined result arrives
// later as PREDICTIONS_UPDATE.
func (c *Coordinator) handleContextSignal(tabID int, sig datatypes.ContextSignal) datatypes.Response {
	sig.OriginTabID = tabID

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return datatypes.Fail(ErrDisabled)
	}
	c.queue = append(c.queue, sig)
	c.debounce.Trigger()
	c.mu.Unlock()

	if entry, ok := c.deps.Cache.Get(sig.Domain); ok {
		return datatypes.Response{Success: true, Predictions: entry.Predictions, FromCache: true}
	}
	return datatypes.Response{Success: true, Predictions: []datatypes.PredictionItem{}, Pending: true}
}

// flushContext runs when the batch window closes. Only the most recent
// signal is submitted; the rest of the window is discarded.
func (c *Coordinator) flushContext() {
	c.mu.Lock()
	if !c.enabled || len(c.queue) == 0 {
		c.queue = nil
		c.mu.Unlock()
		return
	}
	latest := c.queue[len(c.queue)-1]
	dropped := len(c.queue) - 1
	c.queue = nil
	c.mu.Unlock()

	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordCoalesced(dropped)
	}
	c.logger.Debug("flushing context batch",
		slog.String("domain", latest.Domain),
		slog.Int("tab_id", latest.OriginTabID),
		slog.Int("coalesced", dropped),
	)

	c.background(func(ctx context.Context) {
		result, err := c.deps.Backend.SubmitContext(ctx, latest)
		if err != nil {
			c.logger.Warn("context submission failed", slog.String("domain", latest.Domain), slog.String("error", err.Error()))
			return
		}
		c.acceptPredictions(latest.OriginTabID, latest.Domain, result.Predictions)
	})
}

// acceptPredictions writes a network result into the cache and, while
// enabled, pushes it to tabID and evaluates autofill readiness.
func (c *Coordinator) acceptPredictions(tabID int, domain string, preds []datatypes.PredictionItem) {
	entry := c.deps.Cache.Put(domain, preds)
	if !c.Enabled() {
		return
	}
	c.deps.Notifier.Deliver(tabID, datatypes.NewPredictionsUpdate(domain, entry.Predictions))
	c.evaluateReady(tabID, domain, entry.Predictions)
}

// handleLoginForm always round-trips to the backend, bypassing the cache
// short-circuit used for generic signals.
func (c *Coordinator) handleLoginForm(ctx context.Context, tabID int, sig datatypes.ContextSignal) datatypes.Response {
	sig.OriginTabID = tabID
	if !c.Enabled() {
		return datatypes.Fail(ErrDisabled)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	result, err := c.deps.Backend.SubmitContext(ctx, sig)
	if err != nil {
		c.logger.Warn("login form submission failed", slog.String("domain", sig.Domain), slog.String("error", err.Error()))
		return datatypes.Fail(err)
	}

	entry := c.deps.Cache.Put(sig.Domain, result.Predictions)
	c.evaluateReady(tabID, sig.Domain, entry.Predictions)

	probability := result.LoginProbability
	return datatypes.Response{Success: true, Predictions: entry.Predictions, LoginProbability: &probability}
}

// =============================================================================
// Predictions And Credentials
// =============================================================================

func (c *Coordinator) handleGetPredictions(tabID int, domain string) datatypes.Response {
	if !c.Enabled() {
		return datatypes.Fail(ErrDisabled)
	}
	if entry, ok := c.deps.Cache.Get(domain); ok {
		return datatypes.Response{Success: true, Predictions: entry.Predictions, FromCache: true}
	}

	c.fetchForTab(tabID, domain)
	return datatypes.Response{Success: true, Predictions: []datatypes.PredictionItem{}, Pending: true}
}

// fetchForTab lists predictions for domain in the background and pushes
// the result to tabID.
func (c *Coordinator) fetchForTab(tabID int, domain string) {
	c.background(func(ctx context.Context) {
		preds, err := c.deps.Cache.Fetch(ctx, domain, c.deps.Backend.ListPredictions)
		if err != nil {
			c.logger.Warn("prediction fetch failed", slog.String("domain", domain), slog.String("error", err.Error()))
			return
		}
		if !c.Enabled() {
			return
		}
		c.deps.Notifier.Deliver(tabID, datatypes.NewPredictionsUpdate(domain, preds))
		c.evaluateReady(tabID, domain, preds)
	})
}

func (c *Coordinator) handleFillCredential(ctx context.Context, tabID int, m datatypes.FillCredentialMessage) datatypes.Response {
	if !c.Enabled() {
		return datatypes.Fail(ErrDisabled)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	event := store.AuditEvent{
		EventType:  store.AuditCredentialFill,
		TabID:      tabID,
		ResourceID: m.VaultItemID,
		Domain:     m.Domain,
		Outcome:    store.OutcomeSuccess,
		Metadata:   map[string]any{"prediction_id": m.PredictionID},
	}

	cred, err := c.deps.Backend.DecryptCredential(ctx, m.VaultItemID)
	if err != nil {
		c.logger.Warn("credential decrypt failed",
			slog.String("vault_item_id", m.VaultItemID),
			slog.String("error", err.Error()),
		)
		event.Outcome = store.OutcomeFailure
		event.Metadata["error"] = err.Error()
		c.audit(event)
		return datatypes.Fail(err)
	}
	c.audit(event)
	return datatypes.Response{Success: true, Credential: &cred}
}

// audit records event with the coordinator's clock. Failures are logged
// and swallowed.
func (c *Coordinator) audit(event store.AuditEvent) {
	event.Timestamp = time.UnixMilli(ttl.NowMs(c.cfg.Clock)).UTC()
	if err := c.deps.Audit.Log(c.ctx, event); err != nil {
		c.logger.Warn("audit write failed",
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
	}
}

// handleFeedback answers immediately; the forward is best effort.
func (c *Coordinator) handleFeedback(ev datatypes.FeedbackEvent) datatypes.Response {
	if !c.Enabled() {
		return datatypes.OK()
	}
	c.background(func(ctx context.Context) {
		if err := c.deps.Backend.RecordFeedback(ctx, ev); err != nil {
			c.logger.Warn("feedback forward failed",
				slog.String("prediction_id", ev.PredictionID),
				slog.String("error", err.Error()),
			)
		}
	})
	return datatypes.OK()
}

func (c *Coordinator) handleAutofillReady(tabID int, m datatypes.AutofillReadyMessage) datatypes.Response {
	if c.Enabled() && m.Confidence >= c.cfg.ReadyThreshold {
		c.markBadge(tabID)
	}
	return datatypes.OK()
}

// =============================================================================
// Settings
// =============================================================================

func (c *Coordinator) handleSetAuthToken(token string) datatypes.Response {
	if err := c.SetAuthToken(token); err != nil {
		return datatypes.Fail(err)
	}
	return datatypes.OK()
}

// SetAuthToken persists token and hands it to the backend client and the
// push session, which reconnects with it. The token file watcher uses
// the same path.
func (c *Coordinator) SetAuthToken(token string) error {
	if err := c.deps.Settings.SetAuthToken(token); err != nil {
		c.logger.Error("persist auth token failed", slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.deps.Backend.SetToken(token)
	if c.deps.Session != nil {
		c.deps.Session.SetToken(token)
	}
	c.audit(store.AuditEvent{
		EventType: store.AuditTokenChanged,
		TabID:     -1,
		Outcome:   store.OutcomeSuccess,
		Metadata:  map[string]any{"token_present": token != ""},
	})
	c.logger.Info("auth token updated", slog.Bool("token_present", token != ""))
	return nil
}

func (c *Coordinator) handleToggleEnabled(enabled bool) datatypes.Response {
	if err := c.deps.Settings.SetEnabled(enabled); err != nil {
		c.logger.Error("persist enabled flag failed", slog.String("error", err.Error()))
		return datatypes.Fail(err)
	}

	c.mu.Lock()
	c.enabled = enabled
	if !enabled {
		c.queue = nil
	}
	c.mu.Unlock()

	c.audit(store.AuditEvent{
		EventType: store.AuditEnabledChanged,
		TabID:     -1,
		Outcome:   store.OutcomeSuccess,
		Metadata:  map[string]any{"enabled": enabled},
	})

	if enabled {
		if c.deps.Session != nil {
			c.deps.Session.Enable()
		}
		c.logger.Info("autofill enabled")
		return datatypes.OK()
	}

	c.debounce.Stop()
	if c.deps.Session != nil {
		c.deps.Session.Disable()
	}
	c.deps.Notifier.Broadcast(datatypes.NewAutofillDisabled())
	c.logger.Info("autofill disabled")
	return datatypes.OK()
}
