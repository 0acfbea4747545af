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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
)

// =============================================================================
// Tab Lifecycle
// =============================================================================

// TabActivated records the tab's site and pre-fetches predictions for it
// when the feature is enabled, a token is configured and no valid cache
// entry exists.
func (c *Coordinator) TabActivated(tabID int, rawURL string) {
	c.trackTab(tabID, rawURL, true)
}

// TabUpdated records navigation. Only a completed load triggers the
// pre-fetch.
func (c *Coordinator) TabUpdated(tabID int, rawURL string, complete bool) {
	c.trackTab(tabID, rawURL, complete)
}

// TabRemoved forgets the tab and cancels its badge timer.
func (c *Coordinator) TabRemoved(tabID int) {
	c.mu.Lock()
	delete(c.tabs, tabID)
	task := c.badges[tabID]
	delete(c.badges, tabID)
	c.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
}

// TabDomain returns the tracked site identity of tabID.
func (c *Coordinator) TabDomain(tabID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	return t.domain, ok
}

func (c *Coordinator) trackTab(tabID int, rawURL string, prefetch bool) {
	domain, err := datatypes.SiteIdentity(rawURL)
	if err != nil {
		// chrome://, about:blank and friends have no site identity.
		c.logger.Debug("tab has no site identity", slog.Int("tab_id", tabID), slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.tabs[tabID] = tabState{url: rawURL, domain: domain}
	ready := c.enabled && c.token != ""
	c.mu.Unlock()

	if !prefetch || !ready || c.deps.Cache.Has(domain) {
		return
	}
	c.fetchForTab(tabID, domain)
}

// =============================================================================
// Push Delivery
// =============================================================================

// OnPushPredictions accepts a prediction_push from the push session: the
// domain's cache entry is replaced and every tab is notified.
func (c *Coordinator) OnPushPredictions(domain string, preds []datatypes.PredictionItem) {
	entry := c.deps.Cache.Put(domain, preds)

	c.mu.Lock()
	enabled := c.enabled
	var showing []int
	for id, t := range c.tabs {
		if t.domain == domain {
			showing = append(showing, id)
		}
	}
	c.mu.Unlock()

	if !enabled {
		return
	}
	c.deps.Notifier.Broadcast(datatypes.NewPredictionsUpdate(domain, entry.Predictions))
	for _, tabID := range showing {
		c.evaluateReady(tabID, domain, entry.Predictions)
	}
}

// OnCredentialReady logs a credential_ready push. Pages request the
// credential themselves through FILL_CREDENTIAL.
func (c *Coordinator) OnCredentialReady(vaultItemID, domain string) {
	c.logger.Info("credential ready",
		slog.String("vault_item_id", vaultItemID),
		slog.String("domain", domain),
	)
}

// =============================================================================
// Autofill Readiness
// =============================================================================

// readyCandidate returns the single prediction at or above threshold.
// Zero or several qualifying predictions are ambiguous and yield false.
func readyCandidate(preds []datatypes.PredictionItem, threshold float64) (datatypes.PredictionItem, bool) {
	var found datatypes.PredictionItem
	count := 0
	for _, p := range preds {
		if p.Confidence >= threshold {
			found = p
			count++
		}
	}
	return found, count == 1
}

// evaluateReady signals autofill-ready to tabID when exactly one
// prediction clears the threshold.
func (c *Coordinator) evaluateReady(tabID int, domain string, preds []datatypes.PredictionItem) {
	item, ok := readyCandidate(preds, c.cfg.ReadyThreshold)
	if !ok {
		return
	}
	c.deps.Notifier.Deliver(tabID, datatypes.NewAutofillReady(datatypes.AutofillReadyMessage{
		PredictionID: item.ID,
		VaultItemID:  item.VaultItemID,
		Confidence:   item.Confidence,
		Domain:       domain,
	}))
	c.markBadge(tabID)
}

// markBadge sets the toolbar badge and (re)schedules its clear. Badge
// failures are cosmetic and only logged.
func (c *Coordinator) markBadge(tabID int) {
	c.mu.Lock()
	task, ok := c.badges[tabID]
	if !ok {
		task = ttl.NewTask(fmt.Sprintf("coordinator.badge_clear.%d", tabID), c.cfg.Clock)
		c.badges[tabID] = task
	}
	c.mu.Unlock()

	if err := c.deps.Toolbar.SetBadge(tabID, "1"); err != nil {
		c.logger.Warn("set badge failed", slog.Int("tab_id", tabID), slog.String("error", err.Error()))
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordAutofillReady()
	}

	task.Schedule(c.cfg.BadgeClearDelay, func() {
		if err := c.deps.Toolbar.SetBadge(tabID, ""); err != nil {
			c.logger.Warn("clear badge failed", slog.Int("tab_id", tabID), slog.String("error", err.Error()))
		}
	})
}
