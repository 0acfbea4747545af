// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package messaging is the typed channel between page contexts and the
// coordinator.
//
// # Description
//
// Pages talk to the coordinator through a Port: one Request yields at
// most one Response, and unsolicited Notifications arrive on a separate
// channel. Two transports implement Port:
//   - LocalPort: in-process, used by tests and the `scan` command.
//   - WSPort: a gorilla/websocket client for out-of-process pages,
//     served by ServeWebSocket.
//
// The coordinator never sees the transport. It implements Handler and
// pushes notifications through the Hub, which tracks one endpoint per
// tab.
package messaging

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
)

// notificationBuffer is the per-tab notification queue depth. A page that
// stops draining loses notifications rather than stalling the coordinator.
const notificationBuffer = 16

// Handler answers page requests. The coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, tabID int, msg datatypes.Message) datatypes.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tabID int, msg datatypes.Message) datatypes.Response

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, tabID int, msg datatypes.Message) datatypes.Response {
	return f(ctx, tabID, msg)
}

// Dispatch decodes env and hands the typed message to h. Decode failures,
// including unknown kinds, become tagged failure responses.
func Dispatch(ctx context.Context, h Handler, tabID int, env datatypes.Envelope) datatypes.Response {
	msg, err := datatypes.DecodeMessage(env)
	if err != nil {
		return datatypes.Fail(err)
	}
	return h.Handle(ctx, tabID, msg)
}

// =============================================================================
// Hub
// =============================================================================

type endpoint struct {
	ch     chan datatypes.Notification
	closed bool
}

// Hub routes coordinator notifications to page endpoints.
//
// # Thread Safety
//
// Safe for concurrent use. Delivery never blocks.
type Hub struct {
	mu        sync.Mutex
	endpoints map[int]*endpoint
	logger    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		endpoints: make(map[int]*endpoint),
		logger:    logger.With("component", "hub"),
	}
}

// Register attaches a notification endpoint for tabID, replacing (and
// closing) any previous one. The returned cancel detaches it.
func (h *Hub) Register(tabID int) (<-chan datatypes.Notification, func()) {
	ep := &endpoint{ch: make(chan datatypes.Notification, notificationBuffer)}

	h.mu.Lock()
	if old, ok := h.endpoints[tabID]; ok {
		h.closeLocked(old)
	}
	h.endpoints[tabID] = ep
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.endpoints[tabID] == ep {
			delete(h.endpoints, tabID)
		}
		h.closeLocked(ep)
	}
	return ep.ch, cancel
}

func (h *Hub) closeLocked(ep *endpoint) {
	if !ep.closed {
		ep.closed = true
		close(ep.ch)
	}
}

// Deliver queues n for tabID. It reports false when the tab has no
// endpoint or its queue is full.
func (h *Hub) Deliver(tabID int, n datatypes.Notification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[tabID]
	if !ok {
		return false
	}
	select {
	case ep.ch <- n:
		return true
	default:
		h.logger.Warn("notification dropped", slog.Int("tab_id", tabID), slog.String("type", string(n.Type)))
		return false
	}
}

// Broadcast queues n for every registered tab and returns the number of
// successful deliveries.
func (h *Hub) Broadcast(n datatypes.Notification) int {
	delivered := 0
	for _, tabID := range h.Tabs() {
		if h.Deliver(tabID, n) {
			delivered++
		}
	}
	return delivered
}

// Tabs lists registered tab ids in ascending order.
func (h *Hub) Tabs() []int {
	h.mu.Lock()
	tabs := make([]int, 0, len(h.endpoints))
	for id := range h.endpoints {
		tabs = append(tabs, id)
	}
	h.mu.Unlock()
	sort.Ints(tabs)
	return tabs
}

// Unregister drops the endpoint for tabID, if any.
func (h *Hub) Unregister(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[tabID]; ok {
		delete(h.endpoints, tabID)
		h.closeLocked(ep)
	}
}
