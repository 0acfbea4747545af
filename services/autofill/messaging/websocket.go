// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrDuplicateRequest is the failure answered when a page reuses the id of
// a request that is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request id")

// ServerFrame is a coordinator -> page WebSocket message. Exactly one of
// Response or Notification is set.
type ServerFrame struct {
	ID           string                  `json:"id,omitempty"`
	Response     *datatypes.Response     `json:"response,omitempty"`
	Notification *datatypes.Notification `json:"notification,omitempty"`
}

// noBrowserOrigin admits only clients that send no Origin header.
func noBrowserOrigin(r *http.Request) bool {
	return r.Header.Get("Origin") == ""
}

// =============================================================================
// Server
// =============================================================================

// TabTracker is notified of page connections. *coordinator.Coordinator
// implements it.
type TabTracker interface {
	TabActivated(tabID int, rawURL string)
	TabRemoved(tabID int)
}

// ServeWebSocket returns a gin handler that upgrades a page connection.
//
// # Description
//
// The page identifies itself with the tabId query parameter. Each inbound
// Envelope is dispatched on its own goroutine and answered once with a
// ServerFrame carrying the same id. Hub notifications for the tab are
// interleaved on the same socket. A single writer goroutine owns the
// connection's write side.
//
// # Inputs
//
//   - hub: Notification router; the tab is registered for the life of
//     the connection.
//   - handler: Request handler (the coordinator).
//   - checkOrigin: Decides which Origin headers may upgrade. The socket
//     answers FILL_CREDENTIAL with plaintext, so nil admits only clients
//     that send no Origin at all, never a web page.
//   - logger: Optional logger.
//
// When handler also implements TabTracker, the optional url query
// parameter reports the page's address on connect and the tab is removed
// on disconnect.
func ServeWebSocket(hub *Hub, handler Handler, checkOrigin func(*http.Request) bool, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = noBrowserOrigin
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:     checkOrigin,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	return func(c *gin.Context) {
		tabID, err := strconv.Atoi(c.Query("tabId"))
		if err != nil || tabID < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tabId query parameter is required"})
			return
		}

		if !checkOrigin(c.Request) {
			logger.Warn("rejected page websocket origin",
				slog.String("origin", c.Request.Header.Get("Origin")), slog.Int("tab_id", tabID))
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("failed to upgrade page websocket", "error", err)
			return
		}
		defer ws.Close()

		log := logger.With("tab_id", tabID)
		log.Info("page connected")

		if tracker, ok := handler.(TabTracker); ok {
			if rawURL := c.Query("url"); rawURL != "" {
				tracker.TabActivated(tabID, rawURL)
			}
			defer tracker.TabRemoved(tabID)
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		notes, detach := hub.Register(tabID)
		defer detach()

		out := make(chan ServerFrame, notificationBuffer)
		var writerDone sync.WaitGroup
		writerDone.Add(1)
		go func() {
			defer writerDone.Done()
			writeLoop(ctx, ws, out, notes, log)
		}()

		var handlers sync.WaitGroup
		inFlight := make(map[string]struct{})
		var inFlightMu sync.Mutex

		for {
			var env datatypes.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				log.Info("page disconnected", "error", err.Error())
				break
			}
			if env.ID == "" {
				env.ID = uuid.NewString()
			}
			env.TabID = tabID

			inFlightMu.Lock()
			_, dup := inFlight[env.ID]
			if !dup {
				inFlight[env.ID] = struct{}{}
			}
			inFlightMu.Unlock()

			if dup {
				resp := datatypes.Fail(ErrDuplicateRequest)
				select {
				case out <- ServerFrame{ID: env.ID, Response: &resp}:
				case <-ctx.Done():
				}
				continue
			}

			handlers.Add(1)
			go func(env datatypes.Envelope) {
				defer handlers.Done()
				resp := Dispatch(ctx, handler, tabID, env)

				inFlightMu.Lock()
				delete(inFlight, env.ID)
				inFlightMu.Unlock()

				select {
				case out <- ServerFrame{ID: env.ID, Response: &resp}:
				case <-ctx.Done():
				}
			}(env)
		}

		cancel()
		handlers.Wait()
		writerDone.Wait()
	}
}

func writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan ServerFrame,
	notes <-chan datatypes.Notification, log *slog.Logger) {

	for {
		var frame ServerFrame
		select {
		case <-ctx.Done():
			return
		case frame = <-out:
		case n, ok := <-notes:
			if !ok {
				// Replaced by a newer connection for the same tab.
				notes = nil
				continue
			}
			frame = ServerFrame{Notification: &n}
		}
		if err := ws.WriteJSON(frame); err != nil {
			log.Warn("failed to write page frame", "error", err)
			return
		}
	}
}

// =============================================================================
// Client
// =============================================================================

// WSPort is a Port over a WebSocket connection to ServeWebSocket.
type WSPort struct {
	conn  *websocket.Conn
	notes chan datatypes.Notification
	done  chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan datatypes.Response
	err     error
	closed  bool
}

// DialPort connects to a coordinator endpoint such as
// "ws://127.0.0.1:8790/v1/autofill/ws" as tabID.
func DialPort(ctx context.Context, endpoint string, tabID int) (*WSPort, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse coordinator url: %w", err)
	}
	q := u.Query()
	q.Set("tabId", strconv.Itoa(tabID))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}

	p := &WSPort{
		conn:    conn,
		notes:   make(chan datatypes.Notification, notificationBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan datatypes.Response),
	}
	go p.readLoop()
	return p, nil
}

// Request implements Port.
func (p *WSPort) Request(ctx context.Context, msg datatypes.Message) (datatypes.Response, error) {
	env, err := datatypes.EncodeMessage(msg)
	if err != nil {
		return datatypes.Response{}, err
	}
	env.ID = uuid.NewString()

	reply := make(chan datatypes.Response, 1)
	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = ErrPortClosed
		}
		return datatypes.Response{}, err
	}
	p.pending[env.ID] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, env.ID)
		p.mu.Unlock()
	}()

	p.writeMu.Lock()
	err = p.conn.WriteJSON(env)
	p.writeMu.Unlock()
	if err != nil {
		return datatypes.Response{}, fmt.Errorf("send %s: %w", env.Type, err)
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-p.done:
		return datatypes.Response{}, ErrPortClosed
	case <-ctx.Done():
		return datatypes.Response{}, ctx.Err()
	}
}

// Notifications implements Port.
func (p *WSPort) Notifications() <-chan datatypes.Notification {
	return p.notes
}

// Close implements Port.
func (p *WSPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()
	return p.conn.Close()
}

func (p *WSPort) readLoop() {
	defer close(p.notes)
	defer close(p.done)

	for {
		var frame ServerFrame
		if err := p.conn.ReadJSON(&frame); err != nil {
			p.mu.Lock()
			p.closed = true
			p.err = err
			p.mu.Unlock()
			return
		}

		switch {
		case frame.Response != nil:
			p.mu.Lock()
			reply, ok := p.pending[frame.ID]
			p.mu.Unlock()
			if ok {
				select {
				case reply <- *frame.Response:
				default:
				}
			}
		case frame.Notification != nil:
			select {
			case p.notes <- *frame.Notification:
			default:
			}
		}
	}
}
