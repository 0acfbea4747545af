// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pushsession

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds a single inbound push frame.
const maxFrameBytes = 1 << 20

// WebSocketDialer dials the backend push endpoint with gorilla/websocket.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// push endpoint.
	URL string

	// HandshakeTimeout bounds the opening handshake. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame. Default: 10 seconds.
	WriteTimeout time.Duration
}

// deadlineConn sets a fresh write deadline before every frame so a backend
// that stops reading fails the write instead of blocking it.
type deadlineConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (c *deadlineConn) WriteJSON(v any) error {
	if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.Conn.WriteJSON(v)
}

// Dial opens the connection with an Authorization bearer header.
func (d WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("push handshake: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &deadlineConn{Conn: conn, writeTimeout: writeTimeout}, nil
}
