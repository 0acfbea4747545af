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
	"sync"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
)

// ErrPortClosed is returned by Request after Close.
var ErrPortClosed = errors.New("port closed")

// Port is a page context's view of the coordinator.
type Port interface {
	// Request sends msg and waits for its single response.
	Request(ctx context.Context, msg datatypes.Message) (datatypes.Response, error)

	// Notifications delivers unsolicited coordinator messages. The channel
	// closes when the port closes.
	Notifications() <-chan datatypes.Notification

	Close() error
}

// LocalPort connects a page to an in-process Handler.
type LocalPort struct {
	tabID   int
	handler Handler
	notes   <-chan datatypes.Notification
	detach  func()

	mu     sync.Mutex
	closed bool
}

// LocalPort registers tabID on the hub and returns a port dispatching to
// handler.
func (h *Hub) LocalPort(tabID int, handler Handler) *LocalPort {
	notes, detach := h.Register(tabID)
	return &LocalPort{tabID: tabID, handler: handler, notes: notes, detach: detach}
}

// TabID returns the tab this port speaks for.
func (p *LocalPort) TabID() int {
	return p.tabID
}

// Request runs the handler on its own goroutine so the caller can give up
// on ctx without blocking the coordinator.
func (p *LocalPort) Request(ctx context.Context, msg datatypes.Message) (datatypes.Response, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return datatypes.Response{}, ErrPortClosed
	}

	// Round-trip through the wire form so local and remote pages see the
	// same validation.
	env, err := datatypes.EncodeMessage(msg)
	if err != nil {
		return datatypes.Response{}, err
	}

	reply := make(chan datatypes.Response, 1)
	go func() {
		reply <- Dispatch(ctx, p.handler, p.tabID, env)
	}()

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return datatypes.Response{}, ctx.Err()
	}
}

// Notifications implements Port.
func (p *LocalPort) Notifications() <-chan datatypes.Notification {
	return p.notes
}

// Close detaches from the hub.
func (p *LocalPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.detach()
	return nil
}
