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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// =============================================================================
// Fakes
// =============================================================================

type fakeConn struct {
	inbound chan Frame
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Frame, 8), done: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case f := <-c.inbound:
		data, _ := json.Marshal(f)
		return json.Unmarshal(data, v)
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(Frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.written {
		if f.Type == FramePing {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	fail   bool
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.fail {
		return nil, errors.New("backend unreachable")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

// stallConn models a backend that stopped reading: WriteJSON blocks until
// the connection is closed. drop ends the read side only.
type stallConn struct {
	writing chan struct{}
	dropped chan struct{}
	done    chan struct{}
	once    sync.Once
	dropMu  sync.Once
}

func newStallConn() *stallConn {
	return &stallConn{
		writing: make(chan struct{}, 1),
		dropped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *stallConn) ReadJSON(v any) error {
	select {
	case <-c.dropped:
		return errors.New("server went away")
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *stallConn) WriteJSON(v any) error {
	select {
	case c.writing <- struct{}{}:
	default:
	}
	<-c.done
	return errors.New("connection closed")
}

func (c *stallConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *stallConn) drop() {
	c.dropMu.Do(func() { close(c.dropped) })
}

type stallDialer struct {
	mu    sync.Mutex
	conns []*stallConn
}

func (d *stallDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newStallConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stallDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *stallDialer) conn(i int) *stallConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// openWithStalledPing starts s, waits for OPEN and fires one heartbeat
// that blocks on the write.
func openWithStalledPing(t *testing.T, s *Session, d *stallDialer, clock *ttl.FakeClock) *stallConn {
	t.Helper()
	require.NoError(t, s.Start())
	waitState(t, s, Open)

	conn := d.conn(d.dials() - 1)
	clock.Advance(30 * time.Second)
	select {
	case <-conn.writing:
	case <-time.After(waitFor):
		t.Fatal("heartbeat did not start writing")
	}
	return conn
}

// returnsWithin fails the test when fn does not return in time.
func returnsWithin(t *testing.T, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("%s blocked behind an in-flight heartbeat write", name)
	}
}

func newTestSession(t *testing.T, dialer Dialer, clock *ttl.FakeClock, token string) *Session {
	t.Helper()
	cfg := DefaultConfig(dialer)
	cfg.Clock = clock
	cfg.Token = token
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, tick,
		"expected state %s, got %s", want, s.State())
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestSession_NoTokenStaysDisconnected(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, ttl.FakeAtMs(0), "")

	require.NoError(t, s.Start())
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 0, d.dials())
}

func TestSession_StartConnects(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, ttl.FakeAtMs(0), "tok")

	require.NoError(t, s.Start())
	waitState(t, s, Open)
	assert.Equal(t, []string{"tok"}, d.tokens)
}

func TestSession_ReconnectExactlyOnceAfterDelay(t *testing.T) {
	d := &fakeDialer{}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	// Server closes the connection.
	_ = d.conn(0).Close()
	waitState(t, s, Disconnected)
	require.Eventually(t, s.ReconnectPending, waitFor, tick)

	clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "no attempt before the delay")

	clock.Advance(time.Millisecond)
	waitState(t, s, Open)
	assert.Equal(t, 2, d.dials())
	assert.False(t, s.ReconnectPending())
}

func TestSession_DialFailuresRetryIndefinitely(t *testing.T) {
	d := &fakeDialer{fail: true}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")

	require.NoError(t, s.Start())

	for attempt := 1; attempt <= 4; attempt++ {
		require.Eventually(t, s.ReconnectPending, waitFor, tick)
		assert.Equal(t, attempt, d.dials())
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return d.dials() == attempt+1 }, waitFor, tick)
	}

	d.setFail(false)
	require.Eventually(t, s.ReconnectPending, waitFor, tick)
	clock.Advance(5 * time.Second)
	waitState(t, s, Open)
}

func TestSession_DisableIsTerminalUntilEnable(t *testing.T) {
	d := &fakeDialer{}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	s.Disable()
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.ReconnectPending())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, Disconnected, s.State())

	s.Enable()
	waitState(t, s, Open)
	assert.Equal(t, 2, d.dials())
}

func TestSession_SetTokenReconnects(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, ttl.FakeAtMs(0), "old")

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	s.SetToken("new")
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	waitState(t, s, Open)
	assert.Equal(t, []string{"old", "new"}, d.tokens)

	// The replaced connection is closed and does not trigger a reconnect.
	select {
	case <-d.conn(0).done:
	case <-time.After(waitFor):
		t.Fatal("old connection not closed")
	}
	assert.False(t, s.ReconnectPending())
}

func TestSession_ClearTokenDisconnects(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, ttl.FakeAtMs(0), "tok")

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	s.SetToken("")
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.ReconnectPending())
}

// =============================================================================
// Frame Tests
// =============================================================================

func TestSession_HeartbeatAndPong(t *testing.T) {
	d := &fakeDialer{}
	clock := ttl.FakeAtMs(1000)
	s := newTestSession(t, d, clock, "tok")

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return d.conn(0).pings() == 1 }, waitFor, tick)

	d.conn(0).inbound <- Frame{Type: FramePong}
	require.Eventually(t, func() bool { return s.LastHeartbeatAck() == 31000 }, waitFor, tick)
	assert.Equal(t, Open, s.State())
}

func TestSession_DisableDuringStalledHeartbeat(t *testing.T) {
	d := &stallDialer{}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")
	conn := openWithStalledPing(t, s, d, clock)

	returnsWithin(t, "Disable", s.Disable)

	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.ReconnectPending())
	select {
	case <-conn.done:
	default:
		t.Fatal("stalled connection was not closed")
	}

	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.dials(), "disabled session must not redial")
}

func TestSession_SetTokenDuringStalledHeartbeat(t *testing.T) {
	d := &stallDialer{}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")
	openWithStalledPing(t, s, d, clock)

	returnsWithin(t, "SetToken", func() { s.SetToken("tok-2") })

	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	waitState(t, s, Open)
}

func TestSession_DropDuringStalledHeartbeatReconnects(t *testing.T) {
	d := &stallDialer{}
	clock := ttl.FakeAtMs(0)
	s := newTestSession(t, d, clock, "tok")
	conn := openWithStalledPing(t, s, d, clock)

	conn.drop()
	waitState(t, s, Disconnected)
	require.Eventually(t, s.ReconnectPending, waitFor, tick)

	returnsWithin(t, "State", func() { _ = s.State() })

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	waitState(t, s, Open)
}

func TestSession_StopDuringStalledHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &stallDialer{}
	clock := ttl.FakeAtMs(0)
	cfg := DefaultConfig(d)
	cfg.Clock = clock
	cfg.Token = "tok"
	s := New(cfg)
	openWithStalledPing(t, s, d, clock)

	returnsWithin(t, "Stop", s.Stop)
}

func TestSession_Callbacks(t *testing.T) {
	d := &fakeDialer{}
	type push struct {
		domain string
		preds  []datatypes.PredictionItem
	}
	pushes := make(chan push, 1)
	ready := make(chan string, 1)

	cfg := DefaultConfig(d)
	cfg.Clock = ttl.FakeAtMs(0)
	cfg.Token = "tok"
	cfg.OnPredictions = func(domain string, preds []datatypes.PredictionItem) {
		pushes <- push{domain, preds}
	}
	cfg.OnCredentialReady = func(vaultItemID, domain string) {
		ready <- vaultItemID + "@" + domain
	}
	s := New(cfg)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start())
	waitState(t, s, Open)

	conn := d.conn(0)
	conn.inbound <- Frame{Type: FramePredictionPush, TriggerDomain: "bank.example",
		Predictions: []datatypes.PredictionItem{{ID: "p1", VaultItemID: "v1", Confidence: 0.9, Reason: datatypes.ReasonCombined}}}
	conn.inbound <- Frame{Type: FrameCredentialReady, VaultItemID: "v1", Domain: "bank.example"}

	select {
	case p := <-pushes:
		assert.Equal(t, "bank.example", p.domain)
		require.Len(t, p.preds, 1)
		assert.Equal(t, "p1", p.preds[0].ID)
	case <-time.After(waitFor):
		t.Fatal("prediction_push not delivered")
	}
	select {
	case got := <-ready:
		assert.Equal(t, "v1@bank.example", got)
	case <-time.After(waitFor):
		t.Fatal("credential_ready not delivered")
	}
}

func TestSession_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	cfg := DefaultConfig(d)
	cfg.Clock = ttl.FakeAtMs(0)
	cfg.Token = "tok"
	s := New(cfg)

	require.NoError(t, s.Start())
	waitState(t, s, Open)
	s.Stop()

	assert.ErrorIs(t, s.Start(), ErrSessionStopped)
}

// =============================================================================
// WebSocket Dialer
// =============================================================================

func TestWebSocketDialer_SendsBearerAndFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotPing := make(chan Frame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(Frame{Type: FramePong})
		var f Frame
		if err := ws.ReadJSON(&f); err == nil {
			gotPing <- f
		}
	}))
	defer srv.Close()

	d := WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer tok", <-gotAuth)

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FramePong, f.Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	select {
	case f := <-gotPing:
		assert.Equal(t, FramePing, f.Type)
	case <-time.After(waitFor):
		t.Fatal("ping not received")
	}
}

func TestWebSocketDialer_WriteDeadline(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), WriteTimeout: 50 * time.Millisecond}
	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer conn.Close()

	big := Frame{Type: FramePing, Domain: strings.Repeat("x", 1<<20)}
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 512; i++ {
			if err := conn.WriteJSON(big); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		assert.Error(t, err, "writes to a peer that never reads must time out")
	case <-time.After(10 * time.Second):
		t.Fatal("write blocked past its deadline")
	}
}
