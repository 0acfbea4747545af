// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pushsession manages the coordinator's persistent connection to
// the prediction backend.
//
// # Description
//
// The session is a three-state machine:
//
//	DISCONNECTED --connect--> CONNECTING --handshake--> OPEN
//	     ^                        |                      |
//	     +------ dial error ------+------ close/error ---+
//
// Every drop while enabled schedules exactly one reconnect attempt after a
// fixed delay (5 s by default). There is no backoff and no attempt cap.
// Disable is terminal until Enable: it tears down the connection and
// cancels the pending reconnect.
//
// While OPEN a {"type":"ping"} frame is written every heartbeat interval.
// Pong frames only update LastHeartbeatAck; liveness is inferred from the
// absence of a close, not from pong arrival.
//
// Each connection owns its heartbeat. Teardown closes the connection
// before stopping that heartbeat, and does both outside the session lock,
// so a ping stuck on a stalled write cannot wedge the session.
//
// # Thread Safety
//
// Session is safe for concurrent use. Callbacks run on the read-loop
// goroutine without any session lock held.
package pushsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
)

// ErrSessionStopped is returned by Start after Stop.
var ErrSessionStopped = errors.New("push session stopped")

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	}
	return "UNKNOWN"
}

// =============================================================================
// Wire Frames
// =============================================================================

// Frame types exchanged with the backend.
const (
	FramePing            = "ping"
	FramePong            = "pong"
	FramePredictionPush  = "prediction_push"
	FrameCredentialReady = "credential_ready"
)

// Frame is the union of all push-session messages.
type Frame struct {
	Type          string                     `json:"type"`
	TriggerDomain string                     `json:"trigger_domain,omitempty"`
	Predictions   []datatypes.PredictionItem `json:"predictions,omitempty"`
	VaultItemID   string                     `json:"vault_item_id,omitempty"`
	Domain        string                     `json:"domain,omitempty"`
}

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a connection authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Recorder receives session events. observability.Metrics implements it.
type Recorder interface {
	SetSessionState(ordinal int)
	RecordReconnect()
	RecordHeartbeat()
	RecordPushMessage(msgType string)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Session.
type Config struct {
	Dialer Dialer
	Clock  ttl.Clock

	// ReconnectDelay is the fixed wait after a drop. Default: 5 seconds.
	ReconnectDelay time.Duration

	// HeartbeatInterval is the ping period while OPEN. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Enabled and Token are the initial settings.
	Enabled bool
	Token   string

	// OnPredictions receives prediction_push frames.
	OnPredictions func(domain string, preds []datatypes.PredictionItem)

	// OnCredentialReady receives credential_ready frames.
	OnCredentialReady func(vaultItemID, domain string)

	Logger   *slog.Logger
	Recorder Recorder
}

// DefaultConfig returns the production timing for dialer.
func DefaultConfig(dialer Dialer) Config {
	return Config{
		Dialer:            dialer,
		Clock:             ttl.Real(),
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Enabled:           true,
	}
}

// =============================================================================
// Session
// =============================================================================

// Session owns one logical push connection.
type Session struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnect *ttl.Task

	mu      sync.Mutex
	live    *liveConn
	state   State
	enabled bool
	token   string
	started bool
	stopped bool
	epoch   uint64
	lastAck int64
}

// liveConn is an OPEN connection and the heartbeat pinging it.
type liveConn struct {
	conn      Conn
	heartbeat *ttl.Heartbeat
}

// release closes the connection, which unblocks any in-flight ping, then
// waits for the heartbeat to exit. Must be called without s.mu held.
func (lc *liveConn) release() {
	if lc == nil {
		return
	}
	_ = lc.conn.Close()
	lc.heartbeat.Stop()
}

// New creates a DISCONNECTED session. Nothing is dialed until Start.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = ttl.Real()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		logger:    logger.With("component", "push_session"),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: ttl.NewTask("push.reconnect", cfg.Clock),
		enabled:   cfg.Enabled,
		token:     cfg.Token,
	}
	return s
}

// Start connects if the session is enabled and has a token.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	s.started = true
	s.connectLocked("start")
	return nil
}

// Stop tears down the connection permanently and waits for background
// goroutines to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	lc := s.teardownLocked()
	s.mu.Unlock()

	s.cancel()
	lc.release()
	s.wg.Wait()
}

// Enable re-arms the session and connects if a token is present.
func (s *Session) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.connectLocked("enable")
}

// Disable forces DISCONNECTED and suppresses reconnects until Enable.
func (s *Session) Disable() {
	s.mu.Lock()
	s.enabled = false
	lc := s.teardownLocked()
	s.mu.Unlock()

	lc.release()
	s.logger.Info("push session disabled")
}

// SetToken replaces the token and reconnects with it.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	lc := s.teardownLocked()
	s.connectLocked("token_updated")
	s.mu.Unlock()

	lc.release()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enabled reports the enabled flag.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// LastHeartbeatAck returns the Unix ms of the last pong, 0 if none.
func (s *Session) LastHeartbeatAck() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (s *Session) ReconnectPending() bool {
	return s.reconnect.Active()
}

// =============================================================================
// State Transitions
// =============================================================================

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("push session state", slog.String("from", s.state.String()), slog.String("to", st.String()))
	s.state = st
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.SetSessionState(int(st))
	}
}

// canConnectLocked gates every path into CONNECTING.
func (s *Session) canConnectLocked() bool {
	return s.started && !s.stopped && s.enabled && s.token != "" && s.cfg.Dialer != nil
}

// connectLocked moves DISCONNECTED -> CONNECTING and dials in the
// background. It is a no-op in any other state.
func (s *Session) connectLocked(reason string) {
	if s.state != Disconnected || !s.canConnectLocked() {
		return
	}
	s.reconnect.Cancel()
	s.epoch++
	epoch := s.epoch
	token := s.token
	s.setStateLocked(Connecting)
	s.logger.Info("push session connecting", slog.String("reason", reason), slog.Bool("token_present", token != ""))

	s.wg.Add(1)
	go s.dial(epoch, token)
}

// teardownLocked detaches the current connection, cancels any pending
// reconnect and invalidates in-flight dials. The caller releases the
// returned connection after unlocking.
func (s *Session) teardownLocked() *liveConn {
	s.epoch++
	s.reconnect.Cancel()
	s.setStateLocked(Disconnected)

	lc := s.live
	s.live = nil
	return lc
}

func (s *Session) dial(epoch uint64, token string) {
	defer s.wg.Done()

	conn, err := s.cfg.Dialer.Dial(s.ctx, token)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Warn("push session dial failed", slog.String("error", err.Error()))
		s.setStateLocked(Disconnected)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}

	hb := ttl.NewHeartbeat("push.heartbeat", s.cfg.Clock, s.cfg.HeartbeatInterval,
		func() { s.sendPing(conn) }, s.logger)
	s.live = &liveConn{conn: conn, heartbeat: hb}
	s.setStateLocked(Open)
	if err := hb.Start(); err != nil {
		s.logger.Warn("heartbeat start failed", slog.String("error", err.Error()))
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("push session open")
	go s.readLoop(epoch, conn)
}

// scheduleReconnectLocked arms the single reconnect task. Scheduling
// replaces any pending attempt, so at most one is ever outstanding.
func (s *Session) scheduleReconnectLocked() {
	if !s.canConnectLocked() {
		return
	}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordReconnect()
	}
	s.reconnect.Schedule(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connectLocked("reconnect")
	})
}

func (s *Session) readLoop(epoch uint64, conn Conn) {
	defer s.wg.Done()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			s.handleDrop(epoch, conn, err)
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) handleDrop(epoch uint64, conn Conn, cause error) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	lc := s.live
	s.live = nil
	s.setStateLocked(Disconnected)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	if lc != nil {
		lc.release()
	} else {
		_ = conn.Close()
	}
	s.logger.Warn("push session closed", slog.String("error", cause.Error()))
}

func (s *Session) dispatch(frame Frame) {
	if s.cfg.Recorder != nil {
		label := frame.Type
		switch label {
		case FramePong, FramePredictionPush, FrameCredentialReady:
		default:
			label = "unknown"
		}
		s.cfg.Recorder.RecordPushMessage(label)
	}

	switch frame.Type {
	case FramePong:
		now := ttl.NowMs(s.cfg.Clock)
		s.mu.Lock()
		s.lastAck = now
		s.mu.Unlock()

	case FramePredictionPush:
		if frame.TriggerDomain == "" {
			s.logger.Warn("prediction_push without trigger_domain")
			return
		}
		if err := datatypes.ValidatePredictions(frame.Predictions); err != nil {
			s.logger.Warn("invalid pushed predictions", slog.String("domain", frame.TriggerDomain), slog.String("error", err.Error()))
			return
		}
		if s.cfg.OnPredictions != nil {
			s.cfg.OnPredictions(frame.TriggerDomain, datatypes.ClonePredictions(frame.Predictions))
		}

	case FrameCredentialReady:
		if s.cfg.OnCredentialReady != nil {
			s.cfg.OnCredentialReady(frame.VaultItemID, frame.Domain)
		}

	default:
		s.logger.Debug("ignoring push frame", slog.String("type", frame.Type))
	}
}

// sendPing runs on the connection's heartbeat goroutine and never takes
// s.mu.
func (s *Session) sendPing(conn Conn) {
	if err := conn.WriteJSON(Frame{Type: FramePing}); err != nil {
		// The read loop observes the broken connection and reconnects.
		s.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
		return
	}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordHeartbeat()
	}
}
