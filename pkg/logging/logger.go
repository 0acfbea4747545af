// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the daemon's slog logger.
//
// Records go to the console and, when a log directory is configured, to a
// daily JSON file as well:
//
//	┌───────────────────────────────────┐
//	│              Logger               │
//	│  ┌───────────┐   ┌─────────────┐  │
//	│  │  console  │   │  daily file │  │
//	│  │ text/json │   │ (optional)  │  │
//	│  └───────────┘   └─────────────┘  │
//	└───────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.ParseLevel(cfg.Log.Level),
//	    Service: "autofilld",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Components never see *Logger; they take the *slog.Logger from Slog.
//
// # Secrets
//
// Attributes whose key names a secret (see SensitiveKeys) are replaced
// with "[REDACTED]" in every destination. Callers should still log
// presence flags instead:
//
//	logger.Info("token updated", "token_present", token != "")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is a log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name, or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a Level. Unknown or empty strings
// mean LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// =============================================================================
// Logger
// =============================================================================

// SensitiveKeys lists attribute keys that are always redacted.
var SensitiveKeys = []string{"token", "auth_token", "password", "credential", "authorization"}

// Config configures New. The zero value writes Info and above as text to
// stderr.
type Config struct {
	Level Level

	// LogDir adds a JSON file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. A leading "~" is expanded.
	LogDir string

	// Service is attached to every record as "service".
	Service string

	// JSON switches the console to JSON records.
	JSON bool

	// Quiet drops console output; the file, if any, still receives records.
	Quiet bool

	// Output replaces stderr as the console.
	Output io.Writer
}

// Logger owns the handlers and the log file behind a *slog.Logger.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called once, after the last
// record.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger. A log directory that cannot be opened is reported
// on the console and skipped.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level.toSlogLevel(),
		ReplaceAttr: redactAttr,
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	l := &Logger{}
	var fileErr error
	if cfg.LogDir != "" {
		l.file, fileErr = openDailyFile(cfg.LogDir, cfg.Service, time.Now())
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(l.file, opts))
		}
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, opts)
	case 1:
		h = handlers[0]
	default:
		h = fanout(handlers)
	}
	if cfg.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(h)

	if fileErr != nil {
		l.slog.Warn("log file disabled", slog.String("dir", cfg.LogDir), slog.String("error", fileErr.Error()))
	}
	return l
}

// Slog returns the logger components take in their configs.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file. Later records still reach the
// console.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func openDailyFile(dir, service string, now time.Time) (*os.File, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "autofill"
	}
	name := fmt.Sprintf("%s_%s.log", service, now.Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// =============================================================================
// Fan-out Handler
// =============================================================================

// fanout sends each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, k := range SensitiveKeys {
		if key == k {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}
