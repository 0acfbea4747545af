// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TokenWatcher applies the contents of a token file whenever it changes.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors and secret managers that replace the file by rename are seen.
// Only events naming the token file are acted on, and the apply callback
// runs only when the trimmed contents differ from the last applied value.
//
// # Thread Safety
//
// Run should be called once. Apply is called from the Run goroutine.
type TokenWatcher struct {
	path    string
	apply   func(token string) error
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	last string
	seen bool
}

// NewTokenWatcher creates a watcher for path.
//
// # Inputs
//
//   - path: Token file. Its parent directory must exist.
//   - apply: Receives each new token, e.g. Coordinator.SetAuthToken.
//   - logger: Optional logger.
//
// # Outputs
//
//   - *TokenWatcher: Ready to Run.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewTokenWatcher(path string, apply func(string) error, logger *slog.Logger) (*TokenWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TokenWatcher{
		path:    abs,
		apply:   apply,
		logger:  logger.With("component", "token_watcher"),
		watcher: watcher,
	}, nil
}

// Run applies the current token, then blocks applying changes until ctx
// is cancelled. The fsnotify watcher is closed on return.
func (w *TokenWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.reload()

	w.logger.Info("watching token file", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("token watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// reload reads the file and applies it if it changed. A missing or empty
// file is ignored; the previous token stays in effect.
func (w *TokenWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Debug("token file unreadable", "error", err)
		return
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return
	}

	w.mu.Lock()
	if w.seen && token == w.last {
		w.mu.Unlock()
		return
	}
	w.last = token
	w.seen = true
	w.mu.Unlock()

	if err := w.apply(token); err != nil {
		w.logger.Warn("failed to apply token", "error", err)
		return
	}
	w.logger.Info("auth token updated from file", "token_present", true)
}
