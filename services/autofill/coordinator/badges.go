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
	"log/slog"
	"sort"
	"sync"
)

// BadgeBoard is the daemon's Toolbar. It keeps the current badge text per
// tab so the HTTP surface can report it.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgeBoard struct {
	logger *slog.Logger

	mu     sync.RWMutex
	badges map[int]string
}

// NewBadgeBoard creates an empty board. A nil logger uses slog.Default().
func NewBadgeBoard(logger *slog.Logger) *BadgeBoard {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgeBoard{
		logger: logger.With("component", "badge"),
		badges: make(map[int]string),
	}
}

// SetBadge implements Toolbar. Empty text clears the tab's badge.
func (b *BadgeBoard) SetBadge(tabID int, text string) error {
	b.mu.Lock()
	if text == "" {
		delete(b.badges, tabID)
	} else {
		b.badges[tabID] = text
	}
	b.mu.Unlock()

	b.logger.Debug("badge updated", "tab_id", tabID, "text", text)
	return nil
}

// Badge returns the text shown on tabID, or "".
func (b *BadgeBoard) Badge(tabID int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.badges[tabID]
}

// Marked returns the tabs that currently show a badge, ascending.
func (b *BadgeBoard) Marked() []int {
	b.mu.RLock()
	tabs := make([]int, 0, len(b.badges))
	for id := range b.badges {
		tabs = append(tabs, id)
	}
	b.mu.RUnlock()
	sort.Ints(tabs)
	return tabs
}
