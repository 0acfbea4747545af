// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Audit event types.
const (
	AuditCredentialFill = "credential.fill"
	AuditEnabledChanged = "settings.enabled"
	AuditTokenChanged   = "auth.token"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const auditPrefix = "audit:"

// DefaultAuditRetention is how long events are kept.
const DefaultAuditRetention = 30 * 24 * time.Hour

// defaultQueryLimit caps Query when the filter sets no limit.
const defaultQueryLimit = 100

// ErrInvalidAuditEvent is returned by Log for an event without a type.
var ErrInvalidAuditEvent = errors.New("audit event type is required")

// AuditEvent records one security-relevant action. It never carries
// secrets: no passwords, no tokens.
type AuditEvent struct {
	// EventType is "category.action", e.g. "credential.fill".
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`

	// TabID is the originating tab, or -1 for daemon-side actions.
	TabID int `json:"tabId"`

	// ResourceID is the vault item for credential events.
	ResourceID string `json:"resourceId,omitempty"`
	Domain     string `json:"domain,omitempty"`

	// Outcome is "success" or "failure".
	Outcome string `json:"outcome"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events for Query. Zero fields match everything.
type AuditFilter struct {
	EventTypes []string
	Domain     string
	Outcome    string

	// StartTime is inclusive, EndTime exclusive.
	StartTime time.Time
	EndTime   time.Time

	// Limit defaults to 100.
	Limit int
}

// AuditLogger records and reads back audit events.
type AuditLogger interface {
	// Log persists event, setting Timestamp when zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

func (NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// BadgerAuditLog stores events under time-ordered keys with a TTL, so
// old events expire without a sweeper.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerAuditLog struct {
	db        *DB
	retention time.Duration
}

// NewBadgerAuditLog wraps an open database. retention <= 0 uses
// DefaultAuditRetention.
func NewBadgerAuditLog(db *DB, retention time.Duration) *BadgerAuditLog {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &BadgerAuditLog{db: db, retention: retention}
}

// auditKey orders by time; the uuid suffix keeps same-nanosecond events
// apart.
func auditKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", auditPrefix, ts.UnixNano(), uuid.NewString()))
}

// Log implements AuditLogger.
func (l *BadgerAuditLog) Log(ctx context.Context, event AuditEvent) error {
	if event.EventType == "" {
		return ErrInvalidAuditEvent
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(auditKey(event.Timestamp), payload).WithTTL(l.retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Query implements AuditLogger.
func (l *BadgerAuditLog) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	types := make(map[string]bool, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		types[t] = true
	}

	events := []AuditEvent{}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the last key <= seek.
		seek := append([]byte(auditPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(auditPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev AuditEvent
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			})
			if err != nil {
				return fmt.Errorf("decode audit event: %w", err)
			}

			if !filter.EndTime.IsZero() && !ev.Timestamp.Before(filter.EndTime) {
				continue
			}
			if !filter.StartTime.IsZero() && ev.Timestamp.Before(filter.StartTime) {
				// Keys are time ordered; everything further is older.
				break
			}
			if len(types) > 0 && !types[ev.EventType] {
				continue
			}
			if filter.Domain != "" && ev.Domain != filter.Domain {
				continue
			}
			if filter.Outcome != "" && ev.Outcome != filter.Outcome {
				continue
			}

			events = append(events, ev)
			if len(events) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
