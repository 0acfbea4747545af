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
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyEnabled   = "autofill:enabled"
	keyAuthToken = "autofill:auth_token"
)

// Settings is the persisted coordinator state.
type Settings struct {
	Enabled   bool
	AuthToken string
}

// DefaultSettings is what a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{Enabled: true}
}

// SettingsStore reads and writes Settings.
type SettingsStore interface {
	Load() (Settings, error)
	SetEnabled(enabled bool) error
	SetAuthToken(token string) error
}

// BadgerSettings is the BadgerDB-backed SettingsStore.
type BadgerSettings struct {
	db *DB
}

// NewBadgerSettings wraps an open database.
func NewBadgerSettings(db *DB) *BadgerSettings {
	return &BadgerSettings{db: db}
}

// Load returns the stored settings, falling back to defaults for missing
// keys.
func (s *BadgerSettings) Load() (Settings, error) {
	settings := DefaultSettings()

	err := s.db.View(func(txn *badger.Txn) error {
		if v, ok, err := get(txn, keyEnabled); err != nil {
			return err
		} else if ok {
			settings.Enabled = len(v) == 1 && v[0] == 1
		}
		if v, ok, err := get(txn, keyAuthToken); err != nil {
			return err
		} else if ok {
			settings.AuthToken = string(v)
		}
		return nil
	})
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

// SetEnabled persists the enabled flag.
func (s *BadgerSettings) SetEnabled(enabled bool) error {
	v := []byte{0}
	if enabled {
		v[0] = 1
	}
	return s.put(keyEnabled, v)
}

// SetAuthToken persists the token. An empty token deletes the key.
func (s *BadgerSettings) SetAuthToken(token string) error {
	if token == "" {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(keyAuthToken))
		})
		if err != nil {
			return fmt.Errorf("clear auth token: %w", err)
		}
		return nil
	}
	return s.put(keyAuthToken, []byte(token))
}

func (s *BadgerSettings) put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func get(txn *badger.Txn, key string) ([]byte, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
