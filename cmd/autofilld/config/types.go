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
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/store"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/telemetry"
)

type AutofillConfig struct {
	// ListenAddr is where pages connect, e.g. 127.0.0.1:8790
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	// AccessKey gates the page WebSocket. Empty admits every local caller
	// that passes the origin check.
	AccessKey string `yaml:"access_key,omitempty"`

	// AllowedOrigins are the browser origins, e.g.
	// "chrome-extension://<id>", allowed to open the page WebSocket.
	// Requests from any other web origin are refused.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" validate:"dive,required"`

	// DataDir holds the settings database.
	DataDir string `yaml:"data_dir" validate:"required"`

	// AuditRetention is how long credential and settings audit events
	// are kept.
	AuditRetention time.Duration `yaml:"audit_retention" validate:"gt=0"`

	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Timing  TimingConfig  `yaml:"timing"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

type BackendConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	PushURL           string        `yaml:"push_url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

type AuthConfig struct {
	// TokenFile, when set, is watched and its contents applied as the
	// bearer token on every change.
	TokenFile string `yaml:"token_file,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type TimingConfig struct {
	Debounce       time.Duration `yaml:"debounce" validate:"gt=0"`
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	BadgeClear     time.Duration `yaml:"badge_clear" validate:"gt=0"`
	Reconnect      time.Duration `yaml:"reconnect" validate:"gt=0"`
	Heartbeat      time.Duration `yaml:"heartbeat" validate:"gt=0"`
	ReadyThreshold float64       `yaml:"ready_threshold" validate:"gt=0,lte=1"`
	DedupeFetches  bool          `yaml:"dedupe_fetches"`
}

// defaultDataDir is ~/.aleutian/autofill, or a relative directory when
// the home directory is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aleutian", "autofill")
	}
	return filepath.Join(home, ".aleutian", "autofill")
}

func DefaultConfig() AutofillConfig {
	return AutofillConfig{
		ListenAddr: "127.0.0.1:8790",
		DataDir:    defaultDataDir(),

		AuditRetention: store.DefaultAuditRetention,
		Backend: BackendConfig{
			BaseURL:           "http://localhost:8080",
			PushURL:           "ws://localhost:8080/api/v1/predictions/ws",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Timing: TimingConfig{
			Debounce:       300 * time.Millisecond,
			CacheTTL:       15 * time.Minute,
			BadgeClear:     5 * time.Second,
			Reconnect:      5 * time.Second,
			Heartbeat:      30 * time.Second,
			ReadyThreshold: 0.9,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
