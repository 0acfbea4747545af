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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvConfigPath = "AUTOFILL_CONFIG"
	EnvListenAddr = "AUTOFILL_LISTEN_ADDR"
	EnvBackendURL = "AUTOFILL_BACKEND_URL"

	// EnvAllowedOrigins is a comma-separated origin list that replaces
	// allowed_origins.
	EnvAllowedOrigins = "AUTOFILL_ALLOWED_ORIGINS"
)

var validate = validator.New()

// DefaultPath returns AUTOFILL_CONFIG when set, else
// ~/.aleutian/autofill.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "autofill.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
// An empty path means DefaultPath().
//
// # Description
//
// Fields missing from the file keep their DefaultConfig values. The
// environment overrides are applied last and the result is validated.
//
// # Outputs
//
//   - AutofillConfig: The effective configuration.
//   - error: Non-nil if the file cannot be read, parsed or validated.
func Load(path string) (AutofillConfig, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return AutofillConfig{}, err
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("first run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return AutofillConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return AutofillConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies the environment and
// validates.
func Parse(data []byte) (AutofillConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AutofillConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	applyEnv(&cfg)
	if err := validate.Struct(cfg); err != nil {
		return AutofillConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *AutofillConfig) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
