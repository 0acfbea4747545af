// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel())
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "autofill-test", JSON: true, Output: &buf}).Slog()

	logger.Info("cache hit", "domain", "bank.example")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "cache hit", record["msg"])
	assert.Equal(t, "autofill-test", record["service"])
	assert.Equal(t, "bank.example", record["domain"])
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf}).Slog()

	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
}

func TestNew_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).Slog()

	logger.Info("token updated", "Token", "secret-bearer", "token_present", true)

	out := buf.String()
	assert.NotContains(t, out, "secret-bearer")
	assert.Contains(t, out, "Token=[REDACTED]")
	assert.Contains(t, out, "token_present=true")
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Quiet: true, Output: &buf}).Slog().Error("nothing visible")
	assert.Empty(t, buf.String())
}

func TestNew_ConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	l := New(Config{LogDir: dir, Service: "coord", Output: &console})
	logger := l.Slog().With("tab_id", 7)

	logger.Info("written twice", "password", "hunter2")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	assert.Contains(t, console.String(), "written twice")
	assert.Contains(t, console.String(), "tab_id=7")

	files, err := filepath.Glob(filepath.Join(dir, "coord_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "coord_"+time.Now().Format("2006-01-02")+".log", filepath.Base(files[0]))

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "written twice", record["msg"])
	assert.Equal(t, float64(7), record["tab_id"])
	assert.Equal(t, "[REDACTED]", record["password"])
	assert.NotContains(t, string(data), "hunter2")
}

func TestNew_UnusableLogDirFallsBackToConsole(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	var console bytes.Buffer
	l := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &console})
	l.Slog().Info("still logged")
	require.NoError(t, l.Close())

	out := console.String()
	assert.True(t, strings.Contains(out, "log file disabled"), out)
	assert.Contains(t, out, "still logged")
}
