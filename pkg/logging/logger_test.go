// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
		{"  info  ", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("stream started", "stream_id", "abc")

	out := buf.String()
	assert.Contains(t, out, "stream started")
	assert.Contains(t, out, "stream_id=abc")
}

func TestNew_JSONOutputWithService(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf, JSON: true, Service: "orchestrator"})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "orchestrator", entry["service"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf, Level: LevelWarn})
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{LogDir: dir, Service: "testsvc", Quiet: true})
	require.NoError(t, err)

	logger.Info("persisted line", "k", "v")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "testsvc_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	// File output is always JSON.
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "persisted line", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestClose_Idempotent(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Service: "x", Quiet: true})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}
