// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for openchatd components.
//
// The package is a thin layer over the standard library slog package:
//
//   - Default: stderr output in human-readable text
//   - Service binaries: JSON to stdout for log shippers
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("stream started", "stream_id", streamID)
//
// # Service Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "orchestrator",
//	    JSON:    true,
//	    LogDir:  "/var/log/openchatd",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Callers must not log session
// tokens or message content:
//
//	// BAD
//	logger.Info("auth", "token", token)
//	// GOOD
//	logger.Info("auth", "token_present", token != "")
package logging

import (
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
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
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
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// to a Level. Unknown strings default to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value writes Info+ messages to
// stderr in text format.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory. The file is named
	// "{Service}_{YYYY-MM-DD}.log" and is always JSON. Supports ~ expansion.
	// Default: "" (file logging disabled).
	LogDir string

	// Service is included in every entry as the "service" attribute.
	Service string

	// JSON switches the primary output to JSON format.
	JSON bool

	// Quiet disables the primary stderr/stdout output. Useful for daemons
	// where only file output is wanted.
	Quiet bool

	// Output overrides the primary destination (default os.Stderr).
	// Primarily for tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output and cleanup.
// Safe for concurrent use.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger from the given Config.
func New(cfg Config) (*Logger, error) {
	var writers []io.Writer

	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, out)
	}

	var file *os.File
	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
		file, err = os.OpenFile(filepath.Join(dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}
	dest := io.MultiWriter(writers...)

	var handler slog.Handler
	if cfg.JSON || cfg.LogDir != "" {
		// File logs are meant for machines; once a file is in play the
		// combined stream is JSON.
		handler = slog.NewJSONHandler(dest, opts)
	} else {
		handler = slog.NewTextHandler(dest, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}

	return &Logger{slog: logger, file: file}, nil
}

// Default returns a Logger with zero-value Config (Info+, stderr, text).
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// Slog exposes the underlying slog.Logger, e.g. for slog.SetDefault.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Debug logs at debug level with key/value attrs.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level with key/value attrs.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level with key/value attrs.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level with key/value attrs.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Close flushes and closes the log file, if any. Safe to call multiple times.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand ~ in log dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
