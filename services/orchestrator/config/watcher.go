// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
)

// LimitsWatcher hot-reloads the rate-limit section of the config file.
//
// # Description
//
// Watches the config file and, on every write, re-reads it and applies the
// Limits section through the callback. Only the limits are live-reloaded;
// everything else requires a restart. Parse failures keep the previous
// limits in force.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type LimitsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	apply   func(ratelimit.Limits)
}

// NewLimitsWatcher creates a watcher over the given config file.
//
// # Inputs
//
//   - path: Config file to watch.
//   - apply: Called with the new limits after each successful reload;
//     typically ratelimit.Limiter.SetLimits.
func NewLimitsWatcher(path string, apply func(ratelimit.Limits)) (*LimitsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &LimitsWatcher{
		path:    path,
		watcher: watcher,
		apply:   apply,
	}, nil
}

// Start begins watching. Blocks until the context is cancelled; run it in a
// goroutine.
func (w *LimitsWatcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.path); err != nil {
		slog.Warn("Failed to watch config file, limits hot-reload disabled",
			"path", w.path,
			"error", err)
		return
	}
	slog.Debug("Started watching config file for limit changes", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Editors often replace rather than write in place; re-add the
			// path after a rename or remove so subsequent saves are seen.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				_ = w.watcher.Add(w.path)
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *LimitsWatcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("Config reload failed, keeping previous limits",
			"path", w.path,
			"error", err)
		return
	}
	w.apply(cfg.Limits)
	slog.Info("Rate limits reloaded",
		"requests_per_minute", cfg.Limits.RequestsPerMinute,
		"requests_per_hour", cfg.Limits.RequestsPerHour,
		"max_concurrent_streams", cfg.Limits.MaxConcurrentStreams,
	)
}
