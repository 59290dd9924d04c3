// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"fmt"
	"sync"
)

// StaticResolver is an in-memory FileResolver. Extracted texts are registered
// by the ingestion side (or a test) and looked up by reference.
//
// # Thread Safety
//
// Safe for concurrent Register and Resolve calls.
type StaticResolver struct {
	mu    sync.RWMutex
	texts map[string]FileText
}

var _ FileResolver = (*StaticResolver)(nil)

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{texts: make(map[string]FileText)}
}

// Register stores extracted text under a reference, replacing any previous
// entry.
func (r *StaticResolver) Register(ref string, ft FileText) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts[ref] = ft
}

// Resolve returns the texts for the given references in request order.
func (r *StaticResolver) Resolve(_ context.Context, refs []string) ([]FileText, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FileText, 0, len(refs))
	for _, ref := range refs {
		ft, ok := r.texts[ref]
		if !ok {
			return nil, fmt.Errorf("unknown file reference %q", ref)
		}
		out = append(out, ft)
	}
	return out, nil
}
