// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements secure token accumulation for in-flight streams.
// Buffered model output is stored in mlocked memory so partial answers never
// page to disk, and is incrementally hashed for integrity verification.

package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for token
	// accumulation. 512 KB covers long responses with room to spare
	// (~131,000 tokens at 4 bytes/token average).
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// Accumulator buffers streamed tokens until the terminal persist.
//
// # Description
//
// Abstracts buffer storage during streaming so the orchestrator can use
// mlocked memory where the system allows it and plain memory otherwise.
// Tokens are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Buffer size is fixed; an overflowing stream fails rather than grows.
//   - An accumulator cannot be reused after Finalize() or Destroy().
type Accumulator interface {
	// Write appends one token. Fails on overflow or after destruction.
	Write(token string) error

	// Len returns the number of bytes buffered so far.
	Len() int

	// Finalize returns the accumulated content and its SHA-256 hex hash,
	// then wipes the buffer. Can be called once.
	Finalize() (content string, hash string, err error)

	// Snapshot returns a copy of the content buffered so far without
	// wiping. Used on the cancel path, where the partial answer is
	// persisted while the accumulator is still owned by a deferred
	// Destroy.
	Snapshot() string

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID returns a unique identifier for logging.
	ID() string

	// CreatedAt returns the creation timestamp.
	CreatedAt() time.Time
}

// =============================================================================
// Constructors
// =============================================================================

// NewAccumulator creates a token accumulator, secure when the system's mlock
// limit allows it.
//
// # Description
//
// Allocates an mlocked memguard buffer when RLIMIT_MEMLOCK permits. When it
// does not, OPENCHATD_INSECURE_MEMORY=true falls back to plain memory with a
// warning; otherwise construction fails so the operator has to make the
// choice explicitly.
func NewAccumulator() (Accumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("OPENCHATD_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure memory accumulator due to mlock limits",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; "+
				"raise the limit or set OPENCHATD_INSECURE_MEMORY=true",
			currentMlockLimitKB, MinMlockLimitKB,
		)
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	acc := &secureAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
	slog.Debug("Created secure token accumulator",
		"accumulator_id", acc.id,
		"buffer_size", SecureBufferSize,
	)
	return acc, nil
}

func newPlainAccumulator() Accumulator {
	acc := &plainAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
	slog.Warn("Created INSECURE token accumulator - data may be swapped to disk",
		"accumulator_id", acc.id,
	)
	return acc
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator stores tokens in an mlocked memguard buffer: locked
// against swapping, guard pages on both sides, explicit zeroing on Destroy.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ Accumulator = (*secureAccumulator)(nil)

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *secureAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.buffer.Bytes()[:a.offset])
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	content := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure token accumulator",
		"accumulator_id", a.id,
		"content_length", len(content),
	)
	return content, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed secure token accumulator", "accumulator_id", a.id)
}

// wipe destroys the locked buffer; caller holds the mutex.
func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *secureAccumulator) ID() string { return a.id }
func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Plain Fallback Implementation
// =============================================================================

// plainAccumulator is the fallback for systems without sufficient mlock.
// Same contract, ordinary Go memory: data may be swapped to disk and wiping
// is best-effort under the garbage collector.
type plainAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ Accumulator = (*plainAccumulator)(nil)

func (a *plainAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-len(a.data))
	}
	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *plainAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.data)
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	content := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return content, hashStr, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *plainAccumulator) ID() string { return a.id }
func (a *plainAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and mlock limit validation.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK. Returns -1 for unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
