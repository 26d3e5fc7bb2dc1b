// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the article chat
// service.
//
// This file implements secure accumulation of the streamed reply. Chunks
// are staged in mlocked memory so a reader's conversation cannot be
// swapped to disk between the upstream call and the complete frame.
package handlers

import (
	"fmt"
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
	// ReplyBufferSize is the size of the mlocked buffer staging the reply.
	// 256 KB comfortably exceeds any single chat answer.
	ReplyBufferSize = 256 * 1024

	// minMlockLimitKB is the minimum mlock limit required in kilobytes.
	minMlockLimitKB = 256
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure
	// memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// ReplyAccumulator defines the contract for staging the assistant reply
// while it streams to the client.
//
// # Description
//
// The streaming handler emits chunks to the client as they are grouped,
// and in parallel appends them here so the terminal complete frame and
// the persistence side-channel see the exact bytes that were streamed.
// Implementations differ only in where the staging buffer lives.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Examples
//
//	acc, err := NewReplyAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Append("The article ")
//	acc.Append("argues that...")
//	reply, _ := acc.Finalize()
type ReplyAccumulator interface {
	// Append adds one chunk to the staged reply. Returns an error when
	// the buffer is exhausted or the accumulator was already finalized.
	Append(chunk string) error

	// Finalize returns the complete staged reply and wipes the buffer.
	// Can only be called once; the accumulator is unusable afterwards.
	Finalize() (string, error)

	// Destroy wipes the buffer without returning data. Idempotent; use
	// on error paths where the reply is no longer needed.
	Destroy()

	// ID returns a unique identifier for this accumulator, for logging.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureReplyAccumulator stages the reply in mlocked memory.
//
// # Description
//
// Uses a memguard LockedBuffer: locked against swapping, guard pages
// around the allocation, explicit zeroing on Destroy.
//
// # Thread Safety
//
// Safe for concurrent use via mutex.
type secureReplyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	overflow  bool
	destroyed bool
}

// insecureReplyAccumulator is a fallback for systems without sufficient
// mlock limits, staging the reply in ordinary Go memory.
//
// # Security Warning
//
// Data may be swapped to disk. Only used when the mlock limit is too low
// and ALEUTIAN_INSECURE_MEMORY=true acknowledges the risk.
type insecureReplyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructors
// =============================================================================

// NewReplyAccumulator creates an accumulator for one streamed reply.
//
// # Description
//
// Allocates a mlocked buffer of ReplyBufferSize bytes. If the mlock
// limit is insufficient and ALEUTIAN_INSECURE_MEMORY is not set, returns
// an error; with the override set it falls back to an insecure
// accumulator with a warning.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()
	slog.Debug("Created secure reply accumulator",
		"accumulator_id", accID,
		"buffer_size", ReplyBufferSize,
	)

	return &secureReplyAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
	}, nil
}

func newInsecureReplyAccumulator() ReplyAccumulator {
	accID := uuid.New().String()
	slog.Warn("Created INSECURE reply accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureReplyAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, ReplyBufferSize),
	}
}

// =============================================================================
// secureReplyAccumulator Methods
// =============================================================================

// Append adds one chunk to the mlocked buffer.
func (a *secureReplyAccumulator) Append(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - reply too large")
	}

	chunkBytes := []byte(chunk)
	if a.offset+len(chunkBytes) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), ReplyBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunkBytes)
	a.offset += len(chunkBytes)
	return nil
}

// Finalize returns the staged reply and wipes the buffer.
func (a *secureReplyAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.buffer.Bytes()[:a.offset])
	a.wipeBuffer()

	slog.Debug("Finalized secure reply accumulator",
		"accumulator_id", a.id,
		"reply_length", len(reply),
	)
	return reply, nil
}

// Destroy wipes the buffer without returning data.
func (a *secureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipeBuffer()
	slog.Debug("Destroyed secure reply accumulator", "accumulator_id", a.id)
}

func (a *secureReplyAccumulator) ID() string { return a.id }

func (a *secureReplyAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipeBuffer destroys the secure buffer and marks the accumulator dead.
func (a *secureReplyAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureReplyAccumulator Methods
// =============================================================================

// Append adds one chunk to the plain byte slice.
func (a *insecureReplyAccumulator) Append(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - reply too large")
	}

	if len(a.data)+len(chunk) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(chunk), ReplyBufferSize-len(a.data))
	}

	a.data = append(a.data, chunk...)
	return nil
}

// Finalize returns the staged reply, zeroing the slice best-effort.
func (a *insecureReplyAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.data)
	a.wipeData()
	return reply, nil
}

// Destroy zeros the slice (best effort; the GC may hold copies).
func (a *insecureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipeData()
}

func (a *insecureReplyAccumulator) ID() string { return a.id }

func (a *insecureReplyAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *insecureReplyAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard initializes memguard and checks mlock limits once.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		} else {
			slog.Error("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"help", "raise the limit or set ALEUTIAN_INSECURE_MEMORY=true",
			)
		}
	})
}

// checkMlockLimit queries the kernel for the mlock resource limit.
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
	return limitKB >= minMlockLimitKB, limitKB
}

func handleInsufficientMlock() (ReplyAccumulator, error) {
	if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure reply accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", minMlockLimitKB,
		)
		return newInsecureReplyAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set ALEUTIAN_INSECURE_MEMORY=true",
		currentMlockLimitKB, minMlockLimitKB,
	)
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ ReplyAccumulator = (*secureReplyAccumulator)(nil)
	_ ReplyAccumulator = (*insecureReplyAccumulator)(nil)
)
