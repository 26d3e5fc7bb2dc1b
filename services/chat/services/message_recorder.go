// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/AleutianAI/ArticleChat/services/chat/observability"
	"github.com/AleutianAI/ArticleChat/services/chat/store"
	"github.com/google/uuid"
)

const (
	// defaultRecorderQueueSize bounds the pending-write queue. A full
	// queue drops new turns instead of blocking request handlers.
	defaultRecorderQueueSize = 256

	// recorderWriteTimeout bounds each store write so a stalled data
	// store cannot wedge the worker forever.
	recorderWriteTimeout = 10 * time.Second
)

// MessageRecorder persists chat turns on a fire-and-forget side-channel.
//
// # Description
//
// Chat persistence is an audit trail, not a feature the user is waiting
// on: a request must never slow down or fail because a turn could not be
// written. The recorder therefore decouples handlers from the data store
// with a bounded queue drained by a single background worker. Enqueue
// never blocks; when the queue is full the turn is dropped and counted.
//
// Turns are only recorded for authenticated requests. Callers enforce
// that by not calling Record when no identity is present.
//
// # Thread Safety
//
// Record and Close are safe for concurrent use. Close is idempotent.
type MessageRecorder struct {
	store store.Store
	queue chan datatypes.PersistedChatMessage

	mu         sync.Mutex
	closed     bool
	workerDone chan struct{}
}

// NewMessageRecorder creates a recorder and starts its worker goroutine.
// queueSize <= 0 falls back to the default. Panics if s is nil.
func NewMessageRecorder(s store.Store, queueSize int) *MessageRecorder {
	if s == nil {
		panic("NewMessageRecorder: store must not be nil")
	}
	if queueSize <= 0 {
		queueSize = defaultRecorderQueueSize
	}

	r := &MessageRecorder{
		store:      s,
		queue:      make(chan datatypes.PersistedChatMessage, queueSize),
		workerDone: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one chat turn for persistence.
//
// # Description
//
// Builds the durable row (fresh UUID, UTC timestamp) and offers it to
// the queue without blocking. A full queue drops the turn; the drop is
// logged and counted but never surfaced to the caller.
//
// Calls after Close are dropped the same way.
func (r *MessageRecorder) Record(userID, articleID, role, content string) {
	msg := datatypes.PersistedChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		ArticleID: articleID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.noteDropped(msg, "recorder closed")
		return
	}
	select {
	case r.queue <- msg:
	default:
		r.noteDropped(msg, "queue full")
	}
}

// Close stops accepting new turns and blocks until the worker has
// drained whatever is already queued. Safe to call more than once.
func (r *MessageRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	<-r.workerDone
}

// run drains the queue until Close. Each write gets its own timeout so
// one slow insert cannot stall the rest of the backlog indefinitely.
func (r *MessageRecorder) run() {
	defer close(r.workerDone)

	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		err := r.store.InsertChatMessage(ctx, msg)
		cancel()

		if err != nil {
			slog.Error("Failed to persist chat turn",
				"messageId", msg.ID,
				"articleId", msg.ArticleID,
				"role", msg.Role,
				"error", err,
			)
			if observability.DefaultMetrics != nil {
				observability.DefaultMetrics.RecordPersistenceFailure()
			}
		}
	}
}

func (r *MessageRecorder) noteDropped(msg datatypes.PersistedChatMessage, reason string) {
	slog.Warn("Dropping chat turn, not persisted",
		"articleId", msg.ArticleID,
		"role", msg.Role,
		"reason", reason,
	)
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordPersistenceDropped()
	}
}
