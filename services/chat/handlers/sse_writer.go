// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing chat stream frames to an
// HTTP response.
//
// # Description
//
// StreamWriter abstracts frame serialization and writing, separating the
// wire format from handler logic. The wire format is data-only SSE: every
// frame is
//
//	data: {json}\n\n
//
// with no event: or id: lines. The frame payload is a datatypes.StreamEvent
// and the browser-side consumer reads frames off the default "message"
// event.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the chunk emitter and
// the keep-alive ticker write from different goroutines.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write
type StreamWriter interface {
	// WriteStart writes the stream-opening frame.
	WriteStart() error

	// WriteChunk writes one incremental content frame.
	WriteChunk(content string) error

	// WriteComplete writes the terminal frame carrying the full reply.
	// No frames follow it on a successful stream.
	WriteComplete(fullContent string) error

	// WriteError writes a terminal error frame. The message must already
	// be sanitized for client display; no internal details.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment line to hold the connection
	// open across proxies during slow upstream calls. Comments are not
	// frames and are invisible to the client event stream.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamWriter implements StreamWriter for HTTP SSE responses.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex.
//
// # Limitations
//
//   - Cannot be reused across requests
type streamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Description
//
// Returns an error if the ResponseWriter cannot flush, since buffered SSE
// defeats the point of streaming. The caller should set SSE headers only
// after construction succeeds, so a failure can still render a plain JSON
// error response.
//
// # Examples
//
//	writer, err := NewStreamWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	SetSSEHeaders(w)
//	writer.WriteStart()
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &streamWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeFrame serializes one event and writes it as a data-only SSE frame,
// flushing immediately.
func (w *streamWriter) writeFrame(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteStart writes the stream-opening frame.
func (w *streamWriter) WriteStart() error {
	return w.writeFrame(datatypes.StreamEvent{Type: datatypes.StreamEventStart})
}

// WriteChunk writes one incremental content frame.
func (w *streamWriter) WriteChunk(content string) error {
	return w.writeFrame(datatypes.StreamEvent{
		Type:    datatypes.StreamEventChunk,
		Content: content,
	})
}

// WriteComplete writes the terminal frame carrying the full reply.
func (w *streamWriter) WriteComplete(fullContent string) error {
	return w.writeFrame(datatypes.StreamEvent{
		Type:        datatypes.StreamEventComplete,
		FullContent: fullContent,
	})
}

// WriteError writes a terminal error frame.
func (w *streamWriter) WriteError(errMsg string) error {
	return w.writeFrame(datatypes.StreamEvent{
		Type:  datatypes.StreamEventError,
		Error: errMsg,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *streamWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*streamWriter)(nil)
