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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/AleutianAI/ArticleChat/services/chat/middleware"
	"github.com/AleutianAI/ArticleChat/services/chat/observability"
	"github.com/AleutianAI/ArticleChat/services/chat/promptguard"
	"github.com/AleutianAI/ArticleChat/services/chat/ratelimit"
	"github.com/AleutianAI/ArticleChat/services/chat/services"
	"github.com/AleutianAI/ArticleChat/services/llm"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// chunkWordCount is how many words each streamed chunk carries.
	chunkWordCount = 3

	// defaultChunkDelay paces chunk emission so the client renders a
	// typing effect instead of receiving the whole reply in one burst.
	defaultChunkDelay = 30 * time.Millisecond

	// defaultUpstreamTimeout bounds the LLM call. Overridable via
	// CHAT_UPSTREAM_TIMEOUT_SECONDS.
	defaultUpstreamTimeout = 60 * time.Second

	// keepAliveInterval is how often an SSE comment is sent while the
	// upstream call is in flight.
	keepAliveInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatHandler defines the HTTP surface of the article chat endpoint.
//
// # Description
//
// Both operations run the same pipeline (limit, validate, sanitize,
// retrieve context, assemble, call the LLM); they differ only in how the
// reply leaves the process. HandleChat returns one JSON document;
// HandleChatStream replays the reply as SSE frames.
type ChatHandler interface {
	// HandleChat processes POST /v1/articles/chat.
	HandleChat(c *gin.Context)

	// HandleChatStream processes POST /v1/articles/chat/stream.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatHandler implements ChatHandler.
//
// # Thread Safety
//
// Safe for concurrent use; all fields are set at construction and the
// dependencies are themselves concurrency-safe.
type chatHandler struct {
	guard           *promptguard.Guard
	limiter         *ratelimit.Limiter
	retriever       *services.ContextRetriever
	assembler       *services.PromptAssembler
	recorder        *services.MessageRecorder
	llmClient       llm.LLMClient
	tracer          trace.Tracer
	upstreamTimeout time.Duration
	chunkDelay      time.Duration
	webSearch       bool
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatHandler creates a ChatHandler with the provided dependencies.
//
// # Description
//
// Panics on nil required dependencies (programming errors, caught at
// startup). The recorder may be nil when persistence is not configured;
// chat then works normally but no turns are written.
//
// The upstream timeout is read from CHAT_UPSTREAM_TIMEOUT_SECONDS
// (default 60) and the chunk pacing from CHAT_STREAM_CHUNK_DELAY_MS
// (default 30). Web search grounding is enabled unless
// CHAT_ENABLE_WEB_SEARCH=false.
//
// # Examples
//
//	handler := handlers.NewChatHandler(guard, limiter, retriever, assembler, recorder, llmClient)
//	router.POST("/v1/articles/chat", handler.HandleChat)
//	router.POST("/v1/articles/chat/stream", handler.HandleChatStream)
func NewChatHandler(
	guard *promptguard.Guard,
	limiter *ratelimit.Limiter,
	retriever *services.ContextRetriever,
	assembler *services.PromptAssembler,
	recorder *services.MessageRecorder,
	llmClient llm.LLMClient,
) ChatHandler {
	if guard == nil {
		panic("NewChatHandler: guard must not be nil")
	}
	if limiter == nil {
		panic("NewChatHandler: limiter must not be nil")
	}
	if retriever == nil {
		panic("NewChatHandler: retriever must not be nil")
	}
	if assembler == nil {
		panic("NewChatHandler: assembler must not be nil")
	}
	if llmClient == nil {
		panic("NewChatHandler: llmClient must not be nil")
	}

	return &chatHandler{
		guard:           guard,
		limiter:         limiter,
		retriever:       retriever,
		assembler:       assembler,
		recorder:        recorder,
		llmClient:       llmClient,
		tracer:          otel.Tracer("aleutian.chat.handlers.chat"),
		upstreamTimeout: durationFromEnv("CHAT_UPSTREAM_TIMEOUT_SECONDS", time.Second, defaultUpstreamTimeout),
		chunkDelay:      durationFromEnv("CHAT_STREAM_CHUNK_DELAY_MS", time.Millisecond, defaultChunkDelay),
		webSearch:       os.Getenv("CHAT_ENABLE_WEB_SEARCH") != "false",
	}
}

// durationFromEnv reads an integer env var and scales it by unit.
func durationFromEnv(key string, unit, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("Ignoring invalid duration override", "var", key, "value", raw)
		return fallback
	}
	return time.Duration(n) * unit
}

// =============================================================================
// Request Preparation
// =============================================================================

// preparedChat is the outcome of the shared admission pipeline: a request
// that has been limited, validated, and sanitized, with its context
// resolved and the full turn sequence assembled.
type preparedChat struct {
	req      datatypes.ArticleChatRequest
	messages []datatypes.Message
	identity *middleware.Identity
}

// prepare runs the shared admission pipeline for both endpoints.
//
// # Description
//
// Ordering matters and is deliberate:
//  1. Declared body size check (413 before reading anything)
//  2. Rate limit by client identifier (429; cheap, before parsing)
//  3. Parse and validate (400)
//  4. Sanitize message, history, article fields, FAQ
//  5. Post-sanitization message length check (400; rewrites can only
//     shrink text, so this is the authoritative length gate)
//  6. Resolve cited sources and assemble the turn sequence
//
// On failure the response has already been written and ok is false.
func (h *chatHandler) prepare(
	ctx context.Context,
	c *gin.Context,
	endpoint observability.Endpoint,
	span trace.Span,
) (prep preparedChat, ok bool) {
	// Step 1: Reject oversized bodies from the declared length alone.
	if c.Request.ContentLength > datatypes.MaxRequestBodyBytes {
		span.SetStatus(codes.Error, "payload too large")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodePayloadTooLarge)
		}
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return prep, false
	}
	// Guard against clients that lie about Content-Length.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxRequestBodyBytes)

	// Step 2: Rate limit before doing any per-request work.
	clientID := middleware.ClientIdentifier(c.Request)
	span.SetAttributes(attribute.String("client.id", clientID))
	if err := h.limiter.Allow(clientID); err != nil {
		span.SetStatus(codes.Error, "rate limited")
		slog.Warn("Rate limited chat request", "clientId", clientID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRateLimitRejection(endpoint)
			m.RecordError(endpoint, observability.ErrorCodeRateLimited)
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, slow down"})
		return prep, false
	}

	// Step 3: Parse and validate.
	var req datatypes.ArticleChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return prep, false
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("Chat request validation failed",
			"articleId", req.ArticleContext.ArticleID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return prep, false
	}
	span.SetAttributes(
		attribute.String("article.id", req.ArticleContext.ArticleID),
		attribute.Int("request.history_turns", len(req.History)),
	)

	// Step 4: Sanitize everything user-influenced before it can reach
	// the prompt.
	req.Message = h.guard.Sanitize(req.Message)
	req.History = h.guard.SanitizeHistory(req.History)
	req.ArticleContext.Title = h.guard.Sanitize(req.ArticleContext.Title)
	req.ArticleContext.Content = h.guard.Sanitize(req.ArticleContext.Content)
	req.FaqContext = promptguard.TruncateRunes(h.guard.Sanitize(req.FaqContext), datatypes.MaxFaqChars)

	// Step 5: Length gate after sanitization.
	if req.Message == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
		return prep, false
	}
	if len([]rune(req.Message)) > datatypes.MaxMessageChars {
		span.SetStatus(codes.Error, "message too long")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		return prep, false
	}

	// Step 6: Resolve sources and assemble the turn sequence.
	sources := h.retriever.Resolve(ctx, req.ArticleContext)
	messages := h.assembler.Assemble(
		req.ArticleContext,
		sources,
		req.FaqContext,
		req.History,
		req.Message,
		h.webSearch,
	)
	span.SetAttributes(
		attribute.Int("sources.count", len(sources)),
		attribute.Int("prompt.turns", len(messages)),
	)

	return preparedChat{
		req:      req,
		messages: messages,
		identity: middleware.GetIdentity(c),
	}, true
}

// callUpstream runs the LLM call under the configured timeout.
func (h *chatHandler) callUpstream(ctx context.Context, messages []datatypes.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
	defer cancel()

	return h.llmClient.Chat(ctx, messages, llm.GenerationParams{
		EnableWebSearch: h.webSearch,
	})
}

// recordUserTurn persists the accepted user message for authenticated
// requests. Called as soon as the admission pipeline passes, before the
// upstream call, so the turn survives even if the completion fails.
func (h *chatHandler) recordUserTurn(prep preparedChat) {
	if h.recorder == nil || prep.identity == nil {
		return
	}
	h.recorder.Record(prep.identity.UserID, prep.req.ArticleContext.ArticleID,
		datatypes.RoleUser, prep.req.Message)
}

// recordAssistantTurn persists the completed reply for authenticated
// requests. Fire-and-forget; anonymous requests are never persisted.
func (h *chatHandler) recordAssistantTurn(prep preparedChat, reply string) {
	if h.recorder == nil || prep.identity == nil {
		return
	}
	h.recorder.Record(prep.identity.UserID, prep.req.ArticleContext.ArticleID,
		datatypes.RoleAssistant, reply)
}

// =============================================================================
// Non-Streaming Handler
// =============================================================================

// HandleChat processes POST /v1/articles/chat.
//
// # Description
//
// Runs the shared admission pipeline, calls the LLM once, and returns
// the complete reply as a single JSON document.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: {"message": "..."}
//   - 400 Bad Request: Malformed body, validation failure, or message
//     over the post-sanitization cap
//   - 413 Payload Too Large: Declared body over the 100 KB cap
//   - 429 Too Many Requests: Client identifier exhausted its window
//   - 500 Internal Server Error: Upstream LLM failure or timeout
func (h *chatHandler) HandleChat(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChat

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
		}
	}()

	prep, ok := h.prepare(ctx, c, endpoint, span)
	if !ok {
		return
	}
	h.recordUserTurn(prep)

	reply, err := h.callUpstream(ctx, prep.messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failed")
		slog.Error("LLM call failed",
			"articleId", prep.req.ArticleContext.ArticleID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, upstreamErrorCode(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}

	h.recordAssistantTurn(prep, reply)

	span.SetAttributes(attribute.Int("reply.length", len(reply)))
	slog.Info("Chat request completed",
		"articleId", prep.req.ArticleContext.ArticleID,
		"durationMs", time.Since(startTime).Milliseconds(),
	)

	success = true
	c.JSON(http.StatusOK, datatypes.ArticleChatResponse{Message: reply})
}

// =============================================================================
// Streaming Handler
// =============================================================================

// HandleChatStream processes POST /v1/articles/chat/stream.
//
// # Description
//
// Runs the shared admission pipeline, then switches the response to SSE
// and replays the complete upstream reply as paced chunk frames:
//
//	data: {"type":"start"}
//	data: {"type":"chunk","content":"three words "}
//	...
//	data: {"type":"complete","fullContent":"..."}
//
// The upstream call is NOT streamed; the reply arrives whole and is cut
// into three-word groups with a fixed delay between frames. Keep-alive
// comments hold the connection open while the upstream call is in
// flight.
//
// # Outputs
//
// HTTP Status (before streaming starts):
//   - 400 / 413 / 429: Same admission failures as HandleChat
//   - 500 Internal Server Error: SSE setup failure
//
// After the start frame the status is already 200; failures from that
// point are reported as a terminal error frame, never as an HTTP status.
//
// # Limitations
//
//   - Client disconnect detection relies on the request context; a
//     half-dead TCP connection is only noticed at the next write.
func (h *chatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	prep, ok := h.prepare(ctx, c, endpoint, span)
	if !ok {
		return
	}
	h.recordUserTurn(prep)

	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Switch to SSE. From here on errors travel inside the stream.
	SetSSEHeaders(c.Writer)

	if err := writer.WriteStart(); err != nil {
		span.RecordError(err)
		return
	}

	// Hold the connection open across proxies while the LLM works.
	keepAliveDone := make(chan struct{})
	go h.runKeepAlive(ctx, writer, keepAliveDone)

	reply, err := h.callUpstream(ctx, prep.messages)
	close(keepAliveDone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failed")
		slog.Error("LLM call failed mid-stream",
			"articleId", prep.req.ArticleContext.ArticleID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, upstreamErrorCode(err))
		}
		_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
		return
	}

	fullContent, streamErr := h.streamReply(ctx, writer, reply, endpoint, startTime)
	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "stream aborted")
		return
	}

	if err := writer.WriteComplete(fullContent); err != nil {
		span.RecordError(err)
		return
	}

	h.recordAssistantTurn(prep, fullContent)

	span.SetAttributes(attribute.Int("reply.length", len(fullContent)))
	success = true
}

// streamReply cuts the reply into word groups and emits them as paced
// chunk frames, watching for client disconnect between frames.
//
// Returns the exact concatenation of the emitted chunks; the complete
// frame and the persistence side-channel both use that value so the
// client can verify reconstruction.
func (h *chatHandler) streamReply(
	ctx context.Context,
	writer StreamWriter,
	reply string,
	endpoint observability.Endpoint,
	startTime time.Time,
) (string, error) {
	acc, err := NewReplyAccumulator()
	if err != nil {
		slog.Error("Failed to create reply accumulator", "error", err)
		_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
		return "", err
	}
	defer acc.Destroy()

	words := strings.Fields(reply)
	firstChunk := true

	for i := 0; i < len(words); i += chunkWordCount {
		select {
		case <-ctx.Done():
			slog.Info("Client disconnected mid-stream", "emitted_words", i)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect(endpoint)
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			}
			return "", ctx.Err()
		default:
		}

		end := i + chunkWordCount
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}

		if err := writer.WriteChunk(chunk); err != nil {
			slog.Warn("Chunk write failed, client likely gone", "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect(endpoint)
			}
			return "", err
		}
		if err := acc.Append(chunk); err != nil {
			_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
			return "", err
		}

		if firstChunk {
			firstChunk = false
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstChunk(endpoint, time.Since(startTime).Seconds())
			}
		}

		if end < len(words) && h.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				if m := observability.DefaultMetrics; m != nil {
					m.RecordClientDisconnect(endpoint)
				}
				return "", ctx.Err()
			case <-time.After(h.chunkDelay):
			}
		}
	}

	return acc.Finalize()
}

// runKeepAlive emits SSE comments until done closes or the client goes
// away.
func (h *chatHandler) runKeepAlive(ctx context.Context, writer StreamWriter, done <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// upstreamErrorCode maps an upstream failure to a metrics error code.
func upstreamErrorCode(err error) observability.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return observability.ErrorCodeTimeout
	}
	return observability.ErrorCodeLLMError
}

// sanitizeErrorForClient removes internal details from error messages.
//
// The full error is logged internally; clients only ever see a generic
// message.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ChatHandler = (*chatHandler)(nil)
