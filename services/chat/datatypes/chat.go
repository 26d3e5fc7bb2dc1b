// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the article chat service.
//
// This file contains the request and response types for the article chat
// endpoints. Stream event types live in stream.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageChars is the maximum length of a user message after
	// sanitization. Messages longer than this are rejected, not truncated.
	MaxMessageChars = 2000

	// MaxHistoryTurns is the maximum number of history entries kept per
	// request. Older entries are dropped, most recent kept.
	MaxHistoryTurns = 20

	// MaxArticleIDChars bounds the caller-supplied article identifier.
	MaxArticleIDChars = 100

	// MaxTitleChars bounds the article title.
	MaxTitleChars = 500

	// MaxArticleContentChars bounds the article body sent as context.
	MaxArticleContentChars = 50000

	// MaxFaqChars is the ceiling for FAQ context. Unlike the message,
	// oversized FAQ text is truncated rather than rejected.
	MaxFaqChars = 5000

	// MaxRequestBodyBytes is enforced against Content-Length before the
	// body is parsed. Oversized requests get a 413.
	MaxRequestBodyBytes = 100 * 1024
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
}

// =============================================================================
// Message Types
// =============================================================================

// Message is a single conversation turn.
//
// # Description
//
// Message carries one user or assistant turn. History entries arrive from
// the client in this shape; the current turn is created server-side with a
// fresh UUID. Content is sanitized before use and immutable afterwards.
//
// # Fields
//
//   - ID: Opaque identifier. Optional on history entries.
//   - Role: "user" or "assistant". Entries with any other role are dropped.
//   - Content: Turn text. Sanitized; user-authored content is capped at
//     MaxMessageChars.
//   - Timestamp: Creation time. Optional on history entries.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Recognized message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Article Context Types
// =============================================================================

// SourceArticle is a cited original article backing a generated article.
//
// Fetched read-only from the data store via the citation-link join, or
// supplied pre-resolved by the caller. Deduplicated by ID before use.
type SourceArticle struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Author  string `json:"author,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ArticleContext identifies the generated article the user is chatting
// about, plus whatever of its text the caller chose to send along.
//
// # Description
//
// Supplied by the caller on every request and treated as untrusted input:
// title and content pass through the same sanitization pipeline as the
// message. Sources, when present, short-circuit the citation fetch.
//
// # Validation
//
//   - ArticleID: required, at most MaxArticleIDChars
//   - Title: at most MaxTitleChars
//   - Content: at most MaxArticleContentChars
type ArticleContext struct {
	ArticleID string          `json:"article_id" validate:"required,max=100"`
	Title     string          `json:"title,omitempty" validate:"max=500"`
	Content   string          `json:"content,omitempty" validate:"max=50000"`
	Sources   []SourceArticle `json:"sources,omitempty"`
}

// =============================================================================
// Request / Response Types
// =============================================================================

// ArticleChatRequest is the body of POST /v1/articles/chat[/stream].
//
// # Description
//
// One conversational turn about a displayed article. Message and every
// free-text field (history entries, title, content, FAQ) are sanitized
// before they reach the prompt. Message length is checked after
// sanitization: exactly MaxMessageChars is accepted, one more is rejected.
//
// # Fields
//
//   - Message: Required. The user's question.
//   - History: Optional. Prior turns, most recent last. Filtered to
//     well-formed user/assistant entries and truncated to MaxHistoryTurns.
//   - ArticleContext: Required. The article being discussed.
//   - FaqContext: Optional. A pre-computed answer supplied as grounding;
//     truncated to MaxFaqChars.
type ArticleChatRequest struct {
	Message        string         `json:"message" validate:"required"`
	History        []Message      `json:"history,omitempty"`
	ArticleContext ArticleContext `json:"articleContext" validate:"required"`
	FaqContext     string         `json:"faqContext,omitempty"`
}

// Validate validates the ArticleChatRequest fields.
//
// Length limits that apply after sanitization (the message cap) are
// enforced by the handler pipeline, not here.
func (r *ArticleChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ArticleChatResponse is the non-streaming response body.
type ArticleChatResponse struct {
	Message string `json:"message"`
}

// =============================================================================
// Persistence Types
// =============================================================================

// PersistedChatMessage is the durable row written for each turn when an
// authenticated identity is present. Write failures are logged, never
// surfaced, and never retried synchronously.
type PersistedChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ArticleID string    `json:"article_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
