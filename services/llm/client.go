// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// EnableWebSearch asks the backend to ground answers with a live web
	// lookup when the supplied context cannot answer the question.
	// Backends without search support ignore it.
	EnableWebSearch bool `json:"enable_web_search"`
}

// LLMClient defines the standard interface for any LLM backend.
//
// Chat sends a fully assembled turn sequence (one system turn, prior
// history, one user turn) and returns the complete assistant reply as a
// single string. Streaming to the end user happens above this layer.
type LLMClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}
