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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client

	// model answers context-grounded questions; searchModel is the
	// search-capable variant used when a request enables web search.
	model       string
	searchModel string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	searchModel := os.Getenv("OPENAI_SEARCH_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	if searchModel == "" {
		searchModel = "gpt-4o-mini-search-preview"
		slog.Warn("OPENAI_SEARCH_MODEL not set, defaulting to gpt-4o-mini-search-preview")
	}
	slog.Info("Initializing OpenAI client", "model", model, "search_model", searchModel)
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		model:       model,
		searchModel: searchModel,
	}, nil
}

// Chat implements the LLMClient interface.
//
// The message sequence is forwarded verbatim; this layer does not
// rewrite, reorder, or inject turns. When params.EnableWebSearch is set
// the request is routed to the search-capable model instead, which
// rejects sampling knobs, so Temperature and TopP are withheld there.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	model := o.model
	if params.EnableWebSearch {
		model = o.searchModel
	}
	slog.Debug("Requesting chat completion via OpenAI", "model", model, "turns", len(messages))

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	if !params.EnableWebSearch {
		if params.Temperature != nil {
			req.Temperature = *params.Temperature
		}
		if params.TopP != nil {
			req.TopP = *params.TopP
		}
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

var _ LLMClient = (*OpenAIClient)(nil)
