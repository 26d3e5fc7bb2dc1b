// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the relational data-store client for the article
// chat service, backed by Supabase (PostgREST).
//
// Two tables matter here:
//
//   - article_citations: link rows joining a generated article to the
//     source articles it cites. Many links may point at the same source.
//   - chat_messages: durable chat turns written by the persistence
//     side-channel when an authenticated identity is present.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/supabase-community/supabase-go"
)

// Store is the data-store contract consumed by the chat service.
//
// FetchCitedSources returns the raw citation join result in link-row
// order; callers own deduplication. InsertChatMessage writes one durable
// chat turn.
type Store interface {
	FetchCitedSources(ctx context.Context, articleID string) ([]datatypes.SourceArticle, error)
	InsertChatMessage(ctx context.Context, msg datatypes.PersistedChatMessage) error
}

// Config holds Supabase connection configuration.
type Config struct {
	URL    string
	APIKey string
}

// Client implements Store using Supabase.
type Client struct {
	client *supabase.Client
}

// citationRow is the shape of one article_citations row with its embedded
// source article, as returned by the PostgREST resource embedding below.
type citationRow struct {
	ArticleID     string                   `json:"article_id"`
	SourceArticle *datatypes.SourceArticle `json:"source_articles"`
}

// chatMessageRow is the insert shape for chat_messages. CreatedAt is
// serialized as RFC 3339 text for the timestamptz column.
type chatMessageRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ArticleID string `json:"article_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// New creates a new Supabase-backed store client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{client: client}, nil
}

// FetchCitedSources retrieves the source articles cited by a generated
// article via the citation-link join.
//
// The result may contain duplicate source ids (many links can point at
// the same source) and rows whose embedded source is missing; both are
// passed through as-is. Order follows the link rows.
func (c *Client) FetchCitedSources(ctx context.Context, articleID string) ([]datatypes.SourceArticle, error) {
	var rows []citationRow
	_, err := c.client.From("article_citations").
		Select("article_id, source_articles(id,title,content,author,url)", "", false).
		Eq("article_id", articleID).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to fetch citations for article %s: %w", articleID, err)
	}

	sources := make([]datatypes.SourceArticle, 0, len(rows))
	for _, row := range rows {
		if row.SourceArticle == nil {
			continue
		}
		sources = append(sources, *row.SourceArticle)
	}

	return sources, nil
}

// InsertChatMessage writes one chat turn to chat_messages.
func (c *Client) InsertChatMessage(ctx context.Context, msg datatypes.PersistedChatMessage) error {
	row := chatMessageRow{
		ID:        msg.ID,
		UserID:    msg.UserID,
		ArticleID: msg.ArticleID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	}

	_, _, err := c.client.From("chat_messages").
		Insert(row, false, "", "minimal", "").
		Execute()

	if err != nil {
		return fmt.Errorf("failed to insert chat message %s: %w", msg.ID, err)
	}
	return nil
}

// Nop is a Store for lightweight mode, when no Supabase instance is
// configured. Context retrieval yields no sources and persistence writes
// are discarded.
type Nop struct{}

// FetchCitedSources implements Store.
func (Nop) FetchCitedSources(ctx context.Context, articleID string) ([]datatypes.SourceArticle, error) {
	return nil, nil
}

// InsertChatMessage implements Store.
func (Nop) InsertChatMessage(ctx context.Context, msg datatypes.PersistedChatMessage) error {
	return nil
}

// Compile-time checks that the implementations satisfy Store.
var (
	_ Store = (*Client)(nil)
	_ Store = Nop{}
)
