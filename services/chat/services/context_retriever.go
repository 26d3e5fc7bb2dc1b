// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the article chat
// service.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. Services are responsible for:
//   - Resolving cited source articles from the data store
//   - Assembling the prompt turn sequence sent to the LLM
//   - Persisting chat turns on the fire-and-forget side-channel
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Composable: Services can call other services
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/AleutianAI/ArticleChat/services/chat/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// contextTracer is the OpenTelemetry tracer for ContextRetriever operations.
var contextTracer = otel.Tracer("aleutian.chat.services.context_retriever")

// ContextRetriever resolves the source articles cited by the article under
// discussion.
//
// # Description
//
// The retriever is a best-effort enrichment step: a chat answer grounded
// only in the article body is still useful, so retrieval failures degrade
// to an empty source list rather than failing the request. Handlers and
// the prompt assembler treat an empty list as "no excerpts available".
//
// # Thread Safety
//
// Safe for concurrent use; the retriever holds no per-request state.
type ContextRetriever struct {
	store store.Store
}

// NewContextRetriever creates a ContextRetriever backed by the given store.
// Panics if store is nil; wiring bugs should fail at startup, not per
// request.
func NewContextRetriever(s store.Store) *ContextRetriever {
	if s == nil {
		panic("NewContextRetriever: store must not be nil")
	}
	return &ContextRetriever{store: s}
}

// Resolve returns the deduplicated source articles for the request's
// article context.
//
// # Description
//
// If the caller already supplied resolved sources in the request, those
// are used as-is (after deduplication) and the data store is not
// consulted. Otherwise the citation-link join is fetched and deduplicated
// by source id, keeping the first occurrence so the original citation
// order is preserved.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - article: The article context from the chat request.
//
// # Outputs
//
//   - []datatypes.SourceArticle: Deduplicated sources in first-seen
//     order. Empty when nothing is cited or retrieval failed.
//
// # Limitations
//
//   - Store failures are logged and swallowed; callers cannot
//     distinguish "no citations" from "store down". That is deliberate:
//     neither condition should fail the chat request.
func (r *ContextRetriever) Resolve(ctx context.Context, article datatypes.ArticleContext) []datatypes.SourceArticle {
	ctx, span := contextTracer.Start(ctx, "ContextRetriever.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("article.id", article.ArticleID))

	if len(article.Sources) > 0 {
		span.SetAttributes(
			attribute.Bool("sources.preresolved", true),
			attribute.Int("sources.count", len(article.Sources)),
		)
		return dedupeSources(article.Sources)
	}

	fetched, err := r.store.FetchCitedSources(ctx, article.ArticleID)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to fetch cited sources, continuing without excerpts",
			"articleId", article.ArticleID,
			"error", err,
		)
		return nil
	}

	sources := dedupeSources(fetched)
	span.SetAttributes(
		attribute.Int("sources.fetched", len(fetched)),
		attribute.Int("sources.count", len(sources)),
	)
	return sources
}

// dedupeSources removes duplicate source ids, keeping the first occurrence.
// Sources without an id cannot be keyed or cited and are discarded.
func dedupeSources(in []datatypes.SourceArticle) []datatypes.SourceArticle {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]datatypes.SourceArticle, 0, len(in))
	for _, src := range in {
		if src.ID == "" || seen[src.ID] {
			continue
		}
		seen[src.ID] = true
		out = append(out, src)
	}
	return out
}
