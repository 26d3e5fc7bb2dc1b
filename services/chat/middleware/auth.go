// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the article chat service.
//
// # Identity Flow
//
// The identity middleware extracts a bearer token from the Authorization
// header, resolves it through the configured IdentityProvider, and stores
// the resulting Identity in the Gin context for downstream handlers.
//
// Identity is OPTIONAL on every chat route: anonymous readers can chat
// about an article. A missing, malformed, or invalid token produces an
// anonymous request, never a 401. The only thing identity gates is the
// persistence side-channel, which records chat turns solely for
// authenticated users.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/supabase-community/gotrue-go"
)

// =============================================================================
// Context Keys
// =============================================================================

// identityKey is the context key for storing Identity.
const identityKey = "aleutian_chat_identity"

// =============================================================================
// Identity Types
// =============================================================================

// Identity describes an authenticated end user.
type Identity struct {
	// UserID is the stable subject identifier from the identity provider.
	UserID string

	// Email is informational only; may be empty.
	Email string
}

// IdentityProvider resolves a bearer token to a user identity.
//
// # Description
//
// Implementations must treat resolution as best-effort: a nil Identity
// with a nil error means "anonymous", and resolution errors are handled
// by the middleware, not surfaced to the client.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type IdentityProvider interface {
	// Resolve validates token and returns the identity it belongs to.
	// An empty token returns (nil, nil).
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetIdentity stores the resolved identity in the Gin context.
func SetIdentity(c *gin.Context, id *Identity) {
	c.Set(identityKey, id)
}

// GetIdentity retrieves the resolved identity from the Gin context.
// Returns nil for anonymous requests.
func GetIdentity(c *gin.Context) *Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(*Identity); ok {
			return id
		}
	}
	return nil
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware creates a Gin middleware that resolves the caller's
// identity when a bearer token is present.
//
// # Description
//
// Extracts the bearer token from the Authorization header and resolves
// it through the provider. Failures downgrade the request to anonymous:
// this middleware never aborts and never writes a response. Handlers
// decide what anonymity means (for chat: no persistence).
//
// # Inputs
//
//   - provider: IdentityProvider to resolve tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
func IdentityMiddleware(provider IdentityProvider) gin.HandlerFunc {
	if provider == nil {
		panic("IdentityMiddleware: provider must not be nil")
	}

	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		identity, err := provider.Resolve(c.Request.Context(), token)
		if err != nil {
			slog.Warn("Identity resolution failed, continuing as anonymous",
				"path", c.FullPath(),
				"error", err,
			)
			c.Next()
			return
		}
		if identity != nil {
			SetIdentity(c, identity)
		}

		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
// The "Bearer" prefix is case-insensitive per RFC 7235. Returns empty
// string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// =============================================================================
// Client Identification
// =============================================================================

// ClientIdentifier returns the rate-limiting identifier for a request.
//
// # Description
//
// Uses the first hop of X-Forwarded-For, the address the original client
// presented to the edge proxy. Requests without the header (direct
// connections in local development, health probes) share the "unknown"
// bucket so they are still limited rather than exempt.
//
// The header is spoofable by clients talking to the service directly;
// the deployment assumption is that an edge proxy always sets it.
func ClientIdentifier(r *http.Request) string {
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return "unknown"
	}
	first := fwd
	if idx := strings.IndexByte(fwd, ','); idx >= 0 {
		first = fwd[:idx]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return "unknown"
	}
	return first
}

// =============================================================================
// GoTrue Provider
// =============================================================================

// GoTrueIdentityProvider resolves tokens against a Supabase GoTrue
// instance, the same auth domain that issues the site's session tokens.
type GoTrueIdentityProvider struct {
	client gotrue.Client
}

// NewGoTrueIdentityProvider creates a provider for the given Supabase
// project reference and service API key.
func NewGoTrueIdentityProvider(projectReference, apiKey string) *GoTrueIdentityProvider {
	return &GoTrueIdentityProvider{
		client: gotrue.New(projectReference, apiKey),
	}
}

// Resolve implements IdentityProvider.
func (p *GoTrueIdentityProvider) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, nil
	}

	user, err := p.client.WithToken(token).GetUser()
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID: user.ID.String(),
		Email:  user.Email,
	}, nil
}

// =============================================================================
// Nop Provider
// =============================================================================

// NopIdentityProvider treats every request as anonymous. Used in local
// development where no GoTrue instance is running.
type NopIdentityProvider struct{}

// Resolve implements IdentityProvider.
func (NopIdentityProvider) Resolve(ctx context.Context, token string) (*Identity, error) {
	return nil, nil
}

var (
	_ IdentityProvider = (*GoTrueIdentityProvider)(nil)
	_ IdentityProvider = NopIdentityProvider{}
)
