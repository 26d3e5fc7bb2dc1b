// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvider returns a fixed identity or error.
type stubProvider struct {
	identity *Identity
	err      error
}

func (s stubProvider) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, nil
	}
	return s.identity, s.err
}

func runIdentityRequest(t *testing.T, provider IdentityProvider, authHeader string) (*Identity, int) {
	t.Helper()

	var captured *Identity
	router := gin.New()
	router.Use(IdentityMiddleware(provider))
	router.GET("/probe", func(c *gin.Context) {
		captured = GetIdentity(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return captured, rec.Code
}

func TestIdentityMiddleware_ValidTokenSetsIdentity(t *testing.T) {
	provider := stubProvider{identity: &Identity{UserID: "user-42", Email: "r@example.com"}}

	id, code := runIdentityRequest(t, provider, "Bearer good-token")

	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, id)
	assert.Equal(t, "user-42", id.UserID)
}

func TestIdentityMiddleware_MissingHeaderIsAnonymous(t *testing.T) {
	provider := stubProvider{identity: &Identity{UserID: "should-not-appear"}}

	id, code := runIdentityRequest(t, provider, "")

	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, id)
}

func TestIdentityMiddleware_ResolutionFailureIsAnonymousNot401(t *testing.T) {
	provider := stubProvider{err: errors.New("token expired")}

	id, code := runIdentityRequest(t, provider, "Bearer stale-token")

	assert.Equal(t, http.StatusOK, code, "identity failures must not reject the request")
	assert.Nil(t, id)
}

func TestIdentityMiddleware_MalformedHeaderIsAnonymous(t *testing.T) {
	provider := stubProvider{identity: &Identity{UserID: "should-not-appear"}}

	for _, header := range []string{"bad-token", "Basic abc123", "Bearer"} {
		id, code := runIdentityRequest(t, provider, header)
		assert.Equal(t, http.StatusOK, code)
		assert.Nil(t, id, "header %q must not authenticate", header)
	}
}

func TestIdentityMiddleware_BearerPrefixIsCaseInsensitive(t *testing.T) {
	provider := stubProvider{identity: &Identity{UserID: "user-7"}}

	id, _ := runIdentityRequest(t, provider, "bearer some-token")

	require.NotNil(t, id)
	assert.Equal(t, "user-7", id.UserID)
}

func TestClientIdentifier(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"single hop", "203.0.113.9", "203.0.113.9"},
		{"multiple hops keeps first", "203.0.113.9, 10.0.0.1, 10.0.0.2", "203.0.113.9"},
		{"whitespace trimmed", "  203.0.113.9 , 10.0.0.1", "203.0.113.9"},
		{"missing header", "", "unknown"},
		{"empty first hop", " , 10.0.0.1", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/articles/chat", nil)
			if tt.header != "" {
				req.Header.Set("X-Forwarded-For", tt.header)
			}
			assert.Equal(t, tt.want, ClientIdentifier(req))
		})
	}
}

func TestNopIdentityProvider_AlwaysAnonymous(t *testing.T) {
	id, err := NopIdentityProvider{}.Resolve(context.Background(), "any-token")
	assert.NoError(t, err)
	assert.Nil(t, id)
}
