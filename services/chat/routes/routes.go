// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/ArticleChat/services/chat/handlers"
	"github.com/AleutianAI/ArticleChat/services/chat/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the article chat endpoints on the router.
//
// # Description
//
// Registers the operational endpoints (/health, /metrics) at the root and
// the chat endpoints under /v1. The identity middleware runs on the /v1
// group only; it never rejects a request, it just attaches an identity
// when a valid bearer token is present so the persistence side-channel
// knows who is chatting.
//
// # Inputs
//
//   - router: The gin engine to register on.
//   - chatHandler: The chat endpoint handler. Must not be nil.
//   - identity: Resolves bearer tokens to identities. Pass
//     middleware.NopIdentityProvider when auth is not configured;
//     all chats then run anonymously.
func SetupRoutes(
	router *gin.Engine,
	chatHandler handlers.ChatHandler,
	identity middleware.IdentityProvider,
) {
	if chatHandler == nil {
		panic("SetupRoutes: chatHandler must not be nil")
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware(identity))
	{
		v1.POST("/articles/chat", chatHandler.HandleChat)
		v1.POST("/articles/chat/stream", chatHandler.HandleChatStream)
	}
}
