// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/ArticleChat/services/chat/handlers"
	"github.com/AleutianAI/ArticleChat/services/chat/middleware"
	"github.com/AleutianAI/ArticleChat/services/chat/observability"
	"github.com/AleutianAI/ArticleChat/services/chat/promptguard"
	"github.com/AleutianAI/ArticleChat/services/chat/ratelimit"
	"github.com/AleutianAI/ArticleChat/services/chat/routes"
	"github.com/AleutianAI/ArticleChat/services/chat/services"
	"github.com/AleutianAI/ArticleChat/services/chat/store"
	"github.com/AleutianAI/ArticleChat/services/llm"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const serviceName = "article-chat-service"

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildStore wires the Supabase-backed store when credentials are present.
//
// Returns the store plus a message recorder for the persistence
// side-channel, or (Nop, nil) in lightweight mode: chat still works, but
// citation lookups come back empty and no turns are written.
func buildStore() (store.Store, *services.MessageRecorder) {
	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_KEY")

	if supabaseURL == "" || supabaseKey == "" {
		slog.Info("SUPABASE_URL or SUPABASE_SERVICE_KEY not set. " +
			"Running in lightweight mode (no citations, no persistence).")
		return store.Nop{}, nil
	}

	client, err := store.New(store.Config{URL: supabaseURL, APIKey: supabaseKey})
	if err != nil {
		slog.Error("Failed to create Supabase store, running in lightweight mode",
			"error", err)
		return store.Nop{}, nil
	}

	return client, services.NewMessageRecorder(client, 0)
}

// buildIdentityProvider wires GoTrue token resolution when configured.
func buildIdentityProvider() middleware.IdentityProvider {
	projectRef := os.Getenv("GOTRUE_PROJECT_REFERENCE")
	apiKey := os.Getenv("GOTRUE_API_KEY")

	if projectRef == "" || apiKey == "" {
		slog.Info("GoTrue not configured. All chats run anonymously.")
		return middleware.NopIdentityProvider{}
	}
	return middleware.NewGoTrueIdentityProvider(projectRef, apiKey)
}

func main() {
	port := os.Getenv("CHAT_SERVICE_PORT")
	if port == "" {
		port = "12215"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	observability.InitMetrics()

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	guard, err := promptguard.NewGuard()
	if err != nil {
		log.Fatalf("FATAL: Could not compile the sanitization rules: %v", err)
	}

	dataStore, recorder := buildStore()
	identityProvider := buildIdentityProvider()

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "claude", "anthropic":
		llmClient, err = llm.NewAnthropicClient()
		slog.Info("Using Anthropic (Claude) LLM backend")
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to openai")
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	handler := handlers.NewChatHandler(
		guard,
		ratelimit.New(ratelimit.DefaultWindow, ratelimit.DefaultLimit),
		services.NewContextRetriever(dataStore),
		services.NewPromptAssembler(),
		recorder,
		llmClient,
	)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, handler, identityProvider)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Println("Starting the article chat server on port ", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down article chat server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", "error", err)
	}

	// Drain the persistence queue before wiping secure memory.
	if recorder != nil {
		recorder.Close()
	}
	handlers.PurgeAllSecureMemory()
}
