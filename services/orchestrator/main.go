// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/openchatd/openchatd/pkg/logging"
	"github.com/openchatd/openchatd/services/llm"
	"github.com/openchatd/openchatd/services/orchestrator/config"
	"github.com/openchatd/openchatd/services/orchestrator/conversation"
	"github.com/openchatd/openchatd/services/orchestrator/handlers"
	"github.com/openchatd/openchatd/services/orchestrator/observability"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
	"github.com/openchatd/openchatd/services/orchestrator/routes"
	"github.com/openchatd/openchatd/services/orchestrator/session"
	"github.com/openchatd/openchatd/services/orchestrator/store"
	"github.com/openchatd/openchatd/services/orchestrator/stream"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "openchatd-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("openchatd-orchestrator")))
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

// newModelClient seeds the backend client's environment from the loaded
// config, then defers to the llm package constructors. Variables already set
// in the environment win over the file.
func newModelClient(cfg config.ModelConfig) (llm.Client, error) {
	switch cfg.Backend {
	case "ollama":
		setenvDefault("OLLAMA_BASE_URL", cfg.Ollama.BaseURL)
		setenvDefault("OLLAMA_MODEL", cfg.Ollama.Model)
		slog.Info("Using Ollama model backend", "model", os.Getenv("OLLAMA_MODEL"))
		return llm.NewOllamaClient()
	case "openai":
		setenvDefault("OPENAI_MODEL", cfg.OpenAI.Model)
		slog.Info("Using OpenAI model backend", "model", os.Getenv("OPENAI_MODEL"))
		return llm.NewOpenAIClient()
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}

func setenvDefault(key, value string) {
	if value == "" || os.Getenv(key) != "" {
		return
	}
	if err := os.Setenv(key, value); err != nil {
		slog.Warn("failed to set environment variable", "key", key, "error", err)
	}
}

func newConversationStore(cfg config.StoreConfig) (store.ConversationStore, error) {
	switch cfg.Backend {
	case "memory":
		slog.Warn("Using the in-memory conversation store; conversations will not survive restarts")
		return store.NewMemoryStore(), nil
	case "badger":
		slog.Info("Opening badger conversation store", "path", cfg.Path)
		return store.OpenBadger(store.BadgerConfig{Path: cfg.Path})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func main() {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("OPENCHATD_LOG_LEVEL")),
		Service: "orchestrator",
		JSON:    true,
		Output:  os.Stdout,
		LogDir:  os.Getenv("OPENCHATD_LOG_DIR"),
	})
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	configPath := os.Getenv("OPENCHATD_CONFIG")
	if configPath == "" {
		configPath = "/etc/openchatd/openchatd.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	observability.InitMetrics()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	conversationStore, err := newConversationStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open the conversation store: %v", err)
	}
	defer func() {
		if err := conversationStore.Close(); err != nil {
			slog.Error("failed to close the conversation store", "error", err)
		}
	}()

	modelClient, err := newModelClient(cfg.Model)
	if err != nil {
		log.Fatalf("failed to initialize the model client: %v", err)
	}

	limiter := ratelimit.New(cfg.Limits, nil)
	sessions := session.NewManager(session.Config{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	}, nil)
	sessions.OnExpire(limiter.ForgetSession)

	builder := conversation.NewBuilder(conversationStore, conversation.Config{
		SystemPrompt:   cfg.Context.SystemPrompt,
		MaxPromptChars: cfg.Context.CharBudget,
		HistoryLimit:   cfg.Context.HistoryLimit,
		MaxFileBytes:   cfg.Context.MaxFileBytes,
	})
	orch := stream.New(conversationStore, limiter, builder, modelClient, stream.Config{
		MaxStreamDuration: cfg.Stream.OverallTimeout,
		IdleTimeout:       cfg.Stream.IdleTimeout,
		CancelGrace:       cfg.Stream.CancelGrace,
		QueueSize:         cfg.Stream.SubscriberBuffer,
		Model:             modelLabel(cfg.Model),
	})
	handler := handlers.NewStreamHandler(orch, nil, conversationStore)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("openchatd-orchestrator"))
	routes.SetupRoutes(router, handler, sessions, cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sessions.Start(ctx); err != nil {
		log.Fatalf("failed to start the session sweep: %v", err)
	}
	defer sessions.Stop()

	if watcher, werr := config.NewLimitsWatcher(configPath, limiter.SetLimits); werr != nil {
		slog.Warn("Limits hot-reload unavailable", "error", werr)
	} else {
		go watcher.Start(ctx)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting the orchestrator server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down the orchestrator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stream.PurgeAllSecureMemory()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	slog.Info("Orchestrator stopped")
}

func modelLabel(cfg config.ModelConfig) string {
	if cfg.Backend == "ollama" {
		return cfg.Ollama.Model
	}
	return cfg.OpenAI.Model
}
