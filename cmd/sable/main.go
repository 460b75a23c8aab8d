// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sable analyzes document segments with a bounded tool-calling
// agent loop backed by Weaviate hybrid retrieval.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/sable/services/llm"
	"github.com/AleutianAI/sable/services/segment/agent"
	"github.com/AleutianAI/sable/services/segment/blob"
	"github.com/AleutianAI/sable/services/segment/config"
	"github.com/AleutianAI/sable/services/segment/embed"
	"github.com/AleutianAI/sable/services/segment/extract"
	"github.com/AleutianAI/sable/services/segment/store"
	"github.com/AleutianAI/sable/services/segment/tools"
)

// Root-level flag values.
var (
	configPath    string
	metricsAddr   string
	memoryStore   bool
	debugLogging  bool
	maxIterations int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sable",
		Short: "Segment analysis agent over hybrid retrieval",
		Long: `sable runs bounded reason-act-observe analysis over document segments.
Each run answers one question about one segment, persisting durable tool
results to an append-only segment document in Weaviate.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (embedded defaults otherwise)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090); empty disables")
	rootCmd.PersistentFlags().BoolVar(&memoryStore, "memory", false, "Use the in-process segment store instead of Weaviate")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVar(&maxIterations, "max-iterations", 0, "Override the run cycle bound")

	rootCmd.AddCommand(newAnalyzeCommand(), newBatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler.
func setupLogging() {
	level := slog.LevelInfo
	if debugLogging {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// setupTelemetry wires the W3C propagator always, and an OTLP trace
// exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set. Returns a shutdown
// function; telemetry failure never blocks the run.
func setupTelemetry(ctx context.Context) func(context.Context) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) {}
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		slog.Warn("OTLP exporter unavailable, traces disabled", slog.String("error", err.Error()))
		return func(context.Context) {}
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("sable"),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("trace provider shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// serveMetrics exposes Prometheus metrics when requested.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("serving metrics", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}

// runtimeEnv holds everything a command needs to execute runs.
type runtimeEnv struct {
	cfg     *config.Config
	orch    *agent.Orchestrator
	pool    *agent.Pool
	cleanup []func()
}

func (r *runtimeEnv) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// buildRuntime wires the full stack from configuration.
//
// Degraded paths: an unavailable local cache disables write parking and
// vector caching; an unavailable GCS client disables the extraction
// tools. Both are warnings, not failures.
func buildRuntime(ctx context.Context) (*runtimeEnv, error) {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if maxIterations > 0 {
		cfg.Agent.MaxIterations = maxIterations
	}

	env := &runtimeEnv{cfg: cfg}

	shutdownTelemetry := setupTelemetry(ctx)
	env.cleanup = append(env.cleanup, func() { shutdownTelemetry(context.Background()) })
	serveMetrics(metricsAddr)

	// Local cache. Absence degrades, never fails.
	var segCache *store.SegmentCache
	if cfg.Cache.Dir != "" {
		db, err := badger.Open(badger.DefaultOptions(cfg.Cache.Dir).WithLogger(nil))
		if err != nil {
			slog.Warn("local cache unavailable, continuing without write parking",
				slog.String("dir", cfg.Cache.Dir),
				slog.String("error", err.Error()),
			)
		} else {
			env.cleanup = append(env.cleanup, func() { _ = db.Close() })
			segCache, err = store.NewSegmentCache(db, slog.Default())
			if err != nil {
				return nil, err
			}
		}
	}

	var vectorCache embed.VectorCache
	if segCache != nil {
		vectorCache = segCache
	}
	embedder := embed.NewEmbedderWithConfig(
		cfg.Endpoints.EmbeddingURL, cfg.Endpoints.EmbeddingModel, 0, slog.Default(), vectorCache)

	segStore, err := buildStore(cfg, embedder, segCache)
	if err != nil {
		return nil, err
	}

	modelClient, err := llm.NewAnthropicClient()
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, env, cfg, segStore, modelClient)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Agent.ModelRequestsPerSecond), 1)
	reasoner, err := agent.NewReasoner(modelClient, registry, limiter, slog.Default(), cfg.Agent.ContextBudgetChars)
	if err != nil {
		return nil, err
	}
	executor, err := agent.NewExecutor(registry, segStore, slog.Default())
	if err != nil {
		return nil, err
	}
	env.orch, err = agent.NewOrchestrator(reasoner, executor, segStore, slog.Default(),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithEmbeddingRefresh(cfg.Agent.RefreshEmbedding),
	)
	if err != nil {
		return nil, err
	}
	env.pool, err = agent.NewPool(env.orch, cfg.Agent.PoolConcurrency, slog.Default())
	if err != nil {
		return nil, err
	}
	return env, nil
}

func buildStore(cfg *config.Config, embedder *embed.Embedder, segCache *store.SegmentCache) (store.SegmentStore, error) {
	if memoryStore {
		slog.Info("using in-process segment store")
		return store.NewMemoryStore(embedder.Embed), nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Endpoints.WeaviateHost,
		Scheme: cfg.Endpoints.WeaviateScheme,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to weaviate: %w", err)
	}
	return store.NewWeaviateStore(client, embedder, segCache, slog.Default())
}

// buildRegistry assembles the tool set. Extraction tools need media
// access; without a blob store they are left out and the model works
// from already-persisted content.
func buildRegistry(ctx context.Context, env *runtimeEnv, cfg *config.Config, segStore store.SegmentStore, modelClient llm.Client) (*tools.Registry, error) {
	toolSet := []tools.Tool{
		tools.NewFinalAnswer(),
		tools.NewAIAnalysis(modelClient),
		tools.NewSegmentSearch(segStore),
	}

	gcsClient, err := gcs.NewClient(ctx)
	if err != nil {
		slog.Warn("GCS client unavailable, extraction tools disabled",
			slog.String("error", err.Error()),
		)
	} else {
		env.cleanup = append(env.cleanup, func() { _ = gcsClient.Close() })
		blobs, err := blob.NewGCSStore(gcsClient)
		if err != nil {
			return nil, err
		}
		extractor := extract.NewHTTPClientWithConfig(cfg.Endpoints.ExtractionURL, slog.Default())
		toolSet = append(toolSet,
			tools.NewStructuralExtraction(blobs, extractor),
			tools.NewTextExtraction(blobs, extractor),
		)
	}

	return tools.NewRegistry(toolSet...)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
