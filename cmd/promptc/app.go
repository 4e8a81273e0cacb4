package main

import (
	"context"
	"fmt"
	"time"

	"promptc/internal/compile"
	"promptc/internal/config"
	"promptc/internal/contract"
	"promptc/internal/eval"
	"promptc/internal/kernel"
	"promptc/internal/llm"
	"promptc/internal/predict"
	"promptc/internal/registry"
	"promptc/internal/store"
)

// app holds the fully wired runtime. Every command builds one, uses it,
// and closes it; only serve keeps it alive.
type app struct {
	store    *store.SQLiteStore
	catalog  *contract.Catalog
	model    llm.ModelClient
	registry *registry.Registry
	pipeline *predict.Pipeline
	eval     *eval.Runner
	compiler *compile.Compiler
}

func newApp(ctx context.Context) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	catalog, err := contract.LoadCatalog(cfg.Contracts.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}

	model, err := buildModel(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	artifacts := st.Artifacts()
	reg := registry.New(st.Pointers(), artifacts, eval.ArtifactScores{Artifacts: artifacts})

	kern := kernel.New(model, llm.NopToolRunner{}, st.Blobs(), kernel.Config{
		ExtractConcurrency: cfg.Kernel.ExtractConcurrency,
		PreviewBytes:       cfg.Kernel.PreviewBytes,
		MaxLoadBytes:       cfg.Kernel.MaxLoadBytes,
		BlobThreshold:      cfg.Kernel.BlobThreshold,
		MaxVarBytes:        cfg.Kernel.MaxVarBytes,
	})

	pipeline := predict.New(catalog, reg, artifacts, model, st.Receipts(), kern, predict.Options{
		DefaultRepairAttempts: cfg.Predict.DefaultRepairAttempts,
	})
	runner := eval.NewRunner(pipeline, st.Reports(), cfg.Eval.Concurrency)
	compiler := compile.New(catalog, artifacts, runner, st.Jobs())

	return &app{
		store:    st,
		catalog:  catalog,
		model:    model,
		registry: reg,
		pipeline: pipeline,
		eval:     runner,
		compiler: compiler,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Printf("Warning: store close failed: %v\n", err)
	}
}

func buildModel(ctx context.Context, cfg *config.Config) (llm.ModelClient, error) {
	switch cfg.Provider.Name {
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:       cfg.Provider.APIKey,
			DefaultModel: cfg.Provider.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider client: %w", err)
		}
		if cfg.Provider.MaxRetries > 0 {
			backoff := time.Duration(cfg.Provider.BackoffMs) * time.Millisecond
			return llm.NewRetryClient(client, cfg.Provider.MaxRetries, backoff), nil
		}
		return client, nil
	case "static":
		// Offline mode. Every call fails until responses are queued, which
		// keeps store-only commands (promote, history, export) usable
		// without credentials.
		return llm.NewStaticClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
