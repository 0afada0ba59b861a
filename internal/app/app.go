// Package app wires the pipeline runtime together for the commands: parse
// and compile the definition, choose storage backends, register providers
// and construct the orchestrator.
package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/blob"
	"artgen/internal/cache"
	"artgen/internal/config"
	"artgen/internal/event"
	"artgen/internal/graph"
	"artgen/internal/orchestrator"
	"artgen/internal/provider"
	"artgen/internal/spec"
	"artgen/internal/state"
)

// App bundles a compiled pipeline with its runtime collaborators.
type App struct {
	Pipeline *spec.Pipeline
	Graph    *graph.Graph
	Store    *asset.Store
	Queue    *approval.Queue
	Orch     *orchestrator.Orchestrator
	Blobs    blob.Store
	Cache    *cache.Manager
}

// Options mirror the command flags.
type Options struct {
	RunID       string
	AutoApprove bool
	DryRun      bool // fake provider, no external calls
}

func Build(ctx context.Context, cfg config.Config, pipelinePath string, opts Options) (*App, error) {
	doc, err := os.ReadFile(pipelinePath)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := spec.Parse(doc)
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(p)
	if err != nil {
		return nil, err
	}

	store := asset.NewStore()
	queue := approval.NewQueue(store)

	backend, err := cache.NewDiskBackend(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	cacheMgr, err := cache.NewManager(backend, 0)
	if err != nil {
		return nil, err
	}

	var states state.Store
	if cfg.UsePostgres() {
		db, err := state.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		states = state.NewPostgresStore(db)
	} else {
		states, err = state.NewDiskStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
	}

	var blobs blob.Store
	if cfg.UseS3() {
		blobs, err = blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
	} else {
		blobs, err = blob.NewFSStore(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("blob dir: %w", err)
		}
	}

	registry := provider.NewRegistry()
	if opts.DryRun {
		registry.Register(provider.NewFake())
		log.Printf("dry run: all capabilities served by the fake provider")
	} else {
		switch cfg.Provider {
		case "fake":
			registry.Register(provider.NewFake())
		case "openai":
			oa, err := provider.NewOpenAI(cfg.OpenAIModel)
			if err != nil {
				return nil, fmt.Errorf("openai: %w", err)
			}
			registry.Register(oa)
		default:
			gem, err := provider.NewGemini(ctx, cfg.GeminiTextModel, cfg.GeminiImgModel)
			if err != nil {
				return nil, fmt.Errorf("gemini: %w", err)
			}
			registry.Register(gem)
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Graph:    g,
		Store:    store,
		Queue:    queue,
		Cache:    cacheMgr,
		States:   states,
		Blobs:    blobs,
		Registry: registry,
		Bus:      event.NewBus(),
		DocHash:  cache.HashPipeline(doc),
	}, orchestrator.Options{
		RunID:                opts.RunID,
		ParallelAssets:       cfg.ParallelAssets,
		VariationParallelism: cfg.VariationParallelism,
		AutoApprove:          opts.AutoApprove,
		ProviderAttempts:     cfg.ProviderAttempts,
		ProviderBackoff:      cfg.ProviderBackoff,
	})
	if err != nil {
		return nil, err
	}
	return &App{Pipeline: p, Graph: g, Store: store, Queue: queue, Orch: orch, Blobs: blobs, Cache: cacheMgr}, nil
}
