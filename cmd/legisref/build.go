package main

import (
	"fmt"
	"time"

	"github.com/oposify/legisref/pkg/agents"
	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/cache"
	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/convergence"
	"github.com/oposify/legisref/pkg/eurlex"
	"github.com/oposify/legisref/pkg/export"
	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/normalize"
	"github.com/oposify/legisref/pkg/pipeline"
	"github.com/oposify/legisref/pkg/reference"
	"github.com/oposify/legisref/pkg/validate"
)

// components holds the wired clients shared by every pipeline run.
type components struct {
	cfg      *config.Config
	registry *reference.Registry
	provider llm.Provider
	overlay  *reference.Overlay

	boeClient *boe.Client
	finder    *boe.Searcher
	articles  *boe.ArticleFetcher
	eu        *eurlex.Client
	exporter  *export.Exporter
}

// buildComponents wires registries and registry clients from config.
// siglasPath optionally adds a hot-reloaded custom sigla overlay.
func buildComponents(cfg *config.Config, siglasPath string) (*components, error) {
	registry := reference.NewRegistry()

	var overlay *reference.Overlay
	if siglasPath != "" {
		o, err := reference.LoadOverlay(siglasPath)
		if err != nil {
			return nil, fmt.Errorf("loading sigla overlay: %w", err)
		}
		overlay = o
		registry.WithOverlay(o)
	}

	provider, err := llm.NewGeminiProviderFromConfig(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	// A nil cache disables caching; every lookup goes to the network.
	var store *cache.Cache
	if cfg.Pipeline.UseCache == nil || *cfg.Pipeline.UseCache {
		store, err = cache.New(cfg.Cache.Dir, time.Duration(cfg.Cache.TTL)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("creating cache: %w", err)
		}
	}

	boeClient := boe.NewClient(&cfg.BOE, store)
	articles := boe.NewArticleFetcher(boeClient)
	euClient := eurlex.NewClient(&cfg.EURLex, store)

	return &components{
		cfg:       cfg,
		registry:  registry,
		provider:  provider,
		overlay:   overlay,
		boeClient: boeClient,
		finder:    boe.NewSearcher(boeClient),
		articles:  articles,
		eu:        euClient,
		exporter:  export.NewExporter(cfg.Export.Dir, registry, boeClient, articles),
	}, nil
}

// Close releases watchers held by the components.
func (c *components) Close() {
	if c.overlay != nil {
		_ = c.overlay.Close()
	}
}

// newPipeline assembles a pipeline whose progress feeds the callback.
func (c *components) newPipeline(progress pipeline.ProgressFunc) (*pipeline.Pipeline, error) {
	pc := c.cfg.Pipeline

	opts := pipeline.Options{
		Convergence: convergence.NewSystem(c.provider, c.registry, pc.MaxRounds, pc.IntermediateThreshold),
		Titles:      agents.NewTitleResolver(c.provider, c.registry),
		Normalizer:  normalize.NewNormalizer(c.provider, c.registry, pc.MaxWorkers),
		Validator:   validate.NewValidator(c.finder, c.articles, c.eu, pc.MaxWorkers),

		ConfidenceThreshold: pc.ConfidenceThreshold,
		TextLimit:           pc.TextLimit,
		Progress:            progress,
	}
	if pc.UseContextAgent == nil || *pc.UseContextAgent {
		opts.Context = agents.NewContextResolver(c.provider, c.registry)
	}
	if pc.UseInferenceAgent {
		opts.Inference = agents.NewInferenceAgent(c.provider, c.boeClient)
	}

	return pipeline.New(opts)
}
