// Package server exposes the extraction pipeline as an HTTP API:
// document upload, asynchronous processing jobs, result download and
// system metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/document"
	"github.com/oposify/legisref/pkg/job"
	"github.com/oposify/legisref/pkg/pipeline"
)

// MaxUploadBytes limits uploaded topic files.
const MaxUploadBytes = 10 << 20

// Processor runs the extraction pipeline over one document.
type Processor interface {
	Process(ctx context.Context, topic, text string) (*pipeline.Report, error)
}

// PipelineFactory builds a pipeline whose progress feeds the given
// callback. Each job gets its own pipeline so progress updates land on
// the right job.
type PipelineFactory func(progress pipeline.ProgressFunc) (Processor, error)

// Exporter writes a finished report to disk by format.
type Exporter interface {
	ExportAll(ctx context.Context, report *pipeline.Report, formats []string) (map[string]string, error)
}

// ArticleFetcher serves the on-demand BOE article endpoint.
type ArticleFetcher interface {
	Fetch(ctx context.Context, boeID, articleNumber string) (*boe.ArticleText, error)
}

// Options wires the server's collaborators.
type Options struct {
	Config *config.Config

	// Pipeline is required; the rest are optional.
	Pipeline PipelineFactory
	Exporter Exporter
	Articles ArticleFetcher
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	pipelines PipelineFactory
	exporter  Exporter
	articles  ArticleFetcher
	extractor *document.Extractor
	jobs      *job.Manager
	logger    *slog.Logger

	httpServer *http.Server

	stopChan chan struct{}
	doneChan chan struct{}
}

// New builds a server from options.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline factory is required")
	}

	s := &Server{
		cfg:       opts.Config,
		pipelines: opts.Pipeline,
		exporter:  opts.Exporter,
		articles:  opts.Articles,
		extractor: document.NewExtractor(),
		jobs:      job.NewManager(),
		logger:    slog.Default().With("component", "server"),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              s.address(),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) address() string {
	return net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)
		r.Get("/stats", s.handleStats)

		r.Post("/process", s.handleProcess)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)

		r.Post("/upload", s.handleUpload)
		r.Get("/files", s.handleListFiles)
		r.Get("/download/{id}/{format}", s.handleDownload)

		r.Get("/boe/articulo/{boeID}/{article}", s.handleBOEArticle)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start begins listening and returns once the listener is up. Call
// Wait to block until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("Server started",
		"address", fmt.Sprintf("http://%s", listener.Addr()),
		"upload_dir", s.cfg.Server.UploadDir)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go s.runLifecycle(errChan)
	return nil
}

// Wait blocks until the server shuts down.
func (s *Server) Wait() {
	<-s.doneChan
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopChan)
	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) runLifecycle(errChan <-chan error) {
	defer close(s.doneChan)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	retention := time.Duration(s.cfg.Server.JobRetentionHours) * time.Hour
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-sigCh:
			s.logger.Info("Shutting down on signal")
			s.shutdown()
			return
		case <-s.stopChan:
			s.logger.Info("Stop requested")
			s.shutdown()
			return
		case err := <-errChan:
			s.logger.Error("HTTP server error", "error", err)
			s.shutdown()
			return
		case <-cleanup.C:
			if removed := s.jobs.CleanupOlderThan(retention); removed > 0 {
				s.logger.Info("Old jobs cleaned up", "removed", removed)
			}
		}
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Shutdown incomplete", "error", err)
	}
}
