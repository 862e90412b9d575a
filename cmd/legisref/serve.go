package main

import (
	"context"
	"fmt"

	"github.com/oposify/legisref/pkg/pipeline"
	"github.com/oposify/legisref/pkg/server"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Host string `help:"Bind address (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := cli.initLogger(&cfg.Logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	comps, err := buildComponents(cfg, cli.Siglas)
	if err != nil {
		return err
	}
	defer comps.Close()

	srv, err := server.New(server.Options{
		Config: cfg,
		Pipeline: func(progress pipeline.ProgressFunc) (server.Processor, error) {
			return comps.newPipeline(progress)
		},
		Exporter: comps.exporter,
		Articles: comps.articles,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	fmt.Printf("API:      http://%s:%d/api\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Salud:    http://%s:%d/api/health\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Métricas: http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	srv.Wait()
	return nil
}
