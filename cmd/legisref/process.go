package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oposify/legisref/pkg/audit"
	"github.com/oposify/legisref/pkg/document"
	"github.com/oposify/legisref/pkg/export"
	"github.com/oposify/legisref/pkg/pipeline"
)

// ProcessCmd runs the pipeline once over a topic file.
type ProcessCmd struct {
	File string `arg:"" help:"Topic file (.json, .txt, .md, .pdf, .docx)." type:"path"`

	Topic   string   `help:"Topic name (defaults to the file's tema or name)."`
	Export  bool     `default:"true" negatable:"" help:"Export results after processing."`
	Formats []string `help:"Export formats (md, txt, xlsx, json). Defaults to config."`
	Quiet   bool     `short:"q" help:"Suppress the progress line."`
}

func (c *ProcessCmd) Run(cli *CLI) error {
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

	comps, err := buildComponents(cfg, cli.Siglas)
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	extractor := document.NewExtractor()
	extractor.TextLimit = cfg.Pipeline.TextLimit
	doc, err := extractor.Extract(ctx, c.File)
	if err != nil {
		return fmt.Errorf("extracting document: %w", err)
	}

	topic := c.Topic
	if topic == "" {
		topic = doc.Topic
	}

	var progress pipeline.ProgressFunc
	if !c.Quiet {
		progress = func(percent float64, message string) {
			fmt.Printf("\r[%3.0f%%] %-60s", percent, message)
			if percent >= 100 {
				fmt.Println()
			}
		}
	}

	p, err := comps.newPipeline(progress)
	if err != nil {
		return err
	}

	report, err := p.Process(ctx, topic, doc.Text)
	if err != nil {
		return err
	}

	printSummary(report)

	if c.Export {
		formats := c.Formats
		if len(formats) == 0 {
			formats = cfg.Export.Formats
		}
		files, err := comps.exporter.ExportAll(ctx, report, formats)
		if err != nil {
			return fmt.Errorf("exporting results: %w", err)
		}
		report.ExportedFiles = files

		fmt.Println("\nArchivos exportados:")
		for _, format := range export.DefaultFormats {
			if path, ok := files[format]; ok {
				fmt.Printf("  %-5s %s\n", format, path)
			}
		}
	}

	return nil
}

func printSummary(report *pipeline.Report) {
	fmt.Printf("\nTema: %s\n", report.Topic)
	fmt.Printf("Referencias extraídas: %d (validadas: %d, %.0f%%)\n",
		report.TotalExtracted, report.Validated, report.ValidationRate*100)
	fmt.Printf("Convergencia: %v en %d rondas\n", report.Converged, report.Rounds)
	if report.TotalInferred > 0 {
		fmt.Printf("Normas inferidas (BETA): %d\n", report.TotalInferred)
	}
	fmt.Printf("Tiempo total: %.1fs\n\n", report.ElapsedSec)

	if report.Audit != nil {
		fmt.Println(audit.TextReport(report.Audit))
	}
}
