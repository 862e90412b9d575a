// Command legisref extracts, normalizes and validates Spanish and EU
// legal citations from study documents.
//
// Usage:
//
//	legisref process tema-07.json
//	legisref serve --config legisref.yaml
//	legisref schema > config-schema.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Process ProcessCmd `cmd:"" help:"Process a topic file and print the extraction report."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server."`
	Schema  SchemaCmd  `cmd:"" help:"Generate the JSON Schema of the configuration."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config string `short:"c" help:"Path to config file." type:"path"`
	Siglas string `help:"YAML file with custom siglas (hot reloaded)." type:"path"`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = config setting)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// loadConfig reads the config file, or builds the defaults when no
// file is given.
func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config != "" {
		cfg, err := config.LoadFromFile(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	return config.Default()
}

// initLogger applies logger settings, CLI flags overriding the config
// file. Returns a cleanup for a log file, if one was opened.
func (cli *CLI) initLogger(cfg *config.LoggerConfig) (func(), error) {
	levelStr := cfg.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	format := cfg.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	target := cfg.Output
	if cli.LogFile != "" {
		target = cli.LogFile
	}

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	var output *os.File
	var cleanup func()
	switch target {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, cleanupFn, err := logger.OpenLogFile(target)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("legisref"),
		kong.Description("Multi-agent extraction of Spanish and EU legal citations."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
