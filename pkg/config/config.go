// Package config defines the typed configuration for the legisref pipeline.
// Every section implements SetDefaults and Validate; LoadFromFile runs the
// full pipeline (env expansion, defaults, validation).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=LLM provider configuration"`
	Pipeline PipelineConfig `yaml:"pipeline,omitempty" json:"pipeline,omitempty" jsonschema:"title=Pipeline,description=Extraction pipeline configuration"`
	BOE      BOEConfig      `yaml:"boe,omitempty" json:"boe,omitempty" jsonschema:"title=BOE,description=BOE registry client configuration"`
	EURLex   EURLexConfig   `yaml:"eurlex,omitempty" json:"eurlex,omitempty" jsonschema:"title=EUR-Lex,description=EUR-Lex client configuration"`
	Cache    CacheConfig    `yaml:"cache,omitempty" json:"cache,omitempty" jsonschema:"title=Cache,description=On-disk response cache"`
	Export   ExportConfig   `yaml:"export,omitempty" json:"export,omitempty" jsonschema:"title=Export,description=Result export configuration"`
	Server   ServerConfig   `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP API server"`
	Logger   LoggerConfig   `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger,description=Logging configuration"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	c.Pipeline.SetDefaults()
	c.BOE.SetDefaults()
	c.EURLex.SetDefaults()
	c.Cache.SetDefaults()
	c.Export.SetDefaults()
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.BOE.Validate(); err != nil {
		return fmt.Errorf("boe: %w", err)
	}
	if err := c.EURLex.Validate(); err != nil {
		return fmt.Errorf("eurlex: %w", err)
	}
	if err := c.Export.Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	return nil
}

// Process expands environment references, applies defaults and validates.
func Process(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	expandEnv(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads a YAML config file and runs it through Process.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return Process(cfg)
}

// Default returns a fully defaulted configuration without a file.
func Default() (*Config, error) {
	return Process(&Config{})
}
