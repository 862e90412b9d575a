package config

import (
	"fmt"
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures the LLM provider shared by all agents. Each agent
// fixes its own temperature; everything else comes from here.
type LLMConfig struct {
	// Provider type. Only gemini is supported.
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=gemini,default=gemini"`

	// Model name (e.g., "gemini-2.0-flash").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Custom base URL for the API endpoint"`

	// MaxOutputTokens limits response length.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty" jsonschema:"title=Max Output Tokens,description=Maximum tokens to generate,minimum=1,default=65000"`

	// Timeout in seconds for a single generation call.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout in seconds,default=120"`

	// MaxRetries for transient API failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retries for transient failures,default=3"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = LLMProviderGemini
	}
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Host == "" {
		c.Host = "https://generativelanguage.googleapis.com"
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 65000
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.Provider != LLMProviderGemini {
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxOutputTokens < 1 {
		return fmt.Errorf("max_output_tokens must be positive")
	}
	return nil
}
