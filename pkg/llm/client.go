package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Metrics accumulates per-agent LLM usage.
type Metrics struct {
	Calls           int64 `json:"total_llamadas"`
	PromptTokens    int64 `json:"total_tokens_prompt"`
	ResponseTokens  int64 `json:"total_tokens_respuesta"`
	Errors          int64 `json:"total_errores"`
	TotalDurationMS int64 `json:"tiempo_total_ms"`
}

// Client binds a provider to one agent: a fixed temperature, a name for
// metrics, and usage accounting. Multiple clients can share one provider.
type Client struct {
	provider    Provider
	agentName   string
	temperature float64

	mu      sync.Mutex
	metrics Metrics
}

// NewClient creates a client for one agent with a fixed temperature.
func NewClient(provider Provider, agentName string, temperature float64) *Client {
	return &Client{
		provider:    provider,
		agentName:   agentName,
		temperature: temperature,
	}
}

// Generate calls the provider with the client's fixed temperature and records
// metrics. When the API does not report token usage, prompt tokens are
// estimated locally.
func (c *Client) Generate(ctx context.Context, systemInstruction, prompt string) (string, error) {
	return c.GenerateWithTemperature(ctx, systemInstruction, prompt, c.temperature)
}

// GenerateWithTemperature overrides the client's temperature for one
// call. Agents with distinct sub-tasks (concept detection vs mapping)
// use different temperatures over the same accounting client.
func (c *Client) GenerateWithTemperature(ctx context.Context, systemInstruction, prompt string, temperature float64) (string, error) {
	temp := temperature
	start := time.Now()

	resp, err := c.provider.Generate(ctx, &Request{
		SystemInstruction: systemInstruction,
		Prompt:            prompt,
		Temperature:       &temp,
	})

	duration := time.Since(start)
	observeCall(c.agentName, c.provider.ModelName(), duration, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Calls++
	c.metrics.TotalDurationMS += duration.Milliseconds()

	if err != nil {
		c.metrics.Errors++
		return "", fmt.Errorf("%s: %w", c.agentName, err)
	}

	promptTokens := resp.PromptTokens
	if promptTokens == 0 {
		promptTokens = EstimateTokens(systemInstruction + prompt)
	}
	responseTokens := resp.ResponseTokens
	if responseTokens == 0 {
		responseTokens = EstimateTokens(resp.Text)
	}

	c.metrics.PromptTokens += int64(promptTokens)
	c.metrics.ResponseTokens += int64(responseTokens)
	observeTokens(c.agentName, promptTokens, responseTokens)

	slog.Debug("LLM call completed",
		"agent", c.agentName, "duration", duration, "tokens", promptTokens+responseTokens)

	return resp.Text, nil
}

// Metrics returns a snapshot of the accumulated usage.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// AgentName returns the agent this client accounts for.
func (c *Client) AgentName() string {
	return c.agentName
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of a text. Uses the cl100k
// encoding when available, otherwise the len/4 heuristic.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, using heuristic", "error", err)
			return
		}
		encoding = enc
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// StripJSONEnvelope removes markdown code fences around a JSON payload.
func StripJSONEnvelope(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// DecodeJSON strips the markdown envelope and unmarshals into v.
func DecodeJSON(text string, v any) error {
	clean := StripJSONEnvelope(text)
	if err := json.Unmarshal([]byte(clean), v); err != nil {
		return fmt.Errorf("failed to decode LLM JSON response: %w", err)
	}
	return nil
}
