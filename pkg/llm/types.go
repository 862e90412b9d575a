// Package llm wraps the Gemini API behind a small provider interface and
// adds per-agent usage metrics.
package llm

import "context"

// Request is a single generation call. Temperature is fixed per client, but
// can be overridden per request when non-nil.
type Request struct {
	SystemInstruction string
	Prompt            string
	Temperature       *float64
	MaxOutputTokens   int
}

// Response carries the generated text and token accounting when the API
// reported it.
type Response struct {
	Text           string
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
	FinishReason   string
}

// Provider generates text. Implementations must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	ModelName() string
}
