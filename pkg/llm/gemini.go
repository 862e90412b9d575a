package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/httpclient"
)

// GeminiProvider implements Provider over the Gemini REST API.
type GeminiProvider struct {
	cfg        *config.LLMConfig
	httpClient *httpclient.Client
}

// Compile-time interface compliance check.
var _ Provider = (*GeminiProvider)(nil)

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// NewGeminiProviderFromConfig creates a Gemini provider from configuration.
func NewGeminiProviderFromConfig(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	return &GeminiProvider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeaders),
		),
	}, nil
}

// ModelName returns the configured model.
func (p *GeminiProvider) ModelName() string {
	return p.cfg.Model
}

// Generate performs a single non-streaming generation call.
func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	tracer := otel.Tracer("legisref/llm")
	ctx, span := tracer.Start(ctx, "gemini.generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", p.cfg.Model))

	body := p.buildRequest(req)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.cfg.Host, p.cfg.Model, p.cfg.APIKey)

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse Gemini response: %w", err)
	}

	if geminiResp.Error != nil {
		return nil, fmt.Errorf("Gemini API error (%s): %s", geminiResp.Error.Status, geminiResp.Error.Message)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	candidate := geminiResp.Candidates[0]
	var parts []string
	for _, part := range candidate.Content.Parts {
		parts = append(parts, part.Text)
	}

	out := &Response{
		Text:         strings.Join(parts, ""),
		FinishReason: candidate.FinishReason,
	}
	if geminiResp.UsageMetadata != nil {
		out.PromptTokens = geminiResp.UsageMetadata.PromptTokenCount
		out.ResponseTokens = geminiResp.UsageMetadata.CandidatesTokenCount
		out.TotalTokens = geminiResp.UsageMetadata.TotalTokenCount
	}

	span.SetAttributes(attribute.Int("llm.total_tokens", out.TotalTokens))
	return out, nil
}

func (p *GeminiProvider) buildRequest(req *Request) *geminiRequest {
	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxOutputTokens
	}

	out := &geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}

	if req.SystemInstruction != "" {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemInstruction}},
		}
	}

	return out
}
