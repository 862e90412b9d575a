package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oposify/legisref/pkg/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.LLMConfig{}
	cfg.SetDefaults()
	cfg.APIKey = "test-key"
	cfg.Host = server.URL
	cfg.MaxRetries = 1

	provider, err := NewGeminiProviderFromConfig(cfg)
	require.NoError(t, err)
	return provider
}

func TestGeminiGenerate(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		require.Len(t, req.Contents, 1)
		assert.Equal(t, "user", req.Contents[0].Role)
		assert.Equal(t, "extract references", req.Contents[0].Parts[0].Text)
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "you are an extractor", req.SystemInstruction.Parts[0].Text)
		require.NotNil(t, req.GenerationConfig.Temperature)
		assert.Equal(t, 0.1, *req.GenerationConfig.Temperature)
		assert.Equal(t, 65000, req.GenerationConfig.MaxOutputTokens)

		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Parts: []geminiPart{{Text: "[]"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &geminiUsageMetadata{
				PromptTokenCount:     100,
				CandidatesTokenCount: 5,
				TotalTokenCount:      105,
			},
		})
	})

	client := NewClient(provider, "AgenteA", 0.1)
	text, err := client.Generate(context.Background(), "you are an extractor", "extract references")
	require.NoError(t, err)
	assert.Equal(t, "[]", text)

	m := client.Metrics()
	assert.Equal(t, int64(1), m.Calls)
	assert.Equal(t, int64(100), m.PromptTokens)
	assert.Equal(t, int64(5), m.ResponseTokens)
	assert.Equal(t, int64(0), m.Errors)
}

func TestGeminiAPIError(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(geminiResponse{
			Error: &geminiError{Code: 400, Message: "invalid argument", Status: "INVALID_ARGUMENT"},
		})
	})

	client := NewClient(provider, "AgenteB", 0.4)
	_, err := client.Generate(context.Background(), "", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_ARGUMENT")

	m := client.Metrics()
	assert.Equal(t, int64(1), m.Calls)
	assert.Equal(t, int64(1), m.Errors)
}

func TestGeminiMissingKey(t *testing.T) {
	cfg := &config.LLMConfig{Model: "gemini-2.0-flash", Host: "http://localhost"}
	_, err := NewGeminiProviderFromConfig(cfg)
	require.Error(t, err)
}

func TestStripJSONEnvelope(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1,2]\n```", "[1,2]"},
		{`{"a": 1}`, `{"a": 1}`},
		{"  \n[]\n  ", "[]"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, StripJSONEnvelope(tt.in))
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Indices []int `json:"indices_unicos"`
	}
	err := DecodeJSON("```json\n{\"indices_unicos\": [0, 2]}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, out.Indices)

	err = DecodeJSON("not json", &out)
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("Ley 39/2015, de 1 de octubre, del Procedimiento Administrativo Común")
	assert.Greater(t, n, 0)
}

func TestGenerateContextCancelled(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{}")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(provider, "AgenteC", 0.4)
	_, err := client.Generate(ctx, "", "prompt")
	require.Error(t, err)
}
