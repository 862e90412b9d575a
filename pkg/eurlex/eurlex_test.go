package eurlex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oposify/legisref/pkg/config"
)

func TestCELEX(t *testing.T) {
	assert.Equal(t, "32016R0679", CELEX("R", 2016, 679))
	assert.Equal(t, "32016L0680", CELEX("L", 2016, 680))
	assert.Equal(t, "32017R1939", CELEX("r", 2017, 1939))
	// Unknown act types default to regulation.
	assert.Equal(t, "32016R0679", CELEX("X", 2016, 679))
}

func TestExtractCELEX(t *testing.T) {
	tests := []struct {
		text     string
		expected string
	}{
		{"Reglamento (UE) 2016/679", "32016R0679"},
		{"Reglamento UE 2016/679", "32016R0679"},
		{"Reglamento (CE) No 593/2008", "32008R0593"},
		{"Reglamento (CE) nº 44/2001", "32001R0044"},
		{"Directiva 2016/680", "32016L0680"},
		{"Directiva (UE) 2015/2366", "32015L2366"},
		{"Decisión (UE) 2022/2481", "32022D2481"},
		{"Ley 39/2015", ""},
		{"texto sin referencias", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ExtractCELEX(tt.text), "text %q", tt.text)
	}
}

func TestDocumentURLs(t *testing.T) {
	cfg := &config.EURLexConfig{}
	cfg.SetDefaults()
	client := NewClient(cfg, nil)

	urls := client.DocumentURLs("32016R0679")
	assert.Equal(t, "https://eur-lex.europa.eu/legal-content/ES/TXT/?uri=CELEX:32016R0679", urls.Text)
	assert.Equal(t, "https://eur-lex.europa.eu/legal-content/ES/PDF/?uri=CELEX:32016R0679", urls.PDF)
	assert.Equal(t, "https://eur-lex.europa.eu/legal-content/ES/ALL/?uri=CELEX:32016R0679", urls.HTML)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.EURLexConfig{}
	cfg.SetDefaults()
	cfg.SPARQLEndpoint = server.URL

	return NewClient(cfg, nil)
}

func TestVerifyFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), `"32016R0679"`)
		assert.Equal(t, "application/sparql-results+json", r.URL.Query().Get("format"))

		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{
				"bindings": []map[string]any{{
					"work":   map[string]string{"value": "http://publications.europa.eu/resource/celex/32016R0679"},
					"titulo": map[string]string{"value": "Reglamento (UE) 2016/679 relativo a la protección de datos"},
					"fecha":  map[string]string{"value": "2016-04-27"},
				}},
			},
		})
	})

	meta, err := client.Verify(context.Background(), "32016R0679")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "32016R0679", meta.CELEX)
	assert.Contains(t, meta.Title, "protección de datos")
	assert.Equal(t, "2016-04-27", meta.Date)
}

func TestVerifyNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"bindings": []any{}},
		})
	})

	meta, err := client.Verify(context.Background(), "39999R9999")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestEnrich(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{
				"bindings": []map[string]any{{
					"titulo": map[string]string{"value": "Reglamento (UE) 2016/679"},
				}},
			},
		})
	})

	enrichment, err := client.Enrich(context.Background(), "el Reglamento (UE) 2016/679 regula")
	require.NoError(t, err)
	require.NotNil(t, enrichment)
	assert.Equal(t, "32016R0679", enrichment.CELEX)
	assert.True(t, enrichment.Exists)
	assert.Contains(t, enrichment.URLs.Text, "CELEX:32016R0679")
}

func TestEnrichNoCELEX(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected SPARQL call")
	})

	enrichment, err := client.Enrich(context.Background(), "Ley 39/2015")
	require.NoError(t, err)
	assert.Nil(t, enrichment)
}
