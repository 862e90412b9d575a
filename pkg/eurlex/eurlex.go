// Package eurlex resolves references to EU legislation: CELEX
// identifier synthesis, document URLs, and existence checks against the
// Publications Office SPARQL endpoint.
package eurlex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oposify/legisref/pkg/cache"
	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/httpclient"
)

// EU legislative act types as encoded in CELEX identifiers.
const (
	ActRegulation = "R"
	ActDirective  = "L"
	ActDecision   = "D"
)

// References can name the year before or after the number ("Reglamento
// (UE) 2016/679" vs "Reglamento (CE) No 593/2008"), so the patterns
// capture both numbers and the year is disambiguated by magnitude.
var (
	regulationPattern = regexp.MustCompile(`(?i)Reglamento\s*(?:\(UE\)|\(CE\)|UE|CE)?\s*(?:No|N[oº]|n[oº])?\s*(\d+)/(\d+)`)
	directivePattern  = regexp.MustCompile(`(?i)Directiva\s*(?:\(UE\)|\(CE\)|UE|CE)?\s*(?:No|N[oº]|n[oº])?\s*(\d+)/(\d+)`)
	decisionPattern   = regexp.MustCompile(`(?i)Decisión\s*(?:\(UE\)|\(CE\)|UE|CE)?\s*(?:No|N[oº]|n[oº])?\s*(\d+)/(\d+)`)
)

// CELEX builds a sector-3 CELEX identifier: 3 + year + act type + the
// act number padded to four digits. "R", 2016, 679 yields "32016R0679".
func CELEX(actType string, year, number int) string {
	actType = strings.ToUpper(actType)
	switch actType {
	case ActRegulation, ActDirective, ActDecision:
	default:
		actType = ActRegulation
	}
	return fmt.Sprintf("3%d%s%04d", year, actType, number)
}

// ExtractCELEX derives a CELEX identifier from a textual reference to a
// regulation, directive or decision. Returns an empty string when the
// text matches none of the known patterns.
func ExtractCELEX(text string) string {
	for _, candidate := range []struct {
		pattern *regexp.Regexp
		actType string
	}{
		{regulationPattern, ActRegulation},
		{directivePattern, ActDirective},
		{decisionPattern, ActDecision},
	} {
		m := candidate.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])

		year, number := first, second
		if first < 1000 {
			year, number = second, first
		}

		return CELEX(candidate.actType, year, number)
	}
	return ""
}

// URLs are the document links of one CELEX in a given language.
type URLs struct {
	Text string `json:"txt"`
	PDF  string `json:"pdf"`
	HTML string `json:"html"`
}

// Metadata is what the SPARQL endpoint knows about a document.
type Metadata struct {
	CELEX   string `json:"celex"`
	WorkURI string `json:"work_uri,omitempty"`
	Title   string `json:"titulo_es,omitempty"`
	Date    string `json:"fecha,omitempty"`
	Type    string `json:"tipo,omitempty"`
}

// Enrichment is the full resolution of one EU reference.
type Enrichment struct {
	CELEX    string    `json:"celex"`
	URLs     URLs      `json:"urls"`
	Exists   bool      `json:"existe"`
	Title    string    `json:"titulo_completo,omitempty"`
	Metadata *Metadata `json:"metadatos,omitempty"`
}

// Client checks CELEX identifiers against the Publications Office
// SPARQL endpoint and builds EUR-Lex document URLs.
type Client struct {
	cfg    *config.EURLexConfig
	http   *httpclient.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewClient creates an EUR-Lex client. A nil cache disables caching.
func NewClient(cfg *config.EURLexConfig, store *cache.Cache) *Client {
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithRetryStrategy(httpclient.ConservativeOnServerErrors),
		),
		cache:  store,
		logger: slog.Default().With("component", "eurlex"),
	}
}

// DocumentURLs builds the TXT, PDF and HTML links for a CELEX in the
// configured language.
func (c *Client) DocumentURLs(celex string) URLs {
	base := fmt.Sprintf("%s/legal-content/%s", c.cfg.PublicBaseURL, strings.ToUpper(c.cfg.Language))
	return URLs{
		Text: base + "/TXT/?uri=CELEX:" + celex,
		PDF:  base + "/PDF/?uri=CELEX:" + celex,
		HTML: base + "/ALL/?uri=CELEX:" + celex,
	}
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Value string `json:"value"`
}

const existsQuery = `PREFIX cdm: <http://publications.europa.eu/ontology/cdm#>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>

SELECT ?work ?titulo ?fecha ?tipo
WHERE {
  ?work cdm:resource_legal_id_celex %q .

  OPTIONAL {
    ?work cdm:work_has_expression ?expr .
    ?expr cdm:expression_uses_language <http://publications.europa.eu/resource/authority/language/SPA> .
    ?expr cdm:expression_title ?titulo .
  }

  OPTIONAL { ?work cdm:work_date_document ?fecha . }
  OPTIONAL { ?work cdm:resource_legal_type ?tipo . }
}
LIMIT 1`

// Verify checks whether a CELEX exists and returns its metadata when it
// does. A nil metadata result means the document is unknown to EUR-Lex.
func (c *Client) Verify(ctx context.Context, celex string) (*Metadata, error) {
	var cached Metadata
	if c.cache.Get(cache.KindEURLex, celex, &cached) {
		if cached.CELEX == "" {
			return nil, nil
		}
		return &cached, nil
	}

	params := url.Values{}
	params.Set("query", fmt.Sprintf(existsQuery, celex))
	params.Set("format", "application/sparql-results+json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.SPARQLEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create SPARQL request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SPARQL query failed for %s: %w", celex, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("SPARQL endpoint returned status %d for %s", resp.StatusCode, celex)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read SPARQL response: %w", err)
	}

	var parsed sparqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse SPARQL response: %w", err)
	}

	if len(parsed.Results.Bindings) == 0 {
		c.logger.Debug("CELEX not found in EUR-Lex", "celex", celex)
		c.cache.Put(cache.KindEURLex, celex, Metadata{})
		return nil, nil
	}

	binding := parsed.Results.Bindings[0]
	meta := &Metadata{
		CELEX:   celex,
		WorkURI: binding["work"].Value,
		Title:   binding["titulo"].Value,
		Date:    binding["fecha"].Value,
		Type:    binding["tipo"].Value,
	}

	c.cache.Put(cache.KindEURLex, celex, meta)
	return meta, nil
}

// Enrich resolves a textual EU reference end to end: CELEX extraction,
// document URLs, and the SPARQL existence check. Returns nil when no
// CELEX can be derived from the text.
func (c *Client) Enrich(ctx context.Context, text string) (*Enrichment, error) {
	celex := ExtractCELEX(text)
	if celex == "" {
		return nil, nil
	}
	return c.EnrichCELEX(ctx, celex)
}

// EnrichCELEX resolves an already-known CELEX identifier.
func (c *Client) EnrichCELEX(ctx context.Context, celex string) (*Enrichment, error) {
	enrichment := &Enrichment{
		CELEX: celex,
		URLs:  c.DocumentURLs(celex),
	}

	meta, err := c.Verify(ctx, celex)
	if err != nil {
		return enrichment, err
	}
	if meta == nil {
		return enrichment, nil
	}

	enrichment.Exists = true
	enrichment.Title = meta.Title
	enrichment.Metadata = meta
	return enrichment, nil
}
