// Package boe talks to the BOE consolidated-legislation open data API:
// searching norms, verifying identifiers, and downloading indices and
// article blocks.
package boe

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/oposify/legisref/pkg/cache"
	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/httpclient"
)

const userAgent = "Mozilla/5.0 (compatible; legisref/1.0)"

var boeIDPattern = regexp.MustCompile(`^BOE-[A-Z]-\d{4}-\d+$`)

// Client is a thin wrapper over the BOE API. Responses are XML; search
// queries travel as a JSON document inside the query parameter.
type Client struct {
	cfg    *config.BOEConfig
	http   *httpclient.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// SearchResult is one item of a search response.
type SearchResult struct {
	ID    string
	Title string
}

// NewClient creates a BOE API client. A nil cache disables caching.
func NewClient(cfg *config.BOEConfig, store *cache.Cache) *Client {
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.FetchTimeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithUserAgent(userAgent),
			httpclient.WithRetryStrategy(httpclient.ConservativeOnServerErrors),
		),
		cache:  store,
		logger: slog.Default().With("component", "boe"),
	}
}

type searchResponse struct {
	Items []searchItem `xml:"data>item"`
}

type searchItem struct {
	ID    string `xml:"identificador"`
	Title string `xml:"titulo"`
}

// Search queries the API for norms matching an official number such as
// "39/2015". The query format follows the BOE open data documentation:
// a JSON query_string document passed in the query parameter.
func (c *Client) Search(ctx context.Context, officialNumber string) ([]SearchResult, error) {
	var cached []SearchResult
	if c.cache.Get(cache.KindBOESearch, officialNumber, &cached) {
		return cached, nil
	}

	query, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"query_string": map[string]any{
				"query": "numero_oficial:" + officialNumber,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	params := url.Values{}
	params.Set("query", string(query))
	params.Set("limit", "5")

	endpoint := c.cfg.BaseURL + "?" + params.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("BOE search failed for %s: %w", officialNumber, err)
	}

	var resp searchResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse BOE search response: %w", err)
	}

	var results []SearchResult
	for _, item := range resp.Items {
		id := strings.TrimSpace(item.ID)
		if !boeIDPattern.MatchString(id) {
			continue
		}
		results = append(results, SearchResult{ID: id, Title: strings.TrimSpace(item.Title)})
	}

	c.cache.Put(cache.KindBOESearch, officialNumber, results)
	c.logger.Debug("BOE search completed", "number", officialNumber, "results", len(results))
	return results, nil
}

// Verify checks that a BOE identifier exists in the consolidated corpus.
func (c *Client) Verify(ctx context.Context, boeID string) (bool, error) {
	req, err := c.newRequest(ctx, c.cfg.BaseURL+"/id/"+boeID)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to verify %s: %w", boeID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d verifying %s", resp.StatusCode, boeID)
	}
}

type normResponse struct {
	Title string `xml:"data>titulo"`
}

// FetchTitle returns the official full title of a norm.
func (c *Client) FetchTitle(ctx context.Context, boeID string) (string, error) {
	body, err := c.get(ctx, c.cfg.BaseURL+"/id/"+boeID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch title of %s: %w", boeID, err)
	}

	var resp normResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse norm response for %s: %w", boeID, err)
	}

	title := strings.TrimSpace(resp.Title)
	if title == "" {
		return "", fmt.Errorf("no title in response for %s", boeID)
	}
	return title, nil
}

type indexResponse struct {
	Blocks []rawBlock `xml:"data>bloque"`
}

type rawBlock struct {
	ID      string `xml:"id"`
	Title   string `xml:"titulo"`
	Updated string `xml:"fecha_actualizacion"`
}

// FetchIndex downloads the raw block list of a norm: the flat sequence
// of books, titles, chapters and articles the BOE exposes.
func (c *Client) FetchIndex(ctx context.Context, boeID string) ([]Block, error) {
	var cached []Block
	if c.cache.Get(cache.KindBOEIndex, boeID, &cached) {
		return cached, nil
	}

	body, err := c.get(ctx, c.cfg.BaseURL+"/id/"+boeID+"/texto/indice")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index of %s: %w", boeID, err)
	}

	var resp indexResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse index of %s: %w", boeID, err)
	}

	var blocks []Block
	for _, raw := range resp.Blocks {
		id := strings.TrimSpace(raw.ID)
		title := strings.TrimSpace(raw.Title)
		if id == "" || title == "" {
			continue
		}
		blocks = append(blocks, Block{ID: id, Title: title, Updated: strings.TrimSpace(raw.Updated)})
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty index for %s", boeID)
	}

	c.cache.Put(cache.KindBOEIndex, boeID, blocks)
	return blocks, nil
}

type blockResponse struct {
	Code  string       `xml:"status>code"`
	Block blockContent `xml:"data>bloque"`
}

type blockContent struct {
	Title    string         `xml:"titulo,attr"`
	Versions []blockVersion `xml:"version"`
}

type blockVersion struct {
	Inner string `xml:",innerxml"`
}

// BlockText is the downloaded content of one article block.
type BlockText struct {
	Title string
	HTML  string
}

// FetchBlock downloads one block (typically an article) of a norm. The
// most recent version is the first one in the response.
func (c *Client) FetchBlock(ctx context.Context, boeID, blockID string) (*BlockText, error) {
	cacheKey := boeID + "/" + blockID
	var cached BlockText
	if c.cache.Get(cache.KindBOEArticle, cacheKey, &cached) {
		return &cached, nil
	}

	req, err := c.newRequest(ctx, c.cfg.BaseURL+"/id/"+boeID+"/texto/bloque/"+blockID)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s of %s: %w", blockID, boeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("block %s of %s returned status %d", blockID, boeID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read block response: %w", err)
	}

	var parsed blockResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse block %s of %s: %w", blockID, boeID, err)
	}

	if parsed.Code != "" && parsed.Code != "200" {
		return nil, fmt.Errorf("block %s of %s returned API code %s", blockID, boeID, parsed.Code)
	}
	if len(parsed.Block.Versions) == 0 {
		return nil, fmt.Errorf("no versions in block %s of %s", blockID, boeID)
	}

	text := &BlockText{
		Title: parsed.Block.Title,
		HTML:  strings.TrimSpace(parsed.Block.Versions[0].Inner),
	}

	c.cache.Put(cache.KindBOEArticle, cacheKey, text)
	return text, nil
}

// PublicURL builds the public consultation URL of a norm, optionally
// anchored at an article.
func (c *Client) PublicURL(boeID, articleNumber string) string {
	u := c.cfg.PublicBaseURL + "?id=" + boeID
	if articleNumber != "" {
		u += "#a" + articleNumber
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create BOE request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	return req, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := c.newRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}

	return io.ReadAll(resp.Body)
}
