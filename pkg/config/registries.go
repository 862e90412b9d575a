package config

import "fmt"

// BOEConfig configures the BOE consolidated-legislation API client.
type BOEConfig struct {
	// BaseURL of the datos abiertos API.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=BOE API base URL"`

	// PublicBaseURL is used to build citizen-facing document links.
	PublicBaseURL string `yaml:"public_base_url,omitempty" json:"public_base_url,omitempty" jsonschema:"title=Public Base URL,description=Base URL for public document links"`

	// SearchTimeout in seconds for search requests.
	SearchTimeout int `yaml:"search_timeout,omitempty" json:"search_timeout,omitempty" jsonschema:"title=Search Timeout,description=Search request timeout in seconds,default=15"`

	// FetchTimeout in seconds for index and block requests.
	FetchTimeout int `yaml:"fetch_timeout,omitempty" json:"fetch_timeout,omitempty" jsonschema:"title=Fetch Timeout,description=Index/block request timeout in seconds,default=30"`

	// MaxRetries for verification requests.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retries for transient failures,default=3"`
}

func (c *BOEConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.boe.es/datosabiertos/api/legislacion-consolidada"
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "https://www.boe.es/buscar/act.php"
	}
	if c.SearchTimeout == 0 {
		c.SearchTimeout = 15
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *BOEConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// EURLexConfig configures the EUR-Lex SPARQL client.
type EURLexConfig struct {
	// SPARQLEndpoint of the EU Publications Office.
	SPARQLEndpoint string `yaml:"sparql_endpoint,omitempty" json:"sparql_endpoint,omitempty" jsonschema:"title=SPARQL Endpoint,description=EU Publications Office SPARQL endpoint"`

	// PublicBaseURL for document links.
	PublicBaseURL string `yaml:"public_base_url,omitempty" json:"public_base_url,omitempty" jsonschema:"title=Public Base URL,description=EUR-Lex public site base URL"`

	// Language code for titles and links (ISO, e.g. ES).
	Language string `yaml:"language,omitempty" json:"language,omitempty" jsonschema:"title=Language,description=ISO language code for titles and links,default=ES"`

	// Timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout in seconds,default=10"`
}

func (c *EURLexConfig) SetDefaults() {
	if c.SPARQLEndpoint == "" {
		c.SPARQLEndpoint = "https://publications.europa.eu/webapi/rdf/sparql"
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "https://eur-lex.europa.eu"
	}
	if c.Language == "" {
		c.Language = "ES"
	}
	if c.Timeout == 0 {
		c.Timeout = 10
	}
}

func (c *EURLexConfig) Validate() error {
	if c.SPARQLEndpoint == "" {
		return fmt.Errorf("sparql_endpoint is required")
	}
	if len(c.Language) != 2 {
		return fmt.Errorf("language must be a two-letter ISO code, got %q", c.Language)
	}
	return nil
}

// CacheConfig configures the on-disk JSON cache.
type CacheConfig struct {
	// Dir holds the cache files; one subdirectory per cache kind.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"title=Directory,description=Cache directory,default=.legisref/cache"`

	// TTL in seconds; zero means entries never expire.
	TTL int `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"title=TTL,description=Entry lifetime in seconds (0 = forever)"`
}

func (c *CacheConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = ".legisref/cache"
	}
}

// ExportConfig configures result export.
type ExportConfig struct {
	// Dir receives exported files.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"title=Directory,description=Export output directory,default=.legisref/export"`

	// Formats to produce: md, txt, xlsx, json.
	Formats []string `yaml:"formats,omitempty" json:"formats,omitempty" jsonschema:"title=Formats,description=Export formats,default=md,default=txt,default=xlsx"`
}

func (c *ExportConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = ".legisref/export"
	}
	if len(c.Formats) == 0 {
		c.Formats = []string{"md", "txt", "xlsx"}
	}
}

func (c *ExportConfig) Validate() error {
	valid := map[string]bool{"md": true, "txt": true, "xlsx": true, "json": true}
	for _, f := range c.Formats {
		if !valid[f] {
			return fmt.Errorf("unknown export format: %s", f)
		}
	}
	return nil
}
