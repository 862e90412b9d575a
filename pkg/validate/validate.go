// Package validate checks references against the official registries:
// Spanish norms against the BOE (identifier search plus real-article
// verification), European ones against EUR-Lex. References whose cited
// article does not exist in the official text are demoted as
// hallucinations.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/eurlex"
	"github.com/oposify/legisref/pkg/reference"
)

// articleFormatPattern accepts "23", "23.2" and "23.2.b".
var articleFormatPattern = regexp.MustCompile(`^\d+(?:\.\d+)?(?:\.[a-z])?$`)

var (
	yearPattern     = regexp.MustCompile(`(\d{4})`)
	lawTextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Ley\s+(?:Orgánica\s+)?\d+/\d{4}`),
		regexp.MustCompile(`(?i)Real\s+Decreto\s+(?:Ley\s+)?\d+/\d{4}`),
		regexp.MustCompile(`(?i)Constitución\s+Española`),
	}
)

// LawFinder resolves a law reference to its consolidated BOE identifier.
type LawFinder interface {
	FindLaw(ctx context.Context, reference, year, fullTitle string) (string, error)
}

// ArticleFetcher downloads the official text of an article.
type ArticleFetcher interface {
	Fetch(ctx context.Context, boeID, articleNumber string) (*boe.ArticleText, error)
}

// EUEnricher verifies European instruments against EUR-Lex.
type EUEnricher interface {
	Enrich(ctx context.Context, text string) (*eurlex.Enrichment, error)
	EnrichCELEX(ctx context.Context, celex string) (*eurlex.Enrichment, error)
}

// Result summarizes a validation pass.
type Result struct {
	References  []reference.Reference `json:"referencias_validadas"`
	Total       int                   `json:"total"`
	Validated   int                   `json:"validadas"`
	Unvalidated int                   `json:"no_validadas"`
	Rate        float64               `json:"tasa_validacion"`
}

// Validator is the third pipeline agent. articles may be nil to skip
// real-article verification, and eu may be nil to skip EUR-Lex.
type Validator struct {
	finder   LawFinder
	articles ArticleFetcher
	eu       EUEnricher
	workers  int
	logger   *slog.Logger

	// PublicURL builds the citizen-facing link for a validated norm.
	PublicURL func(boeID, articleNumber string) string
}

// NewValidator wires the validator. workers caps the parallel fan-out.
func NewValidator(finder LawFinder, articles ArticleFetcher, eu EUEnricher, workers int) *Validator {
	if workers < 1 {
		workers = 1
	}
	return &Validator{
		finder:   finder,
		articles: articles,
		eu:       eu,
		workers:  workers,
		logger:   slog.Default().With("agent", "Agente3-Validador"),
		PublicURL: func(boeID, articleNumber string) string {
			url := "https://www.boe.es/buscar/act.php?id=" + boeID
			if articleNumber != "" {
				url += "#a" + articleNumber
			}
			return url
		},
	}
}

// Validate checks every reference, fanning out to workers and keeping
// the input order.
func (v *Validator) Validate(ctx context.Context, refs []reference.Reference) (*Result, error) {
	result := &Result{
		References: make([]reference.Reference, len(refs)),
		Total:      len(refs),
	}
	if len(refs) == 0 {
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i, ref := range refs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			result.References[i] = v.validateOne(gctx, ref)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ref := range result.References {
		if ref.Validated {
			result.Validated++
		} else {
			result.Unvalidated++
		}
	}
	result.Rate = float64(result.Validated) / float64(result.Total)

	v.logger.Info("Validation completed",
		"validated", result.Validated, "unvalidated", result.Unvalidated,
		"rate", fmt.Sprintf("%.1f%%", result.Rate*100))
	return result, nil
}

func (v *Validator) validateOne(ctx context.Context, ref reference.Reference) reference.Reference {
	if ref.European || ref.CELEX != "" {
		return v.validateEuropean(ctx, ref)
	}

	law := lawName(ref)
	if law == "" {
		ref.Validated = false
		ref.ValidationReason = "No se pudo extraer información de ley"
		return ref
	}

	year := ""
	if match := yearPattern.FindStringSubmatch(law); match != nil {
		year = match[1]
	}

	boeID, err := v.finder.FindLaw(ctx, law, year, ref.FullTitle)
	if err != nil || boeID == "" {
		ref.Validated = false
		ref.ValidationReason = "No se encontró BOE-ID"
		v.logger.Debug("Reference not validated", "law", law, "error", err)
		return ref
	}

	ref.Validated = true
	ref.BOEID = boeID
	ref.BOEURL = v.PublicURL(boeID, ref.Article)
	ref.ValidationReason = ""

	if ref.Article != "" {
		if !articleFormatPattern.MatchString(strings.ToLower(strings.TrimSpace(ref.Article))) {
			v.logger.Debug("Unusual article format", "article", ref.Article)
		}
		ref = v.verifyArticle(ctx, ref)
	}

	return ref
}

// verifyArticle checks the cited article against the official text.
// A missing article is a hallucination: the reference is demoted to
// confidence zero. Transient errors leave the validation untouched.
func (v *Validator) verifyArticle(ctx context.Context, ref reference.Reference) reference.Reference {
	if v.articles == nil {
		return ref
	}

	article, err := v.articles.Fetch(ctx, ref.BOEID, ref.Article)
	switch {
	case err == nil && article != nil:
		v.logger.Debug("Article verified", "boe_id", ref.BOEID, "article", ref.Article)
	case errors.Is(err, boe.ErrArticleNotFound):
		ref.Validated = false
		ref.Confidence = 0
		ref.ValidationReason = fmt.Sprintf("Artículo %s NO existe en el BOE oficial", ref.Article)
		v.logger.Warn("Hallucinated article detected",
			"boe_id", ref.BOEID, "article", ref.Article)
	default:
		v.logger.Debug("Article verification unavailable",
			"boe_id", ref.BOEID, "article", ref.Article, "error", err)
	}
	return ref
}

func (v *Validator) validateEuropean(ctx context.Context, ref reference.Reference) reference.Reference {
	if v.eu == nil {
		ref.Validated = false
		ref.ValidationReason = "Validación EUR-Lex no disponible"
		return ref
	}

	var (
		enrichment *eurlex.Enrichment
		err        error
	)
	if ref.CELEX != "" {
		enrichment, err = v.eu.EnrichCELEX(ctx, ref.CELEX)
	} else {
		text := ref.NormalizedLaw
		if text == "" {
			text = ref.FullText
		}
		enrichment, err = v.eu.Enrich(ctx, text)
	}

	if err != nil || enrichment == nil {
		ref.Validated = false
		ref.ValidationReason = "No se pudo verificar en EUR-Lex"
		v.logger.Debug("EUR-Lex verification failed", "celex", ref.CELEX, "error", err)
		return ref
	}

	ref.CELEX = enrichment.CELEX
	ref.EURLexURL = enrichment.URLs.Text

	if !enrichment.Exists {
		ref.Validated = false
		ref.ValidationReason = "El documento no existe en EUR-Lex"
		return ref
	}

	ref.Validated = true
	ref.ValidationReason = ""
	if ref.FullTitle == "" && enrichment.Title != "" {
		ref.FullTitle = enrichment.Title
	}
	return ref
}

// lawName picks the most authoritative law string, falling back to
// pattern extraction from the raw text.
func lawName(ref reference.Reference) string {
	if name := ref.BestLaw(); name != "" {
		return name
	}
	for _, pattern := range lawTextPatterns {
		if match := pattern.FindString(ref.FullText); match != "" {
			return match
		}
	}
	return ""
}
