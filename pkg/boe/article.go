package boe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// ErrArticleNotFound means every lookup strategy ran and the norm has
// no block for the requested article. Transient failures return other
// errors.
var ErrArticleNotFound = errors.New("article not found")

// ArticleText is the full text of one article of a norm.
type ArticleText struct {
	Number    string `json:"numero"`
	Title     string `json:"titulo"`
	HTML      string `json:"texto"`
	BOEID     string `json:"boe_id"`
	URL       string `json:"url"`
	Subpoint  string `json:"numero_subapartado,omitempty"`
	IsSubpart bool   `json:"es_subapartado,omitempty"`
}

// ArticleFetcher downloads article texts. Block identifiers are not
// uniform across norms: most use "a138", the Código Civil uses
// "art138", and the LOPJ spells numbers out in Spanish
// ("acuatrocientoscincuentayseis"), so the fetcher tries a pattern
// cascade and falls back to scanning the norm's index.
type ArticleFetcher struct {
	client *Client
	logger *slog.Logger
}

// NewArticleFetcher creates a fetcher over the given client.
func NewArticleFetcher(client *Client) *ArticleFetcher {
	return &ArticleFetcher{
		client: client,
		logger: slog.Default().With("component", "boe.articles"),
	}
}

var (
	articlePrefix    = regexp.MustCompile(`(?i)^(art\.?|artículo|art)\s*`)
	leadingNumber    = regexp.MustCompile(`^(\d+(?:\.\d+)?)`)
	indexArticleFull = `^Art[ií]culo\s+%s\.?$`
	indexArticleWord = `^Art[ií]culo\s+%s\b`
)

// Fetch returns the text of one article. Subpoint references such as
// "517.2.5.º" fall back to their base article when the subpoint has no
// block of its own.
func (f *ArticleFetcher) Fetch(ctx context.Context, boeID, articleNumber string) (*ArticleText, error) {
	number := NormalizeArticleNumber(articleNumber)

	if article, err := f.fetchDirect(ctx, boeID, number); err == nil && article != nil {
		return article, nil
	} else if err != nil && ctx.Err() != nil {
		return nil, err
	}

	// An index lookup failure is a transient condition, not proof that
	// the article is missing: it must never surface as ErrArticleNotFound.
	article, err := f.fetchViaIndex(ctx, boeID, number)
	if err != nil {
		return nil, fmt.Errorf("index lookup for %s failed: %w", boeID, err)
	}
	if article != nil {
		return article, nil
	}

	if base, _, found := strings.Cut(articleNumber, "."); found && base != articleNumber {
		parent, err := f.Fetch(ctx, boeID, base)
		if err != nil || parent == nil {
			return nil, err
		}
		parent.IsSubpart = true
		parent.Subpoint = articleNumber
		return parent, nil
	}

	return nil, fmt.Errorf("%w: %s in %s", ErrArticleNotFound, articleNumber, boeID)
}

// fetchDirect tries the known block ID patterns in probability order.
func (f *ArticleFetcher) fetchDirect(ctx context.Context, boeID, number string) (*ArticleText, error) {
	base, _, _ := strings.Cut(number, ".")

	candidates := []string{"a" + base}
	if n, err := strconv.Atoi(base); err == nil {
		candidates = append(candidates, NumberToSpanishBlockID(n))
	}
	candidates = append(candidates,
		"art"+base,
		"a"+base+"bis",
		"art"+base+"bis",
	)

	for _, blockID := range candidates {
		block, err := f.client.FetchBlock(ctx, boeID, blockID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		f.logger.Debug("Article block resolved", "boe_id", boeID, "article", number, "block_id", blockID)
		return f.toArticle(block, boeID, number), nil
	}

	return nil, nil
}

// fetchViaIndex scans the norm's index for a block whose title names
// the article, trying the full number first and the base number as a
// fallback for subpoints.
func (f *ArticleFetcher) fetchViaIndex(ctx context.Context, boeID, number string) (*ArticleText, error) {
	blocks, err := f.client.FetchIndex(ctx, boeID)
	if err != nil {
		return nil, err
	}

	base, _, _ := strings.Cut(number, ".")

	var patterns []*regexp.Regexp
	if strings.Contains(number, ".") {
		patterns = append(patterns,
			regexp.MustCompile(fmt.Sprintf(indexArticleFull, regexp.QuoteMeta(number))),
			regexp.MustCompile(fmt.Sprintf(indexArticleWord, regexp.QuoteMeta(number))),
		)
	}
	patterns = append(patterns,
		regexp.MustCompile(fmt.Sprintf(indexArticleFull, regexp.QuoteMeta(base))),
		regexp.MustCompile(fmt.Sprintf(indexArticleWord, regexp.QuoteMeta(base))),
	)

	for _, block := range blocks {
		for _, pattern := range patterns {
			if !pattern.MatchString(block.Title) {
				continue
			}
			text, err := f.client.FetchBlock(ctx, boeID, block.ID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				continue
			}
			return f.toArticle(text, boeID, number), nil
		}
	}

	return nil, nil
}

func (f *ArticleFetcher) toArticle(block *BlockText, boeID, number string) *ArticleText {
	return &ArticleText{
		Number: number,
		Title:  block.Title,
		HTML:   block.HTML,
		BOEID:  boeID,
		URL:    f.client.PublicURL(boeID, number),
	}
}

// NormalizeArticleNumber strips "Art." style prefixes and keeps the
// numeric part, subpoints included ("Artículo 117.3" becomes "117.3").
func NormalizeArticleNumber(number string) string {
	cleaned := articlePrefix.ReplaceAllString(strings.TrimSpace(strings.ToLower(number)), "")
	cleaned = strings.TrimSpace(cleaned)

	if m := leadingNumber.FindString(cleaned); m != "" {
		return m
	}
	return cleaned
}

var (
	spanishUnits = []string{"", "uno", "dos", "tres", "cuatro", "cinco", "seis", "siete", "ocho", "nueve"}
	spanishTeens = []string{"diez", "once", "doce", "trece", "catorce", "quince", "dieciséis",
		"diecisiete", "dieciocho", "diecinueve"}
	spanishTens = []string{"", "", "veint", "treinta", "cuarenta", "cincuenta",
		"sesenta", "setenta", "ochenta", "noventa"}
	spanishHundreds = []string{"", "ciento", "doscientos", "trescientos", "cuatrocientos", "quinientos",
		"seiscientos", "setecientos", "ochocientos", "novecientos"}

	spanishOrdinals = []string{"", "primero", "segundo", "tercero", "cuarto", "quinto",
		"sexto", "septimo", "octavo", "noveno"}
)

// NumberToSpanishBlockID builds the LOPJ-style block identifier for an
// article number: the number spelled out in Spanish with an "a" prefix.
// Articles 1 through 9 use ordinals ("aprimero"), the rest cardinals
// ("acuatrocientoscincuentayseis").
func NumberToSpanishBlockID(number int) string {
	if number == 0 {
		return "acero"
	}
	if number < 10 {
		return "a" + spanishOrdinals[number]
	}

	var sb strings.Builder

	if h := number / 100; h > 0 {
		if number == 100 {
			sb.WriteString("cien")
		} else {
			sb.WriteString(spanishHundreds[h])
		}
	}

	rest := number % 100
	switch {
	case rest >= 10 && rest < 20:
		sb.WriteString(spanishTeens[rest-10])
	case rest >= 20 && rest < 30:
		if rest == 20 {
			sb.WriteString("veinte")
		} else {
			sb.WriteString("veinti")
			sb.WriteString(spanishUnits[rest%10])
		}
	case rest >= 30:
		sb.WriteString(spanishTens[rest/10])
		if u := rest % 10; u > 0 {
			sb.WriteString("y")
			sb.WriteString(spanishUnits[u])
		}
	case rest > 0:
		sb.WriteString(spanishUnits[rest])
	}

	return "a" + sb.String()
}
