package boe

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Known identifiers for the laws that show up constantly in Spanish
// legal texts. Hitting these maps avoids an API round trip and works
// when the search endpoint is down.
var knownByName = map[string]string{
	"constitución española": "BOE-A-1978-31229",
	"constitución":          "BOE-A-1978-31229",
	"ce":                    "BOE-A-1978-31229",

	"código civil": "BOE-A-1889-4763",
	"cc":           "BOE-A-1889-4763",

	"código de comercio": "BOE-A-1885-6627",
	"ccom":               "BOE-A-1885-6627",
	"cco":                "BOE-A-1885-6627",

	"lec":                                 "BOE-A-2000-323",
	"ley de enjuiciamiento civil":         "BOE-A-2000-323",
	"ley de enjuiciamiento civil de 1881": "BOE-A-1881-813",
	"ley 1/2000":                          "BOE-A-2000-323",

	"ljv":                     "BOE-A-2015-7391",
	"ley 15/2015":             "BOE-A-2015-7391",
	"jurisdicción voluntaria": "BOE-A-2015-7391",

	"lopj":                            "BOE-A-1985-12666",
	"ley orgánica del poder judicial": "BOE-A-1985-12666",
	"ley orgánica 6/1985":             "BOE-A-1985-12666",

	"lpac":        "BOE-A-2015-10565",
	"lrjsp":       "BOE-A-2015-10566",
	"ley 39/2015": "BOE-A-2015-10565",
	"ley 40/2015": "BOE-A-2015-10566",

	"ljca":        "BOE-A-1998-16718",
	"ley 29/1998": "BOE-A-1998-16718",

	"ley orgánica 1/1996": "BOE-A-1996-1069",
}

var knownByNumber = map[[2]string]string{
	{"Ley", "39/2015"}: "BOE-A-2015-10565",
	{"Ley", "40/2015"}: "BOE-A-2015-10566",
	{"Ley", "30/1992"}: "BOE-A-1992-26318",

	{"Ley", "1/2000"}:  "BOE-A-2000-323",
	{"Ley", "29/1998"}: "BOE-A-1998-16718",
	{"Ley", "15/2015"}: "BOE-A-2015-7391",

	{"Ley", "6/1997"}:  "BOE-A-1997-8392",
	{"Ley", "50/1997"}: "BOE-A-1997-25336",

	{"Ley", "47/2003"}: "BOE-A-2003-21614",
	{"Ley", "58/2003"}: "BOE-A-2003-23186",

	{"Ley", "7/2007"}: "BOE-A-2007-7788",

	{"Real Decreto Legislativo", "2/2015"}: "BOE-A-2015-11430",
	{"Ley", "31/1995"}:                     "BOE-A-1995-24292",

	{"Ley Orgánica", "6/1985"}: "BOE-A-1985-12666",
	{"Ley Orgánica", "2/1979"}: "BOE-A-1979-23709",
	{"Ley Orgánica", "1/1996"}: "BOE-A-1996-1069",

	{"Ley", "9/2017"}: "BOE-A-2017-12902",
	{"Ley", "7/1985"}: "BOE-A-1985-5392",

	{"Real Decreto", "203/2021"}: "BOE-A-2021-5032",
}

var (
	lawNumberPattern = regexp.MustCompile(`(?i)(Ley\s+Orgánica|Real\s+Decreto\s+Legislativo|Real\s+Decreto|Ley|RD)\s+(\d+)/(\d{4})`)
	yearPattern      = regexp.MustCompile(`/(\d{4})`)
	spacePattern     = regexp.MustCompile(`\s+`)
	numberPrefix     = regexp.MustCompile(`(?i)n[ºo]\s*|núm\.\s*`)
)

// Searcher resolves law references to BOE identifiers using a cascade:
// known-name map, full-title extraction, API search with the reference
// year, then a backwards year scan.
type Searcher struct {
	client *Client
	logger *slog.Logger
}

// NewSearcher creates a searcher over the given client.
func NewSearcher(client *Client) *Searcher {
	return &Searcher{
		client: client,
		logger: slog.Default().With("component", "boe.searcher"),
	}
}

// FindLaw resolves a reference such as "Ley 39/2015" or "LPAC" to a BOE
// identifier. year and fullTitle are optional refinements. Returns an
// empty string when nothing matches.
func (s *Searcher) FindLaw(ctx context.Context, reference, year, fullTitle string) (string, error) {
	ref := normalizeReference(reference)

	if id := lookupKnownName(ref); id != "" {
		s.logger.Debug("BOE-ID resolved from known names", "reference", reference, "boe_id", id)
		return id, nil
	}

	if fullTitle != "" {
		if id, err := s.findByFullTitle(ctx, fullTitle); err == nil && id != "" {
			return id, nil
		}
	}

	normType, number, refYear := extractTypeNumber(ref)
	if normType == "" {
		return "", nil
	}
	if refYear == "" {
		refYear = year
	}

	if refYear != "" {
		id, err := s.resolve(ctx, normType, number, refYear)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	// Year scan over the last 30 years as a last resort. Stops on the
	// first norm whose official number matches.
	if refYear == "" {
		currentYear := time.Now().Year()
		for y := currentYear; y > currentYear-30; y-- {
			id, err := s.resolve(ctx, normType, number, fmt.Sprintf("%d", y))
			if err != nil {
				if ctx.Err() != nil {
					return "", err
				}
				continue
			}
			if id != "" {
				return id, nil
			}
		}
	}

	return "", nil
}

// findByFullTitle extracts the norm type and number from an official
// full title such as "Ley 13/2009, de 3 de noviembre, ...".
func (s *Searcher) findByFullTitle(ctx context.Context, fullTitle string) (string, error) {
	lower := strings.ToLower(fullTitle)
	switch {
	case strings.Contains(lower, "constitución"):
		return "BOE-A-1978-31229", nil
	case strings.Contains(lower, "código civil"):
		return "BOE-A-1889-4763", nil
	case strings.Contains(lower, "código penal"):
		return "BOE-A-1995-25444", nil
	}

	normType, number, year := extractTypeNumber(fullTitle)
	if normType == "" || year == "" {
		return "", nil
	}
	return s.resolve(ctx, normType, number, year)
}

// resolve tries the known-number map first and falls back to the API.
func (s *Searcher) resolve(ctx context.Context, normType, number, year string) (string, error) {
	official := number + "/" + year

	if id, ok := knownByNumber[[2]string{normType, official}]; ok {
		exists, err := s.client.Verify(ctx, id)
		if err != nil {
			s.logger.Debug("BOE-ID verification failed, trying API search", "boe_id", id, "error", err)
		} else if exists {
			return id, nil
		}
	}

	results, err := s.client.Search(ctx, official)
	if err != nil {
		return "", err
	}

	return pickResult(results, normType), nil
}

// pickResult returns the first search result whose title matches the
// requested norm type. Search by official number alone can return both
// a Ley and a Real Decreto with the same number.
func pickResult(results []SearchResult, normType string) string {
	typeNorm := strings.ToLower(normType)

	for _, result := range results {
		if result.Title == "" {
			return result.ID
		}
		title := strings.ToLower(result.Title)

		switch typeNorm {
		case "ley", "ley orgánica":
			if strings.Contains(title, "ley") {
				return result.ID
			}
		case "real decreto", "real decreto legislativo", "rd", "rdl":
			if strings.Contains(title, "real decreto") {
				return result.ID
			}
		default:
			return result.ID
		}
	}
	return ""
}

func normalizeReference(reference string) string {
	ref := spacePattern.ReplaceAllString(strings.TrimSpace(reference), " ")
	return numberPrefix.ReplaceAllString(ref, "")
}

func lookupKnownName(reference string) string {
	return knownByName[strings.ToLower(strings.TrimSpace(reference))]
}

// extractTypeNumber splits "Ley Orgánica 6/1985" into its norm type,
// number and year. "RD" normalizes to "Real Decreto". The norm type is
// returned in title form to match the known-number map keys.
func extractTypeNumber(reference string) (normType, number, year string) {
	m := lawNumberPattern.FindStringSubmatch(reference)
	if m == nil {
		return "", "", ""
	}

	normType = canonicalNormType(m[1])
	return normType, m[2], m[3]
}

func canonicalNormType(raw string) string {
	collapsed := spacePattern.ReplaceAllString(strings.TrimSpace(raw), " ")
	switch strings.ToLower(collapsed) {
	case "rd", "real decreto":
		return "Real Decreto"
	case "real decreto legislativo", "rdl":
		return "Real Decreto Legislativo"
	case "ley orgánica":
		return "Ley Orgánica"
	default:
		return "Ley"
	}
}
