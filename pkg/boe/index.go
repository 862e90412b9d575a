package boe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Block is one entry of the flat block list the BOE index endpoint
// returns: a book, title, chapter, section, article or disposition.
type Block struct {
	ID      string `json:"id"`
	Title   string `json:"titulo"`
	Updated string `json:"fecha_actualizacion,omitempty"`
}

// BlockKind classifies a block by its identifier.
type BlockKind string

const (
	BlockArticle BlockKind = "articulo"
	BlockTitle   BlockKind = "titulo"
	BlockBook    BlockKind = "libro"
	BlockChapter BlockKind = "capitulo"
	BlockSection BlockKind = "seccion"
	BlockOther   BlockKind = "otro"
)

var (
	articleIDPattern = regexp.MustCompile(`^a\d+`)
	titleIDPattern   = regexp.MustCompile(`^t[ivxlcdm]+$`)
	bookIDPattern    = regexp.MustCompile(`^l[ivxlcdm]+$`)
	chapterIDPattern = regexp.MustCompile(`^c[ivxlcdm]+$`)
	sectionIDPattern = regexp.MustCompile(`^s[ivxlcdm]+$`)

	articleNumberPattern = regexp.MustCompile(`[Aa]rt[íi]culo\s+(\d+(?:\.\d+)?)`)
	articleIDNumber      = regexp.MustCompile(`a(\d+)`)
)

// Kind returns the structural kind of the block. BOE identifiers follow
// fixed prefixes: "a138" is an article, "ti"/"tpreliminar" a title,
// "li" a book, "ci" a chapter, "si" a section.
func (b Block) Kind() BlockKind {
	id := strings.ToLower(b.ID)

	switch {
	case articleIDPattern.MatchString(id):
		return BlockArticle
	case id == "tpreliminar" || titleIDPattern.MatchString(id):
		return BlockTitle
	case bookIDPattern.MatchString(id):
		return BlockBook
	case chapterIDPattern.MatchString(id):
		return BlockChapter
	case sectionIDPattern.MatchString(id):
		return BlockSection
	default:
		return BlockOther
	}
}

// Article is one article entry of an index.
type Article struct {
	Number      string `json:"numero"`
	Name        string `json:"nombre"`
	BlockID     string `json:"id"`
	ParentTitle string `json:"titulo_padre,omitempty"`
}

// TitleSection groups the articles under one structural title.
type TitleSection struct {
	BlockID  string    `json:"id"`
	Name     string    `json:"nombre"`
	Articles []Article `json:"articulos"`
}

// Index is the reconstructed structure of a norm: its titles with their
// articles, plus a flat article list for fast lookups.
type Index struct {
	BOEID    string         `json:"boe_id"`
	LawName  string         `json:"ley"`
	Titles   []TitleSection `json:"titulos"`
	Articles []Article      `json:"articulos"`
}

// ConceptMatch is the result of searching an index for a concept.
type ConceptMatch struct {
	Concept    string   `json:"concepto"`
	FoundIn    string   `json:"titulo_encontrado"`
	Articles   []string `json:"articulos"`
	MatchKind  string   `json:"match_tipo"`
	Confidence int      `json:"confianza"`
}

// Index fetches and reconstructs the structure of a norm. The API only
// exposes a flat block list, so the title hierarchy is rebuilt by
// tracking the current title while walking the blocks in order.
func (c *Client) Index(ctx context.Context, boeID string) (*Index, error) {
	blocks, err := c.FetchIndex(ctx, boeID)
	if err != nil {
		return nil, err
	}

	lawName, err := c.FetchTitle(ctx, boeID)
	if err != nil {
		c.logger.Debug("Norm title unavailable, using identifier", "boe_id", boeID, "error", err)
		lawName = "Ley " + boeID
	}

	idx := BuildIndex(boeID, lawName, blocks)
	if len(idx.Articles) == 0 {
		return nil, fmt.Errorf("no articles in index of %s", boeID)
	}
	return idx, nil
}

// BuildIndex reconstructs the title hierarchy from a flat block list.
func BuildIndex(boeID, lawName string, blocks []Block) *Index {
	idx := &Index{BOEID: boeID, LawName: lawName}

	var current *TitleSection
	var orphans []Article

	flush := func() {
		if current != nil && len(current.Articles) > 0 {
			idx.Titles = append(idx.Titles, *current)
		}
	}

	for _, block := range blocks {
		switch block.Kind() {
		case BlockTitle:
			flush()
			current = &TitleSection{BlockID: block.ID, Name: block.Title}

		case BlockArticle:
			number := extractArticleNumber(block.Title, block.ID)
			if number == "" {
				continue
			}
			article := Article{Number: number, Name: block.Title, BlockID: block.ID}
			if current != nil {
				article.ParentTitle = current.Name
				current.Articles = append(current.Articles, article)
			} else {
				orphans = append(orphans, article)
			}
		}
	}
	flush()

	// Norms without structural titles get a single synthetic section.
	if len(idx.Titles) == 0 && len(orphans) > 0 {
		idx.Titles = append(idx.Titles, TitleSection{BlockID: "raiz", Name: "Artículos", Articles: orphans})
	} else if len(orphans) > 0 {
		idx.Titles = append([]TitleSection{{BlockID: "raiz", Name: "Artículos", Articles: orphans}}, idx.Titles...)
	}

	for _, title := range idx.Titles {
		for _, article := range title.Articles {
			article.ParentTitle = title.Name
			idx.Articles = append(idx.Articles, article)
		}
	}

	return idx
}

// extractArticleNumber pulls the article number out of a block title
// such as "Artículo 139. Asesinato", falling back to the block ID.
func extractArticleNumber(name, blockID string) string {
	if m := articleNumberPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := articleIDNumber.FindStringSubmatch(blockID); m != nil {
		return m[1]
	}
	return ""
}

// HasArticle reports whether the index contains the exact article
// number or its base number without subpoints.
func (idx *Index) HasArticle(number string) bool {
	base, _, _ := strings.Cut(number, ".")
	for _, article := range idx.Articles {
		if article.Number == number || article.Number == base {
			return true
		}
	}
	return false
}

// SearchConcept looks for articles related to a concept. Matches in
// structural title names are more reliable than matches in individual
// article names and carry higher confidence.
func (idx *Index) SearchConcept(concept string) *ConceptMatch {
	needle := strings.ToLower(strings.TrimSpace(concept))
	if needle == "" {
		return nil
	}

	for _, title := range idx.Titles {
		if strings.Contains(strings.ToLower(title.Name), needle) {
			numbers := make([]string, 0, len(title.Articles))
			for _, article := range title.Articles {
				numbers = append(numbers, article.Number)
			}
			return &ConceptMatch{
				Concept:    concept,
				FoundIn:    title.Name,
				Articles:   numbers,
				MatchKind:  "titulo",
				Confidence: 90,
			}
		}
	}

	var numbers []string
	for _, article := range idx.Articles {
		if strings.Contains(strings.ToLower(article.Name), needle) {
			numbers = append(numbers, article.Number)
		}
	}
	if len(numbers) > 0 {
		return &ConceptMatch{
			Concept:    concept,
			FoundIn:    fmt.Sprintf("Artículos relacionados con %q", concept),
			Articles:   numbers,
			MatchKind:  "articulo",
			Confidence: 70,
		}
	}

	return nil
}
