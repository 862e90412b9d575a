// Package export writes the verified references of a pipeline run to
// Markdown, plain text, XLSX and JSON files. Only references anchored
// to an official registry (a BOE identifier or an EUR-Lex document)
// are exported; the rest stay in the report but out of the study
// material.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/document"
	"github.com/oposify/legisref/pkg/pipeline"
	"github.com/oposify/legisref/pkg/reference"
)

// Formats supported by the exporter.
const (
	FormatMarkdown = "md"
	FormatText     = "txt"
	FormatXLSX     = "xlsx"
	FormatJSON     = "json"
)

// DefaultFormats are used when no format list is given.
var DefaultFormats = []string{FormatMarkdown, FormatText, FormatXLSX, FormatJSON}

// TitleFetcher resolves the full official title of a norm.
type TitleFetcher interface {
	FetchTitle(ctx context.Context, boeID string) (string, error)
}

// ArticleFetcher downloads the official text of an article.
type ArticleFetcher interface {
	Fetch(ctx context.Context, boeID, articleNumber string) (*boe.ArticleText, error)
}

// Exporter writes run results under a directory. titles and articles
// may be nil to skip BOE enrichment.
type Exporter struct {
	dir      string
	registry *reference.Registry
	titles   TitleFetcher
	articles ArticleFetcher
	logger   *slog.Logger

	// now is a test seam for the date header.
	now func() time.Time
}

// NewExporter creates an exporter writing into dir.
func NewExporter(dir string, registry *reference.Registry, titles TitleFetcher, articles ArticleFetcher) *Exporter {
	return &Exporter{
		dir:      dir,
		registry: registry,
		titles:   titles,
		articles: articles,
		logger:   slog.Default().With("component", "export"),
		now:      time.Now,
	}
}

// enriched is a reference decorated with official BOE texts for the
// export documents.
type enriched struct {
	reference.Reference
	LawTitle     string
	ArticleTitle string
	ArticleText  string
}

// ExportAll writes the report in every requested format and returns
// the generated file paths keyed by format.
func (e *Exporter) ExportAll(ctx context.Context, report *pipeline.Report, formats []string) (map[string]string, error) {
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	e.logger.Info("Exporting results", "topic", report.Topic, "formats", formats)

	verified := e.enrich(ctx, exportable(report.References))
	inferred := e.enrich(ctx, exportable(report.Inferred))
	base := sanitizeName(report.Topic)

	files := make(map[string]string)
	for _, format := range formats {
		var (
			path string
			err  error
		)
		switch format {
		case FormatMarkdown:
			path, err = e.writeMarkdown(verified, inferred, base, report.Topic)
		case FormatText:
			path, err = e.writeText(verified, inferred, base, report.Topic)
		case FormatXLSX:
			path, err = e.writeXLSX(verified, inferred, base, report)
		case FormatJSON:
			path, err = e.writeJSON(report, base)
		default:
			return nil, fmt.Errorf("unsupported export format %q", format)
		}
		if err != nil {
			return nil, fmt.Errorf("exporting %s: %w", format, err)
		}
		files[format] = path
		e.logger.Info("Export written", "format", format, "file", filepath.Base(path))
	}
	return files, nil
}

// exportable keeps references anchored to an official registry.
func exportable(refs []reference.Reference) []reference.Reference {
	kept := make([]reference.Reference, 0, len(refs))
	for _, ref := range refs {
		if ref.BOEID != "" || ref.CELEX != "" || ref.European {
			kept = append(kept, ref)
		}
	}
	return kept
}

func (e *Exporter) enrich(ctx context.Context, refs []reference.Reference) []enriched {
	result := make([]enriched, 0, len(refs))
	for _, ref := range refs {
		item := enriched{Reference: ref}

		if e.registry != nil && ref.Law != "" {
			if exp := e.registry.Process(ref.Law); exp.IsSigla {
				item.LawTitle = exp.Expanded
			}
		}

		if ref.BOEID != "" {
			if e.titles != nil && item.LawTitle == "" {
				if title, err := e.titles.FetchTitle(ctx, ref.BOEID); err == nil {
					item.LawTitle = title
				}
			}
			if article := firstArticle(ref); article != "" && e.articles != nil {
				text, err := e.articles.Fetch(ctx, ref.BOEID, article)
				if err != nil {
					e.logger.Debug("Article text unavailable",
						"boe_id", ref.BOEID, "article", article, "error", err)
				} else if text != nil {
					item.ArticleTitle = text.Title
					item.ArticleText = document.StripHTML(text.HTML)
				}
			}
		}

		if item.LawTitle == "" && ref.FullTitle != "" {
			item.LawTitle = ref.FullTitle
		}

		result = append(result, item)
	}
	return result
}

// firstArticle picks the article to print: the cited one, or the
// first suggested one for inferred references.
func firstArticle(ref reference.Reference) string {
	if ref.Article != "" {
		return ref.Article
	}
	if len(ref.Articles) > 0 {
		return ref.Articles[0]
	}
	return ""
}

func (e *Exporter) writeMarkdown(verified, inferred []enriched, base, topic string) (string, error) {
	var sb strings.Builder

	sb.WriteString("# REFERENCIAS LEGALES EXTRAÍDAS\n\n")
	fmt.Fprintf(&sb, "**Tema:** %s\n", topic)
	fmt.Fprintf(&sb, "**Fecha:** %s\n", e.now().Format("02/01/2006 15:04"))
	fmt.Fprintf(&sb, "**Total referencias verificadas:** %d\n", len(verified))
	if len(inferred) > 0 {
		fmt.Fprintf(&sb, "**Total referencias inferidas (BETA):** %d\n", len(inferred))
	}
	sb.WriteString("\n---\n\n")

	sb.WriteString("## SECCIÓN 1: REFERENCIAS VERIFICADAS\n\n")
	sb.WriteString("Estas referencias han sido extraídas directamente del texto y validadas contra el BOE oficial.\n\n")

	for i, ref := range verified {
		fmt.Fprintf(&sb, "### %d. %s\n\n", i+1, ref.FullText)
		if ref.LawTitle != "" {
			fmt.Fprintf(&sb, "**%s**\n\n", ref.LawTitle)
		}
		if ref.BOEID != "" {
			fmt.Fprintf(&sb, "**BOE-ID:** %s\n", ref.BOEID)
			url := boeURL(ref.Reference)
			fmt.Fprintf(&sb, "**BOE URL:** [%s](%s)\n\n", url, url)
		}
		if ref.CELEX != "" {
			fmt.Fprintf(&sb, "**CELEX:** %s\n", ref.CELEX)
			if ref.EURLexURL != "" {
				fmt.Fprintf(&sb, "**EUR-Lex:** [%s](%s)\n", ref.EURLexURL, ref.EURLexURL)
			}
			sb.WriteString("\n")
		}
		if ref.ArticleText != "" {
			sb.WriteString("#### Texto del Artículo\n\n")
			if ref.ArticleTitle != "" {
				fmt.Fprintf(&sb, "**%s**\n\n", ref.ArticleTitle)
			}
			sb.WriteString(ref.ArticleText)
			sb.WriteString("\n\n")
		}
		sb.WriteString("---\n\n")
	}

	if len(inferred) > 0 {
		sb.WriteString("## SECCIÓN 2: POSIBLES NORMAS INFERIDAS (BETA)\n\n")
		sb.WriteString("**IMPORTANTE:** Estas referencias han sido sugeridas por IA basándose en conceptos legales detectados en el texto.\n\n")
		sb.WriteString("**No fueron mencionadas explícitamente** en el material de estudio, pero pueden ser relevantes para el tema.\n\n")
		sb.WriteString("**Recomendación:** Verifica estas referencias con tu material de estudio antes de incluirlas.\n\n---\n\n")

		for i, ref := range inferred {
			fmt.Fprintf(&sb, "### BETA-%d. %s\n\n", i+1, ref.Law)
			fmt.Fprintf(&sb, "**Concepto detectado:** %s\n", ref.Concept)
			fmt.Fprintf(&sb, "**Confianza IA:** %d%%\n", ref.Confidence)
			fmt.Fprintf(&sb, "**Artículos sugeridos:** %s\n\n", articleList(ref.Articles, 20))
			if ref.BOEID != "" {
				fmt.Fprintf(&sb, "**BOE-ID:** %s\n", ref.BOEID)
				url := "https://www.boe.es/buscar/act.php?id=" + ref.BOEID
				fmt.Fprintf(&sb, "**BOE URL:** [%s](%s)\n\n", url, url)
			}
			if ref.ArticleText != "" {
				sb.WriteString("#### Texto del Primer Artículo (Ejemplo)\n\n")
				sb.WriteString(clip(ref.ArticleText, 500))
				sb.WriteString("\n\n")
			}
			sb.WriteString("---\n\n")
		}
	}

	path := filepath.Join(e.dir, base+".md")
	return path, os.WriteFile(path, []byte(sb.String()), 0o644)
}

func (e *Exporter) writeText(verified, inferred []enriched, base, topic string) (string, error) {
	var sb strings.Builder
	rule := strings.Repeat("=", 80)
	sep := strings.Repeat("-", 80)

	sb.WriteString(rule + "\nREFERENCIAS LEGALES EXTRAÍDAS\n" + rule + "\n\n")
	fmt.Fprintf(&sb, "Tema: %s\n", topic)
	fmt.Fprintf(&sb, "Fecha: %s\n", e.now().Format("02/01/2006 15:04"))
	fmt.Fprintf(&sb, "Total referencias verificadas: %d\n", len(verified))
	if len(inferred) > 0 {
		fmt.Fprintf(&sb, "Total referencias inferidas (BETA): %d\n", len(inferred))
	}
	sb.WriteString("\n" + rule + "\n\nSECCIÓN 1: REFERENCIAS VERIFICADAS\n\n")

	for i, ref := range verified {
		fmt.Fprintf(&sb, "%s\n%d. %s\n%s\n\n", sep, i+1, ref.FullText, sep)
		if ref.LawTitle != "" {
			fmt.Fprintf(&sb, "LEY: %s\n\n", ref.LawTitle)
		}
		if ref.BOEID != "" {
			fmt.Fprintf(&sb, "BOE-ID: %s\nBOE URL: %s\n\n", ref.BOEID, boeURL(ref.Reference))
		}
		if ref.CELEX != "" {
			fmt.Fprintf(&sb, "CELEX: %s\n", ref.CELEX)
			if ref.EURLexURL != "" {
				fmt.Fprintf(&sb, "EUR-Lex URL: %s\n", ref.EURLexURL)
			}
			sb.WriteString("\n")
		}
		if ref.ArticleText != "" {
			sb.WriteString("TEXTO DEL ARTÍCULO:\n\n")
			if ref.ArticleTitle != "" {
				sb.WriteString(ref.ArticleTitle + "\n\n")
			}
			sb.WriteString(ref.ArticleText + "\n\n")
		}
	}

	if len(inferred) > 0 {
		sb.WriteString("\n" + rule + "\nSECCIÓN 2: POSIBLES NORMAS INFERIDAS (BETA)\n" + rule + "\n\n")
		sb.WriteString("IMPORTANTE: Estas referencias han sido sugeridas por IA basándose en\nconceptos legales detectados en el texto.\n\n")
		sb.WriteString("RECOMENDACIÓN: Verifica estas referencias con tu material de estudio\nantes de incluirlas.\n\n")

		for i, ref := range inferred {
			fmt.Fprintf(&sb, "%s\nBETA-%d. %s\n%s\n\n", sep, i+1, ref.Law, sep)
			fmt.Fprintf(&sb, "Concepto detectado: %s\n", ref.Concept)
			fmt.Fprintf(&sb, "Confianza IA: %d%%\n", ref.Confidence)
			fmt.Fprintf(&sb, "Artículos sugeridos: %s\n\n", articleList(ref.Articles, 20))
			if ref.BOEID != "" {
				fmt.Fprintf(&sb, "BOE-ID: %s\nBOE URL: https://www.boe.es/buscar/act.php?id=%s\n\n", ref.BOEID, ref.BOEID)
			}
		}
	}

	sb.WriteString(rule + "\n")

	path := filepath.Join(e.dir, base+".txt")
	return path, os.WriteFile(path, []byte(sb.String()), 0o644)
}

func (e *Exporter) writeXLSX(verified, inferred []enriched, base string, report *pipeline.Report) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	const refSheet = "Referencias"
	f.SetSheetName("Sheet1", refSheet)

	headers := []string{"Texto", "Tipo", "Ley", "Artículo", "Confianza", "Validada", "BOE-ID", "URL", "CELEX"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(refSheet, cell, header)
	}

	row := 2
	writeRow := func(ref enriched, validated bool) {
		values := []any{
			ref.FullText, string(ref.Kind), ref.BestLaw(), ref.Article,
			ref.Confidence, validated, ref.BOEID, refURL(ref), ref.CELEX,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(refSheet, cell, value)
		}
		row++
	}
	for _, ref := range verified {
		writeRow(ref, ref.Validated)
	}
	for _, ref := range inferred {
		writeRow(ref, false)
	}

	const metricSheet = "Métricas"
	f.NewSheet(metricSheet)
	metrics := [][2]any{
		{"Tema", report.Topic},
		{"Referencias verificadas", len(verified)},
		{"Referencias inferidas", len(inferred)},
		{"Rondas de convergencia", report.Rounds},
		{"Convergencia alcanzada", report.Converged},
		{"Tasa de validación", report.ValidationRate},
		{"Calificación global", report.Score},
		{"Tiempo total (s)", report.ElapsedSec},
	}
	for i, metric := range metrics {
		keyCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valCell, _ := excelize.CoordinatesToCellName(2, i+1)
		f.SetCellValue(metricSheet, keyCell, metric[0])
		f.SetCellValue(metricSheet, valCell, metric[1])
	}

	path := filepath.Join(e.dir, base+".xlsx")
	return path, f.SaveAs(path)
}

func (e *Exporter) writeJSON(report *pipeline.Report, base string) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.dir, base+".json")
	return path, os.WriteFile(path, data, 0o644)
}

func boeURL(ref reference.Reference) string {
	if ref.BOEURL != "" {
		return ref.BOEURL
	}
	return "https://www.boe.es/buscar/act.php?id=" + ref.BOEID
}

func refURL(ref enriched) string {
	if ref.BOEID != "" {
		return boeURL(ref.Reference)
	}
	return ref.EURLexURL
}

func articleList(articles []string, limit int) string {
	if len(articles) <= limit {
		return strings.Join(articles, ", ")
	}
	return strings.Join(articles[:limit], ", ") + "..."
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && text[limit]&0xC0 == 0x80 {
		limit--
	}
	return text[:limit] + "..."
}

// sanitizeName turns a topic name into a safe file stem.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	var sb strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	sanitized := sb.String()
	if sanitized == "" {
		sanitized = "referencias"
	}
	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	return sanitized
}
