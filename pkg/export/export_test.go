package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/pipeline"
	"github.com/oposify/legisref/pkg/reference"
)

type fakeTitles struct {
	title string
	calls int
}

func (f *fakeTitles) FetchTitle(ctx context.Context, boeID string) (string, error) {
	f.calls++
	return f.title, nil
}

type fakeArticles struct {
	text *boe.ArticleText
	err  error
}

func (f *fakeArticles) Fetch(ctx context.Context, boeID, articleNumber string) (*boe.ArticleText, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.text, nil
}

func sampleReport() *pipeline.Report {
	return &pipeline.Report{
		Topic: "Tema 7: Procedimiento Administrativo",
		References: []reference.Reference{
			{
				FullText:   "Ley 39/2015, de 1 de octubre",
				Kind:       reference.KindLey,
				Law:        "Ley 39/2015",
				Article:    "24",
				Confidence: 95,
				Validated:  true,
				BOEID:      "BOE-A-2015-10565",
			},
			{
				FullText:   "Reglamento (UE) 2016/679",
				Kind:       reference.KindEuropea,
				Law:        "Reglamento (UE) 2016/679",
				Confidence: 90,
				European:   true,
				CELEX:      "32016R0679",
				EURLexURL:  "https://eur-lex.europa.eu/legal-content/ES/TXT/?uri=CELEX:32016R0679",
			},
			{
				FullText:   "la normativa aplicable",
				Kind:       reference.KindLey,
				Confidence: 60,
			},
		},
		Inferred: []reference.Reference{
			{
				Law:        "Ley 40/2015",
				Kind:       reference.KindInferida,
				Concept:    "régimen jurídico del sector público",
				Confidence: 72,
				Articles:   []string{"1", "2", "3"},
				BOEID:      "BOE-A-2015-10566",
			},
		},
		Rounds:         3,
		Converged:      true,
		ValidationRate: 0.85,
		Score:          8.4,
		ElapsedSec:     42.5,
	}
}

func newTestExporter(t *testing.T) (*Exporter, string) {
	t.Helper()
	dir := t.TempDir()
	e := NewExporter(dir, reference.NewRegistry(), nil, nil)
	e.now = func() time.Time {
		return time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	}
	return e, dir
}

func TestExportAllWritesEveryFormat(t *testing.T) {
	e, dir := newTestExporter(t)

	files, err := e.ExportAll(context.Background(), sampleReport(), nil)
	require.NoError(t, err)
	require.Len(t, files, 4)

	for _, format := range DefaultFormats {
		path, ok := files[format]
		require.True(t, ok, "missing format %s", format)
		assert.Equal(t, dir, filepath.Dir(path))
		_, err := os.Stat(path)
		assert.NoError(t, err, "file for %s", format)
	}
}

func TestExportAllUnknownFormat(t *testing.T) {
	e, _ := newTestExporter(t)

	_, err := e.ExportAll(context.Background(), sampleReport(), []string{"pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestExportableFilter(t *testing.T) {
	kept := exportable(sampleReport().References)
	require.Len(t, kept, 2)
	assert.Equal(t, "Ley 39/2015, de 1 de octubre", kept[0].FullText)
	assert.Equal(t, "Reglamento (UE) 2016/679", kept[1].FullText)
}

func TestMarkdownLayout(t *testing.T) {
	e, _ := newTestExporter(t)

	files, err := e.ExportAll(context.Background(), sampleReport(), []string{FormatMarkdown})
	require.NoError(t, err)

	raw, err := os.ReadFile(files[FormatMarkdown])
	require.NoError(t, err)
	md := string(raw)

	assert.Contains(t, md, "# REFERENCIAS LEGALES EXTRAÍDAS")
	assert.Contains(t, md, "**Tema:** Tema 7: Procedimiento Administrativo")
	assert.Contains(t, md, "**Fecha:** 24/08/2026 10:30")
	assert.Contains(t, md, "**Total referencias verificadas:** 2")
	assert.Contains(t, md, "## SECCIÓN 1: REFERENCIAS VERIFICADAS")
	assert.Contains(t, md, "### 1. Ley 39/2015, de 1 de octubre")
	assert.Contains(t, md, "**BOE-ID:** BOE-A-2015-10565")
	assert.Contains(t, md, "[https://www.boe.es/buscar/act.php?id=BOE-A-2015-10565]")
	assert.Contains(t, md, "**CELEX:** 32016R0679")
	assert.Contains(t, md, "## SECCIÓN 2: POSIBLES NORMAS INFERIDAS (BETA)")
	assert.Contains(t, md, "### BETA-1. Ley 40/2015")
	assert.Contains(t, md, "**Concepto detectado:** régimen jurídico del sector público")
	assert.Contains(t, md, "**Confianza IA:** 72%")
	assert.Contains(t, md, "**Artículos sugeridos:** 1, 2, 3")
	assert.NotContains(t, md, "la normativa aplicable")
}

func TestTextLayout(t *testing.T) {
	e, _ := newTestExporter(t)

	files, err := e.ExportAll(context.Background(), sampleReport(), []string{FormatText})
	require.NoError(t, err)

	raw, err := os.ReadFile(files[FormatText])
	require.NoError(t, err)
	txt := string(raw)

	assert.Contains(t, txt, "REFERENCIAS LEGALES EXTRAÍDAS")
	assert.Contains(t, txt, "Tema: Tema 7: Procedimiento Administrativo")
	assert.Contains(t, txt, "Fecha: 24/08/2026 10:30")
	assert.Contains(t, txt, "SECCIÓN 1: REFERENCIAS VERIFICADAS")
	assert.Contains(t, txt, "1. Ley 39/2015, de 1 de octubre")
	assert.Contains(t, txt, "BOE-ID: BOE-A-2015-10565")
	assert.Contains(t, txt, "CELEX: 32016R0679")
	assert.Contains(t, txt, "SECCIÓN 2: POSIBLES NORMAS INFERIDAS (BETA)")
	assert.Contains(t, txt, "BETA-1. Ley 40/2015")
}

func TestXLSXSheets(t *testing.T) {
	e, _ := newTestExporter(t)

	files, err := e.ExportAll(context.Background(), sampleReport(), []string{FormatXLSX})
	require.NoError(t, err)

	f, err := excelize.OpenFile(files[FormatXLSX])
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Referencias", "Métricas"}, f.GetSheetList())

	rows, err := f.GetRows("Referencias")
	require.NoError(t, err)
	// Header, two verified, one inferred.
	require.Len(t, rows, 4)
	assert.Equal(t, "Texto", rows[0][0])
	assert.Equal(t, "Ley 39/2015, de 1 de octubre", rows[1][0])
	assert.Equal(t, "BOE-A-2015-10565", rows[1][6])
	assert.Equal(t, "32016R0679", rows[2][8])
	assert.Equal(t, "Ley 40/2015", rows[3][2])

	metrics, err := f.GetRows("Métricas")
	require.NoError(t, err)
	assert.Equal(t, "Tema", metrics[0][0])
	assert.Equal(t, "Rondas de convergencia", metrics[3][0])
	assert.Equal(t, "3", metrics[3][1])
}

func TestJSONDumpsFullReport(t *testing.T) {
	e, _ := newTestExporter(t)

	files, err := e.ExportAll(context.Background(), sampleReport(), []string{FormatJSON})
	require.NoError(t, err)

	raw, err := os.ReadFile(files[FormatJSON])
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Tema 7: Procedimiento Administrativo", decoded["tema"])
	assert.InDelta(t, 3.0, decoded["rondas_convergencia"], 0.001)
}

func TestEnrichFetchesTitleAndArticle(t *testing.T) {
	dir := t.TempDir()
	titles := &fakeTitles{title: "Ley 39/2015, del Procedimiento Administrativo Común"}
	articles := &fakeArticles{text: &boe.ArticleText{
		Title: "Artículo 24. Silencio administrativo",
		HTML:  "<p>En los procedimientos iniciados a solicitud del interesado.</p>",
	}}
	e := NewExporter(dir, reference.NewRegistry(), titles, articles)

	refs := e.enrich(context.Background(), []reference.Reference{{
		FullText: "Ley 39/2015",
		Law:      "Ley 39/2015",
		Article:  "24",
		BOEID:    "BOE-A-2015-10565",
	}})
	require.Len(t, refs, 1)
	assert.Equal(t, 1, titles.calls)
	assert.Equal(t, "Ley 39/2015, del Procedimiento Administrativo Común", refs[0].LawTitle)
	assert.Equal(t, "Artículo 24. Silencio administrativo", refs[0].ArticleTitle)
	assert.Contains(t, refs[0].ArticleText, "solicitud del interesado")
	assert.NotContains(t, refs[0].ArticleText, "<p>")
}

func TestEnrichExpandsSiglaWithoutFetch(t *testing.T) {
	titles := &fakeTitles{title: "no debería usarse"}
	e := NewExporter(t.TempDir(), reference.NewRegistry(), titles, nil)

	refs := e.enrich(context.Background(), []reference.Reference{{
		FullText: "art. 24 CE",
		Law:      "CE",
		BOEID:    "BOE-A-1978-31229",
	}})
	require.Len(t, refs, 1)
	assert.Equal(t, "Constitución Española", refs[0].LawTitle)
	assert.Equal(t, 0, titles.calls)
}

func TestEnrichExpandsEuropeanSigla(t *testing.T) {
	e := NewExporter(t.TempDir(), reference.NewRegistry(), nil, nil)

	refs := e.enrich(context.Background(), []reference.Reference{{
		FullText: "art. 17 RGPD",
		Law:      "RGPD",
		CELEX:    "32016R0679",
		European: true,
	}})
	require.Len(t, refs, 1)
	assert.Equal(t, "Reglamento (UE) 2016/679", refs[0].LawTitle)
}

func TestEnrichSurvivesArticleFailure(t *testing.T) {
	articles := &fakeArticles{err: boe.ErrArticleNotFound}
	e := NewExporter(t.TempDir(), reference.NewRegistry(), nil, articles)

	refs := e.enrich(context.Background(), []reference.Reference{{
		FullText: "Ley 39/2015",
		Article:  "999",
		BOEID:    "BOE-A-2015-10565",
	}})
	require.Len(t, refs, 1)
	assert.Empty(t, refs[0].ArticleText)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Tema_7_Procedimiento_Administrativo",
		sanitizeName("Tema 7: Procedimiento Administrativo"))
	assert.Equal(t, "referencias", sanitizeName("¿?"))
	assert.Len(t, sanitizeName("abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabc"), 50)
}

func TestArticleListCapped(t *testing.T) {
	many := make([]string, 25)
	for i := range many {
		many[i] = "x"
	}
	capped := articleList(many, 20)
	assert.Contains(t, capped, "...")

	few := articleList([]string{"1", "2"}, 20)
	assert.Equal(t, "1, 2", few)
}
