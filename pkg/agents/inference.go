package agents

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

const (
	maxConcepts        = 10
	conceptTextChars   = 4000
	conceptContextLen  = 2000
	minMappingConf     = 70
	minArticleValidity = 0.5
)

// IndexFetcher provides the real article index of a norm. Inferred
// article ranges are checked against it so the agent cannot invent
// articles that do not exist.
type IndexFetcher interface {
	Index(ctx context.Context, boeID string) (*boe.Index, error)
}

// InferenceAgent finds legislation that regulates concepts mentioned in
// the text without an explicit citation ("homicidio" implies Código
// Penal arts. 138-143). Its output is experimental by nature and every
// produced reference is marked as inferred.
type InferenceAgent struct {
	client  *llm.Client
	indexes IndexFetcher
	logger  *slog.Logger
}

// NewInferenceAgent creates the agent. indexes may be nil, which
// disables article validation against the BOE.
func NewInferenceAgent(provider llm.Provider, indexes IndexFetcher) *InferenceAgent {
	return &InferenceAgent{
		client:  llm.NewClient(provider, "InferenceAgent", 0.3),
		indexes: indexes,
		logger:  slog.Default().With("agent", "InferenceAgent"),
	}
}

// Metrics returns the accumulated LLM usage of this agent.
func (a *InferenceAgent) Metrics() llm.Metrics {
	return a.client.Metrics()
}

// Infer runs the three inference stages: concept detection, mapping
// each concept to a law with an article range, and validation of that
// range against the norm's real index. References already extracted are
// used to drop inferences that add nothing new.
func (a *InferenceAgent) Infer(ctx context.Context, text string, existing []reference.Reference) ([]reference.Reference, error) {
	concepts, err := a.detectConcepts(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, nil
	}

	a.logger.Info("Legal concepts detected", "count", len(concepts))

	var inferred []reference.Reference
	for _, concept := range concepts {
		mapped := a.mapConcept(ctx, concept, text)
		if mapped == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		validated := a.validateArticles(ctx, mapped)
		if validated == nil {
			continue
		}
		inferred = append(inferred, *validated)
	}

	unique := dedupeInferred(inferred, existing)
	a.logger.Info("Inference completed", "inferred", len(unique))
	return unique, nil
}

// detectConcepts asks for legal concepts without explicit citations,
// one per line, capped at maxConcepts.
func (a *InferenceAgent) detectConcepts(ctx context.Context, text string) ([]string, error) {
	head := text
	if len(head) > conceptTextChars {
		head = head[:conceptTextChars]
	}

	prompt := `Analiza el siguiente texto de un temario de oposiciones.

TAREA: Identifica CONCEPTOS LEGALES mencionados que NO tengan una referencia legal explícita.

Ejemplos de conceptos legales:
- homicidio, asesinato
- aborto
- lesiones, lesiones al feto
- delitos contra la libertad sexual
- procedimiento administrativo
- recurso contencioso-administrativo

IMPORTANTE:
- Solo detecta conceptos que claramente se refieran a materias reguladas por leyes españolas
- NO incluyas conceptos que ya tengan una referencia legal explícita (ej: "art. 138 CP")
- Usa terminología jurídica precisa

TEXTO:
` + head + `

Responde SOLO con una lista de conceptos, uno por línea, sin numeración ni explicaciones.
Si no hay conceptos relevantes, responde: NINGUNO`

	raw, err := a.client.Generate(ctx, "", prompt)
	if err != nil {
		return nil, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "NINGUNO") {
		return nil, nil
	}

	var concepts []string
	for _, line := range strings.Split(raw, "\n") {
		concept := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "-•*"))
		if concept == "" || strings.HasPrefix(concept, "#") {
			continue
		}
		concepts = append(concepts, concept)
		if len(concepts) == maxConcepts {
			break
		}
	}
	return concepts, nil
}

// mapConcept maps one concept to a law and an article range. Mappings
// below confidence 70 or with unusable ranges are discarded.
func (a *InferenceAgent) mapConcept(ctx context.Context, concept, text string) *reference.Reference {
	contextHead := text
	if len(contextHead) > conceptContextLen {
		contextHead = contextHead[:conceptContextLen]
	}

	prompt := `Eres un experto en legislación española.

CONCEPTO DETECTADO: ` + concept + `

CONTEXTO DEL TEXTO:
` + contextHead + `

TAREA: Identifica la ley española que regula este concepto y sugiere los artículos relevantes.

LEYES PRINCIPALES (con BOE-ID):
- Código Penal: BOE-A-1995-25444
- Constitución Española: BOE-A-1978-31229
- Ley 39/2015 (Procedimiento Administrativo): BOE-A-2015-10565
- Ley 40/2015 (Régimen Jurídico Sector Público): BOE-A-2015-10566
- LOPJ (Ley Orgánica del Poder Judicial): BOE-A-1985-12666
- LECrim (Ley de Enjuiciamiento Criminal): BOE-A-1882-6036
- LEC (Ley de Enjuiciamiento Civil): BOE-A-2000-323
- Estatuto de los Trabajadores: BOE-A-2015-11430

Responde EN FORMATO JSON:
{
    "ley": "Nombre completo de la ley",
    "boe_id": "BOE-A-XXXX-XXXXX",
    "articulos_inicio": "número del primer artículo relevante",
    "articulos_fin": "número del último artículo relevante",
    "confianza": 0-100
}

IMPORTANTE:
- Solo sugiere leyes si estás MUY SEGURO (confianza >= 70)
- Los artículos deben ser rangos reales de la legislación española
- Si no estás seguro, responde: {"confianza": 0}`

	raw, err := a.client.GenerateWithTemperature(ctx, "", prompt, 0.2)
	if err != nil {
		a.logger.Debug("Concept mapping failed", "concept", concept, "error", err)
		return nil
	}

	var answer struct {
		Law        string `json:"ley"`
		BOEID      string `json:"boe_id"`
		FirstArt   string `json:"articulos_inicio"`
		LastArt    string `json:"articulos_fin"`
		Confidence int    `json:"confianza"`
	}
	if err := llm.DecodeJSON(raw, &answer); err != nil {
		a.logger.Debug("Concept mapping response was not valid JSON", "concept", concept)
		return nil
	}

	if answer.Confidence < minMappingConf || answer.Law == "" || answer.BOEID == "" {
		return nil
	}

	first, err1 := strconv.Atoi(strings.TrimSpace(answer.FirstArt))
	last, err2 := strconv.Atoi(strings.TrimSpace(answer.LastArt))
	if err1 != nil || err2 != nil || first <= 0 || last < first {
		a.logger.Debug("Invalid article range for concept", "concept", concept)
		return nil
	}

	articles := make([]string, 0, last-first+1)
	for n := first; n <= last; n++ {
		articles = append(articles, strconv.Itoa(n))
	}

	return &reference.Reference{
		FullText:   concept + " (" + answer.Law + ")",
		Kind:       reference.KindInferida,
		Law:        answer.Law,
		BOEID:      answer.BOEID,
		Articles:   articles,
		Concept:    concept,
		Confidence: answer.Confidence,
		FoundBy:    "InferenceAgent",
	}
}

// validateArticles keeps only the suggested articles that exist in the
// norm's real index, and rejects the whole inference when fewer than
// half survive.
func (a *InferenceAgent) validateArticles(ctx context.Context, ref *reference.Reference) *reference.Reference {
	if a.indexes == nil {
		return ref
	}

	idx, err := a.indexes.Index(ctx, ref.BOEID)
	if err != nil {
		a.logger.Debug("Index unavailable for inferred reference", "boe_id", ref.BOEID, "error", err)
		return nil
	}

	real := make(map[string]bool, len(idx.Articles))
	for _, article := range idx.Articles {
		real[article.Number] = true
	}

	var valid []string
	for _, number := range ref.Articles {
		if real[number] {
			valid = append(valid, number)
		}
	}

	if len(valid) == 0 {
		return nil
	}
	if float64(len(valid)) < float64(len(ref.Articles))*minArticleValidity {
		a.logger.Debug("Too few suggested articles exist",
			"boe_id", ref.BOEID, "valid", len(valid), "suggested", len(ref.Articles))
		return nil
	}

	ref.Articles = valid
	return ref
}

// dedupeInferred drops inferences whose articles mostly overlap with
// references already found, and trims the survivors to their genuinely
// new articles.
func dedupeInferred(inferred, existing []reference.Reference) []reference.Reference {
	known := make(map[string]bool)
	for _, ref := range existing {
		for _, article := range ref.Articles {
			known[ref.BOEID+"#"+article] = true
		}
		if ref.Article != "" {
			known[ref.BOEID+"#"+ref.Article] = true
		}
	}

	var unique []reference.Reference
	for _, ref := range inferred {
		var fresh []string
		for _, article := range ref.Articles {
			if !known[ref.BOEID+"#"+article] {
				fresh = append(fresh, article)
			}
		}
		if float64(len(fresh)) >= float64(len(ref.Articles))*0.5 {
			ref.Articles = fresh
			unique = append(unique, ref)
		}
	}
	return unique
}
