package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

const (
	contextWindow     = 1500
	contextBatchSize  = 10
	documentHeadChars = 5000
)

// ContextResolver upgrades references extracted with confidence below
// 100 by re-reading the document around each one. A second pass assigns
// the document's principal law to references that still lack one.
type ContextResolver struct {
	client   *llm.Client
	registry *reference.Registry
	logger   *slog.Logger
}

// ContextResolution summarizes a resolver run.
type ContextResolution struct {
	References        []reference.Reference `json:"referencias_resueltas"`
	Resolved          int                   `json:"resueltas"`
	Unresolved        int                   `json:"no_resueltas"`
	LLMCalls          int                   `json:"llamadas_ia"`
	AvgConfidenceFrom float64               `json:"confianza_promedio_antes"`
	AvgConfidenceTo   float64               `json:"confianza_promedio_despues"`
}

// NewContextResolver creates the resolver at its balanced temperature.
func NewContextResolver(provider llm.Provider, registry *reference.Registry) *ContextResolver {
	return &ContextResolver{
		client:   llm.NewClient(provider, "ContextResolver", 0.2),
		registry: registry,
		logger:   slog.Default().With("agent", "ContextResolver"),
	}
}

// Metrics returns the accumulated LLM usage of this agent.
func (r *ContextResolver) Metrics() llm.Metrics {
	return r.client.Metrics()
}

// Resolve processes all references with confidence below 100 in
// batches, locating each one in the original text and asking the model
// which law it belongs to. References it cannot improve are returned
// unchanged.
func (r *ContextResolver) Resolve(ctx context.Context, refs []reference.Reference, originalText string) (*ContextResolution, error) {
	if len(refs) == 0 {
		return &ContextResolution{}, nil
	}

	var complete, incomplete []reference.Reference
	for _, ref := range refs {
		if ref.Confidence < 100 {
			incomplete = append(incomplete, ref)
		} else {
			complete = append(complete, ref)
		}
	}

	if len(incomplete) == 0 {
		return &ContextResolution{
			References:        refs,
			AvgConfidenceFrom: 100,
			AvgConfidenceTo:   100,
		}, nil
	}

	result := &ContextResolution{AvgConfidenceFrom: avgConfidence(incomplete)}

	improved := make([]reference.Reference, 0, len(incomplete))
	for start := 0; start < len(incomplete); start += contextBatchSize {
		end := min(start+contextBatchSize, len(incomplete))
		batch := incomplete[start:end]

		resolved, called, err := r.resolveBatch(ctx, batch, originalText)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("Context batch failed, keeping originals", "error", err)
			improved = append(improved, batch...)
			continue
		}
		if called {
			result.LLMCalls++
		}
		improved = append(improved, resolved...)
	}

	// Second pass: the document's principal law covers references that
	// still have no law of their own, and near-certain references get
	// promoted.
	var stillIncomplete bool
	for _, ref := range improved {
		if ref.Confidence < 100 {
			stillIncomplete = true
			break
		}
	}

	if stillIncomplete {
		principal := r.detectPrincipalLaw(ctx, originalText)
		if principal != "" {
			result.LLMCalls++
		}
		for i := range improved {
			if improved[i].Confidence >= 100 {
				continue
			}
			switch {
			case principal != "" && improved[i].Law == "":
				improved[i].Law = principal
				improved[i].Confidence = 100
				improved[i].ContextResolved = true
			case improved[i].Confidence >= 95:
				improved[i].Confidence = 100
			}
		}
	}

	for _, ref := range improved {
		if ref.Confidence == 100 {
			result.Resolved++
		} else {
			result.Unresolved++
		}
	}

	result.AvgConfidenceTo = avgConfidence(improved)
	result.References = append(complete, improved...)

	r.logger.Info("Context resolution completed",
		"resolved", result.Resolved, "unresolved", result.Unresolved, "llm_calls", result.LLMCalls)
	return result, nil
}

type contextEntry struct {
	ref     reference.Reference
	index   int
	excerpt string
}

func (r *ContextResolver) resolveBatch(ctx context.Context, batch []reference.Reference, originalText string) ([]reference.Reference, bool, error) {
	var entries []contextEntry
	for i, ref := range batch {
		pos := locate(ref.FullText, originalText)
		if pos < 0 {
			continue
		}
		entries = append(entries, contextEntry{
			ref:     ref,
			index:   i,
			excerpt: excerpt(originalText, pos, contextWindow),
		})
	}

	if len(entries) == 0 {
		return batch, false, nil
	}

	raw, err := r.client.Generate(ctx, r.systemInstruction(), buildContextPrompt(entries))
	if err != nil {
		return nil, true, err
	}

	var envelope struct {
		Resolutions []struct {
			Index      int    `json:"index"`
			Law        string `json:"ley_identificada"`
			Confidence int    `json:"confianza"`
			Reasoning  string `json:"razonamiento"`
		} `json:"resoluciones"`
	}
	if err := llm.DecodeJSON(raw, &envelope); err != nil {
		r.logger.Warn("Context resolution response was not valid JSON", "error", err)
		return batch, true, nil
	}

	out := append([]reference.Reference(nil), batch...)
	for _, res := range envelope.Resolutions {
		if res.Law == "" {
			continue
		}
		// Index in the answer is 1-based over the entries we sent.
		n := res.Index - 1
		if n < 0 || n >= len(entries) {
			continue
		}
		target := entries[n].index

		out[target].Law = res.Law
		conf := res.Confidence
		if conf == 0 {
			conf = 90
		}
		// Resolution can only raise confidence; a less sure model answer
		// never downgrades the extractor's own estimate.
		if conf > out[target].Confidence {
			out[target].Confidence = conf
		}
		out[target].ContextResolved = true
		if out[target].Article != "" && !strings.Contains(strings.ToLower(out[target].FullText), strings.ToLower(res.Law)) {
			out[target].FullText = fmt.Sprintf("Artículo %s de la %s", out[target].Article, res.Law)
		}
		out[target].ClampConfidence()
	}

	return out, true, nil
}

func (r *ContextResolver) systemInstruction() string {
	siglas := r.registry.SpanishSiglas()
	keys := make([]string, 0, len(siglas))
	for sigla := range siglas {
		keys = append(keys, sigla)
	}
	sort.Strings(keys)

	var table strings.Builder
	for _, sigla := range keys {
		fmt.Fprintf(&table, "- %s = %s\n", sigla, siglas[sigla])
	}

	return fmt.Sprintf(`Eres un experto en legislación española especializado en análisis contextual de documentos legales.

Tu tarea es identificar a qué LEY pertenece cada artículo basándote en el contexto proporcionado.

REGLAS CRÍTICAS PARA CONFIANZA 100%%:
- Si el documento CLARAMENTE trata sobre una ley específica, todos los artículos sin ley explícita pertenecen a esa ley → confianza 100
- Si ves menciones repetidas de una ley en el contexto amplio → confianza 100
- Si el contexto dice "artículo X de la [LEY]" → confianza 100
- Si el contexto menciona siglas (LJV, CE, LEC, LOPJ, CP, LECrim, etc.) de forma consistente → confianza 100

REFERENCIAS CONTEXTUALES QUE DEBES RESOLVER:
- "la presente ley" / "esta ley" / "dicha ley" → Identifica la ley principal del documento o del contexto cercano
- "el presente código" / "este código" → Identifica el código (CP, CC, etc.)
- "la citada ley" / "la mencionada ley" → Busca la ley mencionada anteriormente en el contexto

SOLO asigna confianza < 100 si hay AMBIGÜEDAD real entre múltiples leyes o el contexto es insuficiente.

MAPEO COMPLETO DE SIGLAS LEGALES:
%s
NOMBRES COMPLETOS: Siempre devuelve nombres completos de leyes, no siglas.

Devuelve SOLO JSON, sin texto adicional.`, table.String())
}

func buildContextPrompt(entries []contextEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Identifica a qué LEY pertenece cada artículo basándote en el contexto proporcionado.\n\nREFERENCIAS A RESOLVER (%d total):\n", len(entries))

	for i, entry := range entries {
		fmt.Fprintf(&sb, `
Referencia %d:
- Texto original: %q
- Artículo: %s
- Ley actual: %s
- Confianza actual: %d%%

CONTEXTO (fragmento donde aparece):
%s

---
`, i+1, entry.ref.FullText, orUnknown(entry.ref.Article), orUnknown(entry.ref.Law), entry.ref.Confidence, entry.excerpt)
	}

	sb.WriteString(`
FORMATO DE SALIDA (JSON):
` + "```json" + `
{
  "resoluciones": [
    {"index": 1, "ley_identificada": "Ley 15/2015", "confianza": 100, "razonamiento": "..."}
  ]
}
` + "```" + `

Responde SOLO con el JSON, sin texto adicional.`)

	return sb.String()
}

// detectPrincipalLaw asks the model which law dominates the opening of
// the document. Answers below confidence 80 are discarded.
func (r *ContextResolver) detectPrincipalLaw(ctx context.Context, originalText string) string {
	head := originalText
	if len(head) > documentHeadChars {
		head = head[:documentHeadChars]
	}

	prompt := fmt.Sprintf(`Analiza este fragmento del inicio de un documento legal y determina cuál es la LEY PRINCIPAL que se está tratando.

CONTEXTO DEL DOCUMENTO:
%s

INSTRUCCIONES:
- Identifica la ley que se menciona MÁS FRECUENTEMENTE
- Busca títulos, encabezados o secciones que indiquen el tema principal

FORMATO DE SALIDA (JSON):
`+"```json"+`
{"ley_principal": "Ley 15/2015", "confianza": 95, "razonamiento": "..."}
`+"```"+`

Si NO hay una ley principal clara, devuelve {"ley_principal": null, "confianza": 0, "razonamiento": "..."}.

Responde SOLO con JSON.`, head)

	raw, err := r.client.Generate(ctx,
		"Experto en identificar la ley principal de documentos legales españoles.", prompt)
	if err != nil {
		r.logger.Debug("Principal law detection failed", "error", err)
		return ""
	}

	var answer struct {
		Law        string `json:"ley_principal"`
		Confidence int    `json:"confianza"`
	}
	if err := llm.DecodeJSON(raw, &answer); err != nil {
		return ""
	}
	if answer.Law == "" || answer.Confidence < 80 {
		return ""
	}

	r.logger.Info("Principal law detected", "law", answer.Law, "confidence", answer.Confidence)
	return answer.Law
}

// locate finds a reference's position in the source text: exact match
// first, then a flexible pattern tolerating missing dots and collapsed
// whitespace.
func locate(needle, text string) int {
	if needle == "" {
		return -1
	}

	if pattern, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(needle)); err == nil {
		if loc := pattern.FindStringIndex(text); loc != nil {
			return loc[0]
		}
	}

	flexible := regexp.QuoteMeta(needle)
	flexible = strings.ReplaceAll(flexible, `\.`, `\.?`)
	flexible = strings.ReplaceAll(flexible, ` `, `\s+`)
	if pattern, err := regexp.Compile(`(?i)` + flexible); err == nil {
		if loc := pattern.FindStringIndex(text); loc != nil {
			return loc[0]
		}
	}

	return -1
}

// excerpt cuts a window of text around pos with ellipsis markers.
func excerpt(text string, pos, window int) string {
	start := max(0, pos-window)
	end := min(len(text), pos+window)

	chunk := text[start:end]
	if start > 0 {
		chunk = "..." + chunk
	}
	if end < len(text) {
		chunk += "..."
	}
	return chunk
}

func avgConfidence(refs []reference.Reference) float64 {
	if len(refs) == 0 {
		return 0
	}
	total := 0
	for _, ref := range refs {
		total += ref.Confidence
	}
	return float64(total) / float64(len(refs))
}

func orUnknown(s string) string {
	if s == "" {
		return "DESCONOCIDA"
	}
	return s
}
