// Package reference defines the legal reference model and the registry of
// known Spanish and EU statute abbreviations.
package reference

// Kind classifies a reference as the extractors reported it.
type Kind string

const (
	KindLey         Kind = "ley"
	KindArticulo    Kind = "articulo"
	KindRealDecreto Kind = "real_decreto"
	KindSigla       Kind = "sigla"
	KindEuropea     Kind = "normativa_europea"
	KindInferida    Kind = "inferida"
)

// LawKind is the normalized facet of the underlying norm.
type LawKind string

const (
	LawOrganica               LawKind = "organica"
	LawOrdinaria              LawKind = "ordinaria"
	LawRealDecreto            LawKind = "real_decreto"
	LawRealDecretoLegislativo LawKind = "real_decreto_legislativo"
	LawEuropea                LawKind = "europea"
	LawOtra                   LawKind = "otra"
)

// Category distinguishes statutes from lower-rank instruments.
type Category string

const (
	CategoryNormativa   Category = "normativa"
	CategoryDisposicion Category = "disposicion"
	CategoryOtra        Category = "otra"
)

// Reference is a legal citation moving through the pipeline. Extraction
// fills the raw fields; later stages add normalization, validation and
// enrichment results.
type Reference struct {
	// Raw extraction output.
	FullText   string `json:"texto_completo"`
	Kind       Kind   `json:"tipo"`
	Law        string `json:"ley,omitempty"`
	Article    string `json:"articulo,omitempty"`
	Context    string `json:"contexto,omitempty"`
	Confidence int    `json:"confianza"`

	// Normalization results.
	NormalizedLaw string   `json:"ley_normalizada,omitempty"`
	FullTitle     string   `json:"ley_titulo_completo,omitempty"`
	LawKind       LawKind  `json:"tipo_ley,omitempty"`
	Category      Category `json:"categoria,omitempty"`
	European      bool     `json:"europea,omitempty"`

	// Validation and enrichment results.
	Validated        bool   `json:"validada"`
	BOEID            string `json:"boe_id,omitempty"`
	BOEURL           string `json:"boe_url,omitempty"`
	CELEX            string `json:"celex,omitempty"`
	EURLexURL        string `json:"eurlex_url,omitempty"`
	ValidationReason string `json:"motivo_validacion,omitempty"`

	// Inference agent output (Kind == KindInferida).
	Concept  string   `json:"concepto_detectado,omitempty"`
	Articles []string `json:"articulos,omitempty"`

	// Provenance.
	FoundBy string `json:"encontrado_por,omitempty"`
	Round   int    `json:"ronda,omitempty"`

	// Resolution flags.
	ContextResolved bool `json:"contexto_resuelto,omitempty"`
	TitleResolved   bool `json:"titulo_resuelto,omitempty"`
	TitleConfidence int  `json:"confianza_titulo,omitempty"`
}

// ClampConfidence keeps confidence in the 0-100 range.
func (r *Reference) ClampConfidence() {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 100 {
		r.Confidence = 100
	}
}

// BestLaw returns the most authoritative law name available.
func (r *Reference) BestLaw() string {
	if r.NormalizedLaw != "" {
		return r.NormalizedLaw
	}
	return r.Law
}
