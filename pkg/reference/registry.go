package reference

import (
	"regexp"
	"strings"
)

// spanishSiglas maps common Spanish statute abbreviations to canonical names.
var spanishSiglas = map[string]string{
	// Códigos
	"CP":   "Código Penal",
	"CC":   "Código Civil",
	"CCom": "Código de Comercio",

	// Leyes procesales
	"LECrim": "Ley de Enjuiciamiento Criminal",
	"LEC":    "Ley de Enjuiciamiento Civil",
	"LJCA":   "Ley de la Jurisdicción Contencioso-Administrativa",

	// Leyes orgánicas
	"LOPJ":  "Ley Orgánica del Poder Judicial",
	"LORPM": "Ley Orgánica de Responsabilidad Penal del Menor",
	"LOFCA": "Ley Orgánica de Financiación de las Comunidades Autónomas",
	"LOTC":  "Ley Orgánica del Tribunal Constitucional",

	// Constitución
	"CE": "Constitución Española",

	// Leyes administrativas
	"LPAC":  "Ley del Procedimiento Administrativo Común de las Administraciones Públicas",
	"LRJSP": "Ley de Régimen Jurídico del Sector Público",
	"LAP":   "Ley de Administración Pública",
	"LBRL":  "Ley de Bases del Régimen Local",

	// Leyes laborales
	"ET":    "Estatuto de los Trabajadores",
	"LISOS": "Ley de Infracciones y Sanciones en el Orden Social",
	"LOLS":  "Ley Orgánica de Libertad Sindical",
	"LGSS":  "Ley General de la Seguridad Social",

	// Otras
	"TRLSC": "Texto Refundido de la Ley de Sociedades de Capital",
	"LGT":   "Ley General Tributaria",
	"LCSP":  "Ley de Contratos del Sector Público",
}

// europeanSiglas maps EU instrument abbreviations to their official short
// designation.
var europeanSiglas = map[string]string{
	// Protección de datos
	"RGPD": "Reglamento (UE) 2016/679",
	"GDPR": "Reglamento (UE) 2016/679",

	// Derecho internacional privado
	"Roma I":          "Reglamento (CE) No 593/2008",
	"Roma II":         "Reglamento (CE) No 864/2007",
	"Roma III":        "Reglamento (UE) No 1259/2010",
	"Bruselas I":      "Reglamento (CE) No 44/2001",
	"Bruselas I bis":  "Reglamento (UE) No 1215/2012",
	"Bruselas II bis": "Reglamento (CE) No 2201/2003",

	// Identificación electrónica
	"eIDAS": "Reglamento (UE) No 910/2014",

	// Servicios digitales
	"DSA": "Reglamento (UE) 2022/2065",
	"DMA": "Reglamento (UE) 2022/1925",

	// Inteligencia artificial
	"AI Act": "Reglamento (UE) 2024/1689",
	"IA Act": "Reglamento (UE) 2024/1689",

	// Directivas sectoriales
	"Directiva PIF": "Directiva (UE) 2017/1371",
	"Directiva PNR": "Directiva (UE) 2016/681",
	"PSD2":          "Directiva (UE) 2015/2366",

	// Competencia
	"Reglamento de Concentraciones": "Reglamento (CE) No 139/2004",

	// Fiscalía Europea
	"Fiscalía Europea": "Reglamento (UE) 2017/1939",
	"EPPO":             "Reglamento (UE) 2017/1939",
}

// knownCELEX maps EU abbreviations to CELEX identifiers.
var knownCELEX = map[string]string{
	"RGPD":                          "32016R0679",
	"GDPR":                          "32016R0679",
	"Roma I":                        "32008R0593",
	"Roma II":                       "32007R0864",
	"Roma III":                      "32010R1259",
	"Bruselas I":                    "32001R0044",
	"Bruselas I bis":                "32012R1215",
	"Bruselas II bis":               "32003R2201",
	"eIDAS":                         "32014R0910",
	"DSA":                           "32022R2065",
	"DMA":                           "32022R1925",
	"AI Act":                        "32024R1689",
	"IA Act":                        "32024R1689",
	"Directiva PIF":                 "32017L1371",
	"Directiva PNR":                 "32016L0681",
	"PSD2":                          "32015L2366",
	"Reglamento de Concentraciones": "32004R0139",
	"Fiscalía Europea":              "32017R1939",
	"EPPO":                          "32017R1939",
}

// knownBOEIDs maps Spanish siglas to their consolidated BOE identifier.
var knownBOEIDs = map[string]string{
	"CP":     "BOE-A-1995-25444",
	"CC":     "BOE-A-1889-4763",
	"LECrim": "BOE-A-1882-6036",
	"LEC":    "BOE-A-2000-323",
	"LOPJ":   "BOE-A-1985-12666",
	"CE":     "BOE-A-1978-31229",
	"LPAC":   "BOE-A-2015-10565",
	"LRJSP":  "BOE-A-2015-10566",
	"ET":     "BOE-A-2015-11430",
}

// contextualPhrases are self-references that only make sense inside the norm
// that uses them; they need resolution against the surrounding document.
var contextualPhrases = []string{
	"la presente ley",
	"esta ley",
	"dicha ley",
	"la citada ley",
	"el presente código",
	"este código",
	"la presente norma",
	"el presente reglamento",
	"esta norma",
	"el presente real decreto",
	"la presente ley orgánica",
}

// europeanPatterns mark a reference as EU legislation by phrasing alone.
var europeanPatterns = []string{
	"reglamento (ue)",
	"reglamento (ce)",
	"reglamento ue",
	"reglamento ce",
	"directiva (ue)",
	"directiva (ce)",
	"directiva ue",
	"directiva ce",
	"decisión (ue)",
	"decisión (ce)",
}

// Registry answers sigla, BOE-ID and CELEX lookups. The zero value uses the
// built-in tables; an overlay of custom siglas can be installed on top.
type Registry struct {
	overlay *Overlay
}

// NewRegistry returns a registry backed by the built-in tables.
func NewRegistry() *Registry {
	return &Registry{}
}

// Expansion describes what the registry knows about a law name.
type Expansion struct {
	Original string
	Expanded string
	IsSigla  bool
	European bool
	BOEID    string
	CELEX    string
}

// ExpandSigla returns the canonical name for a Spanish sigla, or the input
// unchanged when unknown.
func (r *Registry) ExpandSigla(sigla string) string {
	if r.overlay != nil {
		if name, ok := r.overlay.lookup(sigla); ok {
			return name
		}
	}
	if name, ok := spanishSiglas[sigla]; ok {
		return name
	}
	return sigla
}

// IsKnownSigla reports whether the text is a known Spanish sigla.
func (r *Registry) IsKnownSigla(text string) bool {
	if r.overlay != nil {
		if _, ok := r.overlay.lookup(text); ok {
			return true
		}
	}
	_, ok := spanishSiglas[text]
	return ok
}

// IsEuropeanSigla reports whether the text is a known EU sigla.
func (r *Registry) IsEuropeanSigla(text string) bool {
	_, ok := europeanSiglas[text]
	return ok
}

// ExpandEuropeanSigla returns the instrument designation for an EU sigla, or
// the input unchanged when unknown.
func (r *Registry) ExpandEuropeanSigla(sigla string) string {
	if name, ok := europeanSiglas[sigla]; ok {
		return name
	}
	return sigla
}

// LookupBOEID returns the BOE identifier for a Spanish sigla.
func (r *Registry) LookupBOEID(sigla string) (string, bool) {
	id, ok := knownBOEIDs[sigla]
	return id, ok
}

// LookupCELEX returns the CELEX identifier for an EU sigla.
func (r *Registry) LookupCELEX(sigla string) (string, bool) {
	celex, ok := knownCELEX[sigla]
	return celex, ok
}

// IsContextual reports whether the text is a self-reference like
// "la presente ley" that needs resolution from context.
func (r *Registry) IsContextual(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, phrase := range contextualPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// IsEuropean reports whether the text refers to EU legislation, either by
// phrasing (Reglamento (UE), Directiva (CE), ...) or by a known EU sigla as
// a whole word.
func (r *Registry) IsEuropean(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range europeanPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for sigla := range europeanSiglas {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(sigla) + `\b`)
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Process returns everything the registry knows about a law name, trying EU
// siglas first, then Spanish ones, then EU phrasing.
func (r *Registry) Process(name string) Expansion {
	if r.IsEuropeanSigla(name) {
		celex, _ := r.LookupCELEX(name)
		return Expansion{
			Original: name,
			Expanded: r.ExpandEuropeanSigla(name),
			IsSigla:  true,
			European: true,
			CELEX:    celex,
		}
	}

	if r.IsKnownSigla(name) {
		boeID, _ := r.LookupBOEID(name)
		return Expansion{
			Original: name,
			Expanded: r.ExpandSigla(name),
			IsSigla:  true,
			BOEID:    boeID,
		}
	}

	return Expansion{
		Original: name,
		Expanded: name,
		European: r.IsEuropean(name),
	}
}

// SpanishSiglas returns a copy of the Spanish sigla table, overlay included.
// Agents inject it into prompts as a hint table.
func (r *Registry) SpanishSiglas() map[string]string {
	out := make(map[string]string, len(spanishSiglas))
	for k, v := range spanishSiglas {
		out[k] = v
	}
	if r.overlay != nil {
		r.overlay.each(func(k, v string) {
			out[k] = v
		})
	}
	return out
}
