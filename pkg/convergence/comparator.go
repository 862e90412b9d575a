package convergence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oposify/legisref/pkg/reference"
)

// Comparison is the consensus analysis of the references each agent
// produced during a run.
type Comparison struct {
	TotalAgents       int                `json:"total_agentes"`
	TotalConsensus    int                `json:"consenso_total"`
	PartialConsensus  int                `json:"consenso_parcial"`
	UniqueByAgent     map[string]int     `json:"unicas_por_agente"`
	ReferencesByAgent map[string]int     `json:"referencias_por_agente"`
	AgreementPct      float64            `json:"acuerdo_promedio"`
	TotalUnique       int                `json:"total_referencias_unicas"`
	ConsensusCoverage map[string]float64 `json:"cobertura_consenso"`

	consensusKeys []string
}

// Compare analyzes how much the agents agree. Total consensus means
// every agent found the reference, partial means at least two did.
func Compare(byAgent map[string][]reference.Reference) *Comparison {
	normalized := make(map[string]map[string]bool, len(byAgent))
	for agent, refs := range byAgent {
		keys := make(map[string]bool, len(refs))
		for _, ref := range refs {
			keys[comparisonKey(ref)] = true
		}
		normalized[agent] = keys
	}

	counts := make(map[string]int)
	for _, keys := range normalized {
		for key := range keys {
			counts[key]++
		}
	}

	comparison := &Comparison{
		TotalAgents:       len(byAgent),
		UniqueByAgent:     make(map[string]int, len(byAgent)),
		ReferencesByAgent: make(map[string]int, len(byAgent)),
		ConsensusCoverage: make(map[string]float64),
		TotalUnique:       len(counts),
	}
	for agent, refs := range byAgent {
		comparison.ReferencesByAgent[agent] = len(refs)
	}

	for key, count := range counts {
		switch {
		case count == comparison.TotalAgents && comparison.TotalAgents > 0:
			comparison.TotalConsensus++
			comparison.consensusKeys = append(comparison.consensusKeys, key)
		case count >= 2:
			comparison.PartialConsensus++
		}
	}
	sort.Strings(comparison.consensusKeys)

	for agent, keys := range normalized {
		others := make(map[string]bool)
		for other, otherKeys := range normalized {
			if other == agent {
				continue
			}
			for key := range otherKeys {
				others[key] = true
			}
		}
		unique := 0
		for key := range keys {
			if !others[key] {
				unique++
			}
		}
		comparison.UniqueByAgent[agent] = unique
	}

	if comparison.TotalUnique > 0 {
		comparison.AgreementPct = float64(comparison.TotalConsensus+comparison.PartialConsensus) /
			float64(comparison.TotalUnique) * 100
	}

	if comparison.TotalConsensus > 0 {
		for agent, keys := range normalized {
			found := 0
			for _, key := range comparison.consensusKeys {
				if keys[key] {
					found++
				}
			}
			comparison.ConsensusCoverage[agent] = float64(found) / float64(comparison.TotalConsensus) * 100
		}
	}

	return comparison
}

// comparisonKey reduces a reference to a comparable identity: the BOE
// id when known, otherwise the normalized law name plus article.
func comparisonKey(ref reference.Reference) string {
	if ref.BOEID != "" {
		return "BOE:" + ref.BOEID
	}

	law := ref.NormalizedLaw
	if law == "" {
		law = ref.Law
	}
	law = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(law)), " ", "")

	article := strings.ToLower(strings.TrimSpace(ref.Article))
	if article != "" {
		return law + ":art" + article
	}
	return law
}

// Report renders the comparison as a plain-text summary.
func (c *Comparison) Report() string {
	var sb strings.Builder
	divider := strings.Repeat("=", 60)

	sb.WriteString(divider + "\n")
	sb.WriteString("INFORME DE COMPARACIÓN DE AGENTES\n")
	sb.WriteString(divider + "\n\n")
	fmt.Fprintf(&sb, "Agentes analizados: %d\n\n", c.TotalAgents)

	sb.WriteString("Referencias por agente:\n")
	for _, agent := range sortedKeys(c.ReferencesByAgent) {
		fmt.Fprintf(&sb, "  - %s: %d referencias\n", agent, c.ReferencesByAgent[agent])
	}

	fmt.Fprintf(&sb, "\nConsenso total: %d referencias\n", c.TotalConsensus)
	fmt.Fprintf(&sb, "Consenso parcial: %d referencias\n\n", c.PartialConsensus)

	sb.WriteString("Únicas por agente:\n")
	for _, agent := range sortedKeys(c.UniqueByAgent) {
		fmt.Fprintf(&sb, "  - %s: %d únicas\n", agent, c.UniqueByAgent[agent])
	}

	fmt.Fprintf(&sb, "\nTotal referencias únicas: %d\n", c.TotalUnique)
	fmt.Fprintf(&sb, "Acuerdo promedio: %.1f%%\n", c.AgreementPct)

	if len(c.ConsensusCoverage) > 0 {
		sb.WriteString("\nCobertura del consenso:\n")
		agents := make([]string, 0, len(c.ConsensusCoverage))
		for agent := range c.ConsensusCoverage {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			fmt.Fprintf(&sb, "  - %s: %.1f%%\n", agent, c.ConsensusCoverage[agent])
		}
	}

	sb.WriteString("\n" + divider + "\n")
	return sb.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
