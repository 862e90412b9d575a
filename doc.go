// Package legisref extracts, normalizes and validates Spanish and EU
// legal citations from study documents.
//
// Three extractor agents with different temperaments read the same text
// over multiple rounds until the reference set converges; the results
// are resolved against their surrounding context, normalized to
// canonical law names, verified against the BOE consolidated
// legislation API and EUR-Lex, audited for quality and exported as
// study material.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/oposify/legisref/cmd/legisref@latest
//
// Process a topic file:
//
//	legisref process tema-07.json
//
// Or run the HTTP API:
//
//	legisref serve --config legisref.yaml
//
// # Using as Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/oposify/legisref/pkg/pipeline"
//	    "github.com/oposify/legisref/pkg/reference"
//	    "github.com/oposify/legisref/pkg/boe"
//	)
//
// # Architecture
//
// The pipeline runs staged phases over one document:
//
//	Document → Convergence (3 extractors × N rounds) → Context resolution
//	         → Title resolution → Normalization → BOE/EUR-Lex validation
//	         → Inference (optional) → Audit → Export
//
// Every stage reads and writes the same Reference model, so phases can
// be enabled, disabled or replaced independently.
package legisref
