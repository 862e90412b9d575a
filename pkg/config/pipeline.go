package config

import "fmt"

// PipelineConfig controls the extraction pipeline.
type PipelineConfig struct {
	// MaxRounds caps the convergence loop.
	MaxRounds int `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty" jsonschema:"title=Max Rounds,description=Maximum convergence rounds,minimum=1,maximum=10,default=7"`

	// MaxWorkers is the parallel worker count for per-reference stages.
	MaxWorkers int `yaml:"max_workers,omitempty" json:"max_workers,omitempty" jsonschema:"title=Max Workers,description=Parallel workers,minimum=1,maximum=8,default=4"`

	// ConfidenceThreshold is the minimum confidence for the final result set.
	ConfidenceThreshold int `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty" jsonschema:"title=Confidence Threshold,description=Minimum confidence for final references,minimum=50,maximum=95,default=70"`

	// IntermediateThreshold is the looser filter applied between rounds.
	IntermediateThreshold int `yaml:"intermediate_threshold,omitempty" json:"intermediate_threshold,omitempty" jsonschema:"title=Intermediate Threshold,description=Confidence filter between rounds,default=60"`

	// UseContextAgent enables context-window resolution of incomplete references.
	UseContextAgent *bool `yaml:"use_context_agent,omitempty" json:"use_context_agent,omitempty" jsonschema:"title=Use Context Agent,description=Resolve incomplete references from surrounding text,default=true"`

	// UseInferenceAgent enables concept-based norm inference (BETA).
	UseInferenceAgent bool `yaml:"use_inference_agent,omitempty" json:"use_inference_agent,omitempty" jsonschema:"title=Use Inference Agent,description=Suggest related norms from legal concepts (BETA),default=false"`

	// UseCache enables the on-disk response cache.
	UseCache *bool `yaml:"use_cache,omitempty" json:"use_cache,omitempty" jsonschema:"title=Use Cache,description=Cache registry responses on disk,default=true"`

	// TextLimit truncates the input document (characters). Zero means no limit.
	TextLimit int `yaml:"text_limit,omitempty" json:"text_limit,omitempty" jsonschema:"title=Text Limit,description=Input character limit,minimum=1000"`
}

// SetDefaults applies default values.
func (c *PipelineConfig) SetDefaults() {
	if c.MaxRounds == 0 {
		c.MaxRounds = 7
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 70
	}
	if c.IntermediateThreshold == 0 {
		c.IntermediateThreshold = 60
	}
	if c.UseContextAgent == nil {
		c.UseContextAgent = BoolPtr(true)
	}
	if c.UseCache == nil {
		c.UseCache = BoolPtr(true)
	}
}

// Validate checks the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > 10 {
		return fmt.Errorf("max_rounds must be between 1 and 10, got %d", c.MaxRounds)
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > 8 {
		return fmt.Errorf("max_workers must be between 1 and 8, got %d", c.MaxWorkers)
	}
	if c.ConfidenceThreshold < 50 || c.ConfidenceThreshold > 95 {
		return fmt.Errorf("confidence_threshold must be between 50 and 95, got %d", c.ConfidenceThreshold)
	}
	if c.TextLimit != 0 && c.TextLimit < 1000 {
		return fmt.Errorf("text_limit must be at least 1000, got %d", c.TextLimit)
	}
	return nil
}

// BoolPtr returns a pointer to the given bool.
func BoolPtr(b bool) *bool {
	return &b
}
