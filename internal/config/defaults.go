package config

import "github.com/phase-golem/phase-golem/internal/item"

// NewDefaults returns a Config populated with the built-in default values
// named in SPEC_FULL.md §6.1.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			Prefix:   "X",
			TasksDir: "changes",
		},
		Guardrails: GuardrailsConfig{
			MaxSize:       item.SizeLarge,
			MaxComplexity: item.LevelHigh,
			MaxRisk:       item.LevelHigh,
		},
		Execution: ExecutionConfig{
			PhaseTimeoutMinutes: 30,
			MaxRetries:          2,
			DefaultPhaseCap:     50,
			MaxWIP:              2,
			MaxConcurrent:       3,
		},
		Pipelines: map[string]PipelineConfig{},
		Agents:    map[string]AgentConfig{},
	}
}
