package config

import "github.com/phase-golem/phase-golem/internal/item"

// Config is the top-level configuration structure mapping to phase-golem.toml.
type Config struct {
	Project    ProjectConfig             `toml:"project"`
	Guardrails GuardrailsConfig          `toml:"guardrails"`
	Execution  ExecutionConfig           `toml:"execution"`
	Pipelines  map[string]PipelineConfig `toml:"pipelines"`
	Agents     map[string]AgentConfig    `toml:"agents"`
}

// ProjectConfig maps to the [project] section.
type ProjectConfig struct {
	Prefix   string `toml:"prefix"`
	TasksDir string `toml:"tasks_dir"`
}

// GuardrailsConfig maps to the [guardrails] section: the size/complexity/risk
// ceilings triage uses to route an oversized item straight to Blocked for
// human review.
type GuardrailsConfig struct {
	MaxSize       item.Size  `toml:"max_size"`
	MaxComplexity item.Level `toml:"max_complexity"`
	MaxRisk       item.Level `toml:"max_risk"`
}

// ExecutionConfig maps to the [execution] section.
type ExecutionConfig struct {
	PhaseTimeoutMinutes int `toml:"phase_timeout_minutes"`
	MaxRetries          int `toml:"max_retries"`
	DefaultPhaseCap     int `toml:"default_phase_cap"`
	MaxWIP              int `toml:"max_wip"`
	MaxConcurrent       int `toml:"max_concurrent"`
}

// PipelineConfig maps to a [pipelines.<name>] section.
type PipelineConfig struct {
	PrePhases []string      `toml:"pre_phases"`
	Phases    []PhaseConfig `toml:"phases"`
}

// PhaseConfig maps to one [[pipelines.<name>.phases]] entry.
type PhaseConfig struct {
	Name          string         `toml:"name"`
	Workflows     []string       `toml:"workflows"`
	IsDestructive bool           `toml:"is_destructive"`
	Staleness     item.Staleness `toml:"staleness"`
}

// AgentConfig maps to an [agents.<name>] section: the shell command template
// used to invoke that agent role. "{{prompt_file}}" in an Args entry is
// substituted with the rendered prompt file path at invocation time.
type AgentConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// ItemPipelines converts the configured [pipelines.*] sections into the
// item.Pipeline shape the scheduler and executor consume.
func (c *Config) ItemPipelines() map[string]*item.Pipeline {
	out := make(map[string]*item.Pipeline, len(c.Pipelines))
	for name, p := range c.Pipelines {
		pipeline := &item.Pipeline{Name: name}
		for _, ph := range p.PrePhases {
			pipeline.PrePhases = append(pipeline.PrePhases, item.Phase{Name: ph})
		}
		for _, ph := range p.Phases {
			pipeline.Phases = append(pipeline.Phases, item.Phase{
				Name:          ph.Name,
				Workflows:     ph.Workflows,
				IsDestructive: ph.IsDestructive,
				Staleness:     ph.Staleness,
			})
		}
		out[name] = pipeline
	}
	return out
}
