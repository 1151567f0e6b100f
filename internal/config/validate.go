package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/phase-golem/phase-golem/internal/item"
)

// ValidationSeverity indicates whether a validation issue is an error or warning.
type ValidationSeverity string

const (
	// SeverityError indicates a fatal validation issue; the configuration is unusable.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates an informational validation issue; the configuration works
	// but may have problems.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity
	Field    string // dotted path, e.g., "execution.max_wip"
	Message  string
}

// ValidationResult holds all validation findings.
type ValidationResult struct {
	Issues []ValidationIssue
}

// HasErrors returns true if any issue has error severity.
func (vr *ValidationResult) HasErrors() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any issue has warning severity.
func (vr *ValidationResult) HasWarnings() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (vr *ValidationResult) Errors() []ValidationIssue {
	var errs []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (vr *ValidationResult) Warnings() []ValidationIssue {
	var warns []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

// Validate checks the configuration for correctness and completeness.
// It performs structural validation, semantic validation, and unknown key detection.
//
// Parameters:
//   - cfg: the configuration to validate
//   - meta: TOML metadata from BurntSushi/toml (may be nil if no file was loaded)
//
// Returns validation results. Check HasErrors() to determine if the config is usable.
func Validate(cfg *Config, meta *toml.MetaData) *ValidationResult {
	vr := &ValidationResult{}

	if cfg == nil {
		addError(vr, "", "configuration is nil")
		return vr
	}

	validateProject(vr, &cfg.Project)
	validateGuardrails(vr, &cfg.Guardrails)
	validateExecution(vr, &cfg.Execution)
	validatePipelines(vr, cfg.Pipelines, cfg.Execution.MaxWIP)
	validateAgents(vr, cfg.Agents)
	validateUnknownKeys(vr, meta)

	if len(cfg.Pipelines) == 0 {
		addWarning(vr, "pipelines", "no pipelines configured")
	}
	if len(cfg.Agents) == 0 {
		addWarning(vr, "agents", "no agents configured")
	}

	return vr
}

// validateProject checks the [project] section for errors.
func validateProject(vr *ValidationResult, p *ProjectConfig) {
	if p.Prefix == "" {
		addError(vr, "project.prefix", "must not be empty")
	}
	if p.TasksDir == "" {
		addWarning(vr, "project.tasks_dir", "empty, defaulting to \"changes\"")
	}
}

// validateGuardrails checks the [guardrails] section.
func validateGuardrails(vr *ValidationResult, g *GuardrailsConfig) {
	if g.MaxSize != "" && !g.MaxSize.IsValid() {
		addError(vr, "guardrails.max_size", fmt.Sprintf("invalid size %q", g.MaxSize))
	}
	if g.MaxComplexity != "" && !g.MaxComplexity.IsValid() {
		addError(vr, "guardrails.max_complexity", fmt.Sprintf("invalid level %q", g.MaxComplexity))
	}
	if g.MaxRisk != "" && !g.MaxRisk.IsValid() {
		addError(vr, "guardrails.max_risk", fmt.Sprintf("invalid level %q", g.MaxRisk))
	}
}

// validateExecution checks the [execution] section.
func validateExecution(vr *ValidationResult, e *ExecutionConfig) {
	if e.PhaseTimeoutMinutes <= 0 {
		addError(vr, "execution.phase_timeout_minutes", fmt.Sprintf("must be positive, got %d", e.PhaseTimeoutMinutes))
	}
	if e.MaxRetries < 0 {
		addError(vr, "execution.max_retries", fmt.Sprintf("must not be negative, got %d", e.MaxRetries))
	}
	if e.DefaultPhaseCap < 0 {
		addError(vr, "execution.default_phase_cap", fmt.Sprintf("must not be negative, got %d", e.DefaultPhaseCap))
	}
	if e.MaxWIP < 1 {
		addError(vr, "execution.max_wip", fmt.Sprintf("must be at least 1, got %d", e.MaxWIP))
	}
	if e.MaxConcurrent < 1 {
		addError(vr, "execution.max_concurrent", fmt.Sprintf("must be at least 1, got %d", e.MaxConcurrent))
	}
}

// validatePipelines checks all [pipelines.*] sections, including the
// cross-cutting invariant that a blocking staleness check cannot be paired
// with more than one item in flight: a blocked executor holding the run
// lock while max_wip>1 would starve the other in-flight items indefinitely.
func validatePipelines(vr *ValidationResult, pipelines map[string]PipelineConfig, maxWIP int) {
	for _, name := range sortedKeys(pipelines) {
		p := pipelines[name]
		prefix := "pipelines." + name

		if len(p.Phases) == 0 {
			addError(vr, prefix+".phases", fmt.Sprintf("pipeline %q has no phases", name))
		}

		preSeen := make(map[string]bool, len(p.PrePhases))
		for _, ph := range p.PrePhases {
			if preSeen[ph] {
				addError(vr, prefix+".pre_phases", fmt.Sprintf("duplicate pre-phase name %q", ph))
			}
			preSeen[ph] = true
		}

		phaseSeen := make(map[string]bool, len(p.Phases))
		for _, ph := range p.Phases {
			phasePrefix := prefix + ".phases." + ph.Name
			if ph.Name == "" {
				addError(vr, prefix+".phases", "phase with empty name")
				continue
			}
			if phaseSeen[ph.Name] {
				addError(vr, phasePrefix, fmt.Sprintf("duplicate phase name %q", ph.Name))
			}
			phaseSeen[ph.Name] = true

			if ph.Staleness != "" && !isValidStaleness(ph.Staleness) {
				addError(vr, phasePrefix+".staleness", fmt.Sprintf("invalid staleness %q", ph.Staleness))
			}
			if ph.Staleness == item.StalenessBlock && maxWIP > 1 {
				addError(vr, phasePrefix+".staleness",
					fmt.Sprintf("staleness=block is incompatible with execution.max_wip=%d; blocking staleness requires max_wip=1", maxWIP))
			}
		}
	}
}

func isValidStaleness(s item.Staleness) bool {
	switch s {
	case item.StalenessIgnore, item.StalenessWarn, item.StalenessBlock:
		return true
	default:
		return false
	}
}

// validateAgents checks all [agents.*] sections.
func validateAgents(vr *ValidationResult, agents map[string]AgentConfig) {
	for _, name := range sortedKeys(agents) {
		agent := agents[name]
		prefix := "agents." + name
		if agent.Command == "" {
			addError(vr, prefix+".command", "must not be empty")
		}
	}
}

// validateUnknownKeys checks for TOML keys that did not map to any config struct field.
func validateUnknownKeys(vr *ValidationResult, meta *toml.MetaData) {
	if meta == nil {
		return
	}

	for _, key := range meta.Undecoded() {
		path := strings.Join(key, ".")
		addWarning(vr, path, "unknown configuration key")
	}
}

// addError appends an error-severity issue to the validation result.
func addError(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityError,
		Field:    field,
		Message:  message,
	})
}

// addWarning appends a warning-severity issue to the validation result.
func addWarning(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityWarning,
		Field:    field,
		Message:  message,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
