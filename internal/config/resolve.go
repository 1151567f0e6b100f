package config

import "github.com/phase-golem/phase-golem/internal/item"

// ConfigSource identifies where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates the value came from built-in defaults.
	SourceDefault ConfigSource = "default"
	// SourceFile indicates the value came from the phase-golem.toml config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates the value came from an environment variable.
	SourceEnv ConfigSource = "env"
	// SourceCLI indicates the value came from a CLI flag.
	SourceCLI ConfigSource = "cli"
)

// ResolvedConfig holds the fully-resolved configuration with source tracking.
type ResolvedConfig struct {
	Config  *Config
	Sources map[string]ConfigSource // key is dotted path, e.g., "project.prefix"
	Path    string                  // path to the config file used (empty if none)
}

// CLIOverrides captures flag values that can override configuration. Nil
// fields mean "not set" (do not override).
type CLIOverrides struct {
	Prefix        *string
	MaxWIP        *int
	MaxConcurrent *int
	MaxRetries    *int
	PhaseCap      *int
}

// EnvFunc looks up environment variables. Default is os.LookupEnv, injected
// here for testability.
type EnvFunc func(key string) (string, bool)

// Resolve merges configuration from all sources in priority order:
// CLI flags > environment variables > config file > defaults.
func Resolve(defaults *Config, fileConfig *Config, envFn EnvFunc, overrides *CLIOverrides) *ResolvedConfig {
	rc := &ResolvedConfig{Config: &Config{}, Sources: make(map[string]ConfigSource)}

	if defaults == nil {
		defaults = &Config{}
	}
	if envFn == nil {
		envFn = func(string) (string, bool) { return "", false }
	}
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	resolveProjectFromDefaults(rc, defaults)
	resolveGuardrailsFromDefaults(rc, defaults)
	resolveExecutionFromDefaults(rc, defaults)
	resolvePipelinesFromDefaults(rc, defaults)
	resolveAgentsFromDefaults(rc, defaults)

	if fileConfig != nil {
		resolveProjectFromFile(rc, fileConfig)
		resolveGuardrailsFromFile(rc, fileConfig)
		resolveExecutionFromFile(rc, fileConfig)
		resolvePipelinesFromFile(rc, fileConfig)
		resolveAgentsFromFile(rc, fileConfig)
	}

	resolveFromEnv(rc, envFn)
	resolveFromCLI(rc, overrides)

	return rc
}

// --- Layer 1: defaults ---

func resolveProjectFromDefaults(rc *ResolvedConfig, d *Config) {
	rc.Config.Project = d.Project
	rc.Sources["project.prefix"] = SourceDefault
	rc.Sources["project.tasks_dir"] = SourceDefault
}

func resolveGuardrailsFromDefaults(rc *ResolvedConfig, d *Config) {
	rc.Config.Guardrails = d.Guardrails
	rc.Sources["guardrails.max_size"] = SourceDefault
	rc.Sources["guardrails.max_complexity"] = SourceDefault
	rc.Sources["guardrails.max_risk"] = SourceDefault
}

func resolveExecutionFromDefaults(rc *ResolvedConfig, d *Config) {
	rc.Config.Execution = d.Execution
	rc.Sources["execution.phase_timeout_minutes"] = SourceDefault
	rc.Sources["execution.max_retries"] = SourceDefault
	rc.Sources["execution.default_phase_cap"] = SourceDefault
	rc.Sources["execution.max_wip"] = SourceDefault
	rc.Sources["execution.max_concurrent"] = SourceDefault
}

func resolvePipelinesFromDefaults(rc *ResolvedConfig, d *Config) {
	rc.Config.Pipelines = make(map[string]PipelineConfig, len(d.Pipelines))
	for name, p := range d.Pipelines {
		rc.Config.Pipelines[name] = copyPipelineConfig(p)
		rc.Sources["pipelines."+name] = SourceDefault
	}
}

func resolveAgentsFromDefaults(rc *ResolvedConfig, d *Config) {
	rc.Config.Agents = make(map[string]AgentConfig, len(d.Agents))
	for name, a := range d.Agents {
		rc.Config.Agents[name] = a
		setAgentSources(rc.Sources, name, SourceDefault)
	}
}

// --- Layer 2: file ---

func resolveProjectFromFile(rc *ResolvedConfig, f *Config) {
	p := &rc.Config.Project
	mergeString(&p.Prefix, f.Project.Prefix, "project.prefix", SourceFile, rc.Sources)
	mergeString(&p.TasksDir, f.Project.TasksDir, "project.tasks_dir", SourceFile, rc.Sources)
}

func resolveGuardrailsFromFile(rc *ResolvedConfig, f *Config) {
	g := &rc.Config.Guardrails
	if f.Guardrails.MaxSize != "" {
		g.MaxSize = f.Guardrails.MaxSize
		rc.Sources["guardrails.max_size"] = SourceFile
	}
	if f.Guardrails.MaxComplexity != "" {
		g.MaxComplexity = f.Guardrails.MaxComplexity
		rc.Sources["guardrails.max_complexity"] = SourceFile
	}
	if f.Guardrails.MaxRisk != "" {
		g.MaxRisk = f.Guardrails.MaxRisk
		rc.Sources["guardrails.max_risk"] = SourceFile
	}
}

func resolveExecutionFromFile(rc *ResolvedConfig, f *Config) {
	e := &rc.Config.Execution
	mergeInt(&e.PhaseTimeoutMinutes, f.Execution.PhaseTimeoutMinutes, "execution.phase_timeout_minutes", SourceFile, rc.Sources)
	mergeInt(&e.MaxRetries, f.Execution.MaxRetries, "execution.max_retries", SourceFile, rc.Sources)
	mergeInt(&e.DefaultPhaseCap, f.Execution.DefaultPhaseCap, "execution.default_phase_cap", SourceFile, rc.Sources)
	mergeInt(&e.MaxWIP, f.Execution.MaxWIP, "execution.max_wip", SourceFile, rc.Sources)
	mergeInt(&e.MaxConcurrent, f.Execution.MaxConcurrent, "execution.max_concurrent", SourceFile, rc.Sources)
}

func resolvePipelinesFromFile(rc *ResolvedConfig, f *Config) {
	if f.Pipelines == nil {
		return
	}
	for name, p := range f.Pipelines {
		rc.Config.Pipelines[name] = copyPipelineConfig(p)
		rc.Sources["pipelines."+name] = SourceFile
	}
}

func resolveAgentsFromFile(rc *ResolvedConfig, f *Config) {
	if f.Agents == nil {
		return
	}
	for name, a := range f.Agents {
		rc.Config.Agents[name] = a
		setAgentSources(rc.Sources, name, SourceFile)
	}
}

// --- Layer 3: environment ---

// Environment variable mapping:
//
//	PHASE_GOLEM_PREFIX         -> project.prefix
//	PHASE_GOLEM_TASKS_DIR      -> project.tasks_dir
//	PHASE_GOLEM_MAX_WIP        -> execution.max_wip
//	PHASE_GOLEM_MAX_CONCURRENT -> execution.max_concurrent
//	PHASE_GOLEM_MAX_RETRIES    -> execution.max_retries
//	PHASE_GOLEM_PHASE_CAP      -> execution.default_phase_cap
func resolveFromEnv(rc *ResolvedConfig, envFn EnvFunc) {
	p := &rc.Config.Project
	e := &rc.Config.Execution

	if val, ok := envFn("PHASE_GOLEM_PREFIX"); ok {
		p.Prefix = val
		rc.Sources["project.prefix"] = SourceEnv
	}
	if val, ok := envFn("PHASE_GOLEM_TASKS_DIR"); ok {
		p.TasksDir = val
		rc.Sources["project.tasks_dir"] = SourceEnv
	}
	if n, ok := envInt(envFn, "PHASE_GOLEM_MAX_WIP"); ok {
		e.MaxWIP = n
		rc.Sources["execution.max_wip"] = SourceEnv
	}
	if n, ok := envInt(envFn, "PHASE_GOLEM_MAX_CONCURRENT"); ok {
		e.MaxConcurrent = n
		rc.Sources["execution.max_concurrent"] = SourceEnv
	}
	if n, ok := envInt(envFn, "PHASE_GOLEM_MAX_RETRIES"); ok {
		e.MaxRetries = n
		rc.Sources["execution.max_retries"] = SourceEnv
	}
	if n, ok := envInt(envFn, "PHASE_GOLEM_PHASE_CAP"); ok {
		e.DefaultPhaseCap = n
		rc.Sources["execution.default_phase_cap"] = SourceEnv
	}
}

// --- Layer 4: CLI overrides ---

func resolveFromCLI(rc *ResolvedConfig, o *CLIOverrides) {
	p := &rc.Config.Project
	e := &rc.Config.Execution

	if o.Prefix != nil {
		p.Prefix = *o.Prefix
		rc.Sources["project.prefix"] = SourceCLI
	}
	if o.MaxWIP != nil {
		e.MaxWIP = *o.MaxWIP
		rc.Sources["execution.max_wip"] = SourceCLI
	}
	if o.MaxConcurrent != nil {
		e.MaxConcurrent = *o.MaxConcurrent
		rc.Sources["execution.max_concurrent"] = SourceCLI
	}
	if o.MaxRetries != nil {
		e.MaxRetries = *o.MaxRetries
		rc.Sources["execution.max_retries"] = SourceCLI
	}
	if o.PhaseCap != nil {
		e.DefaultPhaseCap = *o.PhaseCap
		rc.Sources["execution.default_phase_cap"] = SourceCLI
	}
}

// --- helpers ---

func mergeString(target *string, value, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != "" {
		*target = value
		sources[path] = source
	}
}

func mergeInt(target *int, value int, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != 0 {
		*target = value
		sources[path] = source
	}
}

func envInt(envFn EnvFunc, key string) (int, bool) {
	val, ok := envFn(key)
	if !ok || val == "" {
		return 0, false
	}
	n := 0
	for _, r := range val {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func copyPipelineConfig(src PipelineConfig) PipelineConfig {
	out := PipelineConfig{
		PrePhases: append([]string(nil), src.PrePhases...),
		Phases:    append([]PhaseConfig(nil), src.Phases...),
	}
	return out
}

func setAgentSources(sources map[string]ConfigSource, name string, source ConfigSource) {
	prefix := "agents." + name
	sources[prefix+".command"] = source
	sources[prefix+".args"] = source
}

// ItemPipelines is re-exported here for callers that only hold a
// ResolvedConfig.
func (rc *ResolvedConfig) ItemPipelines() map[string]*item.Pipeline {
	return rc.Config.ItemPipelines()
}
