package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/phase-golem/phase-golem/internal/agentrunner"
	"github.com/phase-golem/phase-golem/internal/config"
	"github.com/phase-golem/phase-golem/internal/coordinator"
	"github.com/phase-golem/phase-golem/internal/executor"
	"github.com/phase-golem/phase-golem/internal/git"
	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/prompt"
	"github.com/phase-golem/phase-golem/internal/scheduler"
	"github.com/phase-golem/phase-golem/internal/store"
)

// runtimeDirName is the directory holding the run lock and transient phase
// result files, relative to the project root.
const runtimeDirName = ".phase-golem"

// engine bundles the wired components a run needs, so that the run,
// triage, advance, and unblock commands can share one construction path.
type engine struct {
	store      *store.Store
	vcs        *git.GitClient
	coord      *coordinator.Coordinator
	runner     *agentrunner.Runner
	executor   *executor.Executor
	pipelines  scheduler.Pipelines
	runtimeDir string
	lockPath   string
}

// buildEngine constructs every core component from a resolved configuration
// and the name of the agent role to invoke for every phase.
func buildEngine(rc *config.ResolvedConfig, agentName string) (*engine, error) {
	cfg := rc.Config

	agentCfg, ok := cfg.Agents[agentName]
	if !ok {
		return nil, fmt.Errorf("wiring engine: no agent named %q configured", agentName)
	}

	st, err := store.New(cfg.Project.TasksDir, cfg.Project.Prefix)
	if err != nil {
		return nil, fmt.Errorf("wiring engine: opening store: %w", err)
	}

	vcs, err := git.NewGitClient(".")
	if err != nil {
		return nil, fmt.Errorf("wiring engine: opening git client: %w", err)
	}

	coord, err := coordinator.New(st, vcs, cfg.Project.Prefix)
	if err != nil {
		return nil, fmt.Errorf("wiring engine: constructing coordinator: %w", err)
	}

	runner := agentrunner.NewRunner()

	gen, err := prompt.NewGenerator("")
	if err != nil {
		return nil, fmt.Errorf("wiring engine: constructing prompt generator: %w", err)
	}

	execCfg := executor.Config{
		WorkflowsDir: ".",
		ChangesDir:   cfg.Project.TasksDir,
		RuntimeDir:   runtimeDirName,
		MaxRetries:   cfg.Execution.MaxRetries,
		Agent: executor.AgentCommand{
			Command: agentCfg.Command,
			Args:    agentCfg.Args,
			Timeout: time.Duration(cfg.Execution.PhaseTimeoutMinutes) * time.Minute,
		},
		Guardrails: executor.Guardrails{
			MaxSize:       cfg.Guardrails.MaxSize,
			MaxComplexity: cfg.Guardrails.MaxComplexity,
			MaxRisk:       cfg.Guardrails.MaxRisk,
		},
	}
	exec := executor.New(execCfg, coord, runner, gen)

	return &engine{
		store:      st,
		vcs:        vcs,
		coord:      coord,
		runner:     runner,
		executor:   exec,
		pipelines:  scheduler.Pipelines(cfg.ItemPipelines()),
		runtimeDir: runtimeDirName,
		lockPath:   filepath.Join(runtimeDirName, "run.lock"),
	}, nil
}

// firstPipelinePhase returns the name of the first pre-phase of pipeline,
// used as the default triage phase when none is configured explicitly.
func firstPipelinePhase(pipelines scheduler.Pipelines, pipelineType string) string {
	p, ok := pipelines[pipelineType]
	if !ok {
		return ""
	}
	return p.FirstPhase(item.PoolPre)
}
