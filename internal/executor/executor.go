// Package executor runs one phase invocation end to end: staleness check,
// change-folder resolution, prompt assembly, agent spawn, result
// validation, and transition resolution.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"github.com/phase-golem/phase-golem/internal/agentrunner"
	"github.com/phase-golem/phase-golem/internal/coordinator"
	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/jsonutil"
	"github.com/phase-golem/phase-golem/internal/prompt"
)

// Spawner runs one agent invocation. Satisfied by *agentrunner.Runner.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, timeout time.Duration, workDir string) (*agentrunner.Result, error)
}

// Coordinator is the subset of *coordinator.Coordinator the executor calls.
type Coordinator interface {
	UpdateItem(ctx context.Context, itemID string, up coordinator.ItemUpdate) error
	CompletePhase(ctx context.Context, itemID, phase string, isDestructive bool, outputPaths []string) error
	IngestFollowUps(ctx context.Context, followUps []item.FollowUp) ([]string, error)
	IsAncestor(ctx context.Context, sha string) (bool, error)
}

// AgentCommand is how to invoke one configured agent role: a command plus
// argument template. "{{prompt_file}}" in an argument is replaced with the
// path to the rendered prompt written to disk for this invocation.
type AgentCommand struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Guardrails holds the thresholds that, if exceeded by an item's assessed
// size/complexity/risk at triage, route it to Blocked for human review
// instead of letting it proceed into the backlog. A zero value for any
// field disables that dimension's check.
type Guardrails struct {
	MaxSize       item.Size
	MaxComplexity item.Level
	MaxRisk       item.Level
}

// Config bundles the executor's static settings.
type Config struct {
	WorkflowsDir string
	ChangesDir   string
	RuntimeDir   string // holds phase_result_*.json files, e.g. ".phase-golem"
	MaxRetries   int
	Agent        AgentCommand
	Guardrails   Guardrails
}

// Executor wires a Spawner, Coordinator, and prompt Generator together to
// carry out RunPhase and Triage actions.
type Executor struct {
	cfg   Config
	coord Coordinator
	spawn Spawner
	gen   *prompt.Generator
}

// New constructs an Executor.
func New(cfg Config, coord Coordinator, spawn Spawner, gen *prompt.Generator) *Executor {
	return &Executor{cfg: cfg, coord: coord, spawn: spawn, gen: gen}
}

// Transition identifies what happened to an item as a result of one phase
// invocation.
type Transition string

const (
	TransitionAdvancedPhase   Transition = "advanced_phase"
	TransitionPoolBoundary    Transition = "pool_boundary"
	TransitionSubphaseRepeat  Transition = "subphase_repeat"
	TransitionBlocked         Transition = "blocked"
	TransitionRetryableFailed Transition = "retryable_failed"
	TransitionFatalBlocked    Transition = "fatal_blocked"
)

// Outcome is what the run loop needs to update SchedulerState after one
// RunPhase/Triage invocation.
type Outcome struct {
	ItemID     string
	Phase      string
	Transition Transition
	NextPhase  string // set for TransitionAdvancedPhase/TransitionSubphaseRepeat
	Summary    string // becomes previous_summaries[item_id], or "" to clear it
	Retryable  bool   // true only for TransitionRetryableFailed
	// Done is set alongside TransitionPoolBoundary when the boundary crossed
	// was InProgress->Done (last main phase), as opposed to Scoping->Ready
	// (last pre-phase). Only the former is archive-eligible.
	Done bool
}

// Run executes one RunPhase or Triage action against it within pipeline.
// pool is the phase pool the phase belongs to (pre or main).
func (e *Executor) Run(ctx context.Context, it *item.Item, pipeline *item.Pipeline, pool item.PhasePool, phaseName string, previousSummary string) (Outcome, error) {
	phase := pipeline.PhaseByName(pool, phaseName)
	if phase == nil {
		return Outcome{}, fmt.Errorf("executor: unknown phase %q in pipeline %q", phaseName, pipeline.Name)
	}

	if blocked, outcome, err := e.checkStaleness(ctx, it, pipeline, pool, phase); err != nil {
		return Outcome{}, err
	} else if blocked {
		return outcome, nil
	}

	changeDir, err := e.resolveChangeFolder(it)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: resolving change folder: %w", err)
	}

	resultPath := filepath.Join(e.cfg.RuntimeDir, fmt.Sprintf("phase_result_%s_%s.json", it.ID, phase.Name))

	var result *item.PhaseResult
	var nextPhaseHint string

	op := func() error {
		r, err := e.attempt(ctx, it, phase, changeDir, resultPath, previousSummary, nextPhaseHint)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	bo := backoff.WithMaxRetries(b, uint64(maxInt(e.cfg.MaxRetries-1, 0)))

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Outcome{
			ItemID:     it.ID,
			Phase:      phase.Name,
			Transition: TransitionRetryableFailed,
			Retryable:  true,
		}, nil
	}

	return e.resolveTransition(ctx, it, pipeline, pool, phase, result)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// checkStaleness implements step 1: only for destructive phases with a
// predecessor in the same pool.
func (e *Executor) checkStaleness(ctx context.Context, it *item.Item, pipeline *item.Pipeline, pool item.PhasePool, phase *item.Phase) (bool, Outcome, error) {
	if !phase.IsDestructive {
		return false, Outcome{}, nil
	}
	idx := pipeline.PhaseIndex(pool, phase.Name)
	if idx <= 0 {
		return false, Outcome{}, nil
	}
	if it.LastPhaseCommit == "" {
		return false, Outcome{}, nil
	}

	ancestor, err := e.coord.IsAncestor(ctx, it.LastPhaseCommit)
	if err != nil {
		return false, Outcome{}, fmt.Errorf("executor: staleness check: %w", err)
	}
	if ancestor {
		return false, Outcome{}, nil
	}

	switch phase.Staleness {
	case item.StalenessIgnore, "":
		return false, Outcome{}, nil
	case item.StalenessWarn:
		log.Warn("item's last phase commit is no longer an ancestor of head, proceeding", "item", it.ID, "phase", phase.Name)
		return false, Outcome{}, nil
	case item.StalenessBlock:
		if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{
			Kind:          coordinator.UpdateSetBlocked,
			BlockedType:   item.BlockedDecision,
			BlockedReason: fmt.Sprintf("phase %s is stale: last committed phase is no longer an ancestor of HEAD", phase.Name),
			BlockedFrom:   it.Status,
		}); err != nil {
			return false, Outcome{}, fmt.Errorf("executor: staleness block: %w", err)
		}
		return true, Outcome{ItemID: it.ID, Phase: phase.Name, Transition: TransitionBlocked}, nil
	default:
		return false, Outcome{}, fmt.Errorf("executor: unknown staleness setting %q", phase.Staleness)
	}
}

// resolveChangeFolder computes changes/<id>_<slug>/, creating it if missing.
// The slug is suffixed with a short xxhash digest of the title so that two
// items with colliding slugified titles never share a directory.
func (e *Executor) resolveChangeFolder(it *item.Item) (string, error) {
	slug := slugify(it.Title)
	sum := xxhash.Sum64String(it.ID + "|" + it.Title)
	dirName := fmt.Sprintf("%s_%s-%08x", it.ID, slug, uint32(sum))
	dir := filepath.Join(e.cfg.ChangesDir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

// loadWorkflows resolves each of phase.Workflows as a glob pattern rooted at
// the configured workflows directory and returns the concatenated file
// contents in deterministic (sorted) order.
func (e *Executor) loadWorkflows(phase *item.Phase) ([]string, error) {
	var out []string
	for _, pattern := range phase.Workflows {
		matches, err := doublestar.Glob(os.DirFS(e.cfg.WorkflowsDir), pattern)
		if err != nil {
			return nil, fmt.Errorf("executor: resolving workflow pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			content, err := os.ReadFile(filepath.Join(e.cfg.WorkflowsDir, m))
			if err != nil {
				return nil, fmt.Errorf("executor: reading workflow file %q: %w", m, err)
			}
			out = append(out, string(content))
		}
	}
	return out, nil
}

// attempt performs steps 3-7 once: prompt assembly, spawn, read+validate.
// Any failure here is retried by the caller's backoff loop.
func (e *Executor) attempt(ctx context.Context, it *item.Item, phase *item.Phase, changeDir, resultPath, previousSummary, nextPhaseHint string) (*item.PhaseResult, error) {
	workflows, err := e.loadWorkflows(phase)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	promptCtx := prompt.BuildContext(it, phase.Name, workflows, previousSummary, nextPhaseHint, resultPath)
	rendered, err := e.gen.Generate("", promptCtx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	if err := os.Remove(resultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("executor: clearing stale result file %q: %w", resultPath, err)
	}

	promptFile := filepath.Join(changeDir, fmt.Sprintf(".prompt_%s.txt", phase.Name))
	if err := os.WriteFile(promptFile, []byte(rendered), 0o644); err != nil {
		return nil, fmt.Errorf("executor: writing prompt file: %w", err)
	}

	args := make([]string, len(e.cfg.Agent.Args))
	for i, a := range e.cfg.Agent.Args {
		args[i] = strings.ReplaceAll(a, "{{prompt_file}}", promptFile)
	}

	res, err := e.spawn.Spawn(ctx, e.cfg.Agent.Command, args, e.cfg.Agent.Timeout, changeDir)
	if err != nil {
		return nil, fmt.Errorf("executor: spawning agent: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("executor: agent exited %d", res.ExitCode)
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("executor: reading result file: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(resultPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("failed to unlink phase result file", "path", resultPath, "err", rmErr)
		}
	}()

	var result item.PhaseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Agents sometimes wrap the result in prose or markdown code fences
		// despite the prompt's instructions. Fall back to extracting the
		// first valid JSON object before giving up.
		if extractErr := jsonutil.ExtractInto(string(raw), &result); extractErr != nil {
			return nil, fmt.Errorf("executor: parsing result file: %w", err)
		}
		log.Warn("result file was not bare JSON, recovered via extraction", "item", it.ID, "phase", phase.Name)
	}
	if err := result.Validate(it.ID, phase.Name); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	if result.Outcome == item.OutcomeFailed {
		return nil, fmt.Errorf("executor: agent reported failure: %s", result.FailureReason)
	}

	return &result, nil
}

// guardrailBreach reports the first configured threshold it exceeds, or ""
// if none is breached.
func (e *Executor) guardrailBreach(it *item.Item) string {
	g := e.cfg.Guardrails
	if g.MaxSize != "" && it.Size.Exceeds(g.MaxSize) {
		return fmt.Sprintf("size %q exceeds guardrail max_size %q", it.Size, g.MaxSize)
	}
	if g.MaxComplexity != "" && it.Complexity.Exceeds(g.MaxComplexity) {
		return fmt.Sprintf("complexity %q exceeds guardrail max_complexity %q", it.Complexity, g.MaxComplexity)
	}
	if g.MaxRisk != "" && it.Risk.Exceeds(g.MaxRisk) {
		return fmt.Sprintf("risk %q exceeds guardrail max_risk %q", it.Risk, g.MaxRisk)
	}
	return ""
}

// resolveTransition implements step 8 and 9.
func (e *Executor) resolveTransition(ctx context.Context, it *item.Item, pipeline *item.Pipeline, pool item.PhasePool, phase *item.Phase, result *item.PhaseResult) (Outcome, error) {
	if len(result.FollowUps) > 0 {
		if _, err := e.coord.IngestFollowUps(ctx, result.FollowUps); err != nil {
			return Outcome{}, fmt.Errorf("executor: ingesting follow-ups: %w", err)
		}
	}

	for dim, val := range result.UpdatedAssessments {
		if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{
			Kind: coordinator.UpdateSetAssessment, AssessmentDim: dim, AssessmentVal: val,
		}); err != nil {
			return Outcome{}, fmt.Errorf("executor: applying assessment %q: %w", dim, err)
		}
		switch dim {
		case "size":
			it.Size = item.Size(val)
		case "complexity":
			it.Complexity = val
		case "risk":
			it.Risk = val
		case "impact":
			it.Impact = val
		}
	}

	if it.Status == item.StatusNew {
		if reason := e.guardrailBreach(it); reason != "" {
			if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{
				Kind: coordinator.UpdateSetBlocked, BlockedType: item.BlockedDecision,
				BlockedReason: reason, BlockedFrom: it.Status,
			}); err != nil {
				return Outcome{}, fmt.Errorf("executor: guardrail block: %w", err)
			}
			return Outcome{ItemID: it.ID, Phase: phase.Name, Transition: TransitionBlocked}, nil
		}
	}

	switch result.Outcome {
	case item.OutcomeSubphaseComplete:
		if err := e.coord.CompletePhase(ctx, it.ID, phase.Name, phase.IsDestructive, result.Outputs); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			ItemID: it.ID, Phase: phase.Name,
			Transition: TransitionSubphaseRepeat,
			NextPhase:  result.NextPhase,
			Summary:    result.Summary,
		}, nil

	case item.OutcomeBlocked:
		if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{
			Kind: coordinator.UpdateSetBlocked, BlockedType: result.BlockedType,
			BlockedReason: result.BlockedReason, BlockedFrom: it.Status,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{ItemID: it.ID, Phase: phase.Name, Transition: TransitionBlocked}, nil

	case item.OutcomeComplete:
		if err := e.coord.CompletePhase(ctx, it.ID, phase.Name, phase.IsDestructive, result.Outputs); err != nil {
			return Outcome{}, err
		}
		if pipeline.IsLastPhase(pool, phase.Name) {
			nextStatus := item.StatusReady
			done := false
			if pool == item.PoolMain {
				nextStatus = item.StatusDone
				done = true
			}
			if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{Kind: coordinator.UpdateTransitionStatus, Status: nextStatus}); err != nil {
				return Outcome{}, err
			}
			return Outcome{ItemID: it.ID, Phase: phase.Name, Transition: TransitionPoolBoundary, Done: done}, nil
		}
		next := pipeline.NextPhase(pool, phase.Name)
		if err := e.coord.UpdateItem(ctx, it.ID, coordinator.ItemUpdate{Kind: coordinator.UpdateSetPhase, Phase: next}); err != nil {
			return Outcome{}, err
		}
		return Outcome{ItemID: it.ID, Phase: phase.Name, Transition: TransitionAdvancedPhase, NextPhase: next, Summary: result.Summary}, nil

	default:
		return Outcome{}, fmt.Errorf("executor: unexpected outcome %q after validation", result.Outcome)
	}
}
