// Package runloop drives the main orchestration loop: acquire the run
// lock, spawn the coordinator, repeatedly ask the scheduler for actions,
// dispatch them to the executor, and apply the results until a halt
// condition is reached.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/phase-golem/phase-golem/internal/coordinator"
	"github.com/phase-golem/phase-golem/internal/executor"
	"github.com/phase-golem/phase-golem/internal/item"
	"github.com/phase-golem/phase-golem/internal/scheduler"
)

// HaltReason names why the main loop stopped.
type HaltReason string

const (
	HaltAllDoneOrBlocked    HaltReason = "AllDoneOrBlocked"
	HaltCapReached          HaltReason = "CapReached"
	HaltCircuitBreaker      HaltReason = "CircuitBreakerTripped"
	HaltShutdownRequested   HaltReason = "ShutdownRequested"
	HaltTargetCompleted     HaltReason = "TargetCompleted"
	HaltTargetBlocked       HaltReason = "TargetBlocked"
	HaltFilterExhausted     HaltReason = "FilterExhausted"
	HaltNoMatchingItems     HaltReason = "NoMatchingItems"
	HaltTriageComplete      HaltReason = "TriageComplete"
)

// breakerThreshold is the consecutive-exhaustion count at which the circuit
// breaker trips.
const breakerThreshold = 2

// EventKind identifies what a dashboard Event reports.
type EventKind string

const (
	EventActionStarted  EventKind = "action_started"
	EventActionFinished EventKind = "action_finished"
	EventHalted         EventKind = "halted"
)

// Event is a non-blocking progress notification emitted for an optional live
// view (see internal/dashboard). The run loop never waits on a consumer.
type Event struct {
	Kind       EventKind
	ItemID     string
	Phase      string
	ActionKind item.ActionKind
	Transition executor.Transition
	Summary    string
	Halt       HaltReason
}

// Coordinator is the subset of *coordinator.Coordinator the run loop calls
// directly (beyond what it hands to the executor).
type Coordinator interface {
	GetSnapshot(ctx context.Context) ([]*item.Item, error)
	UpdateItem(ctx context.Context, itemID string, up coordinator.ItemUpdate) error
	BatchCommit(ctx context.Context) error
	IngestInbox(ctx context.Context, entries []item.FollowUp) ([]string, error)
	Archive(ctx context.Context, itemID string) error
}

// Executor is the subset of *executor.Executor the run loop calls.
type Executor interface {
	Run(ctx context.Context, it *item.Item, pipeline *item.Pipeline, pool item.PhasePool, phaseName string, previousSummary string) (executor.Outcome, error)
}

// ShutdownFlag reports whether a shutdown has been requested (satisfied by
// *agentrunner.Runner).
type ShutdownFlag interface {
	ShutdownRequested() bool
}

// Params configures one run.
type Params struct {
	Targets       []string
	Filter        string
	AutoAdvance   bool
	MaxWIP        int
	MaxConcurrent int
	MaxRetries    int
	PhaseCap      int
	TriagePhase   string // phase name run for New items, within the item's resolved pipeline

	// TriageOnly restricts dispatch to Triage actions and halts with
	// HaltTriageComplete as soon as none remain, instead of continuing on
	// into Promote/RunPhase. Used by the standalone triage subcommand.
	TriageOnly bool

	LockPath string
	InboxFn  func() ([]item.FollowUp, error) // reads and clears the inbox file; nil means no inbox

	// Events, if non-nil, receives a best-effort stream of progress
	// notifications for an optional live view. Sends never block the loop:
	// a full channel drops the event.
	Events chan<- Event
}

// Result is returned once the loop halts.
type Result struct {
	Halt           HaltReason
	ItemsCompleted []string
	ItemsBlocked   []string
	PhasesExecuted int
}

// Loop owns one run's scheduler state and drives it to completion.
type Loop struct {
	coord      Coordinator
	exec       Executor
	pipelines  scheduler.Pipelines
	shutdown   ShutdownFlag
	params     Params

	currentTargetIndex     int
	consecutiveExhaustions int
	phasesExecuted         int
	itemsCompleted         []string
	itemsBlocked           []string
	previousSummaries      map[string]string
}

// New constructs a Loop.
func New(coord Coordinator, exec Executor, pipelines scheduler.Pipelines, shutdown ShutdownFlag, params Params) *Loop {
	return &Loop{
		coord:             coord,
		exec:              exec,
		pipelines:         pipelines,
		shutdown:          shutdown,
		params:            params,
		previousSummaries: make(map[string]string),
	}
}

// AcquireLock takes an exclusive file lock on lockPath, refusing to start if
// another instance holds it. The returned unlock function must be called
// (typically via defer) once the loop returns.
func AcquireLock(lockPath string) (*flock.Flock, func() error, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("runloop: acquiring lock %q: %w", lockPath, err)
	}
	if !locked {
		return nil, nil, fmt.Errorf("runloop: another instance holds the lock at %q", lockPath)
	}
	return fl, fl.Unlock, nil
}

// CleanStaleResultFiles deletes every file in runtimeDir matching the phase
// result naming pattern. Errors are logged, never fatal.
func CleanStaleResultFiles(runtimeDir string) {
	matches, err := doublestar.Glob(os.DirFS(runtimeDir), "phase_result_*.json")
	if err != nil {
		log.Warn("runloop: globbing stale result files", "err", err)
		return
	}
	for _, m := range matches {
		path := filepath.Join(runtimeDir, m)
		if err := os.Remove(path); err != nil {
			log.Warn("runloop: removing stale result file", "path", path, "err", err)
		}
	}
}

// Run executes the main iteration until a halt condition is reached.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	for {
		if l.shutdown != nil && l.shutdown.ShutdownRequested() {
			return l.result(HaltShutdownRequested), nil
		}
		if l.consecutiveExhaustions >= breakerThreshold {
			return l.result(HaltCircuitBreaker), nil
		}
		if l.params.PhaseCap > 0 && l.phasesExecuted >= l.params.PhaseCap {
			return l.result(HaltCapReached), nil
		}

		if l.params.InboxFn != nil {
			entries, err := l.params.InboxFn()
			if err != nil {
				log.Warn("runloop: reading inbox", "err", err)
			} else if len(entries) > 0 {
				if _, err := l.coord.IngestInbox(ctx, entries); err != nil {
					log.Warn("runloop: ingesting inbox", "err", err)
				}
			}
		}

		snapshot, err := l.coord.GetSnapshot(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("runloop: snapshot: %w", err)
		}

		if halted, res, err := l.checkTargetBlocked(ctx, snapshot); err != nil {
			return Result{}, err
		} else if halted {
			return res, nil
		}

		l.advanceTargetCursor(snapshot)

		if len(l.params.Targets) > 0 && l.currentTargetIndex >= len(l.params.Targets) {
			return l.result(HaltTargetCompleted), nil
		}

		actions := scheduler.SelectActions(snapshot, l.pipelines, l.schedulerParams(), scheduler.State{ConsecutiveExhaustions: l.consecutiveExhaustions})

		if l.params.TriageOnly {
			actions = onlyTriageActions(actions)
			if len(actions) == 0 {
				return l.result(HaltTriageComplete), nil
			}
		}

		if len(actions) == 0 {
			if len(l.params.Targets) > 0 {
				return l.result(HaltTargetCompleted), nil
			}
			if l.params.Filter != "" {
				return l.result(HaltFilterExhausted), nil
			}
			return l.result(HaltAllDoneOrBlocked), nil
		}

		if err := l.dispatch(ctx, snapshot, actions); err != nil {
			return Result{}, err
		}
	}
}

// onlyTriageActions filters a scheduled batch down to Triage actions,
// preserving order.
func onlyTriageActions(actions []item.Action) []item.Action {
	out := actions[:0:0]
	for _, a := range actions {
		if a.Kind == item.ActionTriage {
			out = append(out, a)
		}
	}
	return out
}

func (l *Loop) schedulerParams() scheduler.Params {
	return scheduler.Params{
		Targets:            l.params.Targets,
		CurrentTargetIndex: l.currentTargetIndex,
		AutoAdvance:        l.params.AutoAdvance,
		Filter:             l.params.Filter,
		MaxWIP:             l.params.MaxWIP,
		MaxConcurrent:      l.params.MaxConcurrent,
	}
}

// checkTargetBlocked implements step 5: halt, or drain+advance under
// auto_advance, when the current target is Blocked at runtime.
func (l *Loop) checkTargetBlocked(ctx context.Context, snapshot []*item.Item) (bool, Result, error) {
	if len(l.params.Targets) == 0 || l.currentTargetIndex >= len(l.params.Targets) {
		return false, Result{}, nil
	}
	targetID := l.params.Targets[l.currentTargetIndex]
	var target *item.Item
	for _, it := range snapshot {
		if it.ID == targetID {
			target = it
			break
		}
	}
	if target == nil || target.Status != item.StatusBlocked {
		return false, Result{}, nil
	}

	if !l.params.AutoAdvance {
		return true, l.result(HaltTargetBlocked), nil
	}

	if err := l.coord.BatchCommit(ctx); err != nil {
		return true, Result{}, fmt.Errorf("runloop: auto-advance batch commit: %w", err)
	}
	l.consecutiveExhaustions = 0
	l.itemsBlocked = append(l.itemsBlocked, targetID)
	l.currentTargetIndex++
	return false, Result{}, nil
}

// advanceTargetCursor skips past targets already Done in the snapshot.
func (l *Loop) advanceTargetCursor(snapshot []*item.Item) {
	if len(l.params.Targets) == 0 {
		return
	}
	byID := make(map[string]*item.Item, len(snapshot))
	for _, it := range snapshot {
		byID[it.ID] = it
	}
	for l.currentTargetIndex < len(l.params.Targets) {
		it, ok := byID[l.params.Targets[l.currentTargetIndex]]
		if ok && it.Status == item.StatusDone {
			l.itemsCompleted = append(l.itemsCompleted, it.ID)
			l.currentTargetIndex++
			continue
		}
		break
	}
}

// dispatch implements step 9/10: Promote synchronously, RunPhase/Triage
// concurrently bounded by max_concurrent, then apply every result in order
// of completion.
func (l *Loop) dispatch(ctx context.Context, snapshot []*item.Item, actions []item.Action) error {
	byID := make(map[string]*item.Item, len(snapshot))
	for _, it := range snapshot {
		byID[it.ID] = it
	}

	var concurrent []item.Action
	for _, a := range actions {
		if a.Kind == item.ActionPromote {
			if err := l.applyPromote(ctx, byID, a); err != nil {
				return err
			}
			continue
		}
		concurrent = append(concurrent, a)
	}
	if len(concurrent) == 0 {
		return nil
	}

	maxConcurrent := l.params.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = len(concurrent)
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	outcomes := make([]executor.Outcome, len(concurrent))
	execErrs := make([]error, len(concurrent))

	for i, a := range concurrent {
		i, a := i, a
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcome, err := l.runOne(gctx, byID, a)
			outcomes[i] = outcome
			execErrs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, a := range concurrent {
		if err := l.applyOutcome(ctx, a, outcomes[i], execErrs[i]); err != nil {
			return err
		}
	}
	return nil
}

// applyPromote transitions a Ready item to InProgress and sets its phase to
// the first main phase of its pipeline.
func (l *Loop) applyPromote(ctx context.Context, byID map[string]*item.Item, a item.Action) error {
	if err := l.coord.UpdateItem(ctx, a.ItemID, coordinator.ItemUpdate{Kind: coordinator.UpdateTransitionStatus, Status: item.StatusInProgress}); err != nil {
		return fmt.Errorf("runloop: promoting %s: %w", a.ItemID, err)
	}

	it, ok := byID[a.ItemID]
	if !ok {
		return nil
	}
	pipeline, ok := l.pipelines[it.PipelineType]
	if !ok {
		return nil
	}
	phase := pipeline.FirstPhase(item.PoolMain)
	if phase == "" {
		return nil
	}
	if err := l.coord.UpdateItem(ctx, a.ItemID, coordinator.ItemUpdate{Kind: coordinator.UpdateSetPhase, Phase: phase}); err != nil {
		return fmt.Errorf("runloop: promoting %s: setting first phase: %w", a.ItemID, err)
	}
	return nil
}

func (l *Loop) runOne(ctx context.Context, byID map[string]*item.Item, a item.Action) (executor.Outcome, error) {
	it, ok := byID[a.ItemID]
	if !ok {
		return executor.Outcome{}, fmt.Errorf("runloop: dispatch: unknown item %s", a.ItemID)
	}
	pipeline, ok := l.pipelines[it.PipelineType]
	if !ok {
		return executor.Outcome{}, fmt.Errorf("runloop: dispatch: unknown pipeline %q for item %s", it.PipelineType, it.ID)
	}
	pool := item.PoolMain
	if it.Status == item.StatusScoping {
		pool = item.PoolPre
	}
	phase := a.Phase
	if a.Kind == item.ActionTriage {
		phase = l.params.TriagePhase
		pool = item.PoolPre
	}
	if phase == "" {
		phase = pipeline.FirstPhase(pool)
	}
	l.emit(Event{Kind: EventActionStarted, ItemID: it.ID, Phase: phase, ActionKind: a.Kind})
	return l.exec.Run(ctx, it, pipeline, pool, phase, l.previousSummaries[it.ID])
}

// applyOutcome implements step 10: update SchedulerState, previous_summaries,
// phases_executed, and the breaker counter from one phase's result.
func (l *Loop) applyOutcome(ctx context.Context, a item.Action, outcome executor.Outcome, err error) error {
	if err != nil {
		log.Error("runloop: phase execution error", "item", a.ItemID, "err", err)
		return nil
	}
	l.phasesExecuted++
	l.emit(Event{Kind: EventActionFinished, ItemID: a.ItemID, Phase: outcome.Phase, ActionKind: a.Kind, Transition: outcome.Transition, Summary: outcome.Summary})

	switch outcome.Transition {
	case executor.TransitionRetryableFailed:
		l.consecutiveExhaustions++
		return nil
	case executor.TransitionAdvancedPhase, executor.TransitionSubphaseRepeat:
		l.consecutiveExhaustions = 0
		l.previousSummaries[a.ItemID] = outcome.Summary
		l.warnIfSummariesLeaking()
		if a.Kind == item.ActionTriage {
			// The triage pre-phase advanced without yet crossing the pool
			// boundary into Ready (multi-pre-phase pipeline). Leave New so
			// the scheduler's Scope rule picks the item up by its real,
			// already-advanced phase instead of re-running triage.
			if err := l.coord.UpdateItem(ctx, a.ItemID, coordinator.ItemUpdate{Kind: coordinator.UpdateTransitionStatus, Status: item.StatusScoping}); err != nil {
				log.Error("runloop: transitioning triaged item to scoping", "item", a.ItemID, "err", err)
			}
		}
	case executor.TransitionPoolBoundary:
		l.consecutiveExhaustions = 0
		l.clearSummary(a.ItemID)
		if outcome.Done {
			if err := l.coord.Archive(ctx, a.ItemID); err != nil {
				log.Error("runloop: archiving completed item", "item", a.ItemID, "err", err)
			}
			l.itemsCompleted = append(l.itemsCompleted, a.ItemID)
		}
	case executor.TransitionBlocked, executor.TransitionFatalBlocked:
		l.consecutiveExhaustions = 0
		l.clearSummary(a.ItemID)
		l.itemsBlocked = append(l.itemsBlocked, a.ItemID)
	}
	return nil
}

// clearSummary removes a.ItemID's entry, implementing the previous-summary
// lifecycle invariant: every terminal transition (Done, Blocked) must leave
// no entry behind.
func (l *Loop) clearSummary(itemID string) {
	delete(l.previousSummaries, itemID)
}

func (l *Loop) warnIfSummariesLeaking() {
	limit := l.params.MaxWIP * 20
	if limit > 0 && len(l.previousSummaries) > limit {
		log.Warn("previous_summaries map exceeds expected bound", "size", len(l.previousSummaries), "limit", limit)
	}
}

// emit sends an Event on l.params.Events without blocking. It is a no-op
// when no dashboard is attached or the channel is full.
func (l *Loop) emit(ev Event) {
	if l.params.Events == nil {
		return
	}
	select {
	case l.params.Events <- ev:
	default:
	}
}

func (l *Loop) result(halt HaltReason) Result {
	ic := append([]string(nil), l.itemsCompleted...)
	ib := append([]string(nil), l.itemsBlocked...)
	sort.Strings(ic)
	sort.Strings(ib)
	l.emit(Event{Kind: EventHalted, Halt: halt})
	return Result{Halt: halt, ItemsCompleted: ic, ItemsBlocked: ib, PhasesExecuted: l.phasesExecuted}
}

// Shutdown implements the 2-step shutdown sequence of steps 1-2: kill all
// child process groups, then wait for the coordinator to drain.
func Shutdown(ctx context.Context, kill func(), coordDone <-chan struct{}, timeout time.Duration) error {
	kill()
	select {
	case <-coordDone:
		return nil
	case <-time.After(timeout):
		return errors.New("runloop: coordinator did not drain within shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
