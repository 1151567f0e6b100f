// Package scheduler implements the pure action-selection function: given an
// item snapshot, run parameters, and run-scoped state, it produces a
// deterministic, ordered list of actions for the executor to carry out.
//
// SelectActions performs no I/O and touches no shared mutable state; calling
// it twice with identical arguments always yields identical output.
package scheduler

import (
	"sort"

	"github.com/phase-golem/phase-golem/internal/item"
)

// Params controls one scheduling pass.
type Params struct {
	// Targets restricts scheduling to specific item ids, processed in order.
	Targets []string
	// CurrentTargetIndex is the cursor into Targets (ignored if Targets is empty).
	CurrentTargetIndex int
	// AutoAdvance, when true with Targets set, allows the cursor to skip a
	// blocked target rather than halting on it.
	AutoAdvance bool
	// Filter, if non-empty, restricts eligibility to items whose tags include it.
	Filter string
	// MaxWIP bounds the number of InProgress items (existing + newly promoted).
	MaxWIP int
	// MaxConcurrent bounds the number of concurrently scheduled non-destructive
	// RunPhase actions.
	MaxConcurrent int
}

// Pipelines resolves a pipeline_type to its Pipeline definition.
type Pipelines map[string]*item.Pipeline

// State is the run-scoped scheduler state relevant to selection (a subset of
// the full SchedulerState the run loop owns).
type State struct {
	ConsecutiveExhaustions int
}

// SelectActions is the pure core of the scheduler. See package doc and
// SPEC_FULL.md §4.1 for the eight ordered priority rules it implements.
func SelectActions(snapshot []*item.Item, pipelines Pipelines, params Params, _ State) []item.Action {
	byID := make(map[string]*item.Item, len(snapshot))
	for _, it := range snapshot {
		byID[it.ID] = it
	}

	eligible := filterEligible(snapshot, byID, params)

	var actions []item.Action

	// Rule 2: advance-furthest-first among InProgress items.
	inProgress := sortedByFurthestFirst(eligible, pipelines, item.PoolMain)
	for _, it := range inProgress {
		actions = append(actions, runPhaseAction(it, pipelines))
	}

	// Rule 3: Scoping items, advance-furthest within pre-phases.
	scoping := sortedByFurthestFirst(eligible, pipelines, item.PoolPre)
	for _, it := range scoping {
		actions = append(actions, runPhaseAction(it, pipelines))
	}

	// Rule 4: New items (triage), lexicographic by id.
	var triage []*item.Item
	for _, it := range eligible {
		if it.Status == item.StatusNew {
			triage = append(triage, it)
		}
	}
	sortByID(triage)
	for _, it := range triage {
		actions = append(actions, item.Action{Kind: item.ActionTriage, ItemID: it.ID})
	}

	// Rule 5: Promotion of Ready items, bounded by MaxWIP.
	wipCount := countStatus(snapshot, item.StatusInProgress)
	var ready []*item.Item
	for _, it := range eligible {
		if it.Status == item.StatusReady {
			ready = append(ready, it)
		}
	}
	sortByID(ready)
	for _, it := range ready {
		if params.MaxWIP > 0 && wipCount >= params.MaxWIP {
			break
		}
		actions = append(actions, item.Action{Kind: item.ActionPromote, ItemID: it.ID})
		wipCount++
	}

	// Rule 8 is applied throughout via sortByID/sortedByFurthestFirst producing
	// stable, lexicographic-tiebroken order already.

	// Rule 6: destructive exclusion.
	for _, a := range actions {
		if a.Kind == item.ActionRunPhase && a.IsDestructive {
			return []item.Action{a}
		}
	}

	// Rule 7: concurrency cap on non-destructive RunPhase actions.
	if params.MaxConcurrent > 0 {
		actions = capConcurrentRunPhases(actions, params.MaxConcurrent)
	}

	return actions
}

func runPhaseAction(it *item.Item, pipelines Pipelines) item.Action {
	pool := item.PoolMain
	if it.Status == item.StatusScoping {
		pool = item.PoolPre
	}
	phase := it.Phase
	destructive := false
	if p, ok := pipelines[it.PipelineType]; ok {
		if phase == "" {
			phase = p.FirstPhase(pool)
		}
		if ph := p.PhaseByName(pool, phase); ph != nil {
			destructive = ph.IsDestructive
		}
	}
	return item.Action{Kind: item.ActionRunPhase, ItemID: it.ID, Phase: phase, IsDestructive: destructive}
}

// filterEligible applies rule 1: target/filter restriction and dependency
// gating.
func filterEligible(snapshot []*item.Item, byID map[string]*item.Item, params Params) []*item.Item {
	var targetSet map[string]bool
	if len(params.Targets) > 0 {
		targetSet = targetWindow(params)
	}

	var out []*item.Item
	for _, it := range snapshot {
		if it.Status == item.StatusDone || it.Status == item.StatusBlocked {
			continue
		}
		if targetSet != nil && !targetSet[it.ID] {
			continue
		}
		if params.Filter != "" && !hasTag(it, params.Filter) {
			continue
		}
		if !dependenciesMet(it, byID) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// targetWindow resolves which target ids are currently eligible given the
// cursor and auto-advance setting. Without auto-advance only the item at the
// cursor (and, once the list is exhausted, none) is eligible; with
// auto-advance every target at or after the cursor is eligible, since a
// blocked target will be skipped by the run loop rather than by the
// scheduler itself.
func targetWindow(params Params) map[string]bool {
	set := make(map[string]bool)
	idx := params.CurrentTargetIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(params.Targets) {
		return set
	}
	if params.AutoAdvance {
		for _, id := range params.Targets[idx:] {
			set[id] = true
		}
		return set
	}
	set[params.Targets[idx]] = true
	return set
}

func hasTag(it *item.Item, tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// dependenciesMet reports whether every dependency of it is Done. A
// dependency id that does not resolve in the snapshot is treated as unmet.
func dependenciesMet(it *item.Item, byID map[string]*item.Item) bool {
	for _, dep := range it.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != item.StatusDone {
			return false
		}
	}
	return true
}

// sortedByFurthestFirst returns the subset of items in the given status/pool
// eligible for a RunPhase action, ordered by descending phase index (furthest
// along first), with lexicographic id as the tiebreaker.
func sortedByFurthestFirst(items []*item.Item, pipelines Pipelines, pool item.PhasePool) []*item.Item {
	wantStatus := item.StatusInProgress
	if pool == item.PoolPre {
		wantStatus = item.StatusScoping
	}

	var subset []*item.Item
	for _, it := range items {
		if it.Status == wantStatus {
			subset = append(subset, it)
		}
	}

	sort.SliceStable(subset, func(i, j int) bool {
		pi := phaseIndexOf(subset[i], pipelines, pool)
		pj := phaseIndexOf(subset[j], pipelines, pool)
		if pi != pj {
			return pi > pj
		}
		return subset[i].ID < subset[j].ID
	})
	return subset
}

func phaseIndexOf(it *item.Item, pipelines Pipelines, pool item.PhasePool) int {
	p, ok := pipelines[it.PipelineType]
	if !ok {
		return -1
	}
	phase := it.Phase
	if phase == "" {
		phase = p.FirstPhase(pool)
	}
	return p.PhaseIndex(pool, phase)
}

func sortByID(items []*item.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

func countStatus(items []*item.Item, s item.Status) int {
	n := 0
	for _, it := range items {
		if it.Status == s {
			n++
		}
	}
	return n
}

// capConcurrentRunPhases keeps every non-RunPhase action and the first n
// non-destructive RunPhase actions (in existing order), where n is
// maxConcurrent.
func capConcurrentRunPhases(actions []item.Action, maxConcurrent int) []item.Action {
	out := make([]item.Action, 0, len(actions))
	runPhases := 0
	for _, a := range actions {
		if a.Kind != item.ActionRunPhase {
			out = append(out, a)
			continue
		}
		if runPhases >= maxConcurrent {
			continue
		}
		out = append(out, a)
		runPhases++
	}
	return out
}
