// Package item defines the core domain entities phase-golem orchestrates:
// Item, Pipeline, Phase, PhaseResult and the Action the scheduler emits.
package item

import "time"

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusNew        Status = "New"
	StatusScoping    Status = "Scoping"
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusDone       Status = "Done"
	StatusBlocked    Status = "Blocked"
)

// validStatuses is the set of all known Status values.
var validStatuses = map[Status]bool{
	StatusNew:        true,
	StatusScoping:    true,
	StatusReady:      true,
	StatusInProgress: true,
	StatusDone:       true,
	StatusBlocked:    true,
}

// IsValid reports whether s is a recognized status value.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// Level is a three-point assessment scale used for size, complexity, risk,
// and impact.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var levelRank = map[Level]int{LevelLow: 0, LevelMedium: 1, LevelHigh: 2}

// Exceeds reports whether l is strictly greater than max on the low/medium/high
// scale. An unrecognized level never exceeds anything.
func (l Level) Exceeds(max Level) bool {
	lr, ok := levelRank[l]
	if !ok {
		return false
	}
	mr, ok := levelRank[max]
	if !ok {
		return false
	}
	return lr > mr
}

// IsValid reports whether l is one of the recognized levels.
func (l Level) IsValid() bool {
	_, ok := levelRank[l]
	return ok
}

// Size is the size assessment scale (small/medium/large). It shares the
// small-scale ordering semantics with Level but is spelled distinctly in the
// data model, so it gets its own type.
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

var sizeRank = map[Size]int{SizeSmall: 0, SizeMedium: 1, SizeLarge: 2}

// Exceeds reports whether s is strictly greater than max.
func (s Size) Exceeds(max Size) bool {
	sr, ok := sizeRank[s]
	if !ok {
		return false
	}
	mr, ok := sizeRank[max]
	if !ok {
		return false
	}
	return sr > mr
}

// IsValid reports whether s is one of the recognized sizes.
func (s Size) IsValid() bool {
	_, ok := sizeRank[s]
	return ok
}

// PhasePool distinguishes pre-phases (run during Scoping) from main phases
// (run during InProgress).
type PhasePool string

const (
	PoolPre  PhasePool = "pre"
	PoolMain PhasePool = "main"
)

// BlockedType classifies why an item is blocked.
type BlockedType string

const (
	BlockedClarification BlockedType = "clarification"
	BlockedDecision       BlockedType = "decision"
)

// Description holds the optional structured description fields. Empty
// fields are omitted when rendered into a prompt (see prompt.Assemble).
type Description struct {
	Context         string `json:"context,omitempty"`
	Problem         string `json:"problem,omitempty"`
	Solution        string `json:"solution,omitempty"`
	Impact          string `json:"impact,omitempty"`
	SizingRationale string `json:"sizing_rationale,omitempty"`
}

// IsEmpty reports whether every field of d is empty.
func (d *Description) IsEmpty() bool {
	return d == nil || (d.Context == "" && d.Problem == "" && d.Solution == "" && d.Impact == "" && d.SizingRationale == "")
}

// Item is the unit of work phase-golem drives through a pipeline.
type Item struct {
	ID string `json:"id"`

	Title        string       `json:"title"`
	Description  *Description `json:"description,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`

	Size       Size  `json:"size,omitempty"`
	Complexity Level `json:"complexity,omitempty"`
	Risk       Level `json:"risk,omitempty"`
	Impact     Level `json:"impact,omitempty"`

	PipelineType string    `json:"pipeline_type,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	PhasePool    PhasePool `json:"phase_pool,omitempty"`

	Status Status `json:"status"`

	BlockedType       BlockedType `json:"blocked_type,omitempty"`
	BlockedFromStatus Status      `json:"blocked_from_status,omitempty"`
	BlockedReason     string      `json:"blocked_reason,omitempty"`
	UnblockContext    string      `json:"unblock_context,omitempty"`

	RequiresHumanReview bool `json:"requires_human_review,omitempty"`

	LastPhaseCommit string     `json:"last_phase_commit,omitempty"`
	Created         time.Time  `json:"created"`
	Updated         time.Time  `json:"updated"`
	PhaseEnteredAt  *time.Time `json:"phase_entered_at,omitempty"`

	Origin string `json:"origin,omitempty"`
}

// Clone returns a deep copy of the item, suitable for the structural-clone
// snapshot the Coordinator hands to readers.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Description != nil {
		d := *it.Description
		cp.Description = &d
	}
	cp.Tags = append([]string(nil), it.Tags...)
	cp.Dependencies = append([]string(nil), it.Dependencies...)
	if it.PhaseEnteredAt != nil {
		t := *it.PhaseEnteredAt
		cp.PhaseEnteredAt = &t
	}
	return &cp
}

// Phase is one named step in a Pipeline.
type Phase struct {
	Name          string   `json:"name" toml:"name"`
	Workflows     []string `json:"workflows" toml:"workflows"`
	IsDestructive bool     `json:"is_destructive" toml:"is_destructive"`
	Staleness     Staleness `json:"staleness" toml:"staleness"`
}

// Staleness describes how a destructive phase reacts when an item's last
// committed phase is no longer an ancestor of the VCS head.
type Staleness string

const (
	StalenessIgnore Staleness = "ignore"
	StalenessWarn   Staleness = "warn"
	StalenessBlock  Staleness = "block"
)

// Pipeline is a named, ordered pair of phase lists.
type Pipeline struct {
	Name      string  `json:"name" toml:"-"`
	PrePhases []Phase `json:"pre_phases" toml:"pre_phases"`
	Phases    []Phase `json:"phases" toml:"phases"`
}

// PoolPhases returns the phase list for the given pool.
func (p *Pipeline) PoolPhases(pool PhasePool) []Phase {
	if pool == PoolPre {
		return p.PrePhases
	}
	return p.Phases
}

// PhaseIndex returns the index of the named phase within the given pool, or
// -1 if not found.
func (p *Pipeline) PhaseIndex(pool PhasePool, name string) int {
	for i, ph := range p.PoolPhases(pool) {
		if ph.Name == name {
			return i
		}
	}
	return -1
}

// PhaseByName returns the phase with the given name in the given pool, or
// nil if not found.
func (p *Pipeline) PhaseByName(pool PhasePool, name string) *Phase {
	phases := p.PoolPhases(pool)
	for i := range phases {
		if phases[i].Name == name {
			return &phases[i]
		}
	}
	return nil
}

// IsLastPhase reports whether name is the final phase in the given pool.
func (p *Pipeline) IsLastPhase(pool PhasePool, name string) bool {
	phases := p.PoolPhases(pool)
	if len(phases) == 0 {
		return false
	}
	return phases[len(phases)-1].Name == name
}

// FirstPhase returns the first phase's name in the given pool, or "" if the
// pool has no phases.
func (p *Pipeline) FirstPhase(pool PhasePool) string {
	phases := p.PoolPhases(pool)
	if len(phases) == 0 {
		return ""
	}
	return phases[0].Name
}

// NextPhase returns the phase following name in the given pool, or "" if
// name is the last phase (or not found).
func (p *Pipeline) NextPhase(pool PhasePool, name string) string {
	idx := p.PhaseIndex(pool, name)
	phases := p.PoolPhases(pool)
	if idx < 0 || idx+1 >= len(phases) {
		return ""
	}
	return phases[idx+1].Name
}

// Outcome is the result an agent reports for a phase invocation.
type Outcome string

const (
	OutcomeComplete         Outcome = "complete"
	OutcomeSubphaseComplete Outcome = "subphase_complete"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeFailed           Outcome = "failed"
)

// FollowUp is a new item seed produced by a phase.
type FollowUp struct {
	Title       string       `json:"title"`
	Description *Description `json:"description,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Origin      string       `json:"origin,omitempty"`
}

// PhaseResult is the JSON an agent writes at the end of a phase invocation.
type PhaseResult struct {
	ItemID  string  `json:"item_id"`
	Phase   string  `json:"phase"`
	Outcome Outcome `json:"outcome"`

	Summary            string            `json:"summary,omitempty"`
	Description        *Description      `json:"description,omitempty"`
	UpdatedAssessments map[string]Level  `json:"updated_assessments,omitempty"`
	PipelineType       string            `json:"pipeline_type,omitempty"`
	Outputs            []string          `json:"outputs,omitempty"`
	FollowUps          []FollowUp        `json:"follow_ups,omitempty"`
	Duplicates         []string          `json:"duplicates,omitempty"`
	BlockedType        BlockedType       `json:"blocked_type,omitempty"`
	BlockedReason      string            `json:"blocked_reason,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	NextPhase          string            `json:"next_phase,omitempty"`
}

// Validate checks that the result satisfies the identity-validation
// requirement against the requested item id and phase (SPEC_FULL §4.2 step 7).
func (r *PhaseResult) Validate(wantItemID, wantPhase string) error {
	if r.ItemID != wantItemID {
		return &IdentityMismatchError{Field: "item_id", Want: wantItemID, Got: r.ItemID}
	}
	if r.Phase != wantPhase {
		return &IdentityMismatchError{Field: "phase", Want: wantPhase, Got: r.Phase}
	}
	switch r.Outcome {
	case OutcomeComplete, OutcomeSubphaseComplete, OutcomeBlocked, OutcomeFailed:
	default:
		return &InvalidOutcomeError{Outcome: string(r.Outcome)}
	}
	return nil
}

// IdentityMismatchError reports that a PhaseResult's item_id or phase did
// not match the request that produced it.
type IdentityMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *IdentityMismatchError) Error() string {
	return "phase result identity mismatch: " + e.Field + " want " + e.Want + " got " + e.Got
}

// InvalidOutcomeError reports an unrecognized PhaseResult.Outcome value.
type InvalidOutcomeError struct {
	Outcome string
}

func (e *InvalidOutcomeError) Error() string {
	return "phase result has invalid outcome " + e.Outcome
}

// ActionKind identifies which operation a scheduled Action performs.
type ActionKind string

const (
	ActionRunPhase ActionKind = "run_phase"
	ActionPromote  ActionKind = "promote"
	ActionTriage   ActionKind = "triage"
)

// Action is one unit of scheduled work emitted by the scheduler.
type Action struct {
	Kind          ActionKind
	ItemID        string
	Phase         string
	IsDestructive bool
}
