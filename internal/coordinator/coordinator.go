// Package coordinator serializes every mutation to the item backlog through
// a single goroutine reachable only by message passing, so that concurrent
// executor goroutines never race on shared state.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/phase-golem/phase-golem/internal/item"
)

// ErrorCategory classifies a command failure for the run loop's retry
// discipline.
type ErrorCategory int

const (
	// CategoryRetryable is a transient failure; the caller may retry.
	CategoryRetryable ErrorCategory = iota
	// CategorySkip means the command target was invalid (unknown id, bad
	// transition); the caller should log and move on.
	CategorySkip
	// CategoryFatal means the coordinator itself can no longer be trusted
	// (storage corruption, duplicate id detected at runtime).
	CategoryFatal
)

// CommandError wraps a command failure with its category.
type CommandError struct {
	Category ErrorCategory
	Err      error
}

func (e *CommandError) Error() string { return e.Err.Error() }
func (e *CommandError) Unwrap() error { return e.Err }

func retryable(err error) error { return &CommandError{Category: CategoryRetryable, Err: err} }
func skip(err error) error      { return &CommandError{Category: CategorySkip, Err: err} }
func fatal(err error) error     { return &CommandError{Category: CategoryFatal, Err: err} }

// Store is the persistence collaborator the coordinator drives. Concrete
// implementation lives in internal/store.
type Store interface {
	List() ([]*item.Item, error)
	Put(it *item.Item) error
	NextIDs(n int) ([]string, error)
	Remove(id string) (*item.Item, error)
	Archive(it *item.Item, at time.Time) error
}

// VCS is the version-control collaborator the coordinator drives. Satisfied
// by *git.GitClient.
type VCS interface {
	Stage(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) (string, error)
	HeadCommit(ctx context.Context) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	HasUncommittedChanges(ctx context.Context) (bool, error)
}

// ItemUpdate names one mutation UpdateItem may apply. Exactly one of the
// Set* fields is read, selected by Kind.
type UpdateKind string

const (
	UpdateTransitionStatus UpdateKind = "transition_status"
	UpdateSetPhase         UpdateKind = "set_phase"
	UpdateSetAssessment    UpdateKind = "set_assessment"
	UpdateSetPipelineType  UpdateKind = "set_pipeline_type"
	UpdateSetDescription   UpdateKind = "set_description"
	UpdateSetBlocked       UpdateKind = "set_blocked"
	UpdateSetUnblockContext UpdateKind = "set_unblock_context"
)

// ItemUpdate is the payload for UpdateItem.
type ItemUpdate struct {
	Kind UpdateKind

	Status Status

	Phase string

	AssessmentDim string
	AssessmentVal item.Level

	PipelineType string

	Description *item.Description

	BlockedType   item.BlockedType
	BlockedReason string
	BlockedFrom   Status

	UnblockContext string
}

// Status is a local alias kept distinct from item.Status so coordinator
// callers never need to import internal/item just to build an ItemUpdate.
type Status = item.Status

// Coordinator owns the canonical in-memory item map and the pending-batch
// commit list, and serializes all access to them through cmds.
type Coordinator struct {
	store Store
	vcs   VCS

	cmds chan command
	done chan struct{}

	items        map[string]*item.Item
	nextIDPrefix string

	pendingBatch []batchEntry
}

type batchEntry struct {
	itemID string
	phase  string
}

// New constructs a Coordinator. Call Run in its own goroutine to start
// serving commands; Close stops it.
func New(store Store, vcs VCS, idPrefix string) (*Coordinator, error) {
	items, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading initial snapshot: %w", err)
	}
	byID := make(map[string]*item.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	return &Coordinator{
		store:        store,
		vcs:          vcs,
		cmds:         make(chan command),
		done:         make(chan struct{}),
		items:        byID,
		nextIDPrefix: idPrefix,
	}, nil
}

// command is the envelope every request takes through cmds. Exactly one of
// the op-specific fields is populated; reply always receives exactly once.
type command struct {
	op    opKind
	ctx   context.Context
	reply chan any

	itemID string
	update ItemUpdate

	phase         string
	isDestructive bool
	outputPaths   []string

	newItems []item.FollowUp

	sha string
}

type opKind int

const (
	opGetSnapshot opKind = iota
	opUpdateItem
	opCompletePhase
	opBatchCommit
	opIngestFollowUps
	opIngestInbox
	opArchive
	opGetHeadSha
	opIsAncestor
)

// Run drains the command channel until the context is canceled or Close is
// called. It must run in its own goroutine; it is the only goroutine that
// touches c.items or c.pendingBatch.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.cmds:
			if !ok {
				return
			}
			c.dispatch(cmd)
		}
	}
}

// Close stops accepting new commands. Safe to call once.
func (c *Coordinator) Close() {
	close(c.cmds)
}

// Done returns a channel closed once Run has returned, so callers can await
// final drain before exiting.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			cmd.reply <- fatal(fmt.Errorf("coordinator: panic handling %v: %v", cmd.op, r))
		}
	}()

	switch cmd.op {
	case opGetSnapshot:
		cmd.reply <- c.handleGetSnapshot()
	case opUpdateItem:
		cmd.reply <- c.handleUpdateItem(cmd.itemID, cmd.update)
	case opCompletePhase:
		cmd.reply <- c.handleCompletePhase(cmd.ctx, cmd.itemID, cmd.phase, cmd.isDestructive, cmd.outputPaths)
	case opBatchCommit:
		cmd.reply <- c.handleBatchCommit(cmd.ctx)
	case opIngestFollowUps, opIngestInbox:
		cmd.reply <- c.handleIngest(cmd.newItems)
	case opArchive:
		cmd.reply <- c.handleArchive(cmd.itemID)
	case opGetHeadSha:
		cmd.reply <- c.handleGetHeadSha(cmd.ctx)
	case opIsAncestor:
		cmd.reply <- c.handleIsAncestor(cmd.ctx, cmd.sha)
	}
}

// --- public request/reply API ---

// GetSnapshot returns a structural clone of every item.
func (c *Coordinator) GetSnapshot(ctx context.Context) ([]*item.Item, error) {
	v, err := c.send(ctx, command{op: opGetSnapshot})
	if err != nil {
		return nil, err
	}
	return v.([]*item.Item), nil
}

// UpdateItem applies one update to the named item and persists the result.
func (c *Coordinator) UpdateItem(ctx context.Context, itemID string, up ItemUpdate) error {
	v, err := c.send(ctx, command{op: opUpdateItem, itemID: itemID, update: up})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return v.(error)
}

// CompletePhase stages the phase's output paths. Destructive phases commit
// immediately; non-destructive phases are queued for the next BatchCommit.
func (c *Coordinator) CompletePhase(ctx context.Context, itemID, phase string, isDestructive bool, outputPaths []string) error {
	v, err := c.send(ctx, command{op: opCompletePhase, ctx: ctx, itemID: itemID, phase: phase, isDestructive: isDestructive, outputPaths: outputPaths})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return v.(error)
}

// BatchCommit commits the pending non-destructive completions as one commit,
// if there is anything staged. A no-op pending batch always succeeds.
func (c *Coordinator) BatchCommit(ctx context.Context) error {
	v, err := c.send(ctx, command{op: opBatchCommit, ctx: ctx})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return v.(error)
}

// IngestFollowUps assigns fresh ids to each follow-up and appends them as
// New items.
func (c *Coordinator) IngestFollowUps(ctx context.Context, followUps []item.FollowUp) ([]string, error) {
	return c.ingest(ctx, opIngestFollowUps, followUps)
}

// IngestInbox behaves identically to IngestFollowUps; it is a distinct
// command only so the run loop can log the two sources separately.
func (c *Coordinator) IngestInbox(ctx context.Context, entries []item.FollowUp) ([]string, error) {
	return c.ingest(ctx, opIngestInbox, entries)
}

func (c *Coordinator) ingest(ctx context.Context, op opKind, entries []item.FollowUp) ([]string, error) {
	v, err := c.send(ctx, command{op: op, newItems: entries})
	if err != nil {
		return nil, err
	}
	if ids, ok := v.([]string); ok {
		return ids, nil
	}
	return nil, v.(error)
}

// Archive moves an item to the worklog and removes it from the active set.
func (c *Coordinator) Archive(ctx context.Context, itemID string) error {
	v, err := c.send(ctx, command{op: opArchive, itemID: itemID})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return v.(error)
}

// GetHeadSha returns the VCS HEAD commit.
func (c *Coordinator) GetHeadSha(ctx context.Context) (string, error) {
	v, err := c.send(ctx, command{op: opGetHeadSha, ctx: ctx})
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", v.(error)
}

// IsAncestor reports whether sha is an ancestor of the current HEAD.
func (c *Coordinator) IsAncestor(ctx context.Context, sha string) (bool, error) {
	v, err := c.send(ctx, command{op: opIsAncestor, ctx: ctx, sha: sha})
	if err != nil {
		return false, err
	}
	switch r := v.(type) {
	case bool:
		return r, nil
	case error:
		return false, r
	}
	return false, nil
}

// send enqueues cmd and waits for its reply, respecting ctx cancellation.
func (c *Coordinator) send(ctx context.Context, cmd command) (any, error) {
	cmd.reply = make(chan any, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return nil, retryable(ctx.Err())
	case <-c.done:
		return nil, fatal(fmt.Errorf("coordinator: closed"))
	}
	select {
	case v := <-cmd.reply:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	case <-ctx.Done():
		return nil, retryable(ctx.Err())
	}
}

// --- command handlers (run only on the actor goroutine) ---

func (c *Coordinator) handleGetSnapshot() any {
	out := make([]*item.Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.Clone())
	}
	return out
}

func (c *Coordinator) handleUpdateItem(itemID string, up ItemUpdate) any {
	it, ok := c.items[itemID]
	if !ok {
		return skip(fmt.Errorf("coordinator: update item: unknown id %s", itemID))
	}
	now := time.Now()
	switch up.Kind {
	case UpdateTransitionStatus:
		it.Status = up.Status
	case UpdateSetPhase:
		it.Phase = up.Phase
		it.PhaseEnteredAt = &now
	case UpdateSetAssessment:
		switch up.AssessmentDim {
		case "size":
			it.Size = item.Size(up.AssessmentVal)
		case "complexity":
			it.Complexity = up.AssessmentVal
		case "risk":
			it.Risk = up.AssessmentVal
		case "impact":
			it.Impact = up.AssessmentVal
		default:
			return skip(fmt.Errorf("coordinator: update item: unknown assessment dimension %q", up.AssessmentDim))
		}
	case UpdateSetPipelineType:
		it.PipelineType = up.PipelineType
	case UpdateSetDescription:
		it.Description = up.Description
	case UpdateSetBlocked:
		it.BlockedType = up.BlockedType
		it.BlockedReason = up.BlockedReason
		it.BlockedFromStatus = up.BlockedFrom
		it.Status = item.StatusBlocked
	case UpdateSetUnblockContext:
		it.UnblockContext = up.UnblockContext
	default:
		return skip(fmt.Errorf("coordinator: update item: unknown update kind %q", up.Kind))
	}
	it.Updated = now
	if err := c.store.Put(it); err != nil {
		return retryable(fmt.Errorf("coordinator: persisting update to %s: %w", itemID, err))
	}
	return nil
}

func (c *Coordinator) handleCompletePhase(ctx context.Context, itemID, phase string, isDestructive bool, outputPaths []string) any {
	if _, ok := c.items[itemID]; !ok {
		return skip(fmt.Errorf("coordinator: complete phase: unknown id %s", itemID))
	}
	paths := append([]string(nil), outputPaths...)
	if err := c.vcs.Stage(ctx, paths); err != nil {
		return retryable(fmt.Errorf("coordinator: staging outputs for %s/%s: %w", itemID, phase, err))
	}
	if isDestructive {
		msg := fmt.Sprintf("phase-golem: %s completed phase %s", itemID, phase)
		if _, err := c.vcs.Commit(ctx, msg); err != nil {
			return retryable(fmt.Errorf("coordinator: committing %s/%s: %w", itemID, phase, err))
		}
		return nil
	}
	c.pendingBatch = append(c.pendingBatch, batchEntry{itemID: itemID, phase: phase})
	return nil
}

func (c *Coordinator) handleBatchCommit(ctx context.Context) any {
	if len(c.pendingBatch) == 0 {
		return nil
	}
	dirty, err := c.vcs.HasUncommittedChanges(ctx)
	if err != nil {
		return retryable(fmt.Errorf("coordinator: batch commit: checking status: %w", err))
	}
	if !dirty {
		c.pendingBatch = nil
		return nil
	}
	msg := fmt.Sprintf("phase-golem: batch commit (%d phase completions)", len(c.pendingBatch))
	if _, err := c.vcs.Commit(ctx, msg); err != nil {
		// Pending batch is deliberately left intact on commit failure so the
		// next BatchCommit retries the same set of completions.
		return retryable(fmt.Errorf("coordinator: batch commit: %w", err))
	}
	c.pendingBatch = nil
	return nil
}

func (c *Coordinator) handleIngest(entries []item.FollowUp) any {
	if len(entries) == 0 {
		return []string{}
	}
	ids, err := c.store.NextIDs(len(entries))
	if err != nil {
		return retryable(fmt.Errorf("coordinator: ingest: allocating ids: %w", err))
	}
	now := time.Now()
	out := make([]string, 0, len(entries))
	for i, fu := range entries {
		id := ids[i]
		if _, exists := c.items[id]; exists {
			return fatal(fmt.Errorf("coordinator: ingest: duplicate id %s allocated", id))
		}
		it := &item.Item{
			ID:          id,
			Title:       fu.Title,
			Description: fu.Description,
			Tags:        fu.Tags,
			Origin:      fu.Origin,
			Status:      item.StatusNew,
			Created:     now,
			Updated:     now,
		}
		if err := c.store.Put(it); err != nil {
			return retryable(fmt.Errorf("coordinator: ingest: persisting %s: %w", id, err))
		}
		c.items[id] = it
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) handleArchive(itemID string) any {
	it, ok := c.items[itemID]
	if !ok {
		return skip(fmt.Errorf("coordinator: archive: unknown id %s", itemID))
	}
	if err := c.store.Archive(it, time.Now()); err != nil {
		return retryable(fmt.Errorf("coordinator: archiving %s: %w", itemID, err))
	}
	if _, err := c.store.Remove(itemID); err != nil {
		return retryable(fmt.Errorf("coordinator: removing archived %s from active store: %w", itemID, err))
	}
	delete(c.items, itemID)
	return nil
}

func (c *Coordinator) handleGetHeadSha(ctx context.Context) any {
	sha, err := c.vcs.HeadCommit(ctx)
	if err != nil {
		return retryable(fmt.Errorf("coordinator: head sha: %w", err))
	}
	return sha
}

func (c *Coordinator) handleIsAncestor(ctx context.Context, sha string) any {
	head, err := c.vcs.HeadCommit(ctx)
	if err != nil {
		return retryable(fmt.Errorf("coordinator: is ancestor: resolving head: %w", err))
	}
	ok, err := c.vcs.IsAncestor(ctx, sha, head)
	if err != nil {
		return retryable(fmt.Errorf("coordinator: is ancestor: %w", err))
	}
	return ok
}
