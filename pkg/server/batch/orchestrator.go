package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/registry"
	"github.com/nodenexus/nodenexus/pkg/store"
)

// commandTypeScript is the only command type agents currently execute.
const commandTypeScript = "script"

// Watchdog bounds for dispatched children whose agent never reports back.
const (
	defaultChildTimeout = 30 * time.Minute
	watchdogInterval    = 30 * time.Second
)

// ErrNoTargets is returned when a batch is created with no target hosts.
var ErrNoTargets = errors.New("batch: no target hosts")

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateBatchCommand(ctx context.Context, userID int64, content, workingDir, alias string, vpsIDs []int64) (*store.BatchCommand, []*store.ChildCommand, error)
	GetBatchCommand(ctx context.Context, id uuid.UUID) (*store.BatchCommand, error)
	GetChildCommand(ctx context.Context, id uuid.UUID) (*store.ChildCommand, error)
	ChildrenOfBatch(ctx context.Context, batchID uuid.UUID) ([]*store.ChildCommand, error)
	SetBatchStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateChildGuarded(ctx context.Context, id uuid.UUID, upd store.ChildUpdate) (*store.ChildCommand, bool, error)
	TouchChildOutput(ctx context.Context, id uuid.UUID, at time.Time) error
	ChildStatusCounts(ctx context.Context, batchID uuid.UUID) (map[string]int, error)
}

// Broadcaster pushes batch progress to watching dashboard clients.
type Broadcaster interface {
	PushBatchOutput(batchID uuid.UUID, chunk *protocol.BatchCommandOutputStream)
	PushBatchUpdate(batchID uuid.UUID, update any)
}

// Update is the payload pushed on every batch or child transition.
type Update struct {
	BatchID     uuid.UUID      `json:"batch_command_id"`
	BatchStatus string         `json:"batch_status"`
	ChildID     *uuid.UUID     `json:"child_command_id,omitempty"`
	ChildStatus string         `json:"child_status,omitempty"`
	ChildCounts map[string]int `json:"child_counts"`
}

// Orchestrator drives batch commands from creation to terminal rollup.
type Orchestrator struct {
	log     *slog.Logger
	store   Store
	reg     *registry.Registry
	hub     Broadcaster
	metrics *metrics.Server

	// childTimeout bounds how long a dispatched child may stay silent
	// before the watchdog finalizes it as TimedOut.
	childTimeout time.Duration

	// inflight tracks which host each dispatched, not-yet-settled child runs
	// on, and when it expires. Keyed by child id, not session: an agent
	// reconnect replaces the session but the child keeps running, and its
	// late result must still be accepted.
	trackMu  sync.Mutex
	inflight map[uuid.UUID]inflightEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type inflightEntry struct {
	hostID   int64
	deadline time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(log *slog.Logger, st Store, reg *registry.Registry, hub Broadcaster, m *metrics.Server) *Orchestrator {
	return &Orchestrator{
		log:          log.With("component", "batch_orchestrator"),
		store:        st,
		reg:          reg,
		hub:          hub,
		metrics:      m,
		childTimeout: defaultChildTimeout,
		inflight:     make(map[uuid.UUID]inflightEntry),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the execution watchdog.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.watchdogLoop()
}

// Stop halts the watchdog. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (o *Orchestrator) watchdogLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.expireOverdue(context.Background(), time.Now().UTC())
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) track(childID uuid.UUID, hostID int64) {
	o.trackMu.Lock()
	o.inflight[childID] = inflightEntry{
		hostID:   hostID,
		deadline: time.Now().Add(o.childTimeout),
	}
	o.trackMu.Unlock()
}

func (o *Orchestrator) untrack(childID uuid.UUID) {
	o.trackMu.Lock()
	delete(o.inflight, childID)
	o.trackMu.Unlock()
}

func (o *Orchestrator) inflightOnHost(hostID int64) []uuid.UUID {
	o.trackMu.Lock()
	defer o.trackMu.Unlock()
	var out []uuid.UUID
	for childID, entry := range o.inflight {
		if entry.hostID == hostID {
			out = append(out, childID)
		}
	}
	return out
}

// expireOverdue finalizes dispatched children whose agent stayed silent past
// the deadline. The agent gets a best-effort kill request so a command that
// is merely slow does not keep running unobserved.
func (o *Orchestrator) expireOverdue(ctx context.Context, now time.Time) {
	o.trackMu.Lock()
	var expired []uuid.UUID
	for childID, entry := range o.inflight {
		if now.After(entry.deadline) {
			expired = append(expired, childID)
		}
	}
	o.trackMu.Unlock()

	touched := make(map[uuid.UUID]bool)
	for _, childID := range expired {
		child, err := o.store.GetChildCommand(ctx, childID)
		if err != nil {
			o.log.Warn("looking up overdue child failed",
				"child_command_id", childID, "error", err)
			o.untrack(childID)
			continue
		}
		if store.ChildStatusTerminal(child.Status) {
			o.untrack(childID)
			continue
		}
		if sink := o.reg.Lookup(child.VPSID); sink != nil {
			_ = sink.Enqueue(ctx, &protocol.BatchTerminateCommandRequest{
				ChildCommandID: childID.String(),
			})
		}
		o.markChild(ctx, child.BatchCommandID, childID, store.ChildUpdate{
			Status:       store.ChildStatusTimedOut,
			ErrorMessage: "command execution timed out",
			CompletedAt:  &now,
		})
		o.untrack(childID)
		touched[child.BatchCommandID] = true
	}
	for batchID := range touched {
		if err := o.rollup(ctx, batchID); err != nil {
			o.log.Warn("rollup after timeout failed",
				"batch_command_id", batchID, "error", err)
		}
	}
}

// Create persists a new batch with one child per target host and dispatches
// it. Returns once the dispatch fan-out completed.
func (o *Orchestrator) Create(ctx context.Context, userID int64, content, workingDir, alias string, vpsIDs []int64) (*store.BatchCommand, error) {
	if len(vpsIDs) == 0 {
		return nil, ErrNoTargets
	}
	batch, children, err := o.store.CreateBatchCommand(ctx, userID, content, workingDir, alias, vpsIDs)
	if err != nil {
		return nil, err
	}
	o.metrics.BatchCommands.Inc()
	o.log.Info("batch command created",
		"batch_command_id", batch.ID, "targets", len(children))

	if err := o.dispatch(ctx, batch, children); err != nil {
		return batch, err
	}
	return batch, nil
}

// dispatch fans the command out to every child's host session.
func (o *Orchestrator) dispatch(ctx context.Context, batch *store.BatchCommand, children []*store.ChildCommand) error {
	if err := o.store.SetBatchStatus(ctx, batch.ID, store.BatchStatusDispatching); err != nil {
		return err
	}

	workingDir := ""
	if batch.WorkingDirectory != nil {
		workingDir = *batch.WorkingDirectory
	}
	for _, child := range children {
		o.dispatchChild(ctx, batch, child, workingDir)
	}
	return o.rollup(ctx, batch.ID)
}

func (o *Orchestrator) dispatchChild(ctx context.Context, batch *store.BatchCommand, child *store.ChildCommand, workingDir string) {
	sink := o.reg.Lookup(child.VPSID)
	if sink == nil {
		o.markChild(ctx, batch.ID, child.ID, store.ChildUpdate{
			Status:       store.ChildStatusAgentUnreachable,
			ErrorMessage: "agent offline at dispatch",
		})
		return
	}
	err := sink.Enqueue(ctx, &protocol.BatchAgentCommandRequest{
		ChildCommandID:   child.ID.String(),
		CommandType:      commandTypeScript,
		Content:          batch.CommandContent,
		WorkingDirectory: workingDir,
	})
	if err != nil {
		o.markChild(ctx, batch.ID, child.ID, store.ChildUpdate{
			Status:       store.ChildStatusAgentUnreachable,
			ErrorMessage: fmt.Sprintf("dispatch failed: %v", err),
		})
		return
	}
	o.track(child.ID, child.VPSID)
	o.markChild(ctx, batch.ID, child.ID, store.ChildUpdate{Status: store.ChildStatusSentToAgent})
}

// HandleOutput processes one output chunk from an agent. The first chunk of
// a child moves it to Executing.
func (o *Orchestrator) HandleOutput(ctx context.Context, hostID int64, chunk *protocol.BatchCommandOutputStream) error {
	childID, err := uuid.Parse(chunk.ChildCommandID)
	if err != nil {
		return fmt.Errorf("batch: invalid child command id %q: %w", chunk.ChildCommandID, err)
	}
	child, err := o.store.GetChildCommand(ctx, childID)
	if err != nil {
		return err
	}
	if child.VPSID != hostID {
		return fmt.Errorf("batch: child %s does not belong to host %d", childID, hostID)
	}

	at := time.UnixMilli(chunk.TimestampMs).UTC()
	now := time.Now().UTC()
	_, _, err = o.store.UpdateChildGuarded(ctx, childID, store.ChildUpdate{
		Status:    store.ChildStatusExecuting,
		StartedAt: &now,
		OutputAt:  &at,
	})
	if err != nil {
		return err
	}
	o.hub.PushBatchOutput(child.BatchCommandID, chunk)
	return nil
}

// HandleResult processes the terminal message for one child and rolls the
// parent up.
func (o *Orchestrator) HandleResult(ctx context.Context, hostID int64, result *protocol.BatchCommandResult) error {
	childID, err := uuid.Parse(result.ChildCommandID)
	if err != nil {
		return fmt.Errorf("batch: invalid child command id %q: %w", result.ChildCommandID, err)
	}
	child, err := o.store.GetChildCommand(ctx, childID)
	if err != nil {
		return err
	}
	if child.VPSID != hostID {
		return fmt.Errorf("batch: child %s does not belong to host %d", childID, hostID)
	}

	status, ok := childStatusForResult(result.Status)
	if !ok {
		return fmt.Errorf("batch: unknown result status %q for child %s", result.Status, childID)
	}
	now := time.Now().UTC()
	exitCode := result.ExitCode
	o.markChild(ctx, child.BatchCommandID, childID, store.ChildUpdate{
		Status:       status,
		ExitCode:     &exitCode,
		ErrorMessage: result.ErrorMessage,
		CompletedAt:  &now,
	})
	o.untrack(childID)
	return o.rollup(ctx, child.BatchCommandID)
}

// Terminate asks every live child's agent to kill the command. Children on
// offline agents go straight to Terminated.
func (o *Orchestrator) Terminate(ctx context.Context, batchID uuid.UUID) error {
	batch, err := o.store.GetBatchCommand(ctx, batchID)
	if err != nil {
		return err
	}
	if isTerminalBatch(batch.Status) {
		return nil
	}
	if err := o.store.SetBatchStatus(ctx, batchID, store.BatchStatusTerminating); err != nil {
		return err
	}

	children, err := o.store.ChildrenOfBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if store.ChildStatusTerminal(child.Status) {
			continue
		}
		o.terminateChild(ctx, batchID, child)
	}
	return o.rollup(ctx, batchID)
}

// TerminateChild kills one child command. The parent moves to Terminating
// like a whole-batch terminate would, so the rollup can tell an operator
// kill apart from a spontaneous agent-side termination.
func (o *Orchestrator) TerminateChild(ctx context.Context, childID uuid.UUID) error {
	child, err := o.store.GetChildCommand(ctx, childID)
	if err != nil {
		return err
	}
	if store.ChildStatusTerminal(child.Status) {
		return nil
	}
	batch, err := o.store.GetBatchCommand(ctx, child.BatchCommandID)
	if err != nil {
		return err
	}
	if !isTerminalBatch(batch.Status) && batch.Status != store.BatchStatusTerminating {
		if err := o.store.SetBatchStatus(ctx, child.BatchCommandID, store.BatchStatusTerminating); err != nil {
			return err
		}
	}
	o.terminateChild(ctx, child.BatchCommandID, child)
	return o.rollup(ctx, child.BatchCommandID)
}

func (o *Orchestrator) terminateChild(ctx context.Context, batchID uuid.UUID, child *store.ChildCommand) {
	sink := o.reg.Lookup(child.VPSID)
	if sink == nil {
		now := time.Now().UTC()
		o.markChild(ctx, batchID, child.ID, store.ChildUpdate{
			Status:       store.ChildStatusTerminated,
			ErrorMessage: "agent offline at terminate",
			CompletedAt:  &now,
		})
		o.untrack(child.ID)
		return
	}
	err := sink.Enqueue(ctx, &protocol.BatchTerminateCommandRequest{
		ChildCommandID: child.ID.String(),
	})
	if err != nil {
		now := time.Now().UTC()
		o.markChild(ctx, batchID, child.ID, store.ChildUpdate{
			Status:       store.ChildStatusTerminated,
			ErrorMessage: fmt.Sprintf("terminate dispatch failed: %v", err),
			CompletedAt:  &now,
		})
		o.untrack(child.ID)
		return
	}
	o.markChild(ctx, batchID, child.ID, store.ChildUpdate{Status: store.ChildStatusTerminating})
}

// HandleSessionLost marks the in-flight children of a disconnected host
// unreachable and rolls their batches up. Called by the session layer when
// an agent connection drops without being replaced by a reconnect.
func (o *Orchestrator) HandleSessionLost(ctx context.Context, hostID int64) {
	touched := make(map[uuid.UUID]bool)
	for _, childID := range o.inflightOnHost(hostID) {
		child, err := o.store.GetChildCommand(ctx, childID)
		if err != nil {
			o.log.Warn("looking up child after session loss failed",
				"child_command_id", childID, "error", err)
			o.untrack(childID)
			continue
		}
		if store.ChildStatusTerminal(child.Status) {
			o.untrack(childID)
			continue
		}
		now := time.Now().UTC()
		o.markChild(ctx, child.BatchCommandID, childID, store.ChildUpdate{
			Status:       store.ChildStatusAgentUnreachable,
			ErrorMessage: "agent disconnected",
			CompletedAt:  &now,
		})
		o.untrack(childID)
		touched[child.BatchCommandID] = true
	}
	for batchID := range touched {
		if err := o.rollup(ctx, batchID); err != nil {
			o.log.Warn("rollup after session loss failed",
				"batch_command_id", batchID, "error", err)
		}
	}
}

// markChild applies a guarded transition and pushes the update when applied.
func (o *Orchestrator) markChild(ctx context.Context, batchID, childID uuid.UUID, upd store.ChildUpdate) {
	updated, applied, err := o.store.UpdateChildGuarded(ctx, childID, upd)
	if err != nil {
		o.log.Error("child transition failed",
			"child_command_id", childID, "status", upd.Status, "error", err)
		return
	}
	if !applied {
		return
	}
	o.hub.PushBatchUpdate(batchID, Update{
		BatchID:     batchID,
		ChildID:     &childID,
		ChildStatus: updated.Status,
	})
}

// rollup recomputes the parent status from the child histogram.
func (o *Orchestrator) rollup(ctx context.Context, batchID uuid.UUID) error {
	batch, err := o.store.GetBatchCommand(ctx, batchID)
	if err != nil {
		return err
	}
	if isTerminalBatch(batch.Status) {
		return nil
	}
	counts, err := o.store.ChildStatusCounts(ctx, batchID)
	if err != nil {
		return err
	}
	status, done := Rollup(counts, batch.Status == store.BatchStatusTerminating)

	// A terminating batch stays Terminating until the children settle.
	if !done && batch.Status == store.BatchStatusTerminating {
		return nil
	}
	if batch.Status != status {
		if err := o.store.SetBatchStatus(ctx, batchID, status); err != nil {
			return err
		}
		o.log.Info("batch status changed",
			"batch_command_id", batchID, "status", status)
	}
	o.hub.PushBatchUpdate(batchID, Update{
		BatchID:     batchID,
		BatchStatus: status,
		ChildCounts: counts,
	})
	return nil
}

func isTerminalBatch(status string) bool {
	switch status {
	case store.BatchStatusCompletedOK, store.BatchStatusCompletedWithErrors,
		store.BatchStatusTerminated, store.BatchStatusFailedToDispatch:
		return true
	}
	return false
}

func childStatusForResult(result string) (string, bool) {
	switch result {
	case protocol.ResultCompletedSuccessfully:
		return store.ChildStatusCompletedOK, true
	case protocol.ResultCompletedWithFailure:
		return store.ChildStatusCompletedFailed, true
	case protocol.ResultTerminated:
		return store.ChildStatusTerminated, true
	case protocol.ResultAgentError:
		return store.ChildStatusAgentError, true
	}
	return "", false
}
