// Package orchestration runs named pipeline entries as a recorded call
// tree. Every unit of work is an exec node with status, timing, and
// error capture; issues are append-only problem reports and logs form a
// hierarchy mirroring the exec tree for deterministic replay.
package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// Exec status codes. Zero is success; non-zero values are caller-defined
// failure categories the executor propagates without interpreting.
const (
	StatusOK      = 0
	StatusRunning = -1
)

// Executor drives orchestration sessions. Sibling order for exec and
// log nodes is assigned from monotonic per-parent counters held under a
// mutex, so concurrent children of one parent never collide.
type Executor struct {
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	execOrder   map[string]int
	logOrder    map[string]int
}

// NewExecutor creates an orchestration executor. Metrics may be nil.
func NewExecutor(store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		store:     store,
		logger:    logger.NewComponentLogger("orchestration"),
		metrics:   metrics,
		execOrder: make(map[string]int),
		logOrder:  make(map[string]int),
	}
}

// ExecHandle scopes one open exec node. Completion goes through Finish
// or FinishOverride on the executor that issued the handle.
type ExecHandle struct {
	Exec    *stores.OrchExec
	started *telemetry.Timer
}

// ID returns the exec node identifier.
func (h *ExecHandle) ID() string {
	return h.Exec.ID
}

// BeginSession opens an orchestration session for a device.
func (e *Executor) BeginSession(ctx context.Context, deviceID, nature, version string, args *string) (*stores.OrchSession, error) {
	session := &stores.OrchSession{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Nature:    nature,
		Version:   version,
		Args:      args,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateOrchSession(ctx, session); err != nil {
		return nil, err
	}

	e.logger.WithSessionID(session.ID).WithDeviceID(deviceID).
		WithField("nature", nature).Info("orchestration session opened")
	return session, nil
}

// BeginEntry opens a named processing stage within a session.
func (e *Executor) BeginEntry(ctx context.Context, sessionID, name string, ingestSrc *string) (*stores.OrchEntry, error) {
	entry := &stores.OrchEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Name:      name,
		IngestSrc: ingestSrc,
	}
	if err := e.store.CreateOrchEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Exec opens a node in the call tree. A nil parent starts a root node;
// a non-nil parent must belong to the same session, which the store
// enforces as a referential error. Sibling order is assigned
// monotonically per parent and is safe under concurrent calls.
func (e *Executor) Exec(ctx context.Context, sessionID string, parent *ExecHandle, nature, code string, input *string) (*ExecHandle, error) {
	var parentID *string
	parentKey := sessionID + "/"
	if parent != nil {
		parentID = &parent.Exec.ID
		parentKey = sessionID + "/" + parent.Exec.ID
	}

	e.mu.Lock()
	order := e.execOrder[parentKey]
	e.execOrder[parentKey] = order + 1
	e.mu.Unlock()

	exec := &stores.OrchExec{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		ParentExecID: parentID,
		Nature:       nature,
		Code:         code,
		Status:       StatusRunning,
		Input:        input,
		SiblingOrder: order,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateOrchExec(ctx, exec); err != nil {
		// The order slot is burned on failure; monotonicity matters,
		// density does not.
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordExecStarted()
	}
	return &ExecHandle{Exec: exec, started: telemetry.NewTimer()}, nil
}

// Finish completes an exec node. A zero status is downgraded to the
// first failed child's status: a parent with any failed child is failed
// unless FinishOverride is used instead.
func (e *Executor) Finish(ctx context.Context, h *ExecHandle, status int, output, errText *string) error {
	if status == StatusOK {
		childStatus, err := e.failedChildStatus(ctx, h)
		if err != nil {
			return err
		}
		if childStatus != StatusOK {
			status = childStatus
		}
	}
	return e.finish(ctx, h, status, output, errText)
}

// FinishOverride completes an exec node with an explicit status,
// ignoring child outcomes.
func (e *Executor) FinishOverride(ctx context.Context, h *ExecHandle, status int, output, errText *string) error {
	return e.finish(ctx, h, status, output, errText)
}

func (e *Executor) finish(ctx context.Context, h *ExecHandle, status int, output, errText *string) error {
	if err := e.store.FinishOrchExec(ctx, h.Exec.ID, status, output, errText); err != nil {
		return err
	}
	h.Exec.Status = status
	h.Exec.Output = output
	h.Exec.ErrorText = errText

	if e.metrics != nil {
		label := "failed"
		if status == StatusOK {
			label = "ok"
		}
		e.metrics.RecordExecFinished(label, h.started.Duration())
	}
	return nil
}

// failedChildStatus returns the status of the first finished child that
// failed, or StatusOK when none did. Children still running do not
// count as failures.
func (e *Executor) failedChildStatus(ctx context.Context, h *ExecHandle) (int, error) {
	execs, err := e.store.ListOrchExecs(ctx, h.Exec.SessionID)
	if err != nil {
		return StatusOK, err
	}
	for _, ex := range execs {
		if ex.ParentExecID == nil || *ex.ParentExecID != h.Exec.ID {
			continue
		}
		if ex.FinishedAt != nil && ex.Status != StatusOK {
			return ex.Status, nil
		}
	}
	return StatusOK, nil
}

// IssueLocation pins an issue to a row/column/value in the offending
// input.
type IssueLocation struct {
	Row   *int64
	Col   *int64
	Value *string
}

// RecordIssue appends a structured problem report. Issues are
// append-only and recording one never alters exec status; a failure
// here is returned for logging but should not fail the caller's work.
func (e *Executor) RecordIssue(ctx context.Context, sessionID string, entryID *string,
	issueType, message string, loc *IssueLocation, remediation *string) error {
	issue := &stores.OrchIssue{
		SessionID:   sessionID,
		EntryID:     entryID,
		Type:        issueType,
		Message:     message,
		Remediation: remediation,
	}
	if loc != nil {
		issue.Row = loc.Row
		issue.Col = loc.Col
		issue.Value = loc.Value
	}
	if err := e.store.AppendOrchIssue(ctx, issue); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordIssue(issueType)
	}
	return nil
}

// RecordTransition records a lifecycle transition for a session or
// entry. The row for (owner, from, to) is a last-observed cache:
// re-entering the same transition overwrites result, reason, and
// timestamp, and concurrent recorders serialize with the last writer
// winning.
func (e *Executor) RecordTransition(ctx context.Context, sessionID, ownerID, from, to string, result, reason *string) error {
	state := &stores.OrchState{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		OwnerID:        ownerID,
		FromState:      from,
		ToState:        to,
		Result:         result,
		Reason:         reason,
		TransitionedAt: time.Now().UTC(),
	}
	if err := e.store.UpsertOrchState(ctx, state); err != nil {
		return err
	}

	if e.metrics != nil {
		label := "unset"
		if result != nil {
			label = *result
		}
		e.metrics.RecordTransition(label)
	}
	return nil
}

// Log appends a hierarchical log node. Sibling order under each parent
// is monotonic so replay renders children deterministically even when
// concurrent work completes out of wall-clock order.
func (e *Executor) Log(ctx context.Context, sessionID string, parentLogID *string, category, content string) (*stores.OrchLog, error) {
	parentKey := sessionID + "/"
	if parentLogID != nil {
		parentKey = sessionID + "/" + *parentLogID
	}

	e.mu.Lock()
	order := e.logOrder[parentKey]
	e.logOrder[parentKey] = order + 1
	e.mu.Unlock()

	log := &stores.OrchLog{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		ParentLogID:  parentLogID,
		Category:     category,
		Content:      content,
		SiblingOrder: order,
	}
	if err := e.store.AppendOrchLog(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// SessionReport aggregates a finished session: per-exec status and the
// full issue list.
type SessionReport struct {
	Session     *stores.OrchSession
	Execs       []*stores.OrchExec
	Issues      []*stores.OrchIssue
	FailedExecs int
}

// FinishSession closes a session and builds its report. Closing is not
// idempotent; records appended after close remain valid and linked to
// the closed session, but no new session may reuse the identifier.
func (e *Executor) FinishSession(ctx context.Context, sessionID string, diagnostics, diagnosticsMD *string) (*SessionReport, error) {
	if err := e.store.FinishOrchSession(ctx, sessionID, diagnostics, diagnosticsMD); err != nil {
		return nil, err
	}
	return e.Report(ctx, sessionID)
}

// Report builds the aggregate view of a session without closing it.
func (e *Executor) Report(ctx context.Context, sessionID string) (*SessionReport, error) {
	session, err := e.store.GetOrchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.ListOrchExecs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	issues, err := e.store.ListOrchIssues(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	failed := 0
	for _, ex := range execs {
		if ex.FinishedAt != nil && ex.Status != StatusOK {
			failed++
		}
	}

	return &SessionReport{
		Session:     session,
		Execs:       execs,
		Issues:      issues,
		FailedExecs: failed,
	}, nil
}
