package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateOrchSession creates a new orchestration session record.
func (s *SQLiteStore) CreateOrchSession(ctx context.Context, session *OrchSession) error {
	if err := validateJSON("orch_session.args", session.Args); err != nil {
		return err
	}
	if err := validateJSON("orch_session.diagnostics", session.Diagnostics); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, "devices", session.DeviceID); err != nil {
		var se *StoreError
		if errors.As(err, &se) && se.Class == ErrorClassReferential {
			return se.WithCode(ErrCodeDeviceUnknown)
		}
		return err
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.CreatedBy == "" {
		session.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_sessions (
			id, device_id, nature, version, args, diagnostics, diagnostics_md,
			started_at, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		session.ID, session.DeviceID, session.Nature, session.Version,
		session.Args, session.Diagnostics, session.DiagnosticsMD,
		session.StartedAt, session.CreatedAt, session.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create orchestration session: %w", err)
	}

	return nil
}

// GetOrchSession retrieves a live orchestration session by ID.
func (s *SQLiteStore) GetOrchSession(ctx context.Context, id string) (*OrchSession, error) {
	query := `
		SELECT id, device_id, nature, version, args, diagnostics, diagnostics_md,
			   started_at, finished_at, ` + housekeepingCols + `
		FROM orch_sessions
		WHERE id = ? AND deleted_at IS NULL
	`

	sess := &OrchSession{}
	dest := append([]interface{}{
		&sess.ID, &sess.DeviceID, &sess.Nature, &sess.Version, &sess.Args,
		&sess.Diagnostics, &sess.DiagnosticsMD, &sess.StartedAt, &sess.FinishedAt,
	}, scanHousekeeping(&sess.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("orchestration session not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("orch_sessions").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestration session: %w", err)
	}

	return sess, nil
}

// FinishOrchSession sets the finish timestamp and final diagnostics.
// Late-arriving execs, issues, and logs recorded after close remain
// valid and stay linked to the closed session id.
func (s *SQLiteStore) FinishOrchSession(ctx context.Context, id string, diagnostics, diagnosticsMD *string) error {
	if err := validateJSON("orch_session.diagnostics", diagnostics); err != nil {
		return err
	}

	query := `
		UPDATE orch_sessions
		SET finished_at = CURRENT_TIMESTAMP,
			diagnostics = COALESCE(?, diagnostics),
			diagnostics_md = COALESCE(?, diagnostics_md),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND finished_at IS NULL AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, diagnostics, diagnosticsMD, id)
	if err != nil {
		return fmt.Errorf("failed to finish orchestration session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetOrchSession(ctx, id); getErr != nil {
			return getErr
		}
		return NewValidationError("session already closed", nil).
			WithCode(ErrCodeAlreadyClosed).WithEntity("orch_sessions").WithKey(id)
	}

	return nil
}

// CreateOrchEntry creates a named stage within a session.
func (s *SQLiteStore) CreateOrchEntry(ctx context.Context, entry *OrchEntry) error {
	if err := s.requireOwner(ctx, "orch_sessions", entry.SessionID); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.CreatedBy == "" {
		entry.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_entries (id, session_id, name, ingest_src, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.SessionID, entry.Name, entry.IngestSrc,
		entry.CreatedAt, entry.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create orchestration entry: %w", err)
	}

	return nil
}

// UpsertOrchState records a lifecycle transition. The table is a
// last-observed-transition cache keyed on (owner_id, from_state,
// to_state): concurrent recordings of the same transition serialize on
// the unique key and the last writer's result/reason/timestamp wins.
func (s *SQLiteStore) UpsertOrchState(ctx context.Context, state *OrchState) error {
	if err := s.requireOwner(ctx, "orch_sessions", state.SessionID); err != nil {
		return err
	}
	if state.TransitionedAt.IsZero() {
		state.TransitionedAt = time.Now().UTC()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	if state.CreatedBy == "" {
		state.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_states (
			id, session_id, owner_id, from_state, to_state, result, reason,
			transitioned_at, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, from_state, to_state) DO UPDATE SET
			result = excluded.result,
			reason = excluded.reason,
			transitioned_at = excluded.transitioned_at,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.ExecContext(ctx, query,
		state.ID, state.SessionID, state.OwnerID, state.FromState, state.ToState,
		state.Result, state.Reason, state.TransitionedAt,
		state.CreatedAt, state.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to upsert orchestration state: %w", err)
	}

	return nil
}

// GetOrchState retrieves the last-observed transition for an owner.
func (s *SQLiteStore) GetOrchState(ctx context.Context, ownerID, fromState, toState string) (*OrchState, error) {
	query := `
		SELECT id, session_id, owner_id, from_state, to_state, result, reason,
			   transitioned_at, ` + housekeepingCols + `
		FROM orch_states
		WHERE owner_id = ? AND from_state = ? AND to_state = ? AND deleted_at IS NULL
	`

	st := &OrchState{}
	dest := append([]interface{}{
		&st.ID, &st.SessionID, &st.OwnerID, &st.FromState, &st.ToState,
		&st.Result, &st.Reason, &st.TransitionedAt,
	}, scanHousekeeping(&st.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, ownerID, fromState, toState).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("transition not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("orch_states").WithKey(ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestration state: %w", err)
	}

	return st, nil
}

// CreateOrchExec records one node in the exec call tree. A non-root
// node's parent must belong to the same session.
func (s *SQLiteStore) CreateOrchExec(ctx context.Context, exec *OrchExec) error {
	if err := validateJSON("orch_exec.input", exec.Input); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, "orch_sessions", exec.SessionID); err != nil {
		return err
	}
	if exec.ParentExecID != nil {
		parent, err := s.GetOrchExec(ctx, *exec.ParentExecID)
		if err != nil {
			return err
		}
		if parent.SessionID != exec.SessionID {
			return NewReferentialError("parent exec belongs to a different session", nil).
				WithEntity("orch_execs").WithKey(*exec.ParentExecID)
		}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.CreatedBy == "" {
		exec.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_execs (
			id, session_id, parent_exec_id, nature, identity, code, status,
			input_text, output_text, error_text, narrative, sibling_order,
			started_at, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.SessionID, exec.ParentExecID, exec.Nature, exec.Identity,
		exec.Code, exec.Status, exec.Input, exec.Output, exec.ErrorText,
		exec.Narrative, exec.SiblingOrder, exec.StartedAt,
		exec.CreatedAt, exec.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create orchestration exec: %w", err)
	}

	return nil
}

// FinishOrchExec records the completion of an exec node.
func (s *SQLiteStore) FinishOrchExec(ctx context.Context, id string, status int, output, errText *string) error {
	query := `
		UPDATE orch_execs
		SET status = ?, output_text = ?, error_text = ?,
			finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, status, output, errText, id)
	if err != nil {
		return fmt.Errorf("failed to finish orchestration exec: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return NewReferentialError("exec not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("orch_execs").WithKey(id)
	}

	return nil
}

const execCols = "id, session_id, parent_exec_id, nature, identity, code, status, " +
	"input_text, output_text, error_text, narrative, sibling_order, started_at, finished_at, " + housekeepingCols

// GetOrchExec retrieves a live exec node by ID.
func (s *SQLiteStore) GetOrchExec(ctx context.Context, id string) (*OrchExec, error) {
	query := "SELECT " + execCols + " FROM orch_execs WHERE id = ? AND deleted_at IS NULL"

	e := &OrchExec{}
	dest := append([]interface{}{
		&e.ID, &e.SessionID, &e.ParentExecID, &e.Nature, &e.Identity, &e.Code,
		&e.Status, &e.Input, &e.Output, &e.ErrorText, &e.Narrative,
		&e.SiblingOrder, &e.StartedAt, &e.FinishedAt,
	}, scanHousekeeping(&e.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("exec not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("orch_execs").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestration exec: %w", err)
	}

	return e, nil
}

// ListOrchExecs lists the exec nodes of a session in a deterministic
// order: roots first, then children grouped under their parent id with
// siblings by assigned order. Callers rebuilding the tree should index
// nodes by id rather than rely on a parent preceding its descendants.
func (s *SQLiteStore) ListOrchExecs(ctx context.Context, sessionID string) ([]*OrchExec, error) {
	query := `
		SELECT ` + execCols + `
		FROM orch_execs
		WHERE session_id = ? AND deleted_at IS NULL
		ORDER BY parent_exec_id IS NOT NULL, parent_exec_id, sibling_order ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestration execs: %w", err)
	}
	defer rows.Close()

	execs := []*OrchExec{}
	for rows.Next() {
		e := &OrchExec{}
		dest := append([]interface{}{
			&e.ID, &e.SessionID, &e.ParentExecID, &e.Nature, &e.Identity, &e.Code,
			&e.Status, &e.Input, &e.Output, &e.ErrorText, &e.Narrative,
			&e.SiblingOrder, &e.StartedAt, &e.FinishedAt,
		}, scanHousekeeping(&e.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan orchestration exec: %w", err)
		}
		execs = append(execs, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestration execs: %w", err)
	}

	return execs, nil
}

// AppendOrchIssue appends a structured problem report. Issues are
// append-only and never overwritten.
func (s *SQLiteStore) AppendOrchIssue(ctx context.Context, issue *OrchIssue) error {
	if err := s.requireOwner(ctx, "orch_sessions", issue.SessionID); err != nil {
		return err
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	if issue.CreatedBy == "" {
		issue.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_issues (
			session_id, entry_id, type, message, loc_row, loc_col, loc_value,
			remediation, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		issue.SessionID, issue.EntryID, issue.Type, issue.Message,
		issue.Row, issue.Col, issue.Value, issue.Remediation,
		issue.CreatedAt, issue.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to append orchestration issue: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get issue ID: %w", err)
	}
	issue.ID = id

	return nil
}

// ListOrchIssues lists the issues of a session in append order.
func (s *SQLiteStore) ListOrchIssues(ctx context.Context, sessionID string) ([]*OrchIssue, error) {
	query := `
		SELECT id, session_id, entry_id, type, message, loc_row, loc_col, loc_value,
			   remediation, ` + housekeepingCols + `
		FROM orch_issues
		WHERE session_id = ? AND deleted_at IS NULL
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestration issues: %w", err)
	}
	defer rows.Close()

	issues := []*OrchIssue{}
	for rows.Next() {
		is := &OrchIssue{}
		dest := append([]interface{}{
			&is.ID, &is.SessionID, &is.EntryID, &is.Type, &is.Message,
			&is.Row, &is.Col, &is.Value, &is.Remediation,
		}, scanHousekeeping(&is.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan orchestration issue: %w", err)
		}
		issues = append(issues, is)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestration issues: %w", err)
	}

	return issues, nil
}

// AppendOrchLog appends a hierarchical log node.
func (s *SQLiteStore) AppendOrchLog(ctx context.Context, log *OrchLog) error {
	if err := s.requireOwner(ctx, "orch_sessions", log.SessionID); err != nil {
		return err
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if log.CreatedBy == "" {
		log.CreatedBy = "system"
	}

	query := `
		INSERT INTO orch_logs (id, session_id, parent_log_id, category, content, sibling_order, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		log.ID, log.SessionID, log.ParentLogID, log.Category, log.Content,
		log.SiblingOrder, log.CreatedAt, log.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to append orchestration log: %w", err)
	}

	return nil
}

// ListOrchLogs lists the log nodes of a session ordered for
// deterministic replay.
func (s *SQLiteStore) ListOrchLogs(ctx context.Context, sessionID string) ([]*OrchLog, error) {
	query := `
		SELECT id, session_id, parent_log_id, category, content, sibling_order, ` + housekeepingCols + `
		FROM orch_logs
		WHERE session_id = ? AND deleted_at IS NULL
		ORDER BY parent_log_id IS NOT NULL, parent_log_id, sibling_order ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestration logs: %w", err)
	}
	defer rows.Close()

	logs := []*OrchLog{}
	for rows.Next() {
		l := &OrchLog{}
		dest := append([]interface{}{
			&l.ID, &l.SessionID, &l.ParentLogID, &l.Category, &l.Content, &l.SiblingOrder,
		}, scanHousekeeping(&l.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan orchestration log: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestration logs: %w", err)
	}

	return logs, nil
}
