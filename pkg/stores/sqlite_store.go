package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, NewValidationError("database path is required", nil)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return NewFatalError("failed to open database", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return NewFatalError("failed to ping database", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return NewFatalError("failed to enable foreign keys", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return NewFatalError("database not initialized", nil)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return NewFatalError("failed to create migration source", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return NewFatalError("failed to create database driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return NewFatalError("failed to create migration instance", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return NewFatalError("failed to run migrations", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return NewFatalError("database not initialized", nil)
	}
	return s.db.PingContext(ctx)
}

// validateJSON checks that an optional structured-attribute payload is
// well-formed JSON. Write-time enforcement, not an application convention.
func validateJSON(field string, payload *string) error {
	if payload == nil {
		return nil
	}
	if !json.Valid([]byte(*payload)) {
		return NewValidationError("malformed structured payload", nil).WithEntity(field)
	}
	return nil
}

// rowExists reports whether a live row with the given id exists.
func (s *SQLiteStore) rowExists(ctx context.Context, table, id string) (bool, error) {
	query := "SELECT COUNT(*) FROM " + table + " WHERE id = ? AND deleted_at IS NULL"
	var count int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	return count > 0, nil
}

// requireOwner fails with a referential error when the owning row is absent.
func (s *SQLiteStore) requireOwner(ctx context.Context, table, id string) error {
	ok, err := s.rowExists(ctx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return NewReferentialError("missing required owner", nil).
			WithEntity(table).WithKey(id)
	}
	return nil
}

const housekeepingCols = "created_at, created_by, updated_at, updated_by, deleted_at, deleted_by, activity_log"

func scanHousekeeping(h *Housekeeping) []interface{} {
	return []interface{}{
		&h.CreatedAt, &h.CreatedBy, &h.UpdatedAt, &h.UpdatedBy,
		&h.DeletedAt, &h.DeletedBy, &h.ActivityLog,
	}
}

// UpsertDevice inserts a device on first contact or refreshes its
// mutable attributes on later contacts. Devices are never physically
// deleted.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *Device) error {
	if err := validateJSON("device.segments", device.Segments); err != nil {
		return err
	}
	if device.Name == "" {
		return NewValidationError("device name is required", nil).WithEntity("devices")
	}
	// First contact may arrive without an identity; mint one. The
	// name/boundary readback below still resolves repeat contacts to the
	// canonical id.
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	if device.State == "" {
		device.State = "active"
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.CreatedBy == "" {
		device.CreatedBy = "system"
	}

	query := `
		INSERT INTO devices (id, name, state, boundary, segments, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, boundary) DO UPDATE SET
			state = excluded.state,
			segments = excluded.segments,
			updated_at = CURRENT_TIMESTAMP,
			updated_by = excluded.created_by
	`

	if _, err := s.db.ExecContext(ctx, query,
		device.ID, device.Name, device.State, device.Boundary, device.Segments,
		device.CreatedAt, device.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	// Resolve the canonical id: a conflict means the device already
	// existed under a different id.
	var id string
	lookup := `SELECT id FROM devices WHERE name = ? AND boundary = ?`
	if err := s.db.QueryRowContext(ctx, lookup, device.Name, device.Boundary).Scan(&id); err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	device.ID = id
	return nil
}

const deviceCols = "id, name, state, boundary, segments, " + housekeepingCols

func (s *SQLiteStore) scanDevice(row *sql.Row) (*Device, error) {
	d := &Device{}
	dest := append([]interface{}{&d.ID, &d.Name, &d.State, &d.Boundary, &d.Segments},
		scanHousekeeping(&d.Housekeeping)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDevice retrieves a live device by ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := "SELECT " + deviceCols + " FROM devices WHERE id = ? AND deleted_at IS NULL"
	d, err := s.scanDevice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("device not found", nil).
			WithCode(ErrCodeDeviceUnknown).WithEntity("devices").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// GetDeviceRaw retrieves a device by ID regardless of soft deletion.
func (s *SQLiteStore) GetDeviceRaw(ctx context.Context, id string) (*Device, error) {
	query := "SELECT " + deviceCols + " FROM devices WHERE id = ?"
	d, err := s.scanDevice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("device not found", nil).
			WithCode(ErrCodeDeviceUnknown).WithEntity("devices").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices lists live devices with pagination.
func (s *SQLiteStore) ListDevices(ctx context.Context, limit, offset int) ([]*Device, error) {
	query := `
		SELECT ` + deviceCols + `
		FROM devices
		WHERE deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		d := &Device{}
		dest := append([]interface{}{&d.ID, &d.Name, &d.State, &d.Boundary, &d.Segments},
			scanHousekeeping(&d.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// SoftDeleteDevice marks the housekeeping envelope; the row remains.
func (s *SQLiteStore) SoftDeleteDevice(ctx context.Context, id, actor string) error {
	query := `
		UPDATE devices
		SET deleted_at = CURRENT_TIMESTAMP, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, actor, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return NewReferentialError("device not found", nil).
			WithCode(ErrCodeDeviceUnknown).WithEntity("devices").WithKey(id)
	}

	return nil
}

// CreateIngestSession creates a new ingestion run record.
func (s *SQLiteStore) CreateIngestSession(ctx context.Context, session *IngestSession) error {
	if err := validateJSON("session.behavior", session.Behavior); err != nil {
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
		session.CreatedBy = session.Agent
	}

	query := `
		INSERT INTO ingest_sessions (id, device_id, agent, behavior, started_at, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		session.ID, session.DeviceID, session.Agent, session.Behavior,
		session.StartedAt, session.CreatedAt, session.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create ingest session: %w", err)
	}

	return nil
}

// GetIngestSession retrieves a live ingestion session by ID.
func (s *SQLiteStore) GetIngestSession(ctx context.Context, id string) (*IngestSession, error) {
	query := `
		SELECT id, device_id, agent, behavior, started_at, finished_at, ` + housekeepingCols + `
		FROM ingest_sessions
		WHERE id = ? AND deleted_at IS NULL
	`

	sess := &IngestSession{}
	dest := append([]interface{}{
		&sess.ID, &sess.DeviceID, &sess.Agent, &sess.Behavior,
		&sess.StartedAt, &sess.FinishedAt,
	}, scanHousekeeping(&sess.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("ingest session not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("ingest_sessions").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingest session: %w", err)
	}

	return sess, nil
}

// FinishIngestSession sets the finish timestamp. Close is not
// idempotent: finishing an already-finished session is an error, so
// double-close is detectable as a programming error.
func (s *SQLiteStore) FinishIngestSession(ctx context.Context, id string) error {
	query := `
		UPDATE ingest_sessions
		SET finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND finished_at IS NULL AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to finish ingest session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing session from a double close.
		if _, getErr := s.GetIngestSession(ctx, id); getErr != nil {
			return getErr
		}
		return NewValidationError("session already closed", nil).
			WithCode(ErrCodeAlreadyClosed).WithEntity("ingest_sessions").WithKey(id)
	}

	return nil
}

// ListIngestSessions lists live ingestion sessions, optionally scoped
// to a device.
func (s *SQLiteStore) ListIngestSessions(ctx context.Context, deviceID *string, limit, offset int) ([]*IngestSession, error) {
	query := `
		SELECT id, device_id, agent, behavior, started_at, finished_at, ` + housekeepingCols + `
		FROM ingest_sessions
		WHERE (? IS NULL OR device_id = ?)
		  AND deleted_at IS NULL
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingest sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*IngestSession{}
	for rows.Next() {
		sess := &IngestSession{}
		dest := append([]interface{}{
			&sess.ID, &sess.DeviceID, &sess.Agent, &sess.Behavior,
			&sess.StartedAt, &sess.FinishedAt,
		}, scanHousekeeping(&sess.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan ingest session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingest sessions: %w", err)
	}

	return sessions, nil
}

// CreateIngestPath registers a path root under a session.
func (s *SQLiteStore) CreateIngestPath(ctx context.Context, path *IngestPath) error {
	if err := validateJSON("path.include_globs", path.IncludeGlobs); err != nil {
		return err
	}
	if err := validateJSON("path.exclude_globs", path.ExcludeGlobs); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, "ingest_sessions", path.SessionID); err != nil {
		return err
	}
	if path.CreatedAt.IsZero() {
		path.CreatedAt = time.Now().UTC()
	}
	if path.CreatedBy == "" {
		path.CreatedBy = "system"
	}

	query := `
		INSERT INTO ingest_paths (id, session_id, root_path, include_globs, exclude_globs, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		path.ID, path.SessionID, path.RootPath, path.IncludeGlobs, path.ExcludeGlobs,
		path.CreatedAt, path.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create ingest path: %w", err)
	}

	return nil
}

// CreateIngestEntry records one attempted unit of ingestion.
func (s *SQLiteStore) CreateIngestEntry(ctx context.Context, entry *IngestEntry) error {
	if err := validateJSON("entry.diagnostics", entry.Diagnostics); err != nil {
		return err
	}
	if err := validateJSON("entry.transformations", entry.Transformations); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, "ingest_paths", entry.PathID); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.CreatedBy == "" {
		entry.CreatedBy = "system"
	}

	query := `
		INSERT INTO ingest_entries (
			id, path_id, session_id, abs_path, rel_path, status, nature,
			resource_id, captured_exec, diagnostics, transformations,
			created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.PathID, entry.SessionID, entry.AbsPath, entry.RelPath,
		entry.Status, entry.Nature, entry.ResourceID, entry.CapturedExec,
		entry.Diagnostics, entry.Transformations, entry.CreatedAt, entry.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to create ingest entry: %w", err)
	}

	return nil
}

// UpdateIngestEntry advances an entry's status and resolution.
func (s *SQLiteStore) UpdateIngestEntry(ctx context.Context, id string, status EntryStatus, resourceID, diagnostics *string) error {
	if err := validateJSON("entry.diagnostics", diagnostics); err != nil {
		return err
	}

	query := `
		UPDATE ingest_entries
		SET status = ?,
			resource_id = COALESCE(?, resource_id),
			diagnostics = COALESCE(?, diagnostics),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, status, resourceID, diagnostics, id)
	if err != nil {
		return fmt.Errorf("failed to update ingest entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return NewReferentialError("ingest entry not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("ingest_entries").WithKey(id)
	}

	return nil
}

// ListIngestEntries lists live entries for a session in creation order.
func (s *SQLiteStore) ListIngestEntries(ctx context.Context, sessionID string) ([]*IngestEntry, error) {
	query := `
		SELECT id, path_id, session_id, abs_path, rel_path, status, nature,
			   resource_id, captured_exec, diagnostics, transformations, ` + housekeepingCols + `
		FROM ingest_entries
		WHERE session_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingest entries: %w", err)
	}
	defer rows.Close()

	entries := []*IngestEntry{}
	for rows.Next() {
		e := &IngestEntry{}
		dest := append([]interface{}{
			&e.ID, &e.PathID, &e.SessionID, &e.AbsPath, &e.RelPath, &e.Status,
			&e.Nature, &e.ResourceID, &e.CapturedExec, &e.Diagnostics, &e.Transformations,
		}, scanHousekeeping(&e.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan ingest entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingest entries: %w", err)
	}

	return entries, nil
}

// SummarizeIngestSession computes the admitted/duplicate/rejected/errored
// counts for a run.
func (s *SQLiteStore) SummarizeIngestSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	query := `
		SELECT
			COUNT(CASE WHEN status = 'admitted' THEN 1 END),
			COUNT(CASE WHEN status = 'duplicate' THEN 1 END),
			COUNT(CASE WHEN status IN ('rejected', 'unmatched') THEN 1 END),
			COUNT(CASE WHEN status = 'errored' THEN 1 END)
		FROM ingest_entries
		WHERE session_id = ? AND deleted_at IS NULL
	`

	summary := &SessionSummary{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&summary.Admitted, &summary.Duplicate, &summary.Rejected, &summary.Errored,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize ingest session: %w", err)
	}

	return summary, nil
}
