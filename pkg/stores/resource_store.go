package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdmitResource admits a uniform resource with device-scoped dedup on
// (device_id, digest, uri, size_bytes). Concurrent admissions of the
// same key resolve to exactly one insert: the statement is
// INSERT OR IGNORE followed by a readback, not a read-then-write.
func (s *SQLiteStore) AdmitResource(ctx context.Context, res *UniformResource) (*AdmitOutcome, error) {
	if err := validateJSON("resource.front_matter", res.FrontMatter); err != nil {
		return nil, err
	}
	if res.Digest == "" {
		return nil, NewValidationError("resource digest is required", nil).WithEntity("uniform_resources")
	}
	if err := s.requireOwner(ctx, "devices", res.DeviceID); err != nil {
		var se *StoreError
		if errors.As(err, &se) && se.Class == ErrorClassReferential {
			return nil, se.WithCode(ErrCodeDeviceUnknown)
		}
		return nil, err
	}
	if err := s.requireOwner(ctx, "ingest_sessions", res.SessionID); err != nil {
		return nil, err
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.CreatedBy == "" {
		res.CreatedBy = "system"
	}

	query := `
		INSERT INTO uniform_resources (
			id, device_id, session_id, digest, uri, size_bytes, nature,
			content, front_matter, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, digest, uri, size_bytes) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		res.ID, res.DeviceID, res.SessionID, res.Digest, res.URI, res.SizeBytes,
		res.Nature, res.Content, res.FrontMatter, res.CreatedAt, res.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to admit resource: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted > 0 {
		return &AdmitOutcome{ID: res.ID, IsNewRecord: true}, nil
	}

	// Duplicate admission: resolve to the existing identifier. This is
	// a first-class idempotent outcome, not an error.
	var existingID string
	lookup := `
		SELECT id FROM uniform_resources
		WHERE device_id = ? AND digest = ? AND uri = ? AND size_bytes = ?
	`
	err = s.db.QueryRowContext(ctx, lookup, res.DeviceID, res.Digest, res.URI, res.SizeBytes).Scan(&existingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewConflictError("admission race could not be resolved", nil).
			WithEntity("uniform_resources").WithKey(res.Digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve existing resource: %w", err)
	}

	return &AdmitOutcome{ID: existingID, IsNewRecord: false}, nil
}

// AdmitTransform admits a derived artifact with dedup on
// (resource_id, digest, nature, size_bytes), following the same
// compare-and-insert discipline as resource admission.
func (s *SQLiteStore) AdmitTransform(ctx context.Context, tr *ResourceTransform) (*AdmitOutcome, error) {
	if tr.Digest == "" {
		return nil, NewValidationError("transform digest is required", nil).WithEntity("resource_transforms")
	}
	if err := s.requireOwner(ctx, "uniform_resources", tr.ResourceID); err != nil {
		return nil, err
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	if tr.CreatedBy == "" {
		tr.CreatedBy = "system"
	}

	query := `
		INSERT INTO resource_transforms (
			id, resource_id, digest, nature, size_bytes, content, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, digest, nature, size_bytes) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		tr.ID, tr.ResourceID, tr.Digest, tr.Nature, tr.SizeBytes, tr.Content,
		tr.CreatedAt, tr.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to admit transform: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted > 0 {
		return &AdmitOutcome{ID: tr.ID, IsNewRecord: true}, nil
	}

	var existingID string
	lookup := `
		SELECT id FROM resource_transforms
		WHERE resource_id = ? AND digest = ? AND nature = ? AND size_bytes = ?
	`
	err = s.db.QueryRowContext(ctx, lookup, tr.ResourceID, tr.Digest, tr.Nature, tr.SizeBytes).Scan(&existingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewConflictError("transform admission race could not be resolved", nil).
			WithEntity("resource_transforms").WithKey(tr.Digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve existing transform: %w", err)
	}

	return &AdmitOutcome{ID: existingID, IsNewRecord: false}, nil
}

const resourceCols = "id, device_id, session_id, digest, uri, size_bytes, nature, content, front_matter, " + housekeepingCols

// GetResource retrieves a live resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*UniformResource, error) {
	query := "SELECT " + resourceCols + " FROM uniform_resources WHERE id = ? AND deleted_at IS NULL"

	res := &UniformResource{}
	dest := append([]interface{}{
		&res.ID, &res.DeviceID, &res.SessionID, &res.Digest, &res.URI,
		&res.SizeBytes, &res.Nature, &res.Content, &res.FrontMatter,
	}, scanHousekeeping(&res.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("resource not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("uniform_resources").WithKey(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return res, nil
}

// FindResourceByKey looks up a resource by its content-addressed key.
func (s *SQLiteStore) FindResourceByKey(ctx context.Context, deviceID, digest, uri string, sizeBytes int64) (*UniformResource, error) {
	query := `
		SELECT ` + resourceCols + `
		FROM uniform_resources
		WHERE device_id = ? AND digest = ? AND uri = ? AND size_bytes = ? AND deleted_at IS NULL
	`

	res := &UniformResource{}
	dest := append([]interface{}{
		&res.ID, &res.DeviceID, &res.SessionID, &res.Digest, &res.URI,
		&res.SizeBytes, &res.Nature, &res.Content, &res.FrontMatter,
	}, scanHousekeeping(&res.Housekeeping)...)

	err := s.db.QueryRowContext(ctx, query, deviceID, digest, uri, sizeBytes).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewReferentialError("resource not found", nil).
			WithCode(ErrCodeNotFound).WithEntity("uniform_resources").WithKey(digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resource: %w", err)
	}

	return res, nil
}

// ListResources lists live resources, optionally scoped to a device.
func (s *SQLiteStore) ListResources(ctx context.Context, deviceID *string, limit, offset int) ([]*UniformResource, error) {
	query := `
		SELECT ` + resourceCols + `
		FROM uniform_resources
		WHERE (? IS NULL OR device_id = ?)
		  AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*UniformResource{}
	for rows.Next() {
		res := &UniformResource{}
		dest := append([]interface{}{
			&res.ID, &res.DeviceID, &res.SessionID, &res.Digest, &res.URI,
			&res.SizeBytes, &res.Nature, &res.Content, &res.FrontMatter,
		}, scanHousekeeping(&res.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// ListTransforms lists live transforms for a resource.
func (s *SQLiteStore) ListTransforms(ctx context.Context, resourceID string) ([]*ResourceTransform, error) {
	query := `
		SELECT id, resource_id, digest, nature, size_bytes, content, ` + housekeepingCols + `
		FROM resource_transforms
		WHERE resource_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transforms: %w", err)
	}
	defer rows.Close()

	transforms := []*ResourceTransform{}
	for rows.Next() {
		tr := &ResourceTransform{}
		dest := append([]interface{}{
			&tr.ID, &tr.ResourceID, &tr.Digest, &tr.Nature, &tr.SizeBytes, &tr.Content,
		}, scanHousekeeping(&tr.Housekeeping)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan transform: %w", err)
		}
		transforms = append(transforms, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transforms: %w", err)
	}

	return transforms, nil
}

// CountResourcesByKey counts rows for a content-addressed key. Used by
// callers verifying the at-most-one-row dedup invariant.
func (s *SQLiteStore) CountResourcesByKey(ctx context.Context, deviceID, digest, uri string, sizeBytes int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM uniform_resources
		WHERE device_id = ? AND digest = ? AND uri = ? AND size_bytes = ?
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, deviceID, digest, uri, sizeBytes).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}

	return count, nil
}
