package stores

import (
	"context"
	"fmt"
	"time"
)

// RegisterGraph registers a named lineage graph. Registration is
// idempotent; re-registering refreshes the description.
func (s *SQLiteStore) RegisterGraph(ctx context.Context, graph *LineageGraph) error {
	if graph.Name == "" {
		return NewValidationError("graph name is required", nil).WithEntity("lineage_graphs")
	}
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = time.Now().UTC()
	}
	if graph.CreatedBy == "" {
		graph.CreatedBy = "system"
	}

	query := `
		INSERT INTO lineage_graphs (name, description, created_at, created_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.ExecContext(ctx, query,
		graph.Name, graph.Description, graph.CreatedAt, graph.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to register graph: %w", err)
	}

	return nil
}

// GraphExists reports whether a live graph with the given name exists.
func (s *SQLiteStore) GraphExists(ctx context.Context, name string) (bool, error) {
	query := `SELECT COUNT(*) FROM lineage_graphs WHERE name = ? AND deleted_at IS NULL`

	var count int
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check graph existence: %w", err)
	}

	return count > 0, nil
}

// InsertEdge inserts a lineage edge. Idempotence is enforced by the
// uniqueness constraint on (graph_name, nature, node_id, resource_id),
// not by pre-checking: a repeated link is a no-op and returns false.
func (s *SQLiteStore) InsertEdge(ctx context.Context, edge *LineageEdge) (bool, error) {
	exists, err := s.GraphExists(ctx, edge.GraphName)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, NewReferentialError("graph not registered", nil).
			WithCode(ErrCodeUnknownGraph).WithEntity("lineage_graphs").WithKey(edge.GraphName)
	}
	if err := s.requireOwner(ctx, "uniform_resources", edge.ResourceID); err != nil {
		return false, err
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	if edge.CreatedBy == "" {
		edge.CreatedBy = "system"
	}

	query := `
		INSERT INTO lineage_edges (id, graph_name, nature, node_id, resource_id, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(graph_name, nature, node_id, resource_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		edge.ID, edge.GraphName, edge.Nature, edge.NodeID, edge.ResourceID,
		edge.CreatedAt, edge.CreatedBy,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert edge: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return inserted > 0, nil
}

// ListNeighbors returns the resource identifiers reachable from a node
// in a graph, optionally filtered by edge nature. Ordering is stable so
// repeated traversals see the same sequence.
func (s *SQLiteStore) ListNeighbors(ctx context.Context, graphName, nodeID string, nature *string) ([]string, error) {
	query := `
		SELECT resource_id
		FROM lineage_edges
		WHERE graph_name = ? AND node_id = ?
		  AND (? IS NULL OR nature = ?)
		  AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, graphName, nodeID, nature, nature)
	if err != nil {
		return nil, fmt.Errorf("failed to list neighbors: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating neighbors: %w", err)
	}

	return ids, nil
}
