// Package lineage maintains named directed multigraphs tying node
// identifiers to uniform resources. Graphs must be registered before
// edges are linked into them; linking is idempotent by edge key.
package lineage

import (
	"context"
	"iter"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// Linker manages graph registration and edge linking.
type Linker struct {
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewLinker creates a linker backed by the given store. Metrics may be
// nil when no collector is wired.
func NewLinker(store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Linker {
	return &Linker{
		store:   store,
		logger:  logger.NewComponentLogger("lineage"),
		metrics: metrics,
	}
}

// Register registers a named graph. Registration is idempotent;
// re-registering refreshes the description.
func (l *Linker) Register(ctx context.Context, name string, description *string) error {
	return l.store.RegisterGraph(ctx, &stores.LineageGraph{
		Name:        name,
		Description: description,
	})
}

// Link ties a node to a resource in a registered graph. A repeated link
// with the same (graph, nature, node, resource) key is a no-op and
// returns false; the first link returns true. Linking into an
// unregistered graph is a referential error.
func (l *Linker) Link(ctx context.Context, graphName, nature, nodeID, resourceID string) (bool, error) {
	if nodeID == "" {
		return false, stores.NewValidationError("node id is required", nil).
			WithEntity("lineage_edges")
	}

	inserted, err := l.store.InsertEdge(ctx, &stores.LineageEdge{
		ID:         uuid.New().String(),
		GraphName:  graphName,
		Nature:     nature,
		NodeID:     nodeID,
		ResourceID: resourceID,
	})
	if err != nil {
		return false, err
	}

	if l.metrics != nil {
		outcome := "noop"
		if inserted {
			outcome = "inserted"
		}
		l.metrics.RecordEdgeLinked(graphName, outcome)
	}

	return inserted, nil
}

// Neighbors returns the resource identifiers reachable from a node,
// optionally filtered by edge nature, as a lazy sequence. Each range
// over the sequence issues a fresh query, so the sequence is
// restartable and observes edges linked between traversals. Ordering is
// stable across traversals of the same edge set.
func (l *Linker) Neighbors(ctx context.Context, graphName, nodeID string, nature *string) iter.Seq[string] {
	return func(yield func(string) bool) {
		ids, err := l.store.ListNeighbors(ctx, graphName, nodeID, nature)
		if err != nil {
			l.logger.WithError(err).WithField("graph", graphName).
				Error("neighbor traversal failed")
			return
		}
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}
