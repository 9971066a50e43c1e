package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/urio/urio/pkg/stores"
)

// Candidate is one raw unit produced by a source adapter before
// matching and admission.
type Candidate struct {
	AbsPath  string
	RelPath  string
	Content  []byte
	Nature   string
	Metadata *string // JSON blob

	// RejectReason marks a candidate the adapter surfaced but refuses
	// to carry content for (oversize, unreadable). The manager records
	// it as a rejected entry without running the rules.
	RejectReason string
}

// SourceAdapter produces candidate resources for a registered path
// root. Implementations exist per source kind (filesystem, mailbox,
// issue tracker, telemetry); the manager selects one at session open.
// Produce calls emit for each candidate and returns when the root is
// exhausted or ctx is cancelled. Adapter failures surface as returned
// errors; the manager records them without aborting sibling work.
type SourceAdapter interface {
	Kind() string
	Produce(ctx context.Context, path *stores.IngestPath, emit func(Candidate) error) error
}

// Registry maps source kinds to adapter implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]SourceAdapter)}
}

// Register adds an adapter under its kind. Registering the same kind
// twice replaces the earlier adapter.
func (r *Registry) Register(adapter SourceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind string) (SourceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, stores.NewAdapterError(
			fmt.Sprintf("no adapter registered for kind %q", kind), nil)
	}
	return adapter, nil
}

// Kinds returns the registered source kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}
