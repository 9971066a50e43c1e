package stores

import (
	"context"
	"database/sql"
	"time"
)

// Housekeeping is the common record envelope applied to every entity.
// Deletion marks the envelope rather than removing the row; live read
// paths filter on an unset DeletedAt.
type Housekeeping struct {
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UpdatedBy   *string    `json:"updated_by,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	DeletedBy   *string    `json:"deleted_by,omitempty"`
	ActivityLog *string    `json:"activity_log,omitempty"`
}

// EntryStatus represents the per-entry ingestion outcome.
type EntryStatus string

const (
	EntryStatusDiscovering EntryStatus = "discovering"
	EntryStatusMatching    EntryStatus = "matching"
	EntryStatusResolving   EntryStatus = "resolving"
	EntryStatusAdmitted    EntryStatus = "admitted"
	EntryStatusDuplicate   EntryStatus = "duplicate"
	EntryStatusRejected    EntryStatus = "rejected"
	EntryStatusUnmatched   EntryStatus = "unmatched"
	EntryStatusErrored     EntryStatus = "errored"
)

// IsTerminal returns true if the entry status represents a final state.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusAdmitted || s == EntryStatusDuplicate ||
		s == EntryStatusRejected || s == EntryStatusUnmatched || s == EntryStatusErrored
}

// Device is an identified host or source of ingestion. Devices are
// created on first contact and never physically deleted.
type Device struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Boundary string  `json:"boundary"`
	Segments *string `json:"segments,omitempty"` // JSON blob
	Housekeeping
}

// IngestSession is one bounded ingestion run scoped to a device.
type IngestSession struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Agent      string     `json:"agent"`
	Behavior   *string    `json:"behavior,omitempty"` // JSON blob
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Housekeeping
}

// IngestPath is one filesystem root (or equivalent source-scoped
// container) registered under an ingestion session.
type IngestPath struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	RootPath     string  `json:"root_path"`
	IncludeGlobs *string `json:"include_globs,omitempty"` // JSON array
	ExcludeGlobs *string `json:"exclude_globs,omitempty"` // JSON array
	Housekeeping
}

// IngestEntry records what was attempted for one discovered unit.
// Many entries may resolve to the same uniform resource, or to none.
type IngestEntry struct {
	ID              string      `json:"id"`
	PathID          string      `json:"path_id"`
	SessionID       string      `json:"session_id"`
	AbsPath         string      `json:"abs_path"`
	RelPath         string      `json:"rel_path"`
	Status          EntryStatus `json:"status"`
	Nature          *string     `json:"nature,omitempty"`
	ResourceID      *string     `json:"resource_id,omitempty"`
	CapturedExec    *string     `json:"captured_exec,omitempty"`
	Diagnostics     *string     `json:"diagnostics,omitempty"`     // JSON blob
	Transformations *string     `json:"transformations,omitempty"` // JSON array
	Housekeeping
}

// UniformResource is the canonical content-addressed record. The tuple
// (DeviceID, Digest, URI, SizeBytes) is unique; identical bytes from the
// same device at the same URI are stored once.
type UniformResource struct {
	ID          string  `json:"id"`
	DeviceID    string  `json:"device_id"`
	SessionID   string  `json:"session_id"` // owning session (first admission)
	Digest      string  `json:"digest"`
	URI         string  `json:"uri"`
	SizeBytes   int64   `json:"size_bytes"`
	Nature      string  `json:"nature"`
	Content     []byte  `json:"-"`
	FrontMatter *string `json:"front_matter,omitempty"` // JSON blob
	Housekeeping
}

// ResourceTransform is a derived artifact of a uniform resource, keyed
// by (ResourceID, Digest, Nature, SizeBytes).
type ResourceTransform struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Digest     string `json:"digest"`
	Nature     string `json:"nature"`
	SizeBytes  int64  `json:"size_bytes"`
	Content    []byte `json:"-"`
	Housekeeping
}

// LineageGraph is a registered named graph. Edges may only be linked
// into graphs that have been registered.
type LineageGraph struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Housekeeping
}

// LineageEdge ties a graph name, edge nature, and node identifier to a
// uniform resource. (GraphName, Nature, NodeID, ResourceID) is unique.
type LineageEdge struct {
	ID         string `json:"id"`
	GraphName  string `json:"graph_name"`
	Nature     string `json:"nature"`
	NodeID     string `json:"node_id"`
	ResourceID string `json:"resource_id"`
	Housekeeping
}

// OrchSession is one execution of the orchestration pipeline against a
// device, tagged with a nature and version.
type OrchSession struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"device_id"`
	Nature        string     `json:"nature"`
	Version       string     `json:"version"`
	Args          *string    `json:"args,omitempty"`        // JSON blob
	Diagnostics   *string    `json:"diagnostics,omitempty"` // JSON blob
	DiagnosticsMD *string    `json:"diagnostics_md,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Housekeeping
}

// OrchEntry is a named processing stage within an orchestration session.
type OrchEntry struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Name      string  `json:"name"`
	IngestSrc *string `json:"ingest_src,omitempty"`
	Housekeeping
}

// OrchState is the last-observed lifecycle transition for a session or
// entry. (OwnerID, FromState, ToState) is unique; re-entering the same
// transition overwrites the prior row.
type OrchState struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	OwnerID        string    `json:"owner_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Result         *string   `json:"result,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
	TransitionedAt time.Time `json:"transitioned_at"`
	Housekeeping
}

// OrchExec is one node in the call tree of executed units. Root nodes
// have a nil parent; a node's parent must belong to the same session.
type OrchExec struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	ParentExecID *string    `json:"parent_exec_id,omitempty"`
	Nature       string     `json:"nature"`
	Identity     *string    `json:"identity,omitempty"`
	Code         string     `json:"code"`
	Status       int        `json:"status"`
	Input        *string    `json:"input,omitempty"`
	Output       *string    `json:"output,omitempty"`
	ErrorText    *string    `json:"error_text,omitempty"`
	Narrative    *string    `json:"narrative,omitempty"`
	SiblingOrder int        `json:"sibling_order"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Housekeeping
}

// OrchIssue is an append-only structured problem report.
type OrchIssue struct {
	ID          int64   `json:"id"`
	SessionID   string  `json:"session_id"`
	EntryID     *string `json:"entry_id,omitempty"`
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Row         *int64  `json:"row,omitempty"`
	Col         *int64  `json:"col,omitempty"`
	Value       *string `json:"value,omitempty"`
	Remediation *string `json:"remediation,omitempty"`
	Housekeeping
}

// OrchLog is a hierarchical log entry mirroring the exec tree via a
// self-referencing parent pointer, with sibling order for deterministic
// replay.
type OrchLog struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	ParentLogID  *string `json:"parent_log_id,omitempty"`
	Category     string  `json:"category"`
	Content      string  `json:"content"`
	SiblingOrder int     `json:"sibling_order"`
	Housekeeping
}

// AdmitOutcome is the result of a resource or transform admission.
type AdmitOutcome struct {
	ID          string
	IsNewRecord bool
}

// SessionSummary distinguishes admitted/duplicate/rejected/errored
// outcomes for one ingestion run.
type SessionSummary struct {
	SessionID string `json:"session_id"`
	Admitted  int    `json:"admitted"`
	Duplicate int    `json:"duplicate"`
	Rejected  int    `json:"rejected"`
	Errored   int    `json:"errored"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Device operations
	UpsertDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceRaw(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, limit, offset int) ([]*Device, error)
	SoftDeleteDevice(ctx context.Context, id, actor string) error

	// Ingest session operations
	CreateIngestSession(ctx context.Context, session *IngestSession) error
	GetIngestSession(ctx context.Context, id string) (*IngestSession, error)
	FinishIngestSession(ctx context.Context, id string) error
	ListIngestSessions(ctx context.Context, deviceID *string, limit, offset int) ([]*IngestSession, error)

	// Path and entry operations
	CreateIngestPath(ctx context.Context, path *IngestPath) error
	CreateIngestEntry(ctx context.Context, entry *IngestEntry) error
	UpdateIngestEntry(ctx context.Context, id string, status EntryStatus, resourceID, diagnostics *string) error
	ListIngestEntries(ctx context.Context, sessionID string) ([]*IngestEntry, error)
	SummarizeIngestSession(ctx context.Context, sessionID string) (*SessionSummary, error)

	// Resource store operations
	AdmitResource(ctx context.Context, res *UniformResource) (*AdmitOutcome, error)
	AdmitTransform(ctx context.Context, tr *ResourceTransform) (*AdmitOutcome, error)
	GetResource(ctx context.Context, id string) (*UniformResource, error)
	FindResourceByKey(ctx context.Context, deviceID, digest, uri string, sizeBytes int64) (*UniformResource, error)
	ListResources(ctx context.Context, deviceID *string, limit, offset int) ([]*UniformResource, error)
	ListTransforms(ctx context.Context, resourceID string) ([]*ResourceTransform, error)
	CountResourcesByKey(ctx context.Context, deviceID, digest, uri string, sizeBytes int64) (int, error)

	// Lineage operations
	RegisterGraph(ctx context.Context, graph *LineageGraph) error
	GraphExists(ctx context.Context, name string) (bool, error)
	InsertEdge(ctx context.Context, edge *LineageEdge) (bool, error)
	ListNeighbors(ctx context.Context, graphName, nodeID string, nature *string) ([]string, error)

	// Orchestration operations
	CreateOrchSession(ctx context.Context, session *OrchSession) error
	GetOrchSession(ctx context.Context, id string) (*OrchSession, error)
	FinishOrchSession(ctx context.Context, id string, diagnostics, diagnosticsMD *string) error
	CreateOrchEntry(ctx context.Context, entry *OrchEntry) error
	UpsertOrchState(ctx context.Context, state *OrchState) error
	GetOrchState(ctx context.Context, ownerID, fromState, toState string) (*OrchState, error)
	CreateOrchExec(ctx context.Context, exec *OrchExec) error
	FinishOrchExec(ctx context.Context, id string, status int, output, errText *string) error
	GetOrchExec(ctx context.Context, id string) (*OrchExec, error)
	ListOrchExecs(ctx context.Context, sessionID string) ([]*OrchExec, error)
	AppendOrchIssue(ctx context.Context, issue *OrchIssue) error
	ListOrchIssues(ctx context.Context, sessionID string) ([]*OrchIssue, error)
	AppendOrchLog(ctx context.Context, log *OrchLog) error
	ListOrchLogs(ctx context.Context, sessionID string) ([]*OrchLog, error)
}
