package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/resource"
	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// Manager drives ingestion sessions: it opens per-device sessions,
// registers path roots, runs candidates from a source adapter through
// the match/rewrite rules, and resolves accepted ones into the resource
// store. Per-entry lifecycle:
//
//	OPEN -> (DISCOVERING -> MATCHING -> RESOLVING ->
//	         {ADMITTED | DUPLICATE | REJECTED | UNMATCHED | ERRORED}) -> CLOSED
type Manager struct {
	store    stores.Store
	admitter *resource.Admitter
	rules    *RuleSet
	registry *Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewManager creates an ingestion session manager. Metrics may be nil.
func NewManager(store stores.Store, admitter *resource.Admitter, rules *RuleSet,
	registry *Registry, logger *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		store:    store,
		admitter: admitter,
		rules:    rules,
		registry: registry,
		logger:   logger.NewComponentLogger("ingest"),
		metrics:  metrics,
	}
}

// Open starts an ingestion session for a device. Fails with a
// referential error carrying DEVICE_UNKNOWN if the device is absent.
func (m *Manager) Open(ctx context.Context, deviceID, agent string, behavior *string) (*stores.IngestSession, error) {
	session := &stores.IngestSession{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Agent:     agent,
		Behavior:  behavior,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateIngestSession(ctx, session); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordSessionStarted(deviceID)
	}
	m.logger.WithSessionID(session.ID).WithDeviceID(deviceID).Info("ingestion session opened")
	return session, nil
}

// RegisterPath registers a root under an open session.
func (m *Manager) RegisterPath(ctx context.Context, sessionID, rootPath string,
	includeGlobs, excludeGlobs []string) (*stores.IngestPath, error) {
	path := &stores.IngestPath{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		RootPath:  rootPath,
	}

	if len(includeGlobs) > 0 {
		raw, err := json.Marshal(includeGlobs)
		if err != nil {
			return nil, stores.NewValidationError("failed to encode include globs", err)
		}
		s := string(raw)
		path.IncludeGlobs = &s
	}
	if len(excludeGlobs) > 0 {
		raw, err := json.Marshal(excludeGlobs)
		if err != nil {
			return nil, stores.NewValidationError("failed to encode exclude globs", err)
		}
		s := string(raw)
		path.ExcludeGlobs = &s
	}

	if err := m.store.CreateIngestPath(ctx, path); err != nil {
		return nil, err
	}
	return path, nil
}

// RecordEntry runs one candidate through the rule set and, if it
// matches, admits it into the resource store. The returned entry holds
// the terminal status; store-level failures on the entry itself are the
// only error return.
func (m *Manager) RecordEntry(ctx context.Context, session *stores.IngestSession,
	path *stores.IngestPath, cand Candidate) (*stores.IngestEntry, error) {
	entry := &stores.IngestEntry{
		ID:        uuid.New().String(),
		PathID:    path.ID,
		SessionID: session.ID,
		AbsPath:   cand.AbsPath,
		RelPath:   cand.RelPath,
		Status:    stores.EntryStatusDiscovering,
	}
	if err := m.store.CreateIngestEntry(ctx, entry); err != nil {
		return nil, err
	}

	// Adapters may surface a candidate they refuse to carry content for;
	// it terminates as rejected without touching the rules.
	if cand.RejectReason != "" {
		return m.finishEntry(ctx, entry, stores.EntryStatusRejected, nil,
			diagReason(cand.RejectReason))
	}

	if err := m.store.UpdateIngestEntry(ctx, entry.ID, stores.EntryStatusMatching, nil, nil); err != nil {
		return nil, err
	}

	match, err := m.rules.Evaluate(cand.AbsPath, cand.RelPath)
	if err != nil {
		return m.finishEntry(ctx, entry, stores.EntryStatusErrored, nil, diagJSON(err))
	}
	if !match.Matched {
		return m.finishEntry(ctx, entry, stores.EntryStatusUnmatched, nil, nil)
	}

	if err := m.store.UpdateIngestEntry(ctx, entry.ID, stores.EntryStatusResolving, nil, nil); err != nil {
		return nil, err
	}

	nature := match.Nature
	if nature == "" {
		nature = cand.Nature
	}

	outcome, err := m.admitter.Admit(ctx, resource.AdmitRequest{
		DeviceID:  session.DeviceID,
		SessionID: session.ID,
		URI:       match.URI,
		Nature:    nature,
		Content:   cand.Content,
		Actor:     session.Agent,
	})
	if err != nil {
		m.logger.WithError(err).WithSessionID(session.ID).
			WithField("path", cand.RelPath).Warn("admission failed")
		return m.finishEntry(ctx, entry, stores.EntryStatusErrored, nil, diagJSON(err))
	}

	status := stores.EntryStatusDuplicate
	if outcome.IsNewRecord {
		status = stores.EntryStatusAdmitted
	}
	return m.finishEntry(ctx, entry, status, &outcome.ID, nil)
}

// Run drives one registered path through a source adapter. Adapter
// failures are logged and returned; entries recorded before the failure
// stand.
func (m *Manager) Run(ctx context.Context, session *stores.IngestSession,
	path *stores.IngestPath, kind string) error {
	adapter, err := m.registry.Get(kind)
	if err != nil {
		return err
	}

	produceErr := telemetry.RecordAdapterOperation(ctx, kind, "produce", func() error {
		return adapter.Produce(ctx, path, func(cand Candidate) error {
			_, err := m.RecordEntry(ctx, session, path, cand)
			return err
		})
	})
	if produceErr != nil {
		m.logger.WithError(produceErr).WithSessionID(session.ID).
			WithField("kind", kind).Warn("adapter run failed")
		return stores.NewAdapterError("source adapter run failed", produceErr).
			WithKey(path.RootPath)
	}
	return nil
}

// Close finishes a session and computes its summary. Close is not
// idempotent: a second call fails with ALREADY_CLOSED so double-close
// is detectable as a programming error.
func (m *Manager) Close(ctx context.Context, sessionID string) (*stores.SessionSummary, error) {
	if err := m.store.FinishIngestSession(ctx, sessionID); err != nil {
		return nil, err
	}

	summary, err := m.store.SummarizeIngestSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		duration := time.Duration(0)
		if sess, err := m.store.GetIngestSession(ctx, sessionID); err == nil && sess.FinishedAt != nil {
			duration = sess.FinishedAt.Sub(sess.StartedAt)
		}
		m.metrics.RecordSessionFinished("closed", duration)
	}

	m.logger.WithSessionID(sessionID).
		Infof("session closed: %d admitted, %d duplicate, %d rejected, %d errored",
			summary.Admitted, summary.Duplicate, summary.Rejected, summary.Errored)
	return summary, nil
}

// IngestOnce runs a complete one-shot ingestion: open, register the
// root, run the adapter, close. The whole run is traced as one session
// span when the context carries telemetry.
func (m *Manager) IngestOnce(ctx context.Context, deviceID, agent, root, kind string,
	includeGlobs, excludeGlobs []string) (*stores.SessionSummary, error) {
	session, err := m.Open(ctx, deviceID, agent, nil)
	if err != nil {
		return nil, err
	}
	ctx = telemetry.WithSessionContext(ctx, session.ID, deviceID)

	path, err := m.RegisterPath(ctx, session.ID, root, includeGlobs, excludeGlobs)
	if err != nil {
		telemetry.EndSessionContext(ctx, "failed", err)
		return nil, err
	}

	// An adapter failure still closes the session; the summary reflects
	// whatever was recorded before the failure.
	runErr := m.Run(ctx, session, path, kind)

	summary, err := m.Close(ctx, session.ID)
	if err != nil {
		telemetry.EndSessionContext(ctx, "failed", err)
		return nil, err
	}
	if runErr != nil {
		telemetry.EndSessionContext(ctx, "closed", runErr)
		return summary, runErr
	}
	telemetry.EndSessionContext(ctx, "closed", nil)
	return summary, nil
}

// Watch re-ingests changed files under root into a fresh session per
// debounced batch, until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, deviceID, agent, root string) error {
	watcher := NewWatcher(m.logger)
	return watcher.Watch(ctx, root, func(changed []string) {
		session, err := m.Open(ctx, deviceID, agent, nil)
		if err != nil {
			m.logger.WithError(err).Error("failed to open watch session")
			return
		}
		ctx := telemetry.WithSessionContext(ctx, session.ID, deviceID)
		path, err := m.RegisterPath(ctx, session.ID, root, nil, nil)
		if err != nil {
			telemetry.EndSessionContext(ctx, "failed", err)
			m.logger.WithError(err).Error("failed to register watch path")
			return
		}

		for _, p := range changed {
			content, err := os.ReadFile(p)
			if err != nil {
				m.logger.WithError(err).WithField("path", p).Warn("failed to read changed file")
				continue
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				rel = p
			}
			if _, err := m.RecordEntry(ctx, session, path, Candidate{
				AbsPath: p,
				RelPath: filepath.ToSlash(rel),
				Content: content,
				Nature:  natureOf(p),
			}); err != nil {
				m.logger.WithError(err).WithField("path", p).Warn("failed to record entry")
			}
		}

		if _, err := m.Close(ctx, session.ID); err != nil {
			telemetry.EndSessionContext(ctx, "failed", err)
			m.logger.WithError(err).Error("failed to close watch session")
			return
		}
		telemetry.EndSessionContext(ctx, "closed", nil)
	})
}

// finishEntry records an entry's terminal status and emits metrics.
func (m *Manager) finishEntry(ctx context.Context, entry *stores.IngestEntry,
	status stores.EntryStatus, resourceID, diagnostics *string) (*stores.IngestEntry, error) {
	if err := m.store.UpdateIngestEntry(ctx, entry.ID, status, resourceID, diagnostics); err != nil {
		return nil, err
	}
	entry.Status = status
	entry.ResourceID = resourceID
	entry.Diagnostics = diagnostics

	if m.metrics != nil {
		m.metrics.RecordEntry(string(status))
	}
	return entry, nil
}

// diagReason encodes a rejection reason as a diagnostics payload.
func diagReason(reason string) *string {
	raw, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		s := fmt.Sprintf(`{"reason":%q}`, reason)
		return &s
	}
	s := string(raw)
	return &s
}

// diagJSON encodes an error as a diagnostics payload.
func diagJSON(err error) *string {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		s := fmt.Sprintf(`{"error":%q}`, err.Error())
		return &s
	}
	s := string(raw)
	return &s
}
