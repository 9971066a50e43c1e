package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/resource"
	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

func setupManager(t *testing.T, rules *RuleSet) (*Manager, stores.Store, string) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:", MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	device := &stores.Device{ID: uuid.New().String(), Name: "dev", State: "active"}
	if err := store.UpsertDevice(ctx, device); err != nil {
		t.Fatalf("failed to upsert device: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "json", Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	if rules == nil {
		rules = &RuleSet{}
	}
	if err := rules.Compile(); err != nil {
		t.Fatalf("failed to compile rules: %v", err)
	}

	registry := NewRegistry()
	registry.Register(NewFSAdapter(logger))

	admitter := resource.NewAdmitter(store, logger, nil)
	manager := NewManager(store, admitter, rules, registry, logger, nil)
	return manager, store, device.ID
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}
	return root
}

func TestIngestTreeTwice(t *testing.T) {
	manager, store, deviceID := setupManager(t, nil)
	ctx := context.Background()

	root := writeTree(t, map[string]string{
		"a.txt":     "alpha",
		"b.txt":     "beta",
		"sub/c.txt": "gamma",
	})

	first, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs", nil, nil)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Admitted != 3 || first.Duplicate != 0 {
		t.Errorf("first run: admitted=%d duplicate=%d, want 3/0", first.Admitted, first.Duplicate)
	}

	second, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs", nil, nil)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Admitted != 0 || second.Duplicate != 3 {
		t.Errorf("second run: admitted=%d duplicate=%d, want 0/3", second.Admitted, second.Duplicate)
	}

	resources, err := store.ListResources(ctx, &deviceID, 100, 0)
	if err != nil {
		t.Fatalf("list resources failed: %v", err)
	}
	if len(resources) != 3 {
		t.Errorf("expected zero net new rows on re-ingestion, got %d resources", len(resources))
	}
}

func TestIngestGlobFilters(t *testing.T) {
	manager, _, deviceID := setupManager(t, nil)
	ctx := context.Background()

	root := writeTree(t, map[string]string{
		"keep.md":   "kept",
		"skip.tmp":  "skipped",
		"sub/ok.md": "kept too",
	})

	summary, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs",
		[]string{"**.md"}, []string{"skip.*"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Admitted != 2 {
		t.Errorf("expected 2 admitted after glob filtering, got %d", summary.Admitted)
	}
}

func TestIngestStrictRulesReject(t *testing.T) {
	rules := &RuleSet{
		Strict: true,
		Match: []MatchRule{
			{Pattern: `\.md$`, Nature: "text/markdown", Priority: 1},
		},
	}
	manager, store, deviceID := setupManager(t, rules)
	ctx := context.Background()

	root := writeTree(t, map[string]string{
		"doc.md":   "# doc",
		"data.bin": "not matched",
	})

	summary, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs", nil, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Admitted != 1 {
		t.Errorf("expected 1 admitted, got %d", summary.Admitted)
	}
	if summary.Rejected != 1 {
		t.Errorf("expected 1 rejected (unmatched), got %d", summary.Rejected)
	}

	sessions, err := store.ListIngestSessions(ctx, &deviceID, 10, 0)
	if err != nil {
		t.Fatalf("list sessions failed: %v", err)
	}
	entries, err := store.ListIngestEntries(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	var unmatched int
	for _, e := range entries {
		if e.Status == stores.EntryStatusUnmatched {
			unmatched++
		}
	}
	if unmatched != 1 {
		t.Errorf("expected 1 unmatched entry, got %d", unmatched)
	}
}

func TestIngestOversizeFileRejected(t *testing.T) {
	manager, store, deviceID := setupManager(t, nil)
	ctx := context.Background()

	adapter := NewFSAdapter(manager.logger)
	adapter.maxFileSize = 8
	manager.registry.Register(adapter)

	root := writeTree(t, map[string]string{
		"small.txt": "tiny",
		"large.txt": "well over the eight byte limit",
	})

	summary, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs", nil, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Admitted != 1 {
		t.Errorf("expected 1 admitted, got %d", summary.Admitted)
	}
	if summary.Rejected != 1 {
		t.Errorf("expected the oversize file rejected, got %d", summary.Rejected)
	}

	sessions, err := store.ListIngestSessions(ctx, &deviceID, 10, 0)
	if err != nil {
		t.Fatalf("list sessions failed: %v", err)
	}
	entries, err := store.ListIngestEntries(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	var rejected *stores.IngestEntry
	for _, e := range entries {
		if e.RelPath == "large.txt" {
			rejected = e
		}
	}
	if rejected == nil {
		t.Fatal("oversize file left no entry")
	}
	if rejected.Status != stores.EntryStatusRejected {
		t.Errorf("expected rejected status, got %s", rejected.Status)
	}
	if rejected.Diagnostics == nil || !strings.Contains(*rejected.Diagnostics, "exceeds") {
		t.Errorf("expected rejection diagnostics, got %v", rejected.Diagnostics)
	}
}

func TestIngestWithTelemetryContext(t *testing.T) {
	manager, _, deviceID := setupManager(t, nil)

	cfg := telemetry.DefaultConfig()
	cfg.Logging = telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := tel.WithContext(context.Background())
	root := writeTree(t, map[string]string{"a.txt": "alpha"})

	summary, err := manager.IngestOnce(ctx, deviceID, "test", root, "fs", nil, nil)
	if err != nil {
		t.Fatalf("traced run failed: %v", err)
	}
	if summary.Admitted != 1 {
		t.Errorf("expected 1 admitted under tracing, got %d", summary.Admitted)
	}
}

func TestCloseNotIdempotent(t *testing.T) {
	manager, _, deviceID := setupManager(t, nil)
	ctx := context.Background()

	session, err := manager.Open(ctx, deviceID, "test", nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if _, err := manager.Close(ctx, session.ID); err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	_, err = manager.Close(ctx, session.ID)
	if err == nil {
		t.Fatal("second close must fail")
	}
	if !stores.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	var se *stores.StoreError
	if errors.As(err, &se) && se.Code != stores.ErrCodeAlreadyClosed {
		t.Errorf("expected ALREADY_CLOSED code, got %s", se.Code)
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	manager, _, _ := setupManager(t, nil)
	ctx := context.Background()

	_, err := manager.Open(ctx, uuid.New().String(), "test", nil)
	if !stores.IsReferential(err) {
		t.Errorf("expected referential error for unknown device, got %v", err)
	}
}
