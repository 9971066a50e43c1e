package resource

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

func setupTest(t *testing.T) (*Admitter, stores.Store, string, string) {
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

	device := &stores.Device{
		ID:    uuid.New().String(),
		Name:  "test-device",
		State: "active",
	}
	if err := store.UpsertDevice(ctx, device); err != nil {
		t.Fatalf("failed to upsert device: %v", err)
	}

	session := &stores.IngestSession{
		ID:        uuid.New().String(),
		DeviceID:  device.ID,
		Agent:     "test",
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateIngestSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	return NewAdmitter(store, logger, nil), store, device.ID, session.ID
}

func TestDigest(t *testing.T) {
	got := Digest([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Digest() = %s, want %s", got, want)
	}
	if got != strings.ToLower(got) {
		t.Error("digest must be lowercase hex")
	}
}

func TestAdmitNewThenDuplicate(t *testing.T) {
	admitter, store, deviceID, sessionID := setupTest(t)
	ctx := context.Background()

	req := AdmitRequest{
		DeviceID:  deviceID,
		SessionID: sessionID,
		URI:       "file:///etc/hosts",
		Nature:    "text/plain",
		Content:   []byte("127.0.0.1 localhost\n"),
	}

	first, err := admitter.Admit(ctx, req)
	if err != nil {
		t.Fatalf("first admission failed: %v", err)
	}
	if !first.IsNewRecord {
		t.Error("first admission should be a new record")
	}

	second, err := admitter.Admit(ctx, req)
	if err != nil {
		t.Fatalf("duplicate admission failed: %v", err)
	}
	if second.IsNewRecord {
		t.Error("duplicate admission should not be a new record")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate admission resolved to %s, want %s", second.ID, first.ID)
	}

	count, err := store.CountResourcesByKey(ctx, deviceID,
		Digest(req.Content), req.URI, int64(len(req.Content)))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row for the key, got %d", count)
	}
}

func TestAdmitDeviceScoped(t *testing.T) {
	admitter, store, deviceID, sessionID := setupTest(t)
	ctx := context.Background()

	other := &stores.Device{
		ID:    uuid.New().String(),
		Name:  "other-device",
		State: "active",
	}
	if err := store.UpsertDevice(ctx, other); err != nil {
		t.Fatalf("failed to upsert second device: %v", err)
	}
	otherSession := &stores.IngestSession{
		ID:        uuid.New().String(),
		DeviceID:  other.ID,
		Agent:     "test",
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateIngestSession(ctx, otherSession); err != nil {
		t.Fatalf("failed to create second session: %v", err)
	}

	content := []byte("same bytes everywhere")

	a, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: deviceID, SessionID: sessionID,
		URI: "file:///data/a.txt", Nature: "text/plain", Content: content,
	})
	if err != nil {
		t.Fatalf("admission on first device failed: %v", err)
	}

	b, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: other.ID, SessionID: otherSession.ID,
		URI: "file:///data/a.txt", Nature: "text/plain", Content: content,
	})
	if err != nil {
		t.Fatalf("admission on second device failed: %v", err)
	}

	if !a.IsNewRecord || !b.IsNewRecord {
		t.Error("identical content on different devices must be stored per device")
	}
	if a.ID == b.ID {
		t.Error("device-scoped admissions must not share a row")
	}
}

func TestAdmitExtractsFrontMatter(t *testing.T) {
	admitter, store, deviceID, sessionID := setupTest(t)
	ctx := context.Background()

	content := []byte("---\ntitle: notes\nseverity: 3\n---\n# Notes\n")
	outcome, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: deviceID, SessionID: sessionID,
		URI: "file:///notes.md", Nature: "text/markdown", Content: content,
	})
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	res, err := store.GetResource(ctx, outcome.ID)
	if err != nil {
		t.Fatalf("get resource failed: %v", err)
	}
	if res.FrontMatter == nil {
		t.Fatal("expected front matter to be extracted")
	}
	if !strings.Contains(*res.FrontMatter, `"title":"notes"`) {
		t.Errorf("unexpected front matter: %s", *res.FrontMatter)
	}
}

func TestAdmitBinarySkipsFrontMatter(t *testing.T) {
	admitter, store, deviceID, sessionID := setupTest(t)
	ctx := context.Background()

	content := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x1a}
	outcome, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: deviceID, SessionID: sessionID,
		URI: "file:///img.png", Nature: "image/png", Content: content,
	})
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	res, err := store.GetResource(ctx, outcome.ID)
	if err != nil {
		t.Fatalf("get resource failed: %v", err)
	}
	if res.FrontMatter != nil {
		t.Errorf("binary content must not carry front matter, got %s", *res.FrontMatter)
	}
}

func TestAdmitUnknownDevice(t *testing.T) {
	admitter, _, _, sessionID := setupTest(t)
	ctx := context.Background()

	_, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: uuid.New().String(), SessionID: sessionID,
		URI: "file:///x", Nature: "text/plain", Content: []byte("x"),
	})
	if !stores.IsReferential(err) {
		t.Errorf("expected referential error for unknown device, got %v", err)
	}
}

func TestAdmitTransformDedup(t *testing.T) {
	admitter, _, deviceID, sessionID := setupTest(t)
	ctx := context.Background()

	parent, err := admitter.Admit(ctx, AdmitRequest{
		DeviceID: deviceID, SessionID: sessionID,
		URI: "file:///doc.md", Nature: "text/markdown", Content: []byte("# doc"),
	})
	if err != nil {
		t.Fatalf("parent admission failed: %v", err)
	}

	req := TransformRequest{
		ResourceID: parent.ID,
		Nature:     "text/html",
		Content:    []byte("<h1>doc</h1>"),
	}

	first, err := admitter.AdmitTransform(ctx, req)
	if err != nil {
		t.Fatalf("first transform admission failed: %v", err)
	}
	if !first.IsNewRecord {
		t.Error("first transform should be a new record")
	}

	second, err := admitter.AdmitTransform(ctx, req)
	if err != nil {
		t.Fatalf("duplicate transform admission failed: %v", err)
	}
	if second.IsNewRecord || second.ID != first.ID {
		t.Errorf("duplicate transform should resolve to %s, got %+v", first.ID, second)
	}

	// Same bytes under a different nature is a distinct artifact.
	other, err := admitter.AdmitTransform(ctx, TransformRequest{
		ResourceID: parent.ID,
		Nature:     "text/plain",
		Content:    []byte("<h1>doc</h1>"),
	})
	if err != nil {
		t.Fatalf("distinct-nature transform failed: %v", err)
	}
	if !other.IsNewRecord {
		t.Error("transform key includes nature, expected a new record")
	}
}
