package lineage

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

func setupTest(t *testing.T) (*Linker, stores.Store, []string) {
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
	session := &stores.IngestSession{
		ID: uuid.New().String(), DeviceID: device.ID,
		Agent: "test", StartedAt: time.Now().UTC(),
	}
	if err := store.CreateIngestSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	// Seed three resources for edges to point at.
	var resourceIDs []string
	for _, uri := range []string{"file:///a", "file:///b", "file:///c"} {
		res := &stores.UniformResource{
			ID: uuid.New().String(), DeviceID: device.ID, SessionID: session.ID,
			Digest: uri, URI: uri, SizeBytes: 1, Nature: "text/plain",
		}
		if _, err := store.AdmitResource(ctx, res); err != nil {
			t.Fatalf("failed to seed resource: %v", err)
		}
		resourceIDs = append(resourceIDs, res.ID)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "json", Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	return NewLinker(store, logger, nil), store, resourceIDs
}

func TestLinkIdempotent(t *testing.T) {
	linker, _, resources := setupTest(t)
	ctx := context.Background()

	if err := linker.Register(ctx, "mentions", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	inserted, err := linker.Link(ctx, "mentions", "refers-to", "node-1", resources[0])
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if !inserted {
		t.Error("first link should insert")
	}

	again, err := linker.Link(ctx, "mentions", "refers-to", "node-1", resources[0])
	if err != nil {
		t.Fatalf("repeated link failed: %v", err)
	}
	if again {
		t.Error("repeated link with the same key must be a no-op")
	}

	// Same node and resource under a different nature is a distinct edge.
	other, err := linker.Link(ctx, "mentions", "derived-from", "node-1", resources[0])
	if err != nil {
		t.Fatalf("distinct-nature link failed: %v", err)
	}
	if !other {
		t.Error("edge key includes nature, expected an insert")
	}
}

func TestLinkUnregisteredGraph(t *testing.T) {
	linker, _, resources := setupTest(t)
	ctx := context.Background()

	_, err := linker.Link(ctx, "never-registered", "refers-to", "node-1", resources[0])
	if !stores.IsReferential(err) {
		t.Errorf("expected referential error, got %v", err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	linker, _, _ := setupTest(t)
	ctx := context.Background()

	if err := linker.Register(ctx, "g", nil); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	desc := "updated"
	if err := linker.Register(ctx, "g", &desc); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
}

func TestNeighborsRestartable(t *testing.T) {
	linker, _, resources := setupTest(t)
	ctx := context.Background()

	if err := linker.Register(ctx, "deps", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for _, rid := range resources[:2] {
		if _, err := linker.Link(ctx, "deps", "uses", "root", rid); err != nil {
			t.Fatalf("link failed: %v", err)
		}
	}

	seq := linker.Neighbors(ctx, "deps", "root", nil)

	first := slices.Collect(seq)
	if len(first) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(first))
	}

	// A second traversal of the same sequence restarts from the top and
	// observes edges linked in between.
	if _, err := linker.Link(ctx, "deps", "uses", "root", resources[2]); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	second := slices.Collect(seq)
	if len(second) != 3 {
		t.Fatalf("expected restarted traversal to see 3 neighbors, got %d", len(second))
	}
	if !slices.Equal(first, second[:2]) {
		t.Error("traversal order must be stable across restarts")
	}
}

func TestNeighborsNatureFilter(t *testing.T) {
	linker, _, resources := setupTest(t)
	ctx := context.Background()

	if err := linker.Register(ctx, "deps", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := linker.Link(ctx, "deps", "uses", "root", resources[0]); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if _, err := linker.Link(ctx, "deps", "mentions", "root", resources[1]); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	nature := "uses"
	got := slices.Collect(linker.Neighbors(ctx, "deps", "root", &nature))
	if len(got) != 1 || got[0] != resources[0] {
		t.Errorf("nature filter returned %v, want [%s]", got, resources[0])
	}

	// Early break must not panic or leak.
	for range linker.Neighbors(ctx, "deps", "root", nil) {
		break
	}
}
