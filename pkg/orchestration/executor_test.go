package orchestration

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

func setupExecutor(t *testing.T) (*Executor, stores.Store, string) {
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

	return NewExecutor(store, logger, nil), store, device.ID
}

func beginSession(t *testing.T, e *Executor, deviceID string) *stores.OrchSession {
	t.Helper()
	session, err := e.BeginSession(context.Background(), deviceID, "ingest-pipeline", "1", nil)
	if err != nil {
		t.Fatalf("begin session failed: %v", err)
	}
	return session
}

func TestTransitionOverwrite(t *testing.T) {
	e, store, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	r1, r2 := "r1", "r2"
	if err := e.RecordTransition(ctx, session.ID, "S1", "OPEN", "RUNNING", nil, &r1); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
	if err := e.RecordTransition(ctx, session.ID, "S1", "OPEN", "RUNNING", nil, &r2); err != nil {
		t.Fatalf("second transition failed: %v", err)
	}

	state, err := store.GetOrchState(ctx, "S1", "OPEN", "RUNNING")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if state.Reason == nil || *state.Reason != "r2" {
		t.Errorf("expected last writer's reason r2, got %v", state.Reason)
	}

	// A different transition pair is a separate row.
	if err := e.RecordTransition(ctx, session.ID, "S1", "RUNNING", "DONE", nil, nil); err != nil {
		t.Fatalf("third transition failed: %v", err)
	}
	if _, err := store.GetOrchState(ctx, "S1", "RUNNING", "DONE"); err != nil {
		t.Errorf("expected separate row for distinct transition: %v", err)
	}
}

func TestExecTreeCrossSessionParent(t *testing.T) {
	e, _, deviceID := setupExecutor(t)
	ctx := context.Background()

	sessionA := beginSession(t, e, deviceID)
	sessionB := beginSession(t, e, deviceID)

	parent, err := e.Exec(ctx, sessionA.ID, nil, "stage", "run-a", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	_, err = e.Exec(ctx, sessionB.ID, parent, "stage", "run-b", nil)
	if !stores.IsReferential(err) {
		t.Errorf("cross-session parenting must be a referential error, got %v", err)
	}
}

func TestSiblingOrderMonotonicUnderConcurrency(t *testing.T) {
	e, store, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	parent, err := e.Exec(ctx, session.ID, nil, "stage", "parent", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Exec(ctx, session.ID, parent, "unit", "child", nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent exec %d failed: %v", i, err)
		}
	}

	execs, err := store.ListOrchExecs(ctx, session.ID)
	if err != nil {
		t.Fatalf("list execs failed: %v", err)
	}

	var orders []int
	for _, ex := range execs {
		if ex.ParentExecID != nil && *ex.ParentExecID == parent.ID() {
			orders = append(orders, ex.SiblingOrder)
		}
	}
	if len(orders) != n {
		t.Fatalf("expected %d children, got %d", n, len(orders))
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i {
			t.Fatalf("sibling orders must be unique and monotonic, got %v", orders)
		}
	}
}

func TestParentAggregateStatus(t *testing.T) {
	e, _, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	parent, err := e.Exec(ctx, session.ID, nil, "stage", "parent", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	ok, err := e.Exec(ctx, session.ID, parent, "unit", "good", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	bad, err := e.Exec(ctx, session.ID, parent, "unit", "bad", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	if err := e.Finish(ctx, ok, StatusOK, nil, nil); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	errText := "boom"
	if err := e.Finish(ctx, bad, 7, nil, &errText); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	if err := e.Finish(ctx, parent, StatusOK, nil, nil); err != nil {
		t.Fatalf("finish parent failed: %v", err)
	}
	if parent.Exec.Status != 7 {
		t.Errorf("parent with a failed child must fail, got status %d", parent.Exec.Status)
	}
}

func TestParentAggregateOverride(t *testing.T) {
	e, _, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	parent, err := e.Exec(ctx, session.ID, nil, "stage", "parent", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	child, err := e.Exec(ctx, session.ID, parent, "unit", "bad", nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if err := e.Finish(ctx, child, 3, nil, nil); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	if err := e.FinishOverride(ctx, parent, StatusOK, nil, nil); err != nil {
		t.Fatalf("override finish failed: %v", err)
	}
	if parent.Exec.Status != StatusOK {
		t.Errorf("override must keep explicit status, got %d", parent.Exec.Status)
	}
}

func TestIssuesAppendOnly(t *testing.T) {
	e, store, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	for i := 0; i < 2; i++ {
		if err := e.RecordIssue(ctx, session.ID, nil, "parse", "bad row", nil, nil); err != nil {
			t.Fatalf("record issue failed: %v", err)
		}
	}

	issues, err := store.ListOrchIssues(ctx, session.ID)
	if err != nil {
		t.Fatalf("list issues failed: %v", err)
	}
	if len(issues) != 2 {
		t.Errorf("identical issues must append, not overwrite: got %d rows", len(issues))
	}
}

func TestLogSiblingOrder(t *testing.T) {
	e, store, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	root, err := e.Log(ctx, session.ID, nil, "stage", "start")
	if err != nil {
		t.Fatalf("log failed: %v", err)
	}
	for _, content := range []string{"one", "two", "three"} {
		if _, err := e.Log(ctx, session.ID, &root.ID, "detail", content); err != nil {
			t.Fatalf("log failed: %v", err)
		}
	}

	logs, err := store.ListOrchLogs(ctx, session.ID)
	if err != nil {
		t.Fatalf("list logs failed: %v", err)
	}

	var children []*stores.OrchLog
	for _, l := range logs {
		if l.ParentLogID != nil && *l.ParentLogID == root.ID {
			children = append(children, l)
		}
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 child logs, got %d", len(children))
	}
	for i, l := range children {
		if l.SiblingOrder != i {
			t.Errorf("child %d has sibling order %d", i, l.SiblingOrder)
		}
	}
}

func TestFinishSessionNotIdempotentAndLateRecords(t *testing.T) {
	e, _, deviceID := setupExecutor(t)
	ctx := context.Background()
	session := beginSession(t, e, deviceID)

	report, err := e.FinishSession(ctx, session.ID, nil, nil)
	if err != nil {
		t.Fatalf("finish session failed: %v", err)
	}
	if report.Session.FinishedAt == nil {
		t.Error("finished session must carry a finish timestamp")
	}

	if _, err := e.FinishSession(ctx, session.ID, nil, nil); err == nil {
		t.Error("double finish must fail")
	}

	// Late-arriving records remain valid against the closed session.
	if err := e.RecordIssue(ctx, session.ID, nil, "late", "recorded after close", nil, nil); err != nil {
		t.Errorf("late issue must still be accepted: %v", err)
	}
	if _, err := e.Log(ctx, session.ID, nil, "late", "after close"); err != nil {
		t.Errorf("late log must still be accepted: %v", err)
	}

	report, err = e.Report(ctx, session.ID)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Errorf("expected the late issue in the report, got %d issues", len(report.Issues))
	}
}
