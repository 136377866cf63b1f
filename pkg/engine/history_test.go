package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/macossetup/macossetup/pkg/stores"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

func setupHistory(t *testing.T) (*History, *stores.SQLiteStore) {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return NewHistory(store), store
}

func TestHistoryRecordsSyncRuns(t *testing.T) {
	history, store := setupHistory(t)
	ctx := context.Background()

	cfg := newFakeConfig(mustBuild(declared("brew:htop", "brew:jq")))
	brew := newFakeAdapter(KindBrew).failNext("jq", errors.New("no bottle available"))
	e := newTestEngineWith(t, EngineConfig{Config: cfg, Recorder: history, Observer: history}, brew)

	report, err := e.Sync(ctx, SyncOptions{Policy: UniformPolicy(PolicyPreferConfig)})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	runs, err := history.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.ID != report.RunID || run.Status != string(RunStatusPartial) || run.Installed != 1 || run.Failed != 1 {
		t.Errorf("unexpected run row %+v", run)
	}

	actions, err := store.ListActionsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListActionsByRun failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[1].Subject != "brew:jq" || actions[1].Status != string(ActionStatusFailed) || actions[1].Error == nil {
		t.Errorf("unexpected action row %+v", actions[1])
	}

	loaded, err := history.Report(ctx, run.ID[:8])
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if loaded.Status != RunStatusPartial || !equalStrings(subjectsString(loaded.Installed), []string{"brew:htop"}) {
		t.Errorf("report did not survive storage: %+v", loaded)
	}
	if len(loaded.Failed) != 1 || loaded.Failed[0].Err.Code != ErrCodeActionFailed {
		t.Errorf("unexpected failures %+v", loaded.Failed)
	}

	events, err := history.Events(ctx, run.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("expected 7 phase events, got %d", len(events))
	}
	if events[0].Message != "idle -> collecting-declared" || events[0].Type != "phase.changed" {
		t.Errorf("unexpected first event %+v", events[0])
	}
}

func TestHistoryReportNotFound(t *testing.T) {
	history, _ := setupHistory(t)
	if _, err := history.Report(context.Background(), "deadbeef"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistorySnapshots(t *testing.T) {
	history, _ := setupHistory(t)
	ctx := context.Background()

	b := observed("brew:git", "mas:497799835")
	_ = b.SetPreference(PreferenceKey{Domain: "NSGlobalDomain", Key: "AppleInterfaceStyle"}, "Dark")
	snap := mustBuild(b)

	if err := history.SaveSnapshot(ctx, "baseline", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	got, err := history.LoadSnapshot(ctx, "baseline")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got.Len() != 3 || got.Origin() != OriginObserved {
		t.Errorf("unexpected snapshot %v", subjectsString(got.Subjects()))
	}
	st, ok := got.Get(PreferenceSubject("NSGlobalDomain", "AppleInterfaceStyle"))
	if !ok || st.Value != "Dark" {
		t.Errorf("expected Dark, got %v", st)
	}

	list, err := history.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "baseline" || list[0].Subjects != 3 {
		t.Errorf("unexpected listing %+v", list)
	}
}

func TestHistoryPrune(t *testing.T) {
	history, store := setupHistory(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	for _, id := range []string{"old-run", "new-run"} {
		started := time.Now()
		if id == "old-run" {
			started = old
		}
		err := store.SaveRun(ctx, &stores.Run{ID: id, Scope: "all", Policy: "prefer-config", Status: "succeeded", StartedAt: started}, nil)
		if err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	n, err := history.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned run, got %d", n)
	}
	runs, _ := history.Runs(ctx, 0)
	if len(runs) != 1 || runs[0].ID != "new-run" {
		t.Errorf("unexpected remaining runs %+v", runs)
	}
}

func TestHistoryEventSink(t *testing.T) {
	history, _ := setupHistory(t)
	ctx := context.Background()

	sink := history.EventSink(ctx)
	sink(telemetry.Event{
		ID:        "e1",
		Timestamp: testTime,
		Type:      "action.finished",
		RunID:     "run-1",
		ActionID:  "a001",
		Subject:   "brew:htop",
		Message:   "install brew:htop succeeded",
		Level:     "info",
		Data:      map[string]interface{}{"status": "succeeded"},
	})

	events, err := history.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Subject == nil || *e.Subject != "brew:htop" || e.Level != stores.EventLevelInfo {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Details == nil || *e.Details != `{"status":"succeeded"}` {
		t.Errorf("unexpected details %v", e.Details)
	}
}
