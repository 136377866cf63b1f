package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(adapters ...ResourceAdapter) *Registry {
	return NewRegistry().MustRegister(adapters...)
}

func installPlan(items ...string) *Plan {
	plan := &Plan{Policy: UniformPolicy(PolicyPreferConfig)}
	for _, s := range items {
		subj := mustBuild(declared(s)).Subjects()[0]
		plan.Actions = append(plan.Actions, Action{
			Type:    ActionInstall,
			Subject: subj,
			Target:  InstalledState(""),
			Record:  ChangeRecord{Subject: subj, Kind: ChangeAdd, Declared: InstalledState("")},
		})
	}
	plan.Actions = orderSupersededRemovals(plan.Actions)
	return plan
}

func TestExecuteIsolatesFailures(t *testing.T) {
	brew := newFakeAdapter(KindBrew).failNext("jq", NewPermanentError("no formula named jq", nil))
	npm := newFakeAdapter(KindNpm)
	exec := NewExecutor(newTestRegistry(brew, npm), nil, ExecutorOptions{Sleep: noSleep})

	plan := installPlan("brew:htop", "brew:jq", "brew:wget", "npm:typescript", "npm:eslint")
	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Summary.Succeeded != 4 || res.Summary.Failed != 1 {
		t.Errorf("expected 4 succeeded and 1 failed, got %+v", res.Summary)
	}
	if res.Status != RunStatusPartial {
		t.Errorf("expected partial, got %s", res.Status)
	}
	failed, _ := res.Get("a002")
	if failed.Status != ActionStatusFailed || failed.Action.Subject.Item.ID != "jq" {
		t.Errorf("expected a002 (jq) to fail, got %+v", failed)
	}
	if failed.Attempts != 1 {
		t.Errorf("permanent failure must not retry, got %d attempts", failed.Attempts)
	}
	for _, id := range []string{"htop", "wget"} {
		if !brew.has(id) {
			t.Errorf("expected brew %s installed", id)
		}
	}
	for i, r := range res.Results {
		if r.Action.ID != plan.Actions[i].ID {
			t.Errorf("results out of plan order at %d", i)
		}
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	brew := newFakeAdapter(KindBrew).failNext("htop",
		NewTransientError("download timed out", nil),
		NewThrottledError("rate limited", nil),
	)
	var delays []time.Duration
	exec := NewExecutor(newTestRegistry(brew), nil, ExecutorOptions{
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Minute,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	res, err := exec.Execute(context.Background(), installPlan("brew:htop"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	r := res.Results[0]
	if r.Status != ActionStatusSucceeded || r.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %s after %d", r.Status, r.Attempts)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", delays)
	}
	// Attempt 0 transient: 100ms. Attempt 1 throttled: 500ms * 2. Both
	// within 12.5% jitter.
	assertWithinJitter(t, delays[0], 100*time.Millisecond)
	assertWithinJitter(t, delays[1], time.Second)
}

func assertWithinJitter(t *testing.T, got, base time.Duration) {
	t.Helper()
	spread := base / 8
	if got < base-spread || got > base+spread {
		t.Errorf("backoff %v outside %v ± %v", got, base, spread)
	}
}

func TestCalculateBackoffJitter(t *testing.T) {
	exec := NewExecutor(NewRegistry(), nil, ExecutorOptions{
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	})
	err := NewTransientError("download timed out", nil)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := exec.calculateBackoff(2, err)
		assertWithinJitter(t, d, 4*time.Second)
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected randomized delays, got only %v", seen)
	}

	exec = NewExecutor(NewRegistry(), nil, ExecutorOptions{BaseBackoff: time.Second, MaxBackoff: 2 * time.Second})
	assertWithinJitter(t, exec.calculateBackoff(5, err), 2*time.Second)
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	brew := newFakeAdapter(KindBrew).failNext("htop",
		NewTransientError("network", nil),
		NewTransientError("network", nil),
		NewTransientError("network", nil),
	)
	exec := NewExecutor(newTestRegistry(brew), nil, ExecutorOptions{MaxRetries: 2, Sleep: noSleep})

	res, _ := exec.Execute(context.Background(), installPlan("brew:htop"))
	r := res.Results[0]
	if r.Status != ActionStatusFailed || r.Attempts != 3 {
		t.Errorf("expected failure after 3 attempts, got %s after %d", r.Status, r.Attempts)
	}
	if !IsTransient(r.Error) {
		t.Errorf("expected transient classification, got %v", r.Error)
	}
	if res.Status != RunStatusFailed {
		t.Errorf("expected failed run, got %s", res.Status)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	brew := newFakeAdapter(KindBrew)
	brew.delay = 50 * time.Millisecond
	exec := NewExecutor(newTestRegistry(&blockingAdapter{fakeAdapter: brew}), nil, ExecutorOptions{
		MaxRetries:    1,
		ActionTimeout: 10 * time.Millisecond,
		Sleep:         noSleep,
	})

	res, _ := exec.Execute(context.Background(), installPlan("brew:htop"))
	r := res.Results[0]
	if r.Status != ActionStatusFailed {
		t.Fatalf("expected failure, got %s", r.Status)
	}
	if r.Error.Code != ErrCodeTimeout || !IsTransient(r.Error) {
		t.Errorf("expected transient timeout, got %v", r.Error)
	}
	if r.Attempts != 2 {
		t.Errorf("expected timeouts to be retried, got %d attempts", r.Attempts)
	}
}

// blockingAdapter honors the context deadline on install.
type blockingAdapter struct {
	*fakeAdapter
}

func (b *blockingAdapter) Install(ctx context.Context, item Item, version string) error {
	select {
	case <-time.After(b.delay):
		return b.fakeAdapter.Install(ctx, item, version)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestExecuteSkipsDependents(t *testing.T) {
	brew := newFakeAdapter(KindBrew, "node@18").failNext("node@20", errors.New("bottle checksum mismatch"))
	exec := NewExecutor(newTestRegistry(brew), nil, ExecutorOptions{Sleep: noSleep})

	delta := diff(t, declared("brew:node@20"), observed("brew:node@18"))
	scope := ScopeOf(KindBrew)
	scope.Remove = true
	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), scope, nil)

	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Results[0].Status != ActionStatusFailed {
		t.Errorf("expected install to fail, got %s", res.Results[0].Status)
	}
	if res.Results[1].Status != ActionStatusSkipped || res.Results[1].Error.Code != ErrCodeDependencyFailed {
		t.Errorf("expected removal skipped for failed dependency, got %+v", res.Results[1])
	}
	if !brew.has("node@18") {
		t.Error("superseded item must stay installed when its replacement failed")
	}
	if calls := brew.getCalls(); !equalStrings(calls, []string{"install node@20"}) {
		t.Errorf("unexpected adapter calls %v", calls)
	}
}

func TestExecuteSerializesLanes(t *testing.T) {
	brew := newFakeAdapter(KindBrew)
	brew.delay = 5 * time.Millisecond
	npm := newFakeAdapter(KindNpm)
	npm.delay = 5 * time.Millisecond
	exec := NewExecutor(newTestRegistry(brew, npm), nil, ExecutorOptions{Sleep: noSleep})

	plan := installPlan("brew:a", "brew:b", "brew:c", "npm:x", "npm:y", "npm:z")
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if brew.maxActive != 1 || npm.maxActive != 1 {
		t.Errorf("expected one call at a time per lane, got brew=%d npm=%d", brew.maxActive, npm.maxActive)
	}
	want := []string{"install a", "install b", "install c"}
	if got := brew.getCalls(); !equalStrings(got, want) {
		t.Errorf("expected plan order %v, got %v", want, got)
	}
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brew := newFakeAdapter(KindBrew)
	brew.onApply = cancel
	exec := NewExecutor(newTestRegistry(brew), nil, ExecutorOptions{Sleep: noSleep})

	res, err := exec.Execute(ctx, installPlan("brew:htop", "brew:jq", "brew:wget"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Results[0].Status != ActionStatusSucceeded {
		t.Errorf("in-flight action should finish, got %s", res.Results[0].Status)
	}
	for _, r := range res.Results[1:] {
		if r.Status != ActionStatusCancelled {
			t.Errorf("expected %s cancelled, got %s", r.Action.ID, r.Status)
		}
	}
	if res.Status != RunStatusCancelled {
		t.Errorf("expected cancelled run, got %s", res.Status)
	}
	if len(brew.getCalls()) != 1 {
		t.Errorf("nothing may run after cancellation, got %v", brew.getCalls())
	}
}

func TestExecuteRecordToConfig(t *testing.T) {
	key := PreferenceKey{Domain: "com.apple.finder", Key: "ShowPathbar"}
	d := NewSnapshotBuilder(OriginDeclared)
	_ = d.SetPreference(key, true)
	cfg := newFakeConfig(mustBuild(d))
	defaults := newFakeAdapter(KindDefaults)
	exec := NewExecutor(newTestRegistry(defaults), cfg, ExecutorOptions{Sleep: noSleep})

	subj := PreferenceSubject(key.Domain, key.Key)
	plan := &Plan{Actions: []Action{{ID: "a001", Type: ActionRecordToConfig, Subject: subj, Target: ValueState(false)}}}
	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Results[0].Status != ActionStatusSucceeded {
		t.Fatalf("expected success, got %+v", res.Results[0])
	}
	st, _ := cfg.current().Get(subj)
	if st.Value != false {
		t.Errorf("expected config value false, got %v", st.Value)
	}
	if len(defaults.getCalls()) != 0 {
		t.Error("record-to-config must not touch the system")
	}

	cfg.persistErr = errors.New("read-only file system")
	res, _ = exec.Execute(context.Background(), plan)
	if r := res.Results[0]; r.Status != ActionStatusFailed || r.Error.Code != ErrCodeConfigWriteFailed {
		t.Errorf("expected config write failure, got %+v", r)
	}
}

func TestExecuteRejectsMalformedPlan(t *testing.T) {
	exec := NewExecutor(NewRegistry(), nil, ExecutorOptions{})
	plan := installPlan("brew:htop", "npm:eslint")
	plan.Actions[0].DependsOn = []string{"a002"}

	if _, err := exec.Execute(context.Background(), plan); err == nil {
		t.Fatal("expected validation error for cross-lane dependency")
	}
}

func TestExecuteMissingAdapter(t *testing.T) {
	exec := NewExecutor(NewRegistry(), nil, ExecutorOptions{Sleep: noSleep})
	res, err := exec.Execute(context.Background(), installPlan("mas:497799835"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if r := res.Results[0]; r.Status != ActionStatusFailed || r.Error.Code != ErrCodeNotFound {
		t.Errorf("expected not-found failure, got %+v", r)
	}
}
