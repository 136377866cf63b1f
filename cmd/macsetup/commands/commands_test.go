package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/macossetup/macossetup/pkg/engine"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{args: nil, want: "all"},
		{args: []string{"all"}, want: "all"},
		{args: []string{"brew"}, want: "brew"},
		{args: []string{"defaults", "brew"}, want: "brew,defaults"},
		{args: []string{"brew,npm", "NPM"}, want: "brew,npm"},
		{args: []string{"brew", "all"}, want: "all"},
		{args: []string{"apt"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			scope, err := parseScope(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseScope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && scope.String() != tt.want {
				t.Errorf("parseScope() = %s, want %s", scope, tt.want)
			}
		})
	}
}

func TestPackageKind(t *testing.T) {
	if kind, err := packageKind("pyenv"); err != nil || kind != engine.KindPyenv {
		t.Errorf("packageKind(pyenv) = %s, %v", kind, err)
	}
	for _, name := range []string{"defaults", "all", "apt"} {
		if _, err := packageKind(name); err == nil {
			t.Errorf("packageKind(%s) should fail", name)
		}
	}
}

// fakeDomains serves fixed domain contents.
type fakeDomains map[string]map[string]any

func (f fakeDomains) ReadDomain(_ context.Context, domain string) (map[string]any, error) {
	if domain == "broken" {
		return nil, errors.New("defaults export failed")
	}
	values := make(map[string]any)
	for k, v := range f[domain] {
		values[k] = v
	}
	return values, nil
}

// recordingStore records persisted states and fails for one subject.
type recordingStore struct {
	persisted []string
	failOn    string
}

func (s *recordingStore) Load(context.Context) (*engine.Snapshot, error) {
	return nil, errors.New("not used")
}

func (s *recordingStore) Persist(_ context.Context, subject engine.Subject, state engine.State) error {
	if subject.String() == s.failOn {
		return errors.New("disk full")
	}
	s.persisted = append(s.persisted, fmt.Sprintf("%s=%s", subject, state))
	return nil
}

func TestDomainCapture(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	before := fakeDomains{
		"com.apple.dock":   {"autohide": false, "tilesize": 48, "orientation": "bottom"},
		"com.apple.finder": {"ShowPathbar": false},
	}
	after := fakeDomains{
		"com.apple.dock":   {"autohide": true, "tilesize": 48},
		"com.apple.finder": {"ShowPathbar": false, "ShowStatusBar": true},
	}
	domains := []string{"com.apple.dock", "com.apple.finder"}

	baseline, err := readDomains(ctx, before, domains, now)
	if err != nil {
		t.Fatalf("readDomains failed: %v", err)
	}
	if baseline.Len() != 4 || !baseline.Covers(engine.KindDefaults) {
		t.Fatalf("unexpected baseline with %d subjects", baseline.Len())
	}
	current, err := readDomains(ctx, after, domains, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("readDomains failed: %v", err)
	}

	delta, err := domainChanges(current, baseline)
	if err != nil {
		t.Fatalf("domainChanges failed: %v", err)
	}
	var kinds []string
	for _, rec := range delta.Records {
		kinds = append(kinds, fmt.Sprintf("%s %s", rec.Kind, rec.Subject))
	}
	want := "conflict defaults:com.apple.dock.autohide|" +
		"remove defaults:com.apple.dock.orientation|" +
		"add defaults:com.apple.finder.ShowStatusBar"
	if got := strings.Join(kinds, "|"); got != want {
		t.Errorf("unexpected changes\n got: %s\nwant: %s", got, want)
	}

	store := &recordingStore{}
	captured, err := persistChanges(ctx, store, delta)
	if err != nil {
		t.Fatalf("persistChanges failed: %v", err)
	}
	if len(captured) != 3 {
		t.Errorf("expected 3 captured subjects, got %v", captured)
	}
	if store.persisted[1] != "defaults:com.apple.dock.orientation="+engine.Absent().String() {
		t.Errorf("a removed key should be persisted as absent, got %s", store.persisted[1])
	}

	var out bytes.Buffer
	writeCaptured(&out, delta, captured)
	if !strings.Contains(out.String(), "Captured 3 of 3 changes.") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestPersistChangesStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	baseline, _ := readDomains(ctx, fakeDomains{}, []string{"com.apple.dock"}, now)
	current, _ := readDomains(ctx, fakeDomains{"com.apple.dock": {"a": 1, "b": 2, "c": 3}}, []string{"com.apple.dock"}, now)
	delta, err := domainChanges(current, baseline)
	if err != nil {
		t.Fatal(err)
	}

	store := &recordingStore{failOn: "defaults:com.apple.dock.b"}
	captured, err := persistChanges(ctx, store, delta)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected the store error, got %v", err)
	}
	if len(captured) != 1 || captured[0] != "defaults:com.apple.dock.a" {
		t.Errorf("expected only the first key captured, got %v", captured)
	}
}

func TestReadDomainsError(t *testing.T) {
	_, err := readDomains(context.Background(), fakeDomains{}, []string{"com.apple.dock", "broken"}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "failed to read broken") {
		t.Errorf("expected a read error, got %v", err)
	}
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	snap, err := readDomains(ctx, fakeDomains{"com.apple.dock": {"tilesize": 36}}, []string{"com.apple.dock"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	store := &snapshotStore{name: "before", snap: snap}
	declared, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if declared.Origin() != engine.OriginDeclared || declared.Len() != 1 {
		t.Errorf("unexpected declared snapshot %s with %d subjects", declared.Origin(), declared.Len())
	}
	if snap.Origin() != engine.OriginObserved {
		t.Error("the stored snapshot must not be relabelled in place")
	}

	if keys := preferenceKeys(snap); len(keys) != 1 || keys[0].String() != "com.apple.dock.tilesize" {
		t.Errorf("unexpected keys %v", keys)
	}

	err = store.Persist(ctx, engine.PreferenceSubject("com.apple.dock", "tilesize"), engine.ValueState(int64(48)))
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Errorf("expected a read-only error, got %v", err)
	}
}

func TestDirectionOptions(t *testing.T) {
	rec := engine.ChangeRecord{
		Subject:  engine.ItemSubject(engine.KindBrew, "htop"),
		Kind:     engine.ChangeRemove,
		Observed: engine.InstalledState("3.3.0"),
	}
	opts := directionOptions(rec)
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	if opts[0].Value != engine.DirectionApplyToSystem || opts[0].Key != "Remove it from the system" {
		t.Errorf("unexpected first option %+v", opts[0])
	}
	if opts[2].Value != engine.DirectionSkip {
		t.Errorf("the last option should skip, got %+v", opts[2])
	}
}

func TestReportExit(t *testing.T) {
	report := &engine.SummaryReport{}
	if err := reportExit(report); err != nil {
		t.Errorf("expected no error for a clean report, got %v", err)
	}

	report.Failed = append(report.Failed, engine.FailedEntry{Subject: engine.ItemSubject(engine.KindBrew, "wget"), Reason: "boom"})
	var exitErr *ExitError
	if err := reportExit(report); !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Errorf("expected exit status 1, got %v", err)
	}
}

func TestPrintPlanGraph(t *testing.T) {
	plan := &engine.Plan{Actions: []engine.Action{
		{ID: "a1", Type: engine.ActionInstall, Subject: engine.ItemSubject(engine.KindBrew, "htop"), Target: engine.InstalledState("")},
		{ID: "a2", Type: engine.ActionRemove, Subject: engine.ItemSubject(engine.KindBrew, "wget"), DependsOn: []string{"a1"}},
	}}

	var out bytes.Buffer
	if err := printPlanGraph(&out, plan); err != nil {
		t.Fatalf("printPlanGraph failed: %v", err)
	}
	dot := out.String()
	for _, want := range []string{"digraph Plan {", `label="brew";`, `"a1" -> "a2";`} {
		if !strings.Contains(dot, want) {
			t.Errorf("missing %q in:\n%s", want, dot)
		}
	}

	out.Reset()
	if err := printPlanGraph(&out, nil); err != nil || !strings.HasPrefix(out.String(), "digraph Plan {") {
		t.Errorf("expected an empty graph for no plan, got %q, %v", out.String(), err)
	}
}

func TestActionFromArgs(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{args: []string{"remove", "brew", "git"}, want: "remove brew:git"},
		{args: []string{"install", "pyenv", "python==3.12.1"}, want: "install pyenv:python@3.12.1"},
		{args: []string{"unset-preference", "defaults", "com.apple.dock", "autohide"}, want: "unset-preference defaults:com.apple.dock.autohide"},
		{args: []string{"upgrade", "brew", "git"}, wantErr: true},
		{args: []string{"remove", "apt", "git"}, wantErr: true},
		{args: []string{"remove", "defaults", "com.apple.dock", "autohide"}, wantErr: true},
		{args: []string{"set-preference", "brew", "git"}, wantErr: true},
		{args: []string{"unset-preference", "defaults", "com.apple.dock"}, wantErr: true},
		{args: []string{"remove", "brew", "git", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			action, err := actionFromArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("actionFromArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && action.String() != tt.want {
				t.Errorf("actionFromArgs() = %s, want %s", action, tt.want)
			}
		})
	}
}

// recordingSyncer notes which entry point a command used.
type recordingSyncer struct {
	calls []string
}

func (s *recordingSyncer) Sync(_ context.Context, opts engine.SyncOptions) (*engine.SummaryReport, error) {
	s.calls = append(s.calls, "sync")
	return &engine.SummaryReport{DryRun: opts.DryRun}, nil
}

func (s *recordingSyncer) Preview(_ context.Context, opts engine.SyncOptions) (*engine.SummaryReport, error) {
	s.calls = append(s.calls, "preview")
	return &engine.SummaryReport{DryRun: true}, nil
}

func TestSyncOrPreview(t *testing.T) {
	ctx := context.Background()
	eng := &recordingSyncer{}

	if _, err := syncOrPreview(ctx, eng, engine.SyncOptions{Scope: engine.ScopeAll(), DryRun: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := syncOrPreview(ctx, eng, engine.SyncOptions{Scope: engine.ScopeAll()}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(eng.calls, ","); got != "preview,sync" {
		t.Errorf("expected a dry run to preview and a real run to sync, got %s", got)
	}
}
