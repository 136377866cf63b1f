package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macossetup/macossetup/pkg/telemetry"
)

type runIDKey struct{}

// WithRunID attaches a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID attached to the context, if any.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EngineConfig wires an Engine to its collaborators.
// nolint:revive // EngineConfig reads better than Config at call sites
type EngineConfig struct {
	// Adapters holds one adapter per resource kind. Required.
	Adapters *Registry

	// Config supplies declared state and receives captured values. Required.
	Config ConfigStore

	// Resolver answers ask-policy conflicts. Without one they are skipped.
	Resolver ConflictResolver

	// Guard vets plans before execution. Optional.
	Guard PlanGuard

	// Recorder stores finished runs. Optional.
	Recorder RunRecorder

	// Observer receives phase transitions. Optional.
	Observer PhaseObserver

	Executor ExecutorOptions

	// CollectTimeout bounds each adapter read during collection.
	CollectTimeout time.Duration

	// Now overrides the clock for snapshots and reports.
	Now func() time.Time
}

// SyncOptions selects what a run does.
type SyncOptions struct {
	Scope  Scope
	Policy PolicySet

	// DryRun stops after planning.
	DryRun bool
}

// Engine orchestrates collect, diff, plan and execute. One run may be in
// progress at a time.
type Engine struct {
	cfg       EngineConfig
	differ    *Differ
	planner   *Planner
	executor  *Executor
	collector *collector

	mu      sync.Mutex
	phase   Phase
	running bool
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Adapters == nil {
		return nil, NewPermanentError("engine requires an adapter registry", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Config == nil {
		return nil, NewPermanentError("engine requires a config store", nil).WithCode(ErrCodeValidation)
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		differ:    NewDiffer(),
		planner:   NewPlanner(),
		executor:  NewExecutor(cfg.Adapters, cfg.Config, cfg.Executor),
		collector: &collector{adapters: cfg.Adapters, timeout: cfg.CollectTimeout},
		phase:     PhaseIdle,
	}, nil
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Setup converges the system onto configuration: prefer-config, never
// remove.
func (e *Engine) Setup(ctx context.Context, scope Scope, dryRun bool) (*SummaryReport, error) {
	scope.Remove = false
	return e.Sync(ctx, SyncOptions{
		Scope:  scope,
		Policy: UniformPolicy(PolicyPreferConfig),
		DryRun: dryRun,
	})
}

// Preview plans a run without executing it.
func (e *Engine) Preview(ctx context.Context, opts SyncOptions) (*SummaryReport, error) {
	opts.DryRun = true
	return e.Sync(ctx, opts)
}

// Observe reads the current system state of kinds without planning
// anything. prefKeys lists the preference keys to read for preference
// kinds. Kinds and keys that cannot be read are returned as failures and
// left out of the snapshot.
func (e *Engine) Observe(ctx context.Context, kinds []ResourceKind, prefKeys []PreferenceKey) (*Snapshot, []FailedEntry, error) {
	keys := make(map[ResourceKind][]PreferenceKey)
	var failed []FailedEntry
	sorted := append([]ResourceKind(nil), kinds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	usable := make([]ResourceKind, 0, len(sorted))
	for _, kind := range dedupeKinds(sorted) {
		if !e.cfg.Adapters.Has(kind) {
			err := NewCollectionError(string(kind), fmt.Errorf("no adapter registered for %s", kind))
			failed = append(failed, FailedEntry{Subject: KindSubject(kind), Reason: err.Reason(), Err: err})
			continue
		}
		if kind.IsPreferenceStore() {
			keys[kind] = prefKeys
		}
		usable = append(usable, kind)
	}

	obs, err := e.collector.collect(ctx, usable, keys, e.cfg.Now)
	if err != nil {
		return nil, failed, err
	}
	for _, kind := range usable {
		if kerr, ok := obs.failedKinds[kind]; ok {
			failed = append(failed, FailedEntry{Subject: KindSubject(kind), Reason: kerr.Reason(), Err: kerr})
		}
	}
	subjects := make([]Subject, 0, len(obs.failedSubjects))
	for subj := range obs.failedSubjects {
		subjects = append(subjects, subj)
	}
	sortSubjects(subjects)
	for _, subj := range subjects {
		serr := obs.failedSubjects[subj]
		failed = append(failed, FailedEntry{Subject: subj, Reason: serr.Reason(), Err: serr})
	}
	return obs.snapshot, failed, nil
}

// Sync runs one reconciliation. The error is non-nil only when the run
// could not start: another run is active, configuration cannot be loaded,
// or no adapter serves the scope. Everything else is reported in the
// SummaryReport.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (*SummaryReport, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, NewPermanentError("invalid policy", err).WithCode(ErrCodeValidation)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, NewConflictError("a sync run is already in progress", nil).WithCode(ErrCodeLocked)
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.phase = PhaseIdle
		e.mu.Unlock()
	}()

	runID := uuid.New().String()
	ctx = WithRunID(ctx, runID)
	ctx = telemetry.WithRunContext(ctx, runID, opts.Scope.String())
	logger := telemetry.FromContext(ctx)
	tel := telemetry.FromTelemetryContext(ctx)

	report := newReport(runID, opts, e.cfg.Now())
	err := e.run(ctx, runID, opts, report)
	if err != nil {
		report.Status = RunStatusAborted
		report.CompletedAt = e.cfg.Now()
		logger.WithError(err).Error("sync aborted")
		telemetry.EndRunContext(ctx, runID, string(report.Status), err)
		e.transition(runID, PhaseIdle)
		return nil, err
	}

	e.transition(runID, PhaseReporting)
	report.finalize(e.cfg.Now())
	if tel != nil {
		for _, f := range report.Failed {
			if f.Err != nil && f.Err.Code == ErrCodeCollectionFailed {
				tel.Metrics.RecordCollectionFailure(string(f.Subject.Kind()))
			}
		}
	}
	if e.cfg.Recorder != nil && !opts.DryRun {
		if err := e.cfg.Recorder.RecordRun(ctx, report); err != nil {
			logger.WithError(err).Warn("failed to record run history")
		}
	}
	logger.WithFields(map[string]interface{}{
		"installed": len(report.Installed),
		"removed":   len(report.Removed),
		"updated":   len(report.Updated),
		"captured":  len(report.Captured),
		"skipped":   len(report.Skipped),
		"failed":    len(report.Failed),
	}).Infof("sync finished: %s", report.Status)
	telemetry.EndRunContext(ctx, runID, string(report.Status), nil)
	e.transition(runID, PhaseIdle)

	return report, nil
}

func (e *Engine) run(ctx context.Context, runID string, opts SyncOptions, report *SummaryReport) error {
	logger := telemetry.FromContext(ctx)
	tel := telemetry.FromTelemetryContext(ctx)

	// Declared state.
	e.transition(runID, PhaseCollectingDeclared)
	declared, err := e.cfg.Config.Load(ctx)
	if err != nil {
		return NewPermanentError("cannot load configuration", err).WithCode(ErrCodeValidation)
	}
	if declared.Origin() != OriginDeclared {
		declared = declared.Relabel(OriginDeclared)
	}

	targets := e.targetKinds(opts.Scope, declared)
	var active []ResourceKind
	for _, kind := range targets {
		if e.cfg.Adapters.Has(kind) {
			active = append(active, kind)
			continue
		}
		report.addFailure(KindSubject(kind),
			NewCollectionError(string(kind), NewPermanentError("no adapter registered", nil).WithCode(ErrCodeNotFound)))
	}
	if len(active) == 0 {
		return NewPermanentError(fmt.Sprintf("no adapters registered for scope %s", opts.Scope), nil).
			WithCode(ErrCodeNoAdapters)
	}

	prefKeys, err := e.preferenceKeys(ctx, declared, active)
	if err != nil {
		logger.WithError(err).Warn("cannot read tracked preferences; observing declared keys only")
	}

	// Observed state.
	e.transition(runID, PhaseCollectingObserved)
	obs, err := e.collector.collect(ctx, active, prefKeys, e.cfg.Now)
	if err != nil {
		// Cancelled during collection: nothing was applied.
		logger.WithError(err).Warn("run cancelled during collection")
		report.Result = &ExecutionResult{Status: RunStatusCancelled, Results: make([]ActionResult, 0)}
		e.transition(runID, PhaseReporting)
		return nil
	}

	var usable []ResourceKind
	for _, kind := range active {
		if cerr, failed := obs.failedKinds[kind]; failed {
			logger.WithError(cerr).Warnf("skipping %s: cannot collect observed state", kind)
			report.addFailure(KindSubject(kind), cerr)
			if tel != nil {
				_ = tel.Events.PublishCollectionFailed(runID, string(kind), cerr.Reason())
			}
			continue
		}
		usable = append(usable, kind)
	}
	failedSubjects := make([]Subject, 0, len(obs.failedSubjects))
	for subj := range obs.failedSubjects {
		failedSubjects = append(failedSubjects, subj)
	}
	sortSubjects(failedSubjects)
	for _, subj := range failedSubjects {
		cerr := obs.failedSubjects[subj]
		report.addFailure(subj, cerr)
		if tel != nil {
			_ = tel.Events.PublishCollectionFailed(runID, subj.String(), cerr.Reason())
		}
	}
	if len(usable) == 0 {
		e.transition(runID, PhaseReporting)
		return nil
	}

	// Both sides cover exactly the usable kinds, even where one side has no
	// entries for a kind.
	declaredView, err := NewSnapshotBuilder(OriginDeclared).
		Cover(usable...).
		Merge(declared.Restrict(usable).Without(failedSubjects...)).
		Build(declared.TakenAt())
	if err != nil {
		return err
	}
	observed, err := NewSnapshotBuilder(OriginObserved).
		Cover(usable...).
		Merge(obs.snapshot.Restrict(usable).Without(failedSubjects...)).
		Build(obs.snapshot.TakenAt())
	if err != nil {
		return err
	}

	// Diff.
	e.transition(runID, PhaseDiffing)
	delta, err := e.differ.Diff(declaredView, observed)
	if err != nil {
		return err
	}
	report.Delta = delta
	if tel != nil {
		for _, rec := range delta.Records {
			tel.Metrics.RecordChange(string(rec.Subject.Kind()), string(rec.Kind))
			if rec.Kind == ChangeConflict {
				_ = tel.Events.PublishConflictDetected(runID, rec.Subject.String(), string(opts.Policy.For(rec.Subject.Class)))
			}
		}
	}
	logger.Debugf("delta: %d add, %d remove, %d conflict",
		delta.Count(ChangeAdd), delta.Count(ChangeRemove), delta.Count(ChangeConflict))

	// Plan.
	e.transition(runID, PhasePlanning)
	plan := e.planner.Plan(delta, opts.Policy, opts.Scope, nil)
	if len(plan.Unresolved) > 0 {
		decisions := e.resolve(ctx, plan.Unresolved)
		plan = e.planner.Plan(delta, opts.Policy, opts.Scope, decisions)
	}
	plan = e.guard(ctx, runID, plan, report)
	report.Plan = plan
	report.addSkip(plan.Skipped...)

	if opts.DryRun || plan.Empty() {
		return nil
	}

	// Execute.
	e.transition(runID, PhaseExecuting)
	result, err := e.executor.Execute(ctx, plan)
	if err != nil {
		ee := AsEngineError(err)
		for _, a := range plan.Actions {
			report.addFailure(a.Subject, ee)
		}
		return nil
	}
	report.applyResult(result)
	return nil
}

// targetKinds is the scope's kinds, or for an unrestricted scope every
// registered kind plus every kind the configuration declares.
func (e *Engine) targetKinds(scope Scope, declared *Snapshot) []ResourceKind {
	if !scope.IsAll() {
		kinds := append([]ResourceKind(nil), scope.Kinds...)
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		return dedupeKinds(kinds)
	}
	kinds := append(e.cfg.Adapters.Kinds(), declared.Kinds()...)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return dedupeKinds(kinds)
}

func dedupeKinds(kinds []ResourceKind) []ResourceKind {
	out := kinds[:0]
	for i, k := range kinds {
		if i > 0 && k == kinds[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}

// preferenceKeys lists the keys to observe per preference kind: every
// declared key plus every tracked key.
func (e *Engine) preferenceKeys(ctx context.Context, declared *Snapshot, kinds []ResourceKind) (map[ResourceKind][]PreferenceKey, error) {
	keys := make(map[ResourceKind][]PreferenceKey)
	seen := make(map[PreferenceKey]struct{})
	add := func(k PreferenceKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys[KindDefaults] = append(keys[KindDefaults], k)
	}

	wanted := false
	for _, kind := range kinds {
		if kind.IsPreferenceStore() {
			wanted = true
		}
	}
	if !wanted {
		return keys, nil
	}

	for _, subj := range declared.SubjectsOf(KindDefaults) {
		add(subj.Preference)
	}

	tracker, ok := e.cfg.Config.(PreferenceTracker)
	if !ok {
		return keys, nil
	}
	tracked, err := tracker.TrackedPreferences(ctx)
	if err != nil {
		return keys, err
	}
	for _, k := range tracked {
		add(k)
	}
	return keys, nil
}

// resolve asks the resolver about each unresolved conflict. A resolver
// error or a missing resolver leaves the conflict undecided.
func (e *Engine) resolve(ctx context.Context, records []ChangeRecord) Decisions {
	decisions := make(Decisions, len(records))
	if e.cfg.Resolver == nil {
		return decisions
	}
	logger := telemetry.FromContext(ctx)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		dir, err := e.cfg.Resolver.Resolve(ctx, rec)
		if err != nil {
			logger.WithError(err).Warnf("no resolution for %s", rec.Subject)
			continue
		}
		decisions[rec.Subject] = dir
	}
	return decisions
}

// guard drops actions the plan guard denies, with their dependents. A guard
// that cannot evaluate denies everything.
func (e *Engine) guard(ctx context.Context, runID string, plan *Plan, report *SummaryReport) *Plan {
	if e.cfg.Guard == nil || plan.Empty() {
		return plan
	}

	denied, err := e.cfg.Guard.Check(ctx, plan)
	drop := make(map[string]*EngineError)
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Error("plan guard failed; nothing will be applied")
		for _, a := range plan.Actions {
			drop[a.ID] = NewPermanentError("plan guard could not evaluate", err).
				WithCode(ErrCodePolicyDenied).WithSubject(a.Subject.String())
		}
	} else {
		for id, reason := range denied {
			a, ok := plan.Get(id)
			if !ok {
				continue
			}
			drop[id] = NewPermanentError(reason, nil).WithCode(ErrCodePolicyDenied).WithSubject(a.Subject.String())
		}
	}
	if len(drop) == 0 {
		return plan
	}

	out, removed := plan.WithoutActions(drop)
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		for _, s := range removed {
			_ = tel.Events.PublishPolicyDenied(runID, s.Subject.String(), "plan-guard", s.Reason)
		}
	}
	report.addSkip(removed...)
	return out
}

func (e *Engine) transition(runID string, to Phase) {
	e.mu.Lock()
	from := e.phase
	if from == to || !from.CanTransition(to) {
		e.mu.Unlock()
		return
	}
	e.phase = to
	e.mu.Unlock()

	if e.cfg.Observer != nil {
		e.cfg.Observer.PhaseChanged(runID, from, to, e.cfg.Now())
	}
}
