package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/macossetup/macossetup/pkg/telemetry"
)

// AdapterLookup finds the adapter for a resource kind. Registry implements it.
type AdapterLookup interface {
	Get(kind ResourceKind) (ResourceAdapter, bool)
}

// ExecutorOptions tunes retries and timeouts.
type ExecutorOptions struct {
	// MaxRetries bounds retries of transient failures. Zero disables retry.
	MaxRetries int

	// BaseBackoff is the first retry delay before class multipliers.
	BaseBackoff time.Duration

	// MaxBackoff caps a single retry delay.
	MaxBackoff time.Duration

	// ActionTimeout bounds each adapter call. An expired timeout is a
	// transient failure.
	ActionTimeout time.Duration

	// MaxParallel caps concurrently running lanes. Zero means one slot per
	// lane.
	MaxParallel int

	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultExecutorOptions returns the options used by the CLI.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxRetries:    3,
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
		ActionTimeout: 10 * time.Minute,
	}
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	d := DefaultExecutorOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = d.ActionTimeout
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Action      Action        `json:"action"`
	Status      ActionStatus  `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       *EngineError  `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// ExecutionSummary counts action outcomes.
type ExecutionSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// ExecutionResult holds per-action outcomes in plan order.
type ExecutionResult struct {
	Results     []ActionResult   `json:"results"`
	Summary     ExecutionSummary `json:"summary"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Get returns the result for an action ID.
func (r *ExecutionResult) Get(id string) (ActionResult, bool) {
	for _, res := range r.Results {
		if res.Action.ID == id {
			return res, true
		}
	}
	return ActionResult{}, false
}

// Executor applies plans through resource adapters. Lanes run concurrently
// with one slot each; actions within a lane run in plan order, one at a
// time. A failed action never stops its siblings.
type Executor struct {
	adapters AdapterLookup
	config   ConfigStore
	opts     ExecutorOptions
}

// NewExecutor creates an executor. config may be nil if plans never
// contain record-to-config actions.
func NewExecutor(adapters AdapterLookup, config ConfigStore, opts ExecutorOptions) *Executor {
	return &Executor{
		adapters: adapters,
		config:   config,
		opts:     opts.withDefaults(),
	}
}

// execution is the mutable state of one Execute call.
type execution struct {
	mu     sync.Mutex
	status map[string]ActionStatus
	result map[string]*ActionResult
}

func (x *execution) set(res *ActionResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status[res.Action.ID] = res.Status
	x.result[res.Action.ID] = res
}

func (x *execution) get(id string) ActionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status[id]
}

// Execute runs plan to completion or cancellation. The error is non-nil
// only when the plan itself is malformed; action failures are in the
// result.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*ExecutionResult, error) {
	if _, err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	started := time.Now()
	x := &execution{
		status: make(map[string]ActionStatus, len(plan.Actions)),
		result: make(map[string]*ActionResult, len(plan.Actions)),
	}

	lanes := make(map[string][]Action)
	for _, a := range plan.Actions {
		x.status[a.ID] = ActionStatusPending
		lanes[a.Lane()] = append(lanes[a.Lane()], a)
	}

	// Lane goroutines never return errors; failures are recorded per action.
	var g errgroup.Group
	limit := len(lanes)
	if e.opts.MaxParallel > 0 && e.opts.MaxParallel < limit {
		limit = e.opts.MaxParallel
	}
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, lane := range plan.Lanes() {
		actions := lanes[lane]
		g.Go(func() error {
			e.runLane(ctx, x, actions)
			return nil
		})
	}
	_ = g.Wait()

	out := &ExecutionResult{
		Results:     make([]ActionResult, 0, len(plan.Actions)),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	for _, a := range plan.Actions {
		out.Results = append(out.Results, *x.result[a.ID])
	}
	out.Summary = calculateSummary(out.Results)
	out.Status = runStatusOf(out.Summary)
	return out, nil
}

func (e *Executor) runLane(ctx context.Context, x *execution, actions []Action) {
	for i, a := range actions {
		if ctx.Err() != nil {
			for _, rest := range actions[i:] {
				x.set(cancelledResult(rest, ctx.Err()))
			}
			return
		}

		if dep, ok := e.failedDependency(x, a); !ok {
			res := skippedResult(a, NewPermanentError(fmt.Sprintf("dependency %s did not succeed", dep), nil).
				WithCode(ErrCodeDependencyFailed).
				WithSubject(a.Subject.String()))
			x.set(res)
			e.observe(ctx, res)
			continue
		}

		x.set(&ActionResult{Action: a, Status: ActionStatusRunning})
		res := e.executeAction(ctx, a)
		x.set(res)
		e.observe(ctx, res)
	}
}

// failedDependency returns the first dependency that did not succeed.
func (e *Executor) failedDependency(x *execution, a Action) (string, bool) {
	for _, dep := range a.DependsOn {
		if x.get(dep) != ActionStatusSucceeded {
			return dep, false
		}
	}
	return "", true
}

// executeAction applies a single action with retry of transient failures.
func (e *Executor) executeAction(ctx context.Context, a Action) *ActionResult {
	res := &ActionResult{Action: a, StartedAt: time.Now()}

	tel := telemetry.FromTelemetryContext(ctx)
	logger := telemetry.FromContext(ctx).WithActionID(a.ID).WithSubject(string(a.Subject.Kind()), a.Subject.Name())
	var span trace.Span
	if tel != nil {
		_ = tel.Events.PublishActionStarted(RunIDFromContext(ctx), a.ID, a.Subject.String(), string(a.Type))
		ctx, span = tel.Tracer.StartActionSpan(ctx, a.ID, string(a.Type), string(a.Subject.Kind()), a.Subject.String())
		defer span.End()
	}
	logger.Debugf("applying %s", a)

	var lastErr *EngineError
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1

		actx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
		err := e.apply(actx, a)
		cancel()

		if err == nil {
			lastErr = nil
			break
		}
		if ctx.Err() != nil {
			return finish(res, ActionStatusCancelled,
				NewPermanentError("cancelled", ctx.Err()).WithCode(ErrCodeCancelled).WithSubject(a.Subject.String()))
		}

		lastErr = NewActionError(a, err)
		if !IsRetryable(lastErr) || attempt >= e.opts.MaxRetries {
			break
		}

		backoff := e.calculateBackoff(attempt, lastErr)
		logger.WithError(lastErr).Warnf("retrying in %s (attempt %d/%d)", backoff, attempt+1, e.opts.MaxRetries+1)
		if tel != nil {
			tel.Metrics.RecordActionRetry(string(a.Subject.Kind()))
		}
		if err := e.opts.Sleep(ctx, backoff); err != nil {
			return finish(res, ActionStatusCancelled,
				NewPermanentError("cancelled during retry backoff", err).WithCode(ErrCodeCancelled).WithSubject(a.Subject.String()))
		}
	}

	if lastErr != nil {
		logger.WithError(lastErr).Error("action failed")
		telemetry.RecordError(span, lastErr)
		return finish(res, ActionStatusFailed, lastErr)
	}
	logger.Debug("action succeeded")
	telemetry.RecordSuccess(span)
	return finish(res, ActionStatusSucceeded, nil)
}

func finish(res *ActionResult, status ActionStatus, err *EngineError) *ActionResult {
	res.Status = status
	res.Error = err
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	return res
}

// apply performs one attempt of an action.
func (e *Executor) apply(ctx context.Context, a Action) error {
	if a.Type == ActionRecordToConfig {
		if e.config == nil {
			return NewPermanentError("no config store to record into", nil).WithCode(ErrCodeInternal)
		}
		if err := e.config.Persist(ctx, a.Subject, a.Target); err != nil {
			return NewConfigWriteError(a.Subject, err)
		}
		return nil
	}

	kind := a.Subject.Kind()
	adapter, ok := e.adapters.Get(kind)
	if !ok {
		return NewPermanentError(fmt.Sprintf("no adapter registered for %s", kind), nil).
			WithCode(ErrCodeNotFound)
	}

	return telemetry.RecordAdapterOperation(ctx, string(kind), string(a.Type), func(ctx context.Context) error {
		switch a.Type {
		case ActionInstall:
			return adapter.Install(ctx, a.Subject.Item, a.Target.Version)
		case ActionRemove:
			return adapter.Remove(ctx, a.Subject.Item)
		case ActionSetPreference:
			return adapter.SetPreference(ctx, a.Subject.Preference, a.Target.Value)
		case ActionUnsetPreference:
			return adapter.SetPreference(ctx, a.Subject.Preference, nil)
		default:
			return NewPermanentError(fmt.Sprintf("unknown action type %s", a.Type), nil).WithCode(ErrCodeInternal)
		}
	})
}

// calculateBackoff calculates exponential backoff with ±12.5% random
// jitter.
func (e *Executor) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := e.opts.BaseBackoff

	// Rate limits and lock contention need longer pauses.
	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter <= 0 {
		return delay
	}
	return delay - jitter/2 + time.Duration(rand.Int64N(int64(jitter)+1))
}

// observe records metrics and events for a finished action.
func (e *Executor) observe(ctx context.Context, res *ActionResult) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	a := res.Action
	tel.Metrics.RecordActionExecution(string(a.Type), string(a.Subject.Kind()), string(res.Status), res.Duration)

	reason := ""
	if res.Error != nil {
		reason = res.Error.Reason()
		tel.Metrics.RecordError(string(res.Error.Class), res.Error.Code)
	}
	_ = tel.Events.PublishActionFinished(RunIDFromContext(ctx), a.ID, a.Subject.String(), string(res.Status), reason, res.Duration)
}

func skippedResult(a Action, err *EngineError) *ActionResult {
	now := time.Now()
	return &ActionResult{
		Action:      a,
		Status:      ActionStatusSkipped,
		Error:       err,
		StartedAt:   now,
		CompletedAt: now,
	}
}

func cancelledResult(a Action, cause error) *ActionResult {
	now := time.Now()
	return &ActionResult{
		Action: a,
		Status: ActionStatusCancelled,
		Error: NewPermanentError("run cancelled before action started", cause).
			WithCode(ErrCodeCancelled).
			WithSubject(a.Subject.String()),
		StartedAt:   now,
		CompletedAt: now,
	}
}

func calculateSummary(results []ActionResult) ExecutionSummary {
	summary := ExecutionSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case ActionStatusSucceeded:
			summary.Succeeded++
		case ActionStatusFailed:
			summary.Failed++
		case ActionStatusSkipped:
			summary.Skipped++
		case ActionStatusCancelled:
			summary.Cancelled++
		}
	}
	return summary
}

func runStatusOf(s ExecutionSummary) RunStatus {
	switch {
	case s.Cancelled > 0:
		return RunStatusCancelled
	case s.Failed > 0 && s.Succeeded == 0:
		return RunStatusFailed
	case s.Failed > 0 || s.Skipped > 0:
		return RunStatusPartial
	default:
		return RunStatusSucceeded
	}
}
