package engine

import (
	"context"
	"time"
)

// Installed is one entry returned by ResourceAdapter.ListInstalled.
type Installed struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// ResourceAdapter is the capability set of one backend: a package manager
// or a preference store. Failures should be classified with the EngineError
// constructors; unclassified errors are treated as permanent.
//
// A kind's adapter is never called concurrently with itself by the engine.
type ResourceAdapter interface {
	// Kind returns the resource kind this adapter serves.
	Kind() ResourceKind

	// ListInstalled enumerates installed items. An error aborts the run for
	// this kind only.
	ListInstalled(ctx context.Context) ([]Installed, error)

	// Install installs item. version is empty when any version will do.
	Install(ctx context.Context, item Item, version string) error

	// Remove uninstalls item.
	Remove(ctx context.Context, item Item) error

	// GetPreference reads one preference. ok is false when it is unset.
	GetPreference(ctx context.Context, key PreferenceKey) (value any, ok bool, err error)

	// SetPreference writes one preference. A nil value deletes it.
	SetPreference(ctx context.Context, key PreferenceKey, value any) error
}

// ConfigStore loads declared state and persists captured values.
type ConfigStore interface {
	// Load returns the declared snapshot.
	Load(ctx context.Context) (*Snapshot, error)

	// Persist writes state for subject into configuration. An absent state
	// removes the subject.
	Persist(ctx context.Context, subject Subject, state State) error
}

// ConflictResolver decides the direction of an ask-policy conflict.
// Returning DirectionSkip leaves the subject alone.
type ConflictResolver interface {
	Resolve(ctx context.Context, rec ChangeRecord) (Direction, error)
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(ctx context.Context, rec ChangeRecord) (Direction, error)

// Resolve calls f.
func (f ConflictResolverFunc) Resolve(ctx context.Context, rec ChangeRecord) (Direction, error) {
	return f(ctx, rec)
}

// PlanGuard vets a plan before execution. Denied actions map to the reason;
// they and their dependents are reported as skipped.
type PlanGuard interface {
	Check(ctx context.Context, plan *Plan) (map[string]string, error)
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *SummaryReport) error
}

// PhaseObserver is notified of engine phase transitions.
type PhaseObserver interface {
	PhaseChanged(runID string, from, to Phase, at time.Time)
}

// NoPreferences can be embedded by package-manager adapters that hold no
// preferences.
type NoPreferences struct{}

// GetPreference returns ErrUnsupported.
func (NoPreferences) GetPreference(context.Context, PreferenceKey) (any, bool, error) {
	return nil, false, ErrUnsupported
}

// SetPreference returns ErrUnsupported.
func (NoPreferences) SetPreference(context.Context, PreferenceKey, any) error {
	return ErrUnsupported
}

// NoItems can be embedded by preference-store adapters.
type NoItems struct{}

// ListInstalled returns no items.
func (NoItems) ListInstalled(context.Context) ([]Installed, error) {
	return nil, nil
}

// Install returns ErrUnsupported.
func (NoItems) Install(context.Context, Item, string) error {
	return ErrUnsupported
}

// Remove returns ErrUnsupported.
func (NoItems) Remove(context.Context, Item) error {
	return ErrUnsupported
}

// PreferenceTracker is implemented by config stores that follow preference
// keys without declaring a value for them. Tracked keys are observed on
// every run, so a value that appears on the system can be captured.
type PreferenceTracker interface {
	TrackedPreferences(ctx context.Context) ([]PreferenceKey, error)
}
