package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a sync run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every planned action succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates nothing succeeded and something failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some outcomes were failures or skips.
	RunStatusPartial RunStatus = "partial"

	// RunStatusAborted indicates the run could not start at all.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusCancelled, RunStatusPartial, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// ActionStatus is the outcome of one action.
type ActionStatus string

const (
	// ActionStatusPending indicates the action is waiting to execute.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusRunning indicates the action is executing.
	ActionStatusRunning ActionStatus = "running"

	// ActionStatusSucceeded indicates the action completed.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusFailed indicates the action failed after any retries.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates the action never ran, because a
	// dependency failed or a guard denied it.
	ActionStatusSkipped ActionStatus = "skipped"

	// ActionStatusCancelled indicates the run was cancelled first.
	ActionStatusCancelled ActionStatus = "cancelled"
)

// IsTerminal returns true if the action status represents a final state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSucceeded || s == ActionStatusFailed ||
		s == ActionStatusSkipped || s == ActionStatusCancelled
}

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusRunning, ActionStatusSucceeded,
		ActionStatusFailed, ActionStatusSkipped, ActionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// Phase is a state of the sync engine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseCollectingDeclared Phase = "collecting-declared"
	PhaseCollectingObserved Phase = "collecting-observed"
	PhaseDiffing            Phase = "diffing"
	PhasePlanning           Phase = "planning"
	PhaseExecuting          Phase = "executing"
	PhaseReporting          Phase = "reporting"
)

// phaseOrder lists the phases a run moves through.
var phaseOrder = []Phase{
	PhaseIdle,
	PhaseCollectingDeclared,
	PhaseCollectingObserved,
	PhaseDiffing,
	PhasePlanning,
	PhaseExecuting,
	PhaseReporting,
}

// Next returns the phase that follows p. Reporting returns to Idle.
func (p Phase) Next() Phase {
	for i, ph := range phaseOrder {
		if ph == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return PhaseIdle
}

// CanTransition reports whether the engine may move from p to next. Any
// phase may return to Idle, which covers aborted runs.
func (p Phase) CanTransition(next Phase) bool {
	if next == PhaseIdle {
		return true
	}
	if p == PhaseReporting {
		return false
	}
	// Dry runs and empty plans skip execution.
	if p == PhasePlanning && next == PhaseReporting {
		return true
	}
	// Aborts after collection go straight to reporting.
	if (p == PhaseCollectingDeclared || p == PhaseCollectingObserved) && next == PhaseReporting {
		return true
	}
	return p.Next() == next
}
