// Package engine reconciles a Mac's package managers and preference stores
// with a declarative configuration.
//
// # Overview
//
// A sync run moves through fixed phases:
//
//  1. Collecting declared state - the ConfigStore loads the configuration
//  2. Collecting observed state - every ResourceAdapter is queried concurrently
//  3. Diffing - the Differ compares the two snapshots (Delta)
//  4. Planning - the Planner applies the override policy (Plan)
//  5. Executing - the Executor applies the plan lane by lane (ExecutionResult)
//  6. Reporting - outcomes are filed into a SummaryReport
//
// # Core Domain Types
//
//   - Subject: an installable Item ("brew:htop") or a PreferenceKey
//     ("com.apple.dock.autohide")
//   - State: presence plus an optional version or preference value
//   - Snapshot: an immutable map of subjects to states over a universe of
//     resource kinds, tagged declared or observed
//   - ChangeRecord: one add, remove or conflict between two snapshots
//   - Action: install, remove, set-preference, unset-preference or
//     record-to-config
//
// # Override Policies
//
// A conflict is a subject present on both sides with different states.
// PolicyPreferConfig writes the declared state to the system,
// PolicyPreferSystem records the observed state into configuration and
// PolicyAsk consults a ConflictResolver. Observed-only subjects are removed
// only when the Scope allows it.
//
// # Execution
//
// Each resource kind is a lane. Lanes run concurrently; actions within a
// lane run one at a time in plan order, since package managers hold global
// locks. A failed action never stops its siblings. Transient, throttled and
// conflict errors are retried with exponential backoff:
//
//	if IsRetryable(err) {
//	    // retried by the executor
//	}
//
// # History
//
// History stores finished runs, named snapshots and the event log in a
// stores.Store. It can be plugged into an Engine as both RunRecorder and
// PhaseObserver.
package engine
