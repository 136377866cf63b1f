package engine

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// FailedEntry is a subject whose reconciliation failed.
type FailedEntry struct {
	Subject Subject      `json:"subject"`
	Reason  string       `json:"reason"`
	Err     *EngineError `json:"error,omitempty"`
}

// SummaryReport is the outcome of one run. Every non-default outcome of
// the run appears in exactly one of its lists.
type SummaryReport struct {
	RunID       string    `json:"run_id"`
	Scope       Scope     `json:"scope"`
	Policy      PolicySet `json:"policy"`
	DryRun      bool      `json:"dry_run"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Installed lists items installed that were not present before.
	Installed []Subject `json:"installed"`

	// Removed lists items removed and preferences unset.
	Removed []Subject `json:"removed"`

	// Updated lists preferences written and items moved to the declared
	// version.
	Updated []Subject `json:"updated"`

	// Captured lists subjects whose observed value was recorded into
	// configuration.
	Captured []Subject `json:"captured"`

	Skipped []SkipEntry   `json:"skipped"`
	Failed  []FailedEntry `json:"failed"`

	Delta  *Delta           `json:"delta,omitempty"`
	Plan   *Plan            `json:"plan,omitempty"`
	Result *ExecutionResult `json:"result,omitempty"`
}

func newReport(runID string, opts SyncOptions, started time.Time) *SummaryReport {
	return &SummaryReport{
		RunID:     runID,
		Scope:     opts.Scope,
		Policy:    opts.Policy,
		DryRun:    opts.DryRun,
		Status:    RunStatusRunning,
		StartedAt: started,
		Installed: make([]Subject, 0),
		Removed:   make([]Subject, 0),
		Updated:   make([]Subject, 0),
		Captured:  make([]Subject, 0),
		Skipped:   make([]SkipEntry, 0),
		Failed:    make([]FailedEntry, 0),
	}
}

// ExitCode is 0 when nothing failed and 1 otherwise.
func (r *SummaryReport) ExitCode() int {
	if len(r.Failed) == 0 {
		return 0
	}
	return 1
}

// Changed reports whether the run applied anything.
func (r *SummaryReport) Changed() bool {
	return len(r.Installed)+len(r.Removed)+len(r.Updated)+len(r.Captured) > 0
}

func (r *SummaryReport) addFailure(subject Subject, err *EngineError) {
	r.Failed = append(r.Failed, FailedEntry{Subject: subject, Reason: err.Reason(), Err: err})
}

func (r *SummaryReport) addSkip(entries ...SkipEntry) {
	r.Skipped = append(r.Skipped, entries...)
}

// applyResult files every action outcome into the report lists.
func (r *SummaryReport) applyResult(res *ExecutionResult) {
	r.Result = res
	for _, ar := range res.Results {
		a := ar.Action
		switch ar.Status {
		case ActionStatusSucceeded:
			switch a.Type {
			case ActionInstall:
				if a.Record.Kind == ChangeConflict {
					r.Updated = append(r.Updated, a.Subject)
				} else {
					r.Installed = append(r.Installed, a.Subject)
				}
			case ActionRemove, ActionUnsetPreference:
				r.Removed = append(r.Removed, a.Subject)
			case ActionSetPreference:
				r.Updated = append(r.Updated, a.Subject)
			case ActionRecordToConfig:
				r.Captured = append(r.Captured, a.Subject)
			}
		case ActionStatusFailed:
			r.addFailure(a.Subject, ar.Error)
		case ActionStatusSkipped, ActionStatusCancelled:
			reason := string(ar.Status)
			if ar.Error != nil {
				reason = ar.Error.Reason()
			}
			r.addSkip(SkipEntry{Subject: a.Subject, Reason: reason, Err: ar.Error})
		}
	}
}

// finalize derives the run status from the report lists.
func (r *SummaryReport) finalize(completed time.Time) {
	r.CompletedAt = completed
	if r.Result != nil && r.Result.Status == RunStatusCancelled {
		r.Status = RunStatusCancelled
		return
	}
	switch {
	case len(r.Failed) > 0 && !r.Changed():
		r.Status = RunStatusFailed
	case len(r.Failed) > 0 || len(r.Skipped) > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusSucceeded
	}
}

// WriteText renders the report for a terminal.
func (r *SummaryReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if r.DryRun {
		fmt.Fprintf(tw, "Plan for %s (%s):\n", r.Scope, r.Policy)
		if r.Plan == nil || r.Plan.Empty() {
			fmt.Fprintln(tw, "  nothing to do")
		} else {
			for _, a := range r.Plan.Actions {
				fmt.Fprintf(tw, "  %s\t%s\n", a.ID, a)
			}
		}
	} else {
		writeSubjects(tw, "Installed", r.Installed)
		writeSubjects(tw, "Updated", r.Updated)
		writeSubjects(tw, "Removed", r.Removed)
		writeSubjects(tw, "Captured", r.Captured)
	}

	if len(r.Skipped) > 0 {
		fmt.Fprintf(tw, "Skipped (%d):\n", len(r.Skipped))
		for _, s := range r.Skipped {
			fmt.Fprintf(tw, "  %s\t%s\n", s.Subject, s.Reason)
		}
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(tw, "Failed (%d):\n", len(r.Failed))
		for _, f := range r.Failed {
			fmt.Fprintf(tw, "  %s\t%s\n", f.Subject, f.Reason)
		}
	}

	if !r.DryRun && !r.Changed() && len(r.Skipped) == 0 && len(r.Failed) == 0 {
		fmt.Fprintln(tw, "Already in sync.")
	}
	fmt.Fprintf(tw, "Run %s: %s\n", shortID(r.RunID), r.Status)
	return tw.Flush()
}

func writeSubjects(w io.Writer, title string, subjects []Subject) {
	if len(subjects) == 0 {
		return
	}
	names := make([]string, len(subjects))
	for i, s := range subjects {
		names[i] = s.String()
	}
	fmt.Fprintf(w, "%s (%d):\n  %s\n", title, len(subjects), strings.Join(names, "\n  "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
