package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/macossetup/macossetup/pkg/stores"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// History keeps run reports, named snapshots and the event log in a store.
// It implements RunRecorder and PhaseObserver.
type History struct {
	store stores.Store
}

var (
	_ RunRecorder   = (*History)(nil)
	_ PhaseObserver = (*History)(nil)
)

// NewHistory creates a history backed by store.
func NewHistory(store stores.Store) *History {
	return &History{
		store: store,
	}
}

// RecordRun stores a finished run with the outcome of every action.
func (h *History) RecordRun(ctx context.Context, report *SummaryReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	completed := report.CompletedAt
	run := &stores.Run{
		ID:          report.RunID,
		Scope:       report.Scope.String(),
		Policy:      report.Policy.String(),
		DryRun:      report.DryRun,
		Status:      string(report.Status),
		StartedAt:   report.StartedAt,
		CompletedAt: &completed,
		Installed:   len(report.Installed),
		Removed:     len(report.Removed),
		Updated:     len(report.Updated),
		Captured:    len(report.Captured),
		Skipped:     len(report.Skipped),
		Failed:      len(report.Failed),
		Report:      string(data),
	}

	var actions []*stores.ActionRecord
	if report.Result != nil {
		actions = make([]*stores.ActionRecord, 0, len(report.Result.Results))
		for _, ar := range report.Result.Results {
			rec, err := actionRecord(ar)
			if err != nil {
				return err
			}
			actions = append(actions, rec)
		}
	}

	if err := h.store.SaveRun(ctx, run, actions); err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

func actionRecord(ar ActionResult) (*stores.ActionRecord, error) {
	deps, err := json.Marshal(ar.Action.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	if ar.Action.DependsOn == nil {
		deps = []byte("[]")
	}

	rec := &stores.ActionRecord{
		ActionID:  ar.Action.ID,
		Type:      string(ar.Action.Type),
		Subject:   ar.Action.Subject.String(),
		Lane:      ar.Action.Lane(),
		Target:    ar.Action.Target.String(),
		DependsOn: string(deps),
		Status:    string(ar.Status),
		Attempts:  ar.Attempts,
	}
	if ar.Error != nil {
		msg := ar.Error.Reason()
		rec.Error = &msg
	}
	if !ar.StartedAt.IsZero() {
		started := ar.StartedAt
		rec.StartedAt = &started
	}
	if !ar.CompletedAt.IsZero() {
		completed := ar.CompletedAt
		rec.CompletedAt = &completed
	}
	return rec, nil
}

// Runs lists recorded runs, newest first.
func (h *History) Runs(ctx context.Context, limit int) ([]*stores.Run, error) {
	return h.store.ListRuns(ctx, limit, 0)
}

// Report loads the full report of a run by ID or unique ID prefix.
func (h *History) Report(ctx context.Context, idOrPrefix string) (*SummaryReport, error) {
	run, err := h.store.GetRun(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	report := &SummaryReport{}
	if err := json.Unmarshal([]byte(run.Report), report); err != nil {
		return nil, fmt.Errorf("failed to decode report of run %s: %w", run.ID, err)
	}
	return report, nil
}

// Prune deletes runs older than the given age.
func (h *History) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return h.store.DeleteRunsBefore(ctx, time.Now().Add(-olderThan))
}

// SaveSnapshot stores snap under name, replacing any previous snapshot of
// that name.
func (h *History) SaveSnapshot(ctx context.Context, name string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot %s: %w", name, err)
	}

	return h.store.UpsertSnapshot(ctx, &stores.Snapshot{
		Name:     name,
		Origin:   string(snap.Origin()),
		Data:     string(data),
		Subjects: snap.Len(),
		TakenAt:  snap.TakenAt(),
	})
}

// LoadSnapshot returns the snapshot stored under name.
func (h *History) LoadSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	rec, err := h.store.GetSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	return UnmarshalSnapshot([]byte(rec.Data))
}

// Snapshots lists stored snapshots without their contents.
func (h *History) Snapshots(ctx context.Context) ([]*stores.Snapshot, error) {
	return h.store.ListSnapshots(ctx)
}

// PhaseChanged appends a phase transition to the event log.
func (h *History) PhaseChanged(runID string, from, to Phase, at time.Time) {
	details := fmt.Sprintf(`{"from":%q,"to":%q}`, from, to)
	h.append(context.Background(), &stores.Event{
		RunID:     optional(runID),
		Type:      "phase.changed",
		Level:     stores.EventLevelDebug,
		Message:   fmt.Sprintf("%s -> %s", from, to),
		Details:   &details,
		Timestamp: at,
	})
}

// EventSink returns a subscriber that appends published telemetry events
// to the event log.
func (h *History) EventSink(ctx context.Context) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		rec := &stores.Event{
			RunID:     optional(e.RunID),
			Subject:   optional(e.Subject),
			Type:      e.Type,
			Level:     stores.EventLevel(e.Level),
			Message:   e.Message,
			Timestamp: e.Timestamp,
		}
		if len(e.Data) > 0 {
			if data, err := json.Marshal(e.Data); err == nil {
				details := string(data)
				rec.Details = &details
			}
		}
		h.append(ctx, rec)
	}
}

// Events returns the event log of one run in append order.
func (h *History) Events(ctx context.Context, runID string) ([]*stores.Event, error) {
	return h.store.GetEvents(ctx, stores.EventFilter{RunID: &runID})
}

func (h *History) append(ctx context.Context, e *stores.Event) {
	if err := h.store.AppendEvent(ctx, e); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warnf("failed to append %s event", e.Type)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
