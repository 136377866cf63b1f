package policy

import (
	"time"

	"github.com/macossetup/macossetup/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the action.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"

	// SeverityCritical blocks the action.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a "deny" set whose
// elements are either message strings or objects with "message" and an
// optional "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny elements that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with macsetup.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"-"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ActionID is the plan action that violated the policy.
	ActionID string `json:"action_id,omitempty"`

	Subject  string   `json:"subject,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one
// action.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Action    ActionInput    `json:"action"`
	Protected ProtectedInput `json:"protected"`
	Context   ContextInput   `json:"context"`
}

// ActionInput describes the action under evaluation.
type ActionInput struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Subject     string `json:"subject"`
	Kind        string `json:"kind"`
	Class       string `json:"class"`
	Name        string `json:"name"`
	Domain      string `json:"domain,omitempty"`
	Key         string `json:"key,omitempty"`
	Version     string `json:"version,omitempty"`
	Value       any    `json:"value,omitempty"`
	Change      string `json:"change"`
	Destructive bool   `json:"destructive"`
}

// ProtectedInput carries the protected lists from settings.
type ProtectedInput struct {
	// Items are "kind:id" subjects that may never be removed.
	Items []string `json:"items"`

	// Domains are preference domains that may never be written.
	Domains []string `json:"domains"`
}

// ContextInput describes the run.
type ContextInput struct {
	User      string    `json:"user,omitempty"`
	Host      string    `json:"host,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewActionInput converts a plan action.
func NewActionInput(a engine.Action) ActionInput {
	in := ActionInput{
		ID:          a.ID,
		Type:        a.Type.String(),
		Subject:     a.Subject.String(),
		Kind:        string(a.Subject.Kind()),
		Class:       string(a.Subject.Class),
		Name:        a.Subject.Name(),
		Version:     a.Target.Version,
		Value:       a.Target.Value,
		Change:      string(a.Record.Kind),
		Destructive: a.Type.IsDestructive(),
	}
	if a.Subject.Class == engine.SubjectPreference {
		in.Domain = a.Subject.Preference.Domain
		in.Key = a.Subject.Preference.Key
	}
	return in
}

// document renders the input as plain JSON-like values for the evaluator.
func (in Input) document() map[string]any {
	protected := map[string]any{
		"items":   stringsToAny(in.Protected.Items),
		"domains": stringsToAny(in.Protected.Domains),
	}
	action := map[string]any{
		"id":          in.Action.ID,
		"type":        in.Action.Type,
		"subject":     in.Action.Subject,
		"kind":        in.Action.Kind,
		"class":       in.Action.Class,
		"name":        in.Action.Name,
		"domain":      in.Action.Domain,
		"key":         in.Action.Key,
		"version":     in.Action.Version,
		"change":      in.Action.Change,
		"destructive": in.Action.Destructive,
	}
	if in.Action.Value != nil {
		action["value"] = in.Action.Value
	}
	return map[string]any{
		"action":    action,
		"protected": protected,
		"context": map[string]any{
			"user":      in.Context.User,
			"host":      in.Context.Host,
			"timestamp": in.Context.Timestamp.Format(time.RFC3339),
		},
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
