package engine

import (
	"fmt"
	"sort"
)

// ActionType is the kind of corrective step a plan contains.
type ActionType string

const (
	// ActionInstall installs an item, optionally at a specific version.
	ActionInstall ActionType = "install"

	// ActionRemove uninstalls an item.
	ActionRemove ActionType = "remove"

	// ActionSetPreference writes a preference value to the system.
	ActionSetPreference ActionType = "set-preference"

	// ActionUnsetPreference deletes a preference from the system.
	ActionUnsetPreference ActionType = "unset-preference"

	// ActionRecordToConfig writes an observed value back into configuration.
	ActionRecordToConfig ActionType = "record-to-config"
)

// IsDestructive returns true for actions that delete system state.
func (t ActionType) IsDestructive() bool {
	return t == ActionRemove || t == ActionUnsetPreference
}

// TargetsSystem returns true for actions that go through a ResourceAdapter.
func (t ActionType) TargetsSystem() bool {
	return t != ActionRecordToConfig
}

// String returns the action type name.
func (t ActionType) String() string {
	return string(t)
}

// Validate checks if the action type is valid.
func (t ActionType) Validate() error {
	switch t {
	case ActionInstall, ActionRemove, ActionSetPreference,
		ActionUnsetPreference, ActionRecordToConfig:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", t)
	}
}

// ConfigLane is the execution lane shared by all record-to-config actions.
// Configuration storage is a single exclusive resource, like a package
// manager.
const ConfigLane = "config"

// Action is one step of a plan.
type Action struct {
	// ID is unique within the plan and derived from the action's position.
	ID string `json:"id"`

	Type    ActionType `json:"type"`
	Subject Subject    `json:"subject"`

	// Target is the state the action establishes: the declared state for
	// system actions, the observed state for record-to-config.
	Target State `json:"target"`

	// Record is the change this action resolves.
	Record ChangeRecord `json:"record"`

	// DependsOn lists actions that must succeed first. A failed dependency
	// skips this action.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Lane returns the exclusive resource the action runs against. Actions in
// one lane execute one at a time.
func (a Action) Lane() string {
	if a.Type == ActionRecordToConfig {
		return ConfigLane
	}
	return string(a.Subject.Kind())
}

// String renders the action for logs and dry-run output.
func (a Action) String() string {
	switch a.Type {
	case ActionInstall:
		if a.Target.Version != "" {
			return fmt.Sprintf("install %s@%s", a.Subject, a.Target.Version)
		}
		return fmt.Sprintf("install %s", a.Subject)
	case ActionRemove, ActionUnsetPreference:
		return fmt.Sprintf("%s %s", a.Type, a.Subject)
	default:
		return fmt.Sprintf("%s %s = %s", a.Type, a.Subject, a.Target)
	}
}

// SkipEntry is a subject the plan deliberately leaves alone, with the reason.
type SkipEntry struct {
	Subject Subject      `json:"subject"`
	Reason  string       `json:"reason"`
	Err     *EngineError `json:"error,omitempty"`
}

// Plan is the ordered list of actions derived from one delta and one policy.
type Plan struct {
	Actions []Action `json:"actions"`

	// Skipped lists conflicts that produced no action.
	Skipped []SkipEntry `json:"skipped,omitempty"`

	// Unresolved lists ask-policy conflicts awaiting a decision. It is only
	// populated when the planner was given no decisions at all.
	Unresolved []ChangeRecord `json:"unresolved,omitempty"`

	Policy PolicySet `json:"policy"`
	Scope  Scope     `json:"scope"`
}

// Empty reports whether the plan has nothing to execute.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Get returns the action with the given ID.
func (p *Plan) Get(id string) (Action, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Summary counts actions by type.
func (p *Plan) Summary() map[ActionType]int {
	counts := make(map[ActionType]int)
	for _, a := range p.Actions {
		counts[a.Type]++
	}
	return counts
}

// Lanes returns the distinct lanes of the plan in sorted order.
func (p *Plan) Lanes() []string {
	seen := make(map[string]struct{})
	for _, a := range p.Actions {
		seen[a.Lane()] = struct{}{}
	}
	lanes := make([]string, 0, len(seen))
	for l := range seen {
		lanes = append(lanes, l)
	}
	sort.Strings(lanes)
	return lanes
}

// WithoutActions returns a copy of the plan minus the given actions and,
// transitively, everything that depends on them. drop maps action IDs to
// the reason they are removed. The removed actions are returned as skip
// entries in plan order.
func (p *Plan) WithoutActions(drop map[string]*EngineError) (*Plan, []SkipEntry) {
	out := &Plan{
		Actions:    make([]Action, 0, len(p.Actions)),
		Skipped:    append([]SkipEntry(nil), p.Skipped...),
		Unresolved: append([]ChangeRecord(nil), p.Unresolved...),
		Policy:     p.Policy,
		Scope:      p.Scope,
	}
	if len(drop) == 0 {
		out.Actions = append(out.Actions, p.Actions...)
		return out, nil
	}

	dropped := make(map[string]*EngineError, len(drop))
	for id, err := range drop {
		dropped[id] = err
	}

	var removed []SkipEntry
	// Dependencies always precede their dependents, so one pass suffices.
	for _, a := range p.Actions {
		err, denied := dropped[a.ID]
		if !denied {
			for _, dep := range a.DependsOn {
				if _, ok := dropped[dep]; ok {
					err = NewPermanentError(fmt.Sprintf("dependency %s was not applied", dep), nil).
						WithCode(ErrCodeDependencyFailed).
						WithSubject(a.Subject.String())
					dropped[a.ID] = err
					denied = true
					break
				}
			}
		}
		if denied {
			removed = append(removed, SkipEntry{Subject: a.Subject, Reason: err.Reason(), Err: err})
			continue
		}
		out.Actions = append(out.Actions, a)
	}
	return out, removed
}
