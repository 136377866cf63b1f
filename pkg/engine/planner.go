package engine

import (
	"fmt"
	"sort"
)

// Planner turns a delta and an override policy into an ordered plan. It is
// pure: the same delta, policy, scope and decisions always give the same
// plan, action order and IDs included.
type Planner struct{}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan builds the plan for delta.
//
// Declared-only subjects are always installed or set. Observed-only
// subjects are removed or unset only when scope.Remove is set. Conflicts
// follow policy; for the ask policy the direction comes from decisions. A
// nil decisions map leaves ask conflicts in Plan.Unresolved; a non-nil map
// without an entry for a subject skips it with a PolicyAmbiguityError.
func (p *Planner) Plan(delta *Delta, policy PolicySet, scope Scope, decisions Decisions) *Plan {
	plan := &Plan{
		Actions: make([]Action, 0),
		Policy:  policy,
		Scope:   scope,
	}
	if delta == nil {
		return plan
	}

	var actions []Action
	for _, rec := range delta.Records {
		if !scope.Includes(rec.Subject.Kind()) {
			continue
		}

		switch rec.Kind {
		case ChangeAdd, ChangeUpdate:
			actions = append(actions, applyToSystem(rec))

		case ChangeRemove:
			if scope.Remove {
				actions = append(actions, removeFromSystem(rec))
			}

		case ChangeConflict:
			dir, skip := p.resolve(rec, policy, decisions, plan)
			if skip {
				continue
			}
			switch dir {
			case DirectionApplyToSystem:
				actions = append(actions, applyToSystem(rec))
			case DirectionApplyToConfig:
				actions = append(actions, Action{
					Type:    ActionRecordToConfig,
					Subject: rec.Subject,
					Target:  rec.Observed,
					Record:  rec,
				})
			}
		}
	}

	plan.Actions = orderSupersededRemovals(actions)
	return plan
}

// resolve picks a direction for a conflict. skip is true when the conflict
// yields no action; the planner has then already recorded why.
func (p *Planner) resolve(rec ChangeRecord, policy PolicySet, decisions Decisions, plan *Plan) (Direction, bool) {
	if dir, ok := policy.For(rec.Subject.Class).Direction(); ok {
		return dir, false
	}

	if decisions == nil {
		plan.Unresolved = append(plan.Unresolved, rec)
		return "", true
	}

	dir, ok := decisions[rec.Subject]
	if !ok {
		err := NewPolicyAmbiguityError(rec)
		plan.Skipped = append(plan.Skipped, SkipEntry{Subject: rec.Subject, Reason: err.Reason(), Err: err})
		return "", true
	}
	if dir == DirectionSkip || dir.Validate() != nil {
		plan.Skipped = append(plan.Skipped, SkipEntry{
			Subject: rec.Subject,
			Reason:  fmt.Sprintf("conflict left unresolved (config %s, system %s)", rec.Declared, rec.Observed),
		})
		return "", true
	}
	return dir, false
}

func applyToSystem(rec ChangeRecord) Action {
	t := ActionInstall
	if rec.Subject.Class == SubjectPreference {
		t = ActionSetPreference
	}
	return Action{Type: t, Subject: rec.Subject, Target: rec.Declared, Record: rec}
}

func removeFromSystem(rec ChangeRecord) Action {
	t := ActionRemove
	if rec.Subject.Class == SubjectPreference {
		t = ActionUnsetPreference
	}
	return Action{Type: t, Subject: rec.Subject, Target: Absent(), Record: rec}
}

// orderSupersededRemovals moves each removal of an item that is replaced by
// an install in the same plan to directly after that install, and makes it
// depend on the install. Everything else keeps delta order. IDs are then
// assigned by position.
func orderSupersededRemovals(actions []Action) []Action {
	replacedBy := make(map[int]int)
	for i, a := range actions {
		if a.Type != ActionRemove {
			continue
		}
		for j, b := range actions {
			if b.Type == ActionInstall && b.Subject.Item.Supersedes(a.Subject.Item) {
				replacedBy[i] = j
				break
			}
		}
	}

	after := make(map[int][]int)
	for rm, inst := range replacedBy {
		after[inst] = append(after[inst], rm)
	}

	ordered := make([]Action, 0, len(actions))
	depOn := make(map[int]int) // index in ordered -> index in ordered
	for i, a := range actions {
		if _, deferred := replacedBy[i]; deferred {
			continue
		}
		ordered = append(ordered, a)
		instPos := len(ordered) - 1
		rms := after[i]
		sort.Ints(rms)
		for _, rm := range rms {
			ordered = append(ordered, actions[rm])
			depOn[len(ordered)-1] = instPos
		}
	}

	for i := range ordered {
		ordered[i].ID = fmt.Sprintf("a%03d", i+1)
	}
	for rm, inst := range depOn {
		ordered[rm].DependsOn = []string{ordered[inst].ID}
	}
	return ordered
}
