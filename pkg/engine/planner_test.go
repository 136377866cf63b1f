package engine

import (
	"reflect"
	"testing"
)

func diff(t *testing.T, d, o *SnapshotBuilder) *Delta {
	t.Helper()
	delta, err := NewDiffer().Diff(mustBuild(d), mustBuild(o))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	return delta
}

func actionStrings(plan *Plan) []string {
	out := make([]string, len(plan.Actions))
	for i, a := range plan.Actions {
		out[i] = a.String()
	}
	return out
}

func TestPlanInstallsMissingItem(t *testing.T) {
	delta := diff(t, declared("brew:git", "brew:htop"), observed("brew:git"))

	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), ScopeOf(KindBrew), nil)

	if got := actionStrings(plan); !equalStrings(got, []string{"install brew:htop"}) {
		t.Fatalf("unexpected plan: %v", got)
	}
	if plan.Actions[0].ID != "a001" {
		t.Errorf("expected ID a001, got %s", plan.Actions[0].ID)
	}
}

func TestPlanPreferSystemRecordsToConfig(t *testing.T) {
	key := PreferenceKey{Domain: "com.apple.finder", Key: "ShowPathbar"}
	d := NewSnapshotBuilder(OriginDeclared)
	_ = d.SetPreference(key, true)
	o := NewSnapshotBuilder(OriginObserved)
	_ = o.SetPreference(key, false)

	plan := NewPlanner().Plan(diff(t, d, o), UniformPolicy(PolicyPreferSystem), ScopeOf(KindDefaults), nil)

	if len(plan.Actions) != 1 {
		t.Fatalf("expected 1 action, got %v", actionStrings(plan))
	}
	a := plan.Actions[0]
	if a.Type != ActionRecordToConfig || a.Lane() != ConfigLane {
		t.Errorf("expected record-to-config in config lane, got %s in %s", a.Type, a.Lane())
	}
	if a.Target.Value != false {
		t.Errorf("expected target false, got %v", a.Target.Value)
	}
}

func TestPlanNeverRemovesWithoutRemoveScope(t *testing.T) {
	key := PreferenceKey{Domain: "com.apple.dock", Key: "autohide"}
	d := declared("brew:git")
	o := observed("brew:git", "brew:wget", "npm:eslint", "pipx:black")
	_ = o.SetPreference(key, true)
	d.Cover(KindNpm, KindPipx, KindDefaults)
	delta := diff(t, d, o)

	for _, policy := range []OverridePolicy{PolicyPreferConfig, PolicyPreferSystem, PolicyAsk} {
		plan := NewPlanner().Plan(delta, UniformPolicy(policy), ScopeAll(), Decisions{})
		for _, a := range plan.Actions {
			if a.Type.IsDestructive() {
				t.Errorf("%s: destructive action %s in plan", policy, a)
			}
		}
	}

	scope := ScopeAll()
	scope.Remove = true
	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), scope, nil)
	want := []string{"remove brew:wget", "unset-preference defaults:com.apple.dock.autohide", "remove npm:eslint", "remove pipx:black"}
	if got := actionStrings(plan); !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPlanConflictTotality(t *testing.T) {
	key := PreferenceKey{Domain: "NSGlobalDomain", Key: "KeyRepeat"}
	d := NewSnapshotBuilder(OriginDeclared)
	_ = d.SetPreference(key, 2)
	d.AddItem(Item{Kind: KindPyenv, ID: "python"}, "3.12.1")
	o := NewSnapshotBuilder(OriginObserved)
	_ = o.SetPreference(key, 6)
	o.AddItem(Item{Kind: KindPyenv, ID: "python"}, "3.11.4")
	delta := diff(t, d, o)
	if delta.Count(ChangeConflict) != 2 {
		t.Fatalf("expected 2 conflicts, got %v", delta.Records)
	}

	tests := []struct {
		policy PolicySet
		want   []ActionType
	}{
		{UniformPolicy(PolicyPreferConfig), []ActionType{ActionSetPreference, ActionInstall}},
		{UniformPolicy(PolicyPreferSystem), []ActionType{ActionRecordToConfig, ActionRecordToConfig}},
		{PolicySet{Default: PolicyPreferConfig, Preferences: PolicyPreferSystem}, []ActionType{ActionRecordToConfig, ActionInstall}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			plan := NewPlanner().Plan(delta, tt.policy, ScopeAll(), nil)
			var got []ActionType
			for _, a := range plan.Actions {
				got = append(got, a.Type)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if len(plan.Skipped) != 0 || len(plan.Unresolved) != 0 {
				t.Errorf("expected every conflict to produce an action")
			}
		})
	}
}

func TestPlanAskPolicy(t *testing.T) {
	d := NewSnapshotBuilder(OriginDeclared)
	d.AddItem(Item{Kind: KindPyenv, ID: "python"}, "3.12.1")
	d.AddItem(Item{Kind: KindPyenv, ID: "pypy"}, "7.3")
	d.AddItem(Item{Kind: KindPyenv, ID: "graalpy"}, "24.0")
	o := NewSnapshotBuilder(OriginObserved)
	o.AddItem(Item{Kind: KindPyenv, ID: "python"}, "3.11.4")
	o.AddItem(Item{Kind: KindPyenv, ID: "pypy"}, "7.2")
	o.AddItem(Item{Kind: KindPyenv, ID: "graalpy"}, "23.1")
	delta := diff(t, d, o)
	ask := UniformPolicy(PolicyAsk)

	t.Run("nil decisions leave conflicts unresolved", func(t *testing.T) {
		plan := NewPlanner().Plan(delta, ask, ScopeAll(), nil)
		if !plan.Empty() || len(plan.Unresolved) != 3 {
			t.Errorf("expected 3 unresolved and no actions, got %d/%d", len(plan.Unresolved), len(plan.Actions))
		}
	})

	t.Run("decisions drive actions", func(t *testing.T) {
		decisions := Decisions{
			ItemSubject(KindPyenv, "python"): DirectionApplyToSystem,
			ItemSubject(KindPyenv, "pypy"):   DirectionApplyToConfig,
		}
		plan := NewPlanner().Plan(delta, ask, ScopeAll(), decisions)

		want := []string{"record-to-config pyenv:pypy = present@7.2", "install pyenv:python@3.12.1"}
		if got := actionStrings(plan); !equalStrings(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
		if len(plan.Skipped) != 1 || plan.Skipped[0].Subject != ItemSubject(KindPyenv, "graalpy") {
			t.Fatalf("expected graalpy skipped, got %v", plan.Skipped)
		}
		if plan.Skipped[0].Err == nil || plan.Skipped[0].Err.Code != ErrCodePolicyAmbiguous {
			t.Errorf("expected policy ambiguity error, got %v", plan.Skipped[0].Err)
		}
	})

	t.Run("skip decision", func(t *testing.T) {
		decisions := Decisions{
			ItemSubject(KindPyenv, "python"):  DirectionSkip,
			ItemSubject(KindPyenv, "pypy"):    DirectionSkip,
			ItemSubject(KindPyenv, "graalpy"): DirectionSkip,
		}
		plan := NewPlanner().Plan(delta, ask, ScopeAll(), decisions)
		if !plan.Empty() || len(plan.Skipped) != 3 {
			t.Errorf("expected all skipped, got %d actions, %d skipped", len(plan.Actions), len(plan.Skipped))
		}
	})
}

func TestPlanOrdersSupersedingInstallFirst(t *testing.T) {
	delta := diff(t, declared("brew:node@20", "brew:git"), observed("brew:node@18", "brew:git"))
	scope := ScopeOf(KindBrew)
	scope.Remove = true

	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), scope, nil)

	// Delta order is node@18 (remove) then node@20 (install).
	want := []string{"install brew:node@20", "remove brew:node@18"}
	if got := actionStrings(plan); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !reflect.DeepEqual(plan.Actions[1].DependsOn, []string{plan.Actions[0].ID}) {
		t.Errorf("expected removal to depend on %s, got %v", plan.Actions[0].ID, plan.Actions[1].DependsOn)
	}
	if _, err := ValidatePlan(plan); err != nil {
		t.Errorf("plan should validate: %v", err)
	}
}

func TestPlanScopeFilters(t *testing.T) {
	delta := diff(t,
		declared("brew:htop", "npm:typescript").Cover(KindPipx),
		observed().Cover(KindBrew, KindNpm, KindPipx),
	)

	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), ScopeOf(KindNpm), nil)
	if got := actionStrings(plan); !equalStrings(got, []string{"install npm:typescript"}) {
		t.Errorf("unexpected plan: %v", got)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	build := func() *Plan {
		delta := diff(t,
			declared("brew:node@20", "brew:htop", "npm:typescript", "pipx:black"),
			observed("brew:node@18", "npm:eslint", "pipx:ruff"),
		)
		scope := ScopeAll()
		scope.Remove = true
		return NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), scope, nil)
	}

	first := build()
	for i := 0; i < 5; i++ {
		if next := build(); !reflect.DeepEqual(first, next) {
			t.Fatalf("plans differ:\n%v\n%v", actionStrings(first), actionStrings(next))
		}
	}
}

func TestPlanWithoutActionsDropsDependents(t *testing.T) {
	delta := diff(t, declared("brew:node@20"), observed("brew:node@18"))
	scope := ScopeOf(KindBrew)
	scope.Remove = true
	plan := NewPlanner().Plan(delta, UniformPolicy(PolicyPreferConfig), scope, nil)

	out, removed := plan.WithoutActions(map[string]*EngineError{
		"a001": NewPermanentError("protected", nil).WithCode(ErrCodePolicyDenied),
	})
	if !out.Empty() {
		t.Errorf("expected no remaining actions, got %v", actionStrings(out))
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if removed[1].Err.Code != ErrCodeDependencyFailed {
		t.Errorf("expected dependent to fail with %s, got %s", ErrCodeDependencyFailed, removed[1].Err.Code)
	}
	if len(plan.Actions) != 2 {
		t.Error("original plan must not change")
	}
}
