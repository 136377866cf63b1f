package engine

import (
	"fmt"
	"sort"
	"strings"
)

// OverridePolicy decides which side wins when declared and observed state
// disagree.
type OverridePolicy string

const (
	// PolicyPreferConfig applies the declared value to the system.
	PolicyPreferConfig OverridePolicy = "prefer-config"

	// PolicyPreferSystem records the observed value into configuration.
	PolicyPreferSystem OverridePolicy = "prefer-system"

	// PolicyAsk defers each conflict to a ConflictResolver.
	PolicyAsk OverridePolicy = "ask"
)

// ParseOverride accepts the CLI spellings (config, system, ask) as well as
// the full policy names.
func ParseOverride(s string) (OverridePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "config", string(PolicyPreferConfig):
		return PolicyPreferConfig, nil
	case "system", string(PolicyPreferSystem):
		return PolicyPreferSystem, nil
	case string(PolicyAsk):
		return PolicyAsk, nil
	default:
		return "", fmt.Errorf("invalid override policy %q (want config, system or ask)", s)
	}
}

// Validate checks if the policy is valid.
func (p OverridePolicy) Validate() error {
	switch p {
	case PolicyPreferConfig, PolicyPreferSystem, PolicyAsk:
		return nil
	default:
		return fmt.Errorf("invalid override policy: %s", p)
	}
}

// Direction returns the fixed direction of a non-interactive policy. ok is
// false for PolicyAsk.
func (p OverridePolicy) Direction() (d Direction, ok bool) {
	switch p {
	case PolicyPreferConfig:
		return DirectionApplyToSystem, true
	case PolicyPreferSystem:
		return DirectionApplyToConfig, true
	default:
		return "", false
	}
}

// PolicySet applies a default policy with optional per-class overrides.
type PolicySet struct {
	Default     OverridePolicy `json:"default"`
	Items       OverridePolicy `json:"items,omitempty"`
	Preferences OverridePolicy `json:"preferences,omitempty"`
}

// UniformPolicy applies one policy to every subject class.
func UniformPolicy(p OverridePolicy) PolicySet {
	return PolicySet{Default: p}
}

// For returns the policy governing a subject class.
func (ps PolicySet) For(class SubjectClass) OverridePolicy {
	switch {
	case class == SubjectItem && ps.Items != "":
		return ps.Items
	case class == SubjectPreference && ps.Preferences != "":
		return ps.Preferences
	case ps.Default != "":
		return ps.Default
	default:
		return PolicyPreferConfig
	}
}

// Validate checks every set policy.
func (ps PolicySet) Validate() error {
	for _, p := range []OverridePolicy{ps.Default, ps.Items, ps.Preferences} {
		if p == "" {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String renders the set for logs, e.g. "prefer-config" or
// "prefer-config items=ask".
func (ps PolicySet) String() string {
	s := string(ps.For(""))
	if ps.Items != "" {
		s += " items=" + string(ps.Items)
	}
	if ps.Preferences != "" {
		s += " preferences=" + string(ps.Preferences)
	}
	return s
}

// Direction is the outcome of resolving a conflict.
type Direction string

const (
	DirectionApplyToSystem Direction = "apply-to-system"
	DirectionApplyToConfig Direction = "apply-to-config"
	DirectionSkip          Direction = "skip"
)

// Validate checks if the direction is valid.
func (d Direction) Validate() error {
	switch d {
	case DirectionApplyToSystem, DirectionApplyToConfig, DirectionSkip:
		return nil
	default:
		return fmt.Errorf("invalid direction: %s", d)
	}
}

// Decisions maps conflicting subjects to the direction a resolver chose.
type Decisions map[Subject]Direction

// Scope selects the resource kinds a run targets and whether observed-only
// subjects are removed.
type Scope struct {
	// Kinds limits the run; empty means every registered kind.
	Kinds []ResourceKind `json:"kinds,omitempty"`

	// Remove allows remove and unset actions for observed-only subjects.
	Remove bool `json:"remove"`
}

// ScopeAll targets every registered kind.
func ScopeAll() Scope {
	return Scope{}
}

// ScopeOf targets the given kinds.
func ScopeOf(kinds ...ResourceKind) Scope {
	return Scope{Kinds: kinds}
}

// IsAll reports whether the scope targets every kind.
func (s Scope) IsAll() bool {
	return len(s.Kinds) == 0
}

// Includes reports whether kind is targeted.
func (s Scope) Includes(kind ResourceKind) bool {
	if s.IsAll() {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// String renders the scope, e.g. "all" or "brew,defaults".
func (s Scope) String() string {
	if s.IsAll() {
		return "all"
	}
	names := make([]string, len(s.Kinds))
	for i, k := range s.Kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
