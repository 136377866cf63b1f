package engine

import (
	"fmt"
	"strings"
)

// ResourceKind names a backend: a package manager or a preference store.
type ResourceKind string

const (
	KindBrew     ResourceKind = "brew"
	KindPipx     ResourceKind = "pipx"
	KindPyenv    ResourceKind = "pyenv"
	KindMas      ResourceKind = "mas"
	KindNpm      ResourceKind = "npm"
	KindConfigs  ResourceKind = "configs"
	KindDefaults ResourceKind = "defaults"
)

// KnownKinds returns the resource kinds macsetup ships adapters for.
func KnownKinds() []ResourceKind {
	return []ResourceKind{KindBrew, KindConfigs, KindDefaults, KindMas, KindNpm, KindPipx, KindPyenv}
}

// IsPreferenceStore reports whether subjects of this kind are preference
// keys rather than installable items.
func (k ResourceKind) IsPreferenceStore() bool {
	return k == KindDefaults
}

// Validate checks that the kind is usable as a map key and in identifiers.
func (k ResourceKind) Validate() error {
	if k == "" {
		return fmt.Errorf("resource kind is empty")
	}
	if strings.ContainsAny(string(k), " \t\n:") {
		return fmt.Errorf("invalid resource kind: %q", string(k))
	}
	return nil
}

// Item identifies an installable unit within a resource.
type Item struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id"`
}

// String returns "kind:id".
func (i Item) String() string {
	return string(i.Kind) + ":" + i.ID
}

// BaseName strips a trailing "@version" qualifier, so "node@20" and
// "node@18" share the base name "node". A leading "@" (npm scopes) is kept.
func (i Item) BaseName() string {
	if idx := strings.LastIndex(i.ID, "@"); idx > 0 {
		return i.ID[:idx]
	}
	return i.ID
}

// Supersedes reports whether i replaces other: same kind, same base name,
// different identifier.
func (i Item) Supersedes(other Item) bool {
	return i.Kind == other.Kind && i.ID != other.ID && i.BaseName() == other.BaseName()
}

// PreferenceKey identifies one preference entry.
type PreferenceKey struct {
	Domain string `json:"domain"`
	Key    string `json:"key"`
}

// String returns "domain.key", the form users write in config files.
func (p PreferenceKey) String() string {
	return p.Domain + "." + p.Key
}

// SubjectClass distinguishes what a Subject refers to.
type SubjectClass string

const (
	SubjectItem       SubjectClass = "item"
	SubjectPreference SubjectClass = "preference"

	// SubjectResource refers to a whole resource kind. It only appears in
	// reports, for failures that affect every subject of a kind.
	SubjectResource SubjectClass = "resource"
)

// Subject is the key of a snapshot entry and of a change record: either an
// Item or a PreferenceKey. Subjects are comparable and usable as map keys.
type Subject struct {
	Class      SubjectClass  `json:"class"`
	Item       Item          `json:"item,omitempty"`
	Preference PreferenceKey `json:"preference,omitempty"`
}

// ItemSubject returns the subject for an installable item.
func ItemSubject(kind ResourceKind, id string) Subject {
	return Subject{Class: SubjectItem, Item: Item{Kind: kind, ID: id}}
}

// PreferenceSubject returns the subject for a preference key.
func PreferenceSubject(domain, key string) Subject {
	return Subject{Class: SubjectPreference, Preference: PreferenceKey{Domain: domain, Key: key}}
}

// KindSubject returns a subject standing for a whole resource kind.
func KindSubject(kind ResourceKind) Subject {
	return Subject{Class: SubjectResource, Item: Item{Kind: kind}}
}

// Kind returns the resource kind the subject belongs to.
func (s Subject) Kind() ResourceKind {
	if s.Class == SubjectPreference {
		return KindDefaults
	}
	return s.Item.Kind
}

// String renders the subject for logs and reports.
func (s Subject) String() string {
	switch s.Class {
	case SubjectPreference:
		return string(KindDefaults) + ":" + s.Preference.String()
	case SubjectResource:
		return string(s.Item.Kind)
	default:
		return s.Item.String()
	}
}

// Name renders the subject without its kind prefix.
func (s Subject) Name() string {
	switch s.Class {
	case SubjectPreference:
		return s.Preference.String()
	case SubjectResource:
		return string(s.Item.Kind)
	default:
		return s.Item.ID
	}
}

// Compare orders subjects by resource kind, then identifier. Preferences
// order by domain, then key.
func (s Subject) Compare(o Subject) int {
	if c := strings.Compare(string(s.Kind()), string(o.Kind())); c != 0 {
		return c
	}
	if s.Class != o.Class {
		return strings.Compare(string(s.Class), string(o.Class))
	}
	if s.Class == SubjectPreference {
		if c := strings.Compare(s.Preference.Domain, o.Preference.Domain); c != 0 {
			return c
		}
		return strings.Compare(s.Preference.Key, o.Preference.Key)
	}
	return strings.Compare(s.Item.ID, o.Item.ID)
}

// Validate checks that the subject is well formed.
func (s Subject) Validate() error {
	switch s.Class {
	case SubjectItem:
		if err := s.Item.Kind.Validate(); err != nil {
			return err
		}
		if s.Item.Kind.IsPreferenceStore() {
			return fmt.Errorf("item %q uses preference kind %s", s.Item.ID, s.Item.Kind)
		}
		if strings.TrimSpace(s.Item.ID) == "" {
			return fmt.Errorf("item identifier is empty")
		}
	case SubjectPreference:
		if s.Preference.Domain == "" || s.Preference.Key == "" {
			return fmt.Errorf("preference %q is missing a domain or key", s.Preference.String())
		}
	case SubjectResource:
		return s.Item.Kind.Validate()
	default:
		return fmt.Errorf("invalid subject class: %q", s.Class)
	}
	return nil
}

// State is the value side of a snapshot entry. Items use Present and an
// optional Version; preferences use Present and Value.
type State struct {
	Present bool   `json:"present"`
	Version string `json:"version,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// Absent is the state of a subject that does not exist.
func Absent() State {
	return State{}
}

// InstalledState is the state of an installed item, with an optional version.
func InstalledState(version string) State {
	return State{Present: true, Version: version}
}

// ValueState is the state of a preference holding v.
func ValueState(v any) State {
	return State{Present: true, Value: v}
}

// String renders the state for reports.
func (s State) String() string {
	switch {
	case !s.Present:
		return "absent"
	case s.Value != nil:
		return FormatValue(s.Value)
	case s.Version != "":
		return "present@" + s.Version
	default:
		return "present"
	}
}

// statesEqual compares a declared and an observed state for one subject.
// An item with no declared version matches any installed version.
func statesEqual(subject Subject, declared, observed State) bool {
	if declared.Present != observed.Present {
		return false
	}
	if !declared.Present {
		return true
	}
	if subject.Class == SubjectPreference {
		return ValuesEqual(declared.Value, observed.Value)
	}
	return declared.Version == "" || declared.Version == observed.Version
}
