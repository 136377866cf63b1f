package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Origin tags where a snapshot's data came from.
type Origin string

const (
	// OriginDeclared marks state read from configuration.
	OriginDeclared Origin = "declared"

	// OriginObserved marks state read from the live system.
	OriginObserved Origin = "observed"
)

// Validate checks if the origin is valid.
func (o Origin) Validate() error {
	switch o {
	case OriginDeclared, OriginObserved:
		return nil
	default:
		return fmt.Errorf("invalid snapshot origin: %s", o)
	}
}

// Snapshot is an immutable record of declared or observed state. It covers
// a set of resource kinds (its subject universe); a kind can be covered and
// still have no entries.
type Snapshot struct {
	origin  Origin
	takenAt time.Time
	kinds   map[ResourceKind]struct{}
	entries map[Subject]State
}

// Origin returns where the snapshot came from.
func (s *Snapshot) Origin() Origin {
	return s.origin
}

// TakenAt returns when the snapshot was built.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Kinds returns the covered resource kinds in sorted order.
func (s *Snapshot) Kinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Covers reports whether the snapshot's universe includes kind.
func (s *Snapshot) Covers(kind ResourceKind) bool {
	_, ok := s.kinds[kind]
	return ok
}

// Get returns the state recorded for a subject.
func (s *Snapshot) Get(subject Subject) (State, bool) {
	st, ok := s.entries[subject]
	return st, ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Subjects returns every subject in the fixed total order.
func (s *Snapshot) Subjects() []Subject {
	subjects := make([]Subject, 0, len(s.entries))
	for subj := range s.entries {
		subjects = append(subjects, subj)
	}
	sortSubjects(subjects)
	return subjects
}

// SubjectsOf returns the subjects of one kind in order.
func (s *Snapshot) SubjectsOf(kind ResourceKind) []Subject {
	var subjects []Subject
	for subj := range s.entries {
		if subj.Kind() == kind {
			subjects = append(subjects, subj)
		}
	}
	sortSubjects(subjects)
	return subjects
}

// Restrict returns a new snapshot covering only the given kinds that this
// snapshot also covers.
func (s *Snapshot) Restrict(kinds []ResourceKind) *Snapshot {
	keep := make(map[ResourceKind]struct{}, len(kinds))
	for _, k := range kinds {
		keep[k] = struct{}{}
	}

	out := &Snapshot{
		origin:  s.origin,
		takenAt: s.takenAt,
		kinds:   make(map[ResourceKind]struct{}),
		entries: make(map[Subject]State),
	}
	for k := range s.kinds {
		if _, ok := keep[k]; ok {
			out.kinds[k] = struct{}{}
		}
	}
	for subj, st := range s.entries {
		if _, ok := out.kinds[subj.Kind()]; ok {
			out.entries[subj] = st
		}
	}
	return out
}

// Without returns a new snapshot with the given subjects removed. The
// universe is unchanged.
func (s *Snapshot) Without(subjects ...Subject) *Snapshot {
	drop := make(map[Subject]struct{}, len(subjects))
	for _, subj := range subjects {
		drop[subj] = struct{}{}
	}

	out := &Snapshot{
		origin:  s.origin,
		takenAt: s.takenAt,
		kinds:   make(map[ResourceKind]struct{}, len(s.kinds)),
		entries: make(map[Subject]State, len(s.entries)),
	}
	for k := range s.kinds {
		out.kinds[k] = struct{}{}
	}
	for subj, st := range s.entries {
		if _, ok := drop[subj]; !ok {
			out.entries[subj] = st
		}
	}
	return out
}

// Relabel returns a copy carrying a different origin. Stored snapshots are
// observed state that later serves as the declared side of a restore.
func (s *Snapshot) Relabel(origin Origin) *Snapshot {
	out := s.Without()
	out.origin = origin
	return out
}

func sortSubjects(subjects []Subject) {
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].Compare(subjects[j]) < 0
	})
}

// SnapshotBuilder accumulates entries for a new Snapshot.
type SnapshotBuilder struct {
	origin  Origin
	kinds   map[ResourceKind]struct{}
	entries map[Subject]State
}

// NewSnapshotBuilder starts a snapshot of the given origin.
func NewSnapshotBuilder(origin Origin) *SnapshotBuilder {
	return &SnapshotBuilder{
		origin:  origin,
		kinds:   make(map[ResourceKind]struct{}),
		entries: make(map[Subject]State),
	}
}

// Cover adds kinds to the universe without adding entries.
func (b *SnapshotBuilder) Cover(kinds ...ResourceKind) *SnapshotBuilder {
	for _, k := range kinds {
		b.kinds[k] = struct{}{}
	}
	return b
}

// AddItem records an installed item.
func (b *SnapshotBuilder) AddItem(item Item, version string) *SnapshotBuilder {
	subj := Subject{Class: SubjectItem, Item: item}
	b.entries[subj] = InstalledState(version)
	b.kinds[item.Kind] = struct{}{}
	return b
}

// SetPreference records a preference value. The value is normalized.
func (b *SnapshotBuilder) SetPreference(key PreferenceKey, value any) error {
	n, err := NormalizeValue(value)
	if err != nil {
		return fmt.Errorf("preference %s: %w", key, err)
	}
	b.entries[Subject{Class: SubjectPreference, Preference: key}] = ValueState(n)
	b.kinds[KindDefaults] = struct{}{}
	return nil
}

// Set records an arbitrary state. Absent states are not stored.
func (b *SnapshotBuilder) Set(subject Subject, state State) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	if subject.Class == SubjectResource {
		return fmt.Errorf("cannot store a resource subject in a snapshot")
	}
	if !state.Present {
		delete(b.entries, subject)
		b.kinds[subject.Kind()] = struct{}{}
		return nil
	}
	if subject.Class == SubjectPreference {
		return b.SetPreference(subject.Preference, state.Value)
	}
	b.entries[subject] = State{Present: true, Version: state.Version}
	b.kinds[subject.Kind()] = struct{}{}
	return nil
}

// Merge copies all entries and covered kinds of another snapshot.
func (b *SnapshotBuilder) Merge(other *Snapshot) *SnapshotBuilder {
	for k := range other.kinds {
		b.kinds[k] = struct{}{}
	}
	for subj, st := range other.entries {
		b.entries[subj] = st
	}
	return b
}

// Build freezes the builder into a Snapshot. The builder may be reused;
// later changes do not affect the returned snapshot.
func (b *SnapshotBuilder) Build(takenAt time.Time) (*Snapshot, error) {
	if err := b.origin.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		origin:  b.origin,
		takenAt: takenAt,
		kinds:   make(map[ResourceKind]struct{}, len(b.kinds)),
		entries: make(map[Subject]State, len(b.entries)),
	}
	for k := range b.kinds {
		s.kinds[k] = struct{}{}
	}
	for subj, st := range b.entries {
		s.entries[subj] = st
	}
	return s, nil
}

// snapshotJSON is the persisted form of a Snapshot.
type snapshotJSON struct {
	Origin      Origin           `json:"origin"`
	TakenAt     time.Time        `json:"taken_at"`
	Kinds       []ResourceKind   `json:"kinds"`
	Items       []itemJSON       `json:"items,omitempty"`
	Preferences []preferenceJSON `json:"preferences,omitempty"`
}

type itemJSON struct {
	Kind    ResourceKind `json:"kind"`
	ID      string       `json:"id"`
	Version string       `json:"version,omitempty"`
}

type preferenceJSON struct {
	Domain string          `json:"domain"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

// MarshalJSON encodes the snapshot with type-tagged preference values.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Origin:  s.origin,
		TakenAt: s.takenAt,
		Kinds:   s.Kinds(),
	}
	for _, subj := range s.Subjects() {
		st := s.entries[subj]
		switch subj.Class {
		case SubjectItem:
			out.Items = append(out.Items, itemJSON{Kind: subj.Item.Kind, ID: subj.Item.ID, Version: st.Version})
		case SubjectPreference:
			raw, err := MarshalValue(st.Value)
			if err != nil {
				return nil, fmt.Errorf("preference %s: %w", subj.Preference, err)
			}
			out.Preferences = append(out.Preferences, preferenceJSON{
				Domain: subj.Preference.Domain,
				Key:    subj.Preference.Key,
				Value:  raw,
			})
		}
	}
	return json.Marshal(out)
}

// UnmarshalSnapshot decodes a snapshot written by MarshalJSON.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	b := NewSnapshotBuilder(in.Origin).Cover(in.Kinds...)
	for _, it := range in.Items {
		b.AddItem(Item{Kind: it.Kind, ID: it.ID}, it.Version)
	}
	for _, p := range in.Preferences {
		v, err := UnmarshalValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("preference %s.%s: %w", p.Domain, p.Key, err)
		}
		if err := b.SetPreference(PreferenceKey{Domain: p.Domain, Key: p.Key}, v); err != nil {
			return nil, err
		}
	}
	return b.Build(in.TakenAt)
}
