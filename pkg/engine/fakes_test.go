package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeAdapter is an in-memory package manager or preference store.
type fakeAdapter struct {
	mu        sync.Mutex
	kind      ResourceKind
	installed map[string]string
	prefs     map[PreferenceKey]any

	listErr error
	readErr map[PreferenceKey]error

	// failures holds errors returned by successive mutating calls on an
	// item ID or preference key string.
	failures map[string][]error

	delay     time.Duration
	onApply   func()
	calls     []string
	active    int
	maxActive int
}

func newFakeAdapter(kind ResourceKind, installed ...string) *fakeAdapter {
	a := &fakeAdapter{
		kind:      kind,
		installed: make(map[string]string),
		prefs:     make(map[PreferenceKey]any),
		readErr:   make(map[PreferenceKey]error),
		failures:  make(map[string][]error),
	}
	for _, id := range installed {
		a.installed[id] = ""
	}
	return a
}

func (a *fakeAdapter) failNext(id string, errs ...error) *fakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[id] = append(a.failures[id], errs...)
	return a
}

func (a *fakeAdapter) Kind() ResourceKind {
	return a.kind
}

func (a *fakeAdapter) ListInstalled(context.Context) ([]Installed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	out := make([]Installed, 0, len(a.installed))
	for id, v := range a.installed {
		out = append(out, Installed{ID: id, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *fakeAdapter) Install(ctx context.Context, item Item, version string) error {
	return a.mutate("install", item.ID, func() {
		a.installed[item.ID] = version
	})
}

func (a *fakeAdapter) Remove(ctx context.Context, item Item) error {
	return a.mutate("remove", item.ID, func() {
		delete(a.installed, item.ID)
	})
}

func (a *fakeAdapter) GetPreference(ctx context.Context, key PreferenceKey) (any, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readErr[key]; err != nil {
		return nil, false, err
	}
	v, ok := a.prefs[key]
	return v, ok, nil
}

func (a *fakeAdapter) SetPreference(ctx context.Context, key PreferenceKey, value any) error {
	op := "set"
	if value == nil {
		op = "unset"
	}
	return a.mutate(op, key.String(), func() {
		if value == nil {
			delete(a.prefs, key)
			return
		}
		a.prefs[key] = value
	})
}

func (a *fakeAdapter) mutate(op, id string, apply func()) error {
	a.mu.Lock()
	a.active++
	if a.active > a.maxActive {
		a.maxActive = a.active
	}
	a.calls = append(a.calls, op+" "+id)
	var err error
	if errs := a.failures[id]; len(errs) > 0 {
		err = errs[0]
		a.failures[id] = errs[1:]
	}
	hook := a.onApply
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	if err != nil {
		return err
	}
	apply()
	return nil
}

func (a *fakeAdapter) getCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAdapter) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.installed[id]
	return ok
}

func (a *fakeAdapter) pref(key PreferenceKey) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.prefs[key]
	return v, ok
}

// fakeConfig is an in-memory ConfigStore that applies persisted states to
// its declared snapshot.
type fakeConfig struct {
	mu         sync.Mutex
	snap       *Snapshot
	persisted  []Subject
	loadErr    error
	persistErr error
	tracked    []PreferenceKey
}

func newFakeConfig(snap *Snapshot) *fakeConfig {
	return &fakeConfig{snap: snap}
}

func (c *fakeConfig) Load(context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.snap, nil
}

func (c *fakeConfig) Persist(ctx context.Context, subject Subject, state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistErr != nil {
		return c.persistErr
	}
	b := NewSnapshotBuilder(OriginDeclared).Merge(c.snap)
	if err := b.Set(subject, state); err != nil {
		return err
	}
	snap, err := b.Build(c.snap.TakenAt())
	if err != nil {
		return err
	}
	c.snap = snap
	c.persisted = append(c.persisted, subject)
	return nil
}

func (c *fakeConfig) TrackedPreferences(context.Context) ([]PreferenceKey, error) {
	return c.tracked, nil
}

func (c *fakeConfig) current() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// declared builds a declared snapshot from "kind:id" items.
func declared(items ...string) *SnapshotBuilder {
	return snapshotOf(OriginDeclared, items...)
}

func observed(items ...string) *SnapshotBuilder {
	return snapshotOf(OriginObserved, items...)
}

func snapshotOf(origin Origin, items ...string) *SnapshotBuilder {
	b := NewSnapshotBuilder(origin)
	for _, s := range items {
		var kind, id string
		for i := 0; i < len(s); i++ {
			if s[i] == ':' {
				kind, id = s[:i], s[i+1:]
				break
			}
		}
		if kind == "" {
			panic(fmt.Sprintf("bad item %q", s))
		}
		b.AddItem(Item{Kind: ResourceKind(kind), ID: id}, "")
	}
	return b
}

var testTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func mustBuild(b *SnapshotBuilder) *Snapshot {
	s, err := b.Build(testTime)
	if err != nil {
		panic(err)
	}
	return s
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

func subjectsString(subjects []Subject) []string {
	out := make([]string, len(subjects))
	for i, s := range subjects {
		out[i] = s.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
