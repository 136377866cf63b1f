package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/macossetup/macossetup/pkg/engine"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// FactsFunc returns the host facts handed to generator scripts.
type FactsFunc func(ctx context.Context) (map[string]interface{}, error)

// FileStore is an engine.ConfigStore backed by one configuration file.
// Writes replace the file atomically and are serialized.
type FileStore struct {
	path      string
	evaluator *StarlarkEvaluator
	facts     FactsFunc
	opener    TextOpener
	now       func() time.Time

	mu        sync.Mutex
	generated map[engine.Subject]string
}

var (
	_ engine.ConfigStore       = (*FileStore)(nil)
	_ engine.PreferenceTracker = (*FileStore)(nil)
)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFacts sets the host facts source for generator scripts. Without it
// generators see an empty host.
func WithFacts(facts FactsFunc) FileStoreOption {
	return func(s *FileStore) { s.facts = facts }
}

// WithGeneratorTimeout bounds each generator script.
func WithGeneratorTimeout(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.evaluator = NewStarlarkEvaluator(d) }
}

// WithOpener sets how the configuration file is opened for reading.
func WithOpener(o TextOpener) FileStoreOption {
	return func(s *FileStore) { s.opener = o }
}

// WithClock sets the snapshot timestamp source.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore returns a store for the file at path. The format follows the
// extension.
func NewFileStore(path string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		path:      path,
		evaluator: NewStarlarkEvaluator(0),
		opener:    osOpener{},
		now:       time.Now,
		generated: make(map[engine.Subject]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the configuration file path.
func (s *FileStore) Path() string {
	return s.path
}

// Read loads and validates the file.
func (s *FileStore) Read(ctx context.Context) (*File, error) {
	return readFile(ctx, s.path, s.opener)
}

// Load returns the declared snapshot: the file's subjects plus whatever its
// generators declare. Subjects written in the file take precedence over
// generated ones.
func (s *FileStore) Load(ctx context.Context) (*engine.Snapshot, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("config")

	f, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}

	b := engine.NewSnapshotBuilder(engine.OriginDeclared)
	if err := f.Snapshot(b); err != nil {
		return nil, err
	}
	base, err := b.Build(s.now())
	if err != nil {
		return nil, err
	}

	generated := make(map[engine.Subject]string)
	if len(f.Generators) > 0 {
		facts := map[string]interface{}{}
		if s.facts != nil {
			if facts, err = s.facts(ctx); err != nil {
				return nil, fmt.Errorf("failed to collect host facts: %w", err)
			}
		}
		dir := filepath.Dir(s.path)
		for _, rel := range f.Generators {
			script := rel
			if !filepath.IsAbs(script) {
				script = filepath.Join(dir, rel)
			}
			gf, err := s.evaluator.Generate(ctx, script, facts)
			if err != nil {
				return nil, err
			}
			gb := engine.NewSnapshotBuilder(engine.OriginDeclared)
			if err := gf.Snapshot(gb); err != nil {
				return nil, fmt.Errorf("generator %s: %w", rel, err)
			}
			gs, err := gb.Build(s.now())
			if err != nil {
				return nil, err
			}
			for _, subj := range gs.Subjects() {
				if _, ok := base.Get(subj); ok {
					continue
				}
				st, _ := gs.Get(subj)
				if err := b.Set(subj, st); err != nil {
					return nil, fmt.Errorf("generator %s: %w", rel, err)
				}
				if _, dup := generated[subj]; !dup {
					generated[subj] = rel
				}
			}
		}
		logger.Debugf("generators declared %d subjects", len(generated))
	}

	s.mu.Lock()
	s.generated = generated
	s.mu.Unlock()

	return b.Build(s.now())
}

// GeneratedBy reports which generator declared subject in the last Load.
func (s *FileStore) GeneratedBy(subject engine.Subject) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script, ok := s.generated[subject]
	return script, ok
}

// Persist writes state for subject into the file. Items keep an existing
// pin, updated to the recorded version; new items are written unpinned.
// Subjects declared only by a generator are refused, since the file does
// not own them.
func (s *FileStore) Persist(ctx context.Context, subject engine.Subject, state engine.State) error {
	if script, ok := s.GeneratedBy(subject); ok {
		return fmt.Errorf("%s is declared by generator %s", subject, script)
	}

	err := s.Update(ctx, func(f *File) (bool, error) {
		switch subject.Class {
		case engine.SubjectItem:
			kind, id := subject.Item.Kind, subject.Item.ID
			if !state.Present {
				return f.RemoveItem(kind, id)
			}
			version := ""
			if kind != engine.KindConfigs && pinned(f, kind, id) {
				version = state.Version
			}
			return f.SetItem(kind, id, version)
		case engine.SubjectPreference:
			if !state.Present {
				_, declared := f.Defaults[subject.Preference.Domain][subject.Preference.Key]
				f.SetPreference(subject.Preference, nil)
				tracked := f.TrackKey(subject.Preference)
				return declared || tracked, nil
			}
			f.SetPreference(subject.Preference, state.Value)
			return true, nil
		default:
			return false, fmt.Errorf("cannot persist %s", subject)
		}
	})
	if err != nil {
		return err
	}

	telemetry.FromContext(ctx).
		WithSubject(string(subject.Kind()), subject.String()).
		Debugf("persisted %s", state)
	return nil
}

func pinned(f *File, kind engine.ResourceKind, id string) bool {
	for _, e := range f.Entries(kind) {
		if existing, version := ParseEntry(e); existing == id {
			return version != ""
		}
	}
	return false
}

// Update applies fn to the file under the store lock and writes the result
// when fn reports a change. A missing file starts out empty, so the first
// "add" creates it.
func (s *FileStore) Update(ctx context.Context, fn func(*File) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := readFile(ctx, s.path, s.opener)
	if errors.Is(err, os.ErrNotExist) {
		f, err = NewFile(), nil
	}
	if err != nil {
		return err
	}

	changed, err := fn(f)
	if err != nil || !changed {
		return err
	}
	if err := NewValidator().Validate(f); err != nil {
		return err
	}
	return WriteFile(s.path, f)
}

// TrackedPreferences returns the keys listed under track.
func (s *FileStore) TrackedPreferences(ctx context.Context) ([]engine.PreferenceKey, error) {
	f, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	return f.TrackedKeys(), nil
}

// Policy returns the file's override policies.
func (s *FileStore) Policy(ctx context.Context) (engine.PolicySet, error) {
	f, err := s.Read(ctx)
	if err != nil {
		return engine.PolicySet{}, err
	}
	return f.Policy.PolicySet()
}
