package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/macossetup/macossetup/pkg/telemetry"
)

// observation is the result of collecting observed state.
type observation struct {
	snapshot *Snapshot

	// failedKinds could not be enumerated at all.
	failedKinds map[ResourceKind]*EngineError

	// failedSubjects could not be read individually.
	failedSubjects map[Subject]*EngineError
}

// collector reads observed state from adapters, one goroutine per kind.
type collector struct {
	adapters AdapterLookup
	timeout  time.Duration
}

// collect queries every kind concurrently and returns once all kinds are
// done. prefKeys lists the preference keys to read per preference kind.
func (c *collector) collect(
	ctx context.Context,
	kinds []ResourceKind,
	prefKeys map[ResourceKind][]PreferenceKey,
	now func() time.Time,
) (*observation, error) {
	obs := &observation{
		failedKinds:    make(map[ResourceKind]*EngineError),
		failedSubjects: make(map[Subject]*EngineError),
	}

	var mu sync.Mutex
	builder := NewSnapshotBuilder(OriginObserved)

	// Each kind records its own failure, so no goroutine returns an error
	// and one failing kind never cancels the others.
	var g errgroup.Group
	if len(kinds) > 0 {
		g.SetLimit(len(kinds))
	}
	for _, kind := range kinds {
		kind := kind
		adapter, ok := c.adapters.Get(kind)
		if !ok {
			continue
		}
		g.Go(func() error {
			var part *SnapshotBuilder
			var failed map[Subject]*EngineError
			var kindErr *EngineError
			if kind.IsPreferenceStore() {
				part, failed = c.collectPreferences(ctx, adapter, kind, prefKeys[kind])
			} else {
				part, kindErr = c.collectItems(ctx, adapter, kind)
			}

			mu.Lock()
			defer mu.Unlock()
			if kindErr != nil {
				obs.failedKinds[kind] = kindErr
				return nil
			}
			snap, err := part.Build(now())
			if err != nil {
				obs.failedKinds[kind] = NewCollectionError(string(kind), err)
				return nil
			}
			builder.Merge(snap)
			for subj, err := range failed {
				obs.failedSubjects[subj] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap, err := builder.Build(now())
	if err != nil {
		return nil, err
	}
	obs.snapshot = snap
	return obs, nil
}

func (c *collector) collectItems(ctx context.Context, adapter ResourceAdapter, kind ResourceKind) (*SnapshotBuilder, *EngineError) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var installed []Installed
	err := telemetry.RecordAdapterOperation(cctx, string(kind), "list", func(ctx context.Context) error {
		var err error
		installed, err = adapter.ListInstalled(ctx)
		return err
	})
	if err != nil {
		return nil, NewCollectionError(string(kind), err)
	}

	b := NewSnapshotBuilder(OriginObserved).Cover(kind)
	for _, it := range installed {
		if it.ID == "" {
			continue
		}
		b.AddItem(Item{Kind: kind, ID: it.ID}, it.Version)
	}
	return b, nil
}

// collectPreferences reads each key on its own. A key that cannot be read
// is excluded from the run; the rest of the kind proceeds.
func (c *collector) collectPreferences(
	ctx context.Context,
	adapter ResourceAdapter,
	kind ResourceKind,
	keys []PreferenceKey,
) (*SnapshotBuilder, map[Subject]*EngineError) {
	b := NewSnapshotBuilder(OriginObserved).Cover(kind)
	failed := make(map[Subject]*EngineError)

	keys = append([]PreferenceKey(nil), keys...)
	sort.Slice(keys, func(i, j int) bool {
		return PreferenceSubject(keys[i].Domain, keys[i].Key).Compare(PreferenceSubject(keys[j].Domain, keys[j].Key)) < 0
	})

	for _, key := range keys {
		subj := Subject{Class: SubjectPreference, Preference: key}
		if ctx.Err() != nil {
			return b, failed
		}

		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		var (
			value any
			ok    bool
		)
		err := telemetry.RecordAdapterOperation(cctx, string(kind), "read", func(ctx context.Context) error {
			var err error
			value, ok, err = adapter.GetPreference(ctx, key)
			return err
		})
		cancel()

		if err != nil {
			failed[subj] = NewCollectionError(subj.String(), err)
			continue
		}
		if !ok || value == nil {
			continue
		}
		if err := b.SetPreference(key, value); err != nil {
			failed[subj] = NewCollectionError(subj.String(), NewPermanentError("unreadable value", err).WithCode(ErrCodeInvalidValue))
		}
	}
	return b, failed
}
