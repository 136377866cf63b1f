package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/engine"
)

// domainReader reads whole preference domains. The defaults adapter
// implements it.
type domainReader interface {
	ReadDomain(ctx context.Context, domain string) (map[string]any, error)
}

func newDefaultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defaults",
		Short: "Manage user defaults",
		Long: `Apply, snapshot, restore and capture macOS user defaults.

Snapshots are stored in the history database under a name. A snapshot
taken before changing settings by hand serves as the baseline for "show"
and "capture", which find every key that changed since.`,
	}

	cmd.AddCommand(newDefaultsApplyCommand())
	cmd.AddCommand(newDefaultsSnapshotCommand())
	cmd.AddCommand(newDefaultsListCommand())
	cmd.AddCommand(newDefaultsRestoreCommand())
	cmd.AddCommand(newDefaultsDiffCommand())
	cmd.AddCommand(newDefaultsTrackCommand())
	cmd.AddCommand(newDefaultsShowCommand())
	cmd.AddCommand(newDefaultsCaptureCommand())

	return cmd
}

func newDefaultsApplyCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Write the declared defaults to the system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runSetup(ctx, a, engine.ScopeOf(engine.KindDefaults), dryRun)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")

	return cmd
}

func newDefaultsSnapshotCommand() *cobra.Command {
	var domains []string

	cmd := &cobra.Command{
		Use:   "snapshot <name>",
		Short: "Store the current value of every key of the managed domains",
		Long: `Read every key of the domains the config file declares or tracks, plus
those given with --domain, and store them under a name. Storing a name
again replaces it.`,
		Example: `  # Baseline before tweaking Dock settings by hand
  macsetup defaults snapshot before-dock --domain com.apple.dock`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				reader, err := a.domainReader()
				if err != nil {
					return err
				}
				names, err := a.managedDomains(ctx, nil, domains)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					return errors.New("no domains to snapshot; declare some in the config or pass --domain")
				}

				snap, err := readDomains(ctx, reader, names, time.Now())
				if err != nil {
					return err
				}
				if err := a.history.SaveSnapshot(ctx, args[0], snap); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Stored %d keys of %d domains as %q.\n", snap.Len(), len(names), args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&domains, "domain", "d", nil, "additional domain to include")

	return cmd
}

func newDefaultsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				snaps, err := a.history.Snapshots(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, snaps)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tKEYS\tTAKEN")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Subjects, s.TakenAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newDefaultsRestoreCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "restore <name>",
		Short: "Write a stored snapshot back to the system",
		Long: `Write every key of a stored snapshot back to the system. Keys added
since the snapshot are left alone; the config file is not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				snap, err := a.history.LoadSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				eng, err := a.engineFor(&snapshotStore{name: args[0], snap: snap})
				if err != nil {
					return err
				}
				report, err := eng.Setup(ctx, engine.ScopeOf(engine.KindDefaults), dryRun)
				if err != nil {
					return err
				}
				if err := printReport(os.Stdout, report); err != nil {
					return err
				}
				return reportExit(report)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")

	return cmd
}

func newDefaultsDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <name>",
		Short: "Compare a stored snapshot with the system",
		Long: `Compare the keys of a stored snapshot with their current values.
"+" marks a key the system no longer has, "~" a key whose value changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				snap, err := a.history.LoadSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				keys := preferenceKeys(snap)
				observed, failed, err := a.engine.Observe(ctx, []engine.ResourceKind{engine.KindDefaults}, keys)
				if err != nil {
					return err
				}
				for _, f := range failed {
					log.Warn().Str("subject", f.Subject.String()).Msg(f.Reason)
				}
				if len(failed) > 0 && !observed.Covers(engine.KindDefaults) {
					return errors.New("defaults could not be read")
				}

				delta, err := engine.NewDiffer().Diff(snap.Relabel(engine.OriginDeclared), observed)
				if err != nil {
					return err
				}
				return printDelta(os.Stdout, delta)
			})
		},
	}
}

func newDefaultsTrackCommand() *cobra.Command {
	var domains []string

	cmd := &cobra.Command{
		Use:   "track [--domain d]... -- <command> [args...]",
		Short: "Record the defaults a command changes into the config",
		Long: `Read the managed domains, run a command, read them again and record
every key that changed into the config file. Typical commands are a
script of "defaults write" calls or "open -W" on a settings pane.`,
		Example: `  # Record what a dotfiles script sets
  macsetup defaults track --domain com.apple.finder -- ./macos.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				reader, err := a.domainReader()
				if err != nil {
					return err
				}
				names, err := a.managedDomains(ctx, nil, domains)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					return errors.New("no domains to track; declare some in the config or pass --domain")
				}

				before, err := readDomains(ctx, reader, names, time.Now())
				if err != nil {
					return err
				}

				out, runErr := a.runner.Run(ctx, adapters.Command{Name: args[0], Args: args[1:]})
				if out != nil {
					_, _ = os.Stdout.Write(out.Stdout)
					_, _ = os.Stderr.Write(out.Stderr)
				}
				if runErr != nil {
					return fmt.Errorf("command failed, nothing recorded: %w", runErr)
				}

				after, err := readDomains(ctx, reader, names, time.Now())
				if err != nil {
					return err
				}
				return a.captureChanges(ctx, "defaults.track", after, before)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&domains, "domain", "d", nil, "additional domain to watch")

	return cmd
}

func newDefaultsShowCommand() *cobra.Command {
	var domains []string

	cmd := &cobra.Command{
		Use:   "show <baseline>",
		Short: "Show keys changed since a stored snapshot",
		Long: `Compare whole domains with a stored baseline snapshot. "+" marks a key
added since, "-" a key removed, "~" a changed value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				current, baseline, err := a.readSince(ctx, args[0], domains)
				if err != nil {
					return err
				}
				delta, err := domainChanges(current, baseline)
				if err != nil {
					return err
				}
				return printDelta(os.Stdout, delta)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&domains, "domain", "d", nil, "additional domain to compare")

	return cmd
}

func newDefaultsCaptureCommand() *cobra.Command {
	var domains []string

	cmd := &cobra.Command{
		Use:   "capture <baseline>",
		Short: "Record keys changed since a stored snapshot into the config",
		Long: `Compare whole domains with a stored baseline snapshot and record every
difference into the config file: added and changed keys are declared with
their current value, removed keys are dropped and tracked.

The baseline is any stored snapshot, so it may come from this machine or
from a fresh user account whose defaults were stored under a name.`,
		Example: `  macsetup defaults snapshot before
  # change settings in System Settings
  macsetup defaults capture before`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				current, baseline, err := a.readSince(ctx, args[0], domains)
				if err != nil {
					return err
				}
				return a.captureChanges(ctx, "defaults.capture", current, baseline)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&domains, "domain", "d", nil, "additional domain to compare")

	return cmd
}

// domainReader returns the registered defaults adapter.
func (a *app) domainReader() (domainReader, error) {
	adapter, ok := a.adapters.Get(engine.KindDefaults)
	if !ok {
		return nil, errors.New("no defaults adapter registered")
	}
	reader, ok := adapter.(domainReader)
	if !ok {
		return nil, fmt.Errorf("%T cannot read whole domains", adapter)
	}
	return reader, nil
}

// managedDomains returns the domains the config declares or tracks, those
// of baseline, and extra, sorted and without duplicates. A missing config
// file contributes nothing.
func (a *app) managedDomains(ctx context.Context, baseline *engine.Snapshot, extra []string) ([]string, error) {
	set := make(map[string]bool)
	for _, d := range extra {
		set[d] = true
	}
	if baseline != nil {
		for _, k := range preferenceKeys(baseline) {
			set[k.Domain] = true
		}
	}

	f, err := a.files.Read(ctx)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		for d := range f.Defaults {
			set[d] = true
		}
		for d := range f.Track {
			set[d] = true
		}
	}

	names := make([]string, 0, len(set))
	for d := range set {
		names = append(names, d)
	}
	sort.Strings(names)
	return names, nil
}

// readSince loads a baseline snapshot and reads the current state of its
// domains and the managed ones.
func (a *app) readSince(ctx context.Context, baselineName string, extra []string) (current, baseline *engine.Snapshot, err error) {
	baseline, err = a.history.LoadSnapshot(ctx, baselineName)
	if err != nil {
		return nil, nil, err
	}
	reader, err := a.domainReader()
	if err != nil {
		return nil, nil, err
	}
	names, err := a.managedDomains(ctx, baseline, extra)
	if err != nil {
		return nil, nil, err
	}
	current, err = readDomains(ctx, reader, names, time.Now())
	if err != nil {
		return nil, nil, err
	}
	return current, baseline, nil
}

// captureChanges records every key that differs between current and
// baseline into the config file and prints what was captured.
func (a *app) captureChanges(ctx context.Context, action string, current, baseline *engine.Snapshot) error {
	delta, err := domainChanges(current, baseline)
	if err != nil {
		return err
	}

	captured, err := persistChanges(ctx, a.files, delta)
	if len(captured) > 0 {
		a.audit(ctx, action, engine.KindDefaults, captured)
	}
	if jsonOutput {
		if perr := printJSON(os.Stdout, map[string]any{"captured": captured, "changes": delta.Records}); perr != nil {
			return perr
		}
	} else {
		writeCaptured(os.Stdout, delta, captured)
	}
	return err
}

// readDomains reads every key of domains into an observed snapshot
// covering the defaults kind.
func readDomains(ctx context.Context, reader domainReader, domains []string, now time.Time) (*engine.Snapshot, error) {
	b := engine.NewSnapshotBuilder(engine.OriginObserved).Cover(engine.KindDefaults)
	for _, domain := range domains {
		values, err := reader.ReadDomain(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", domain, err)
		}
		for key, value := range values {
			if err := b.SetPreference(engine.PreferenceKey{Domain: domain, Key: key}, value); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(now)
}

// domainChanges diffs current against baseline: "add" is a key that
// appeared, "remove" one that went away, "conflict" a changed value.
func domainChanges(current, baseline *engine.Snapshot) (*engine.Delta, error) {
	return engine.NewDiffer().Diff(
		current.Relabel(engine.OriginDeclared),
		baseline.Relabel(engine.OriginObserved),
	)
}

// persistChanges writes every record of delta into store and returns the
// subjects written. It stops at the first failure.
func persistChanges(ctx context.Context, store engine.ConfigStore, delta *engine.Delta) ([]string, error) {
	var captured []string
	for _, rec := range delta.Records {
		state := rec.Declared
		if rec.Kind == engine.ChangeRemove {
			state = engine.Absent()
		}
		if err := store.Persist(ctx, rec.Subject, state); err != nil {
			return captured, fmt.Errorf("failed to record %s: %w", rec.Subject, err)
		}
		captured = append(captured, rec.Subject.String())
	}
	return captured, nil
}

func writeCaptured(w io.Writer, delta *engine.Delta, captured []string) {
	if delta.Empty() {
		fmt.Fprintln(w, "No differences.")
		return
	}
	for _, rec := range delta.Records {
		fmt.Fprintln(w, rec)
	}
	fmt.Fprintf(w, "Captured %d of %d changes.\n", len(captured), len(delta.Records))
}

// preferenceKeys lists the preference keys a snapshot holds.
func preferenceKeys(snap *engine.Snapshot) []engine.PreferenceKey {
	subjects := snap.SubjectsOf(engine.KindDefaults)
	keys := make([]engine.PreferenceKey, 0, len(subjects))
	for _, s := range subjects {
		keys = append(keys, s.Preference)
	}
	return keys
}

// snapshotStore serves a stored snapshot as declared state. It never
// writes.
type snapshotStore struct {
	name string
	snap *engine.Snapshot
}

var _ engine.ConfigStore = (*snapshotStore)(nil)

func (s *snapshotStore) Load(context.Context) (*engine.Snapshot, error) {
	return s.snap.Relabel(engine.OriginDeclared), nil
}

func (s *snapshotStore) Persist(_ context.Context, subject engine.Subject, _ engine.State) error {
	return fmt.Errorf("snapshot %s is read-only, cannot record %s", s.name, subject)
}
