package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/engine"
	"github.com/macossetup/macossetup/pkg/policy"
)

func newSyncCommand() *cobra.Command {
	var (
		override string
		remove   bool
		dryRun   bool
		watch    bool
		graph    bool
	)

	cmd := &cobra.Command{
		Use:   "sync [resource...]",
		Short: "Reconcile the system and the config file",
		Long: `Reconcile the system and the config file in both directions.

Every difference is settled by the override policy:
  - config: install, update or set what the file declares
  - system: record what the system has into the file
  - ask:    prompt per difference (skipped without a terminal)

Without --override the policy section of the config file applies. Items
present only on the system are left alone unless --remove is given.`,
		Example: `  # Reconcile everything
  macsetup sync

  # Record manual brew and defaults changes into the config
  macsetup sync brew defaults --override system

  # Show what would happen, then make the system match exactly
  macsetup sync --dry-run --remove
  macsetup sync --remove

  # Render the plan with Graphviz
  macsetup sync --graph | dot -Tsvg > plan.svg

  # Keep reconciling whenever the config file changes
  macsetup sync --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args)
			if err != nil {
				return err
			}
			scope.Remove = remove
			if graph {
				if watch {
					return fmt.Errorf("--graph cannot be combined with --watch")
				}
				dryRun = true
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				run := func(ctx context.Context) (*engine.SummaryReport, error) {
					policies, err := syncPolicy(ctx, a.files, override)
					if err != nil {
						return nil, err
					}
					log.Info().
						Str("scope", scope.String()).
						Str("policy", policies.String()).
						Bool("dry_run", dryRun).
						Msg("Syncing")
					return syncOrPreview(ctx, a.engine, engine.SyncOptions{Scope: scope, Policy: policies, DryRun: dryRun})
				}

				if watch {
					return watchAndRun(ctx, a, run)
				}
				report, err := run(ctx)
				if err != nil {
					return err
				}
				if graph {
					return printPlanGraph(os.Stdout, report.Plan)
				}
				if err := printReport(os.Stdout, report); err != nil {
					return err
				}
				return reportExit(report)
			})
		},
	}

	cmd.Flags().StringVar(&override, "override", "", "override policy: config, system or ask")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove items and unset keys that only the system has")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run whenever the config file changes")
	cmd.Flags().BoolVar(&graph, "graph", false, "print the plan as a Graphviz DOT graph (implies --dry-run)")

	return cmd
}

// syncer is the part of engine.Engine the sync command drives.
type syncer interface {
	Sync(ctx context.Context, opts engine.SyncOptions) (*engine.SummaryReport, error)
	Preview(ctx context.Context, opts engine.SyncOptions) (*engine.SummaryReport, error)
}

var _ syncer = (*engine.Engine)(nil)

// syncOrPreview plans without executing on a dry run and syncs otherwise.
func syncOrPreview(ctx context.Context, eng syncer, opts engine.SyncOptions) (*engine.SummaryReport, error) {
	if opts.DryRun {
		return eng.Preview(ctx, opts)
	}
	return eng.Sync(ctx, opts)
}

func newSetupCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "setup [resource...]",
		Short: "Install and apply everything the config file declares",
		Long: `Converge the system onto the config file.

setup is sync with the config policy and without removal: whatever the
file declares is installed or set, and nothing is ever removed or recorded.
It is the command to run on a fresh Mac.`,
		Example: `  # Set up a new machine
  macsetup setup

  # Only apply user defaults
  macsetup setup defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runSetup(ctx, a, scope, dryRun)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")

	return cmd
}

func runSetup(ctx context.Context, a *app, scope engine.Scope, dryRun bool) error {
	log.Info().Str("scope", scope.String()).Bool("dry_run", dryRun).Msg("Setting up")
	report, err := a.engine.Setup(ctx, scope, dryRun)
	if err != nil {
		return err
	}
	if err := printReport(os.Stdout, report); err != nil {
		return err
	}
	return reportExit(report)
}

// syncPolicy returns the policy of --override or, without it, of the
// config file.
func syncPolicy(ctx context.Context, files *config.FileStore, override string) (engine.PolicySet, error) {
	if override != "" {
		p, err := engine.ParseOverride(override)
		if err != nil {
			return engine.PolicySet{}, err
		}
		return engine.UniformPolicy(p), nil
	}
	ps, err := files.Policy(ctx)
	if err != nil {
		return engine.PolicySet{}, fmt.Errorf("failed to read policy: %w", err)
	}
	return ps, nil
}

// watchAndRun runs once, then again after every change of the config file,
// until ctx is done. User policies are reloaded as they change. A failed
// run is printed and watching continues.
func watchAndRun(ctx context.Context, a *app, run func(context.Context) (*engine.SummaryReport, error)) error {
	if err := a.startMetricsServer(); err != nil {
		return err
	}
	logger := a.tel.Logger.NewComponentLogger("watch").Zerolog()

	once := func(ctx context.Context) error {
		report, err := run(ctx)
		if err != nil {
			return err
		}
		if err := printReport(os.Stdout, report); err != nil {
			return err
		}
		// Metrics are exported after each run, not only at exit.
		return a.tel.Metrics.WriteTextfile()
	}
	if err := once(ctx); err != nil {
		logger.Error().Err(err).Msg("Sync failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.NewWatcher(logger, a.files.Path()).Run(gctx, once)
	})
	if len(a.settings.Policies) > 0 {
		g.Go(func() error {
			return policy.NewLoader(logger).Watch(gctx, a.settings.Policies, a.guard.ReplaceUserPolicies)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
