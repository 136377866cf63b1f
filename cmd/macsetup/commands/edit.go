package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/engine"
	"github.com/macossetup/macossetup/pkg/stores"
)

func newAddCommand() *cobra.Command {
	var runSync bool

	cmd := &cobra.Command{
		Use:   "add <resource> <item>...",
		Short: "Add items to the config file",
		Long: `Add items of one resource to the config file.

An item may be pinned with "==", e.g. python==3.12.1. Adding an item that
is already listed re-pins it. With --sync the new items are installed
right away.`,
		Example: `  # Declare two brew formulae and install them
  macsetup add brew jq htop --sync

  # Pin a Python version
  macsetup add pyenv python==3.12.1`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := packageKind(args[0])
			if err != nil {
				return err
			}
			entries := args[1:]

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var added []string
				err := a.files.Update(ctx, func(f *config.File) (bool, error) {
					changed := false
					for _, e := range entries {
						id, version := config.ParseEntry(e)
						ok, err := f.SetItem(kind, id, version)
						if err != nil {
							return false, err
						}
						if ok {
							added = append(added, e)
							changed = true
						}
					}
					return changed, nil
				})
				if err != nil {
					return fmt.Errorf("failed to update %s: %w", a.files.Path(), err)
				}
				a.audit(ctx, "config.add", kind, added)
				log.Info().Str("resource", string(kind)).Strs("items", added).Msg("Config updated")

				if !runSync {
					return nil
				}
				return runSetup(ctx, a, engine.ScopeOf(kind), false)
			})
		},
	}

	cmd.Flags().BoolVar(&runSync, "sync", false, "install the items after adding them")

	return cmd
}

func newRemoveCommand() *cobra.Command {
	var runSync bool

	cmd := &cobra.Command{
		Use:   "remove <resource> <item>...",
		Short: "Remove items from the config file",
		Long: `Remove items of one resource from the config file.

With --sync the resource is then synced with removal enabled, which
uninstalls the items along with anything else of the resource that the
config file does not list.`,
		Example: `  # Stop managing a formula
  macsetup remove brew htop

  # Remove it from the config and uninstall it
  macsetup remove brew htop --sync`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := packageKind(args[0])
			if err != nil {
				return err
			}
			ids := args[1:]

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var removed []string
				err := a.files.Update(ctx, func(f *config.File) (bool, error) {
					changed := false
					for _, e := range ids {
						id, _ := config.ParseEntry(e)
						ok, err := f.RemoveItem(kind, id)
						if err != nil {
							return false, err
						}
						if ok {
							removed = append(removed, id)
							changed = true
						}
					}
					return changed, nil
				})
				if err != nil {
					return fmt.Errorf("failed to update %s: %w", a.files.Path(), err)
				}
				if len(removed) == 0 {
					log.Warn().Str("resource", string(kind)).Msg("None of the items were in the config")
				}
				a.audit(ctx, "config.remove", kind, removed)

				if !runSync {
					return nil
				}
				scope := engine.ScopeOf(kind)
				scope.Remove = true
				report, err := a.engine.Sync(ctx, engine.SyncOptions{
					Scope:  scope,
					Policy: engine.UniformPolicy(engine.PolicyPreferConfig),
				})
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

	cmd.Flags().BoolVar(&runSync, "sync", false, "uninstall after removing from the config")

	return cmd
}

// packageKind parses a resource name that add and remove accept.
func packageKind(name string) (engine.ResourceKind, error) {
	scope, err := parseScope([]string{name})
	if err != nil {
		return "", err
	}
	if len(scope.Kinds) != 1 || scope.Kinds[0].IsPreferenceStore() {
		return "", fmt.Errorf("%q is not a package resource; use the defaults commands for preferences", name)
	}
	return scope.Kinds[0], nil
}

// audit records a config mutation. Failures are logged only; the file was
// written already.
func (a *app) audit(ctx context.Context, action string, kind engine.ResourceKind, entries []string) {
	if len(entries) == 0 {
		return
	}
	subject := string(kind)
	details, _ := json.Marshal(map[string]any{"entries": entries, "config": a.files.Path()})
	detailStr := string(details)

	actor := "unknown"
	if u, err := user.Current(); err == nil {
		actor = u.Username
	}

	err := a.store.CreateAuditEntry(ctx, &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		Subject:   &subject,
		Details:   &detailStr,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
