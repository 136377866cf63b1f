package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/engine"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the plan guard policies",
		Long: `List the Rego policies every plan is checked against before it runs:
the built-in ones and those loaded from the "policies" paths of the settings
file. Actions denied by a policy are reported as skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				policies := a.guard.ListPolicies()
				if jsonOutput {
					return printJSON(os.Stdout, policies)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
				for _, p := range policies {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(newPoliciesCheckCommand())
	return cmd
}

func newPoliciesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <action> <resource> <name> [key]",
		Short: "Evaluate the guard against a single action",
		Example: `  macsetup policies check remove brew git
  macsetup policies check unset-preference defaults com.apple.dock autohide`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := actionFromArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				result, err := a.guard.EvaluateAction(ctx, action)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(os.Stdout, result); err != nil {
						return err
					}
				} else {
					verdict := "allowed"
					if !result.Allowed {
						verdict = "denied"
					}
					fmt.Printf("%s: %s\n", action, verdict)
					for _, v := range append(result.Violations, result.Warnings...) {
						fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
				if !result.Allowed {
					return &ExitError{Code: 1}
				}
				return nil
			})
		},
	}
}

// actionFromArgs builds the action "policies check" evaluates. Preference
// actions take a domain and a key, item actions an item ID.
func actionFromArgs(args []string) (engine.Action, error) {
	typ := engine.ActionType(strings.ToLower(args[0]))
	if err := typ.Validate(); err != nil {
		return engine.Action{}, err
	}
	scope, err := parseScope(args[1:2])
	if err != nil {
		return engine.Action{}, err
	}
	if len(scope.Kinds) != 1 {
		return engine.Action{}, fmt.Errorf("expected exactly one resource, got %q", args[1])
	}
	kind := scope.Kinds[0]

	action := engine.Action{ID: "check", Type: typ}
	if kind.IsPreferenceStore() {
		if len(args) != 4 {
			return engine.Action{}, fmt.Errorf("%s actions need a domain and a key", kind)
		}
		action.Subject = engine.PreferenceSubject(args[2], args[3])
	} else {
		if len(args) != 3 {
			return engine.Action{}, fmt.Errorf("%s actions take a single item", kind)
		}
		id, version := config.ParseEntry(args[2])
		action.Subject = engine.ItemSubject(kind, id)
		if typ == engine.ActionInstall {
			action.Target = engine.InstalledState(version)
		}
	}

	preference := action.Subject.Class == engine.SubjectPreference
	switch typ {
	case engine.ActionSetPreference, engine.ActionUnsetPreference:
		if !preference {
			return engine.Action{}, fmt.Errorf("%s applies to defaults only", typ)
		}
	case engine.ActionInstall, engine.ActionRemove:
		if preference {
			return engine.Action{}, fmt.Errorf("%s does not apply to defaults", typ)
		}
	}
	return action, nil
}
