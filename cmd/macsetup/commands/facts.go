package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newFactsCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the host facts generators see",
		Long: `Show the facts about the managed machine that Starlark generators
receive as "host": hostname, architecture, kernel and macOS version, user
and CPU count. Facts are cached in the history database for an hour.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var facts map[string]interface{}
				var err error
				if refresh {
					facts, err = a.facts.Collect(ctx)
				} else {
					facts, err = a.facts.Facts(ctx)
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, facts)
				}

				keys := make([]string, 0, len(facts))
				for k := range facts {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%v\n", k, facts[k])
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "collect again instead of using cached facts")

	return cmd
}
