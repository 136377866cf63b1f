package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	configPath   string
	dbPath       string
	hostTarget   string
	verbose      bool
	jsonOutput   bool
)

// ExitError carries a non-zero exit status for a command whose outcome was
// already printed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "macsetup",
		Short: "macsetup - declarative macOS machine setup",
		Long: `macsetup keeps a Mac in line with a configuration file.

The file declares Homebrew, pipx, pyenv, Mac App Store and npm packages,
managed dotfiles and user defaults. macsetup reads what is actually on the
machine, diffs the two, and converges them in whichever direction the
override policy says:
  - config: apply the file to the system
  - system: record the system into the file
  - ask:    decide interactively per conflict`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file (default ~/.config/macsetup/settings.yaml)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "desired-state file, overrides the settings")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "history database, overrides the settings")
	rootCmd.PersistentFlags().StringVarP(&hostTarget, "host", "H", "", "manage another Mac over SSH ([user@]host[:port])")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newSetupCommand())
	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newDefaultsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
