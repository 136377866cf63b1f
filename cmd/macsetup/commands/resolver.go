package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/macossetup/macossetup/pkg/engine"
)

// interactive reports whether prompts can be shown: both ends of the
// session are a terminal and output is not meant for a machine.
func interactive() bool {
	return !jsonOutput &&
		isatty.IsTerminal(os.Stdin.Fd()) &&
		isatty.IsTerminal(os.Stdout.Fd())
}

// promptResolver answers ask-policy conflicts with a terminal prompt.
type promptResolver struct {
	out io.Writer
}

var _ engine.ConflictResolver = (*promptResolver)(nil)

func newPromptResolver(out io.Writer) *promptResolver {
	return &promptResolver{out: out}
}

// Resolve implements engine.ConflictResolver. Aborting the prompt skips
// the subject.
func (r *promptResolver) Resolve(ctx context.Context, rec engine.ChangeRecord) (engine.Direction, error) {
	direction := engine.DirectionSkip
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[engine.Direction]().
			Title(rec.Subject.String()).
			Description(describeChange(rec)).
			Options(directionOptions(rec)...).
			Value(&direction),
	)).WithOutput(r.out)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return engine.DirectionSkip, nil
		}
		return "", err
	}
	return direction, nil
}

var (
	configLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")).Render("config:")
	systemLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")).Render("system:")
)

// describeChange renders both sides of a record for a prompt.
func describeChange(rec engine.ChangeRecord) string {
	return fmt.Sprintf("%s %s\n%s %s", configLabel, rec.Declared, systemLabel, rec.Observed)
}

// directionOptions words the choices for the kind of change.
func directionOptions(rec engine.ChangeRecord) []huh.Option[engine.Direction] {
	toSystem, toConfig := "Apply the config value to the system", "Record the system value in the config"
	switch rec.Kind {
	case engine.ChangeAdd:
		toSystem, toConfig = "Install or set it on the system", "Drop it from the config"
	case engine.ChangeRemove:
		toSystem, toConfig = "Remove it from the system", "Add it to the config"
	}
	return []huh.Option[engine.Direction]{
		huh.NewOption(toSystem, engine.DirectionApplyToSystem),
		huh.NewOption(toConfig, engine.DirectionApplyToConfig),
		huh.NewOption("Leave both alone", engine.DirectionSkip),
	}
}

// confirmAccess is the sysinfo.ConfirmFunc of the CLI. Without a terminal
// there is nobody to grant access, so it declines right away.
func confirmAccess(ctx context.Context, message string) error {
	if !interactive() {
		return errors.New("permission denied and no terminal to ask for access")
	}

	granted := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Full Disk Access required").
			Description(message).
			Affirmative("Continue").
			Negative("Cancel").
			Value(&granted),
	)).WithOutput(os.Stderr)

	if err := form.RunWithContext(ctx); err != nil {
		return err
	}
	if !granted {
		return errors.New("access not granted")
	}
	return nil
}
