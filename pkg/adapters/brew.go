package adapters

import (
	"context"
	"slices"
	"strings"

	"github.com/macossetup/macossetup/pkg/engine"
)

// BrewAdapter manages Homebrew formulae and casks. Casks are addressed by
// their token like formulae; brew resolves which one is meant.
type BrewAdapter struct {
	tool
	engine.NoPreferences
}

var _ engine.ResourceAdapter = (*BrewAdapter)(nil)

// NewBrewAdapter creates the brew adapter.
func NewBrewAdapter(runner Runner) *BrewAdapter {
	return &BrewAdapter{tool: tool{
		kind:   engine.KindBrew,
		runner: runner,
		bin:    "brew",
		env: []string{
			"HOMEBREW_NO_AUTO_UPDATE=1",
			"HOMEBREW_NO_ENV_HINTS=1",
			"HOMEBREW_NO_INSTALL_CLEANUP=1",
		},
	}}
}

// ListInstalled lists formulae and casks with their newest installed
// version.
func (a *BrewAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	var installed []engine.Installed
	for _, flag := range []string{"--formula", "--cask"} {
		out, err := a.run(ctx, "list", "", "list", flag, "--versions")
		if err != nil {
			return nil, err
		}
		installed = append(installed, parseBrewVersions(out)...)
	}
	return installed, nil
}

// parseBrewVersions parses "name v1 v2" lines. The last version is the
// newest keg.
func parseBrewVersions(out []byte) []engine.Installed {
	var installed []engine.Installed
	for _, line := range lines(out) {
		fields := strings.Fields(line)
		it := engine.Installed{ID: fields[0]}
		if len(fields) > 1 {
			it.Version = fields[len(fields)-1]
		}
		installed = append(installed, it)
	}
	return installed
}

// Install installs item. Homebrew cannot install arbitrary versions, so a
// pinned version must be the one brew provides; otherwise the install
// fails permanently and the pin has to move to a versioned formula such as
// node@20.
func (a *BrewAdapter) Install(ctx context.Context, item engine.Item, version string) error {
	if _, err := a.run(ctx, "install", a.subject(item), "install", item.ID); err != nil {
		return err
	}
	if version == "" {
		return nil
	}

	out, err := a.run(ctx, "verify", a.subject(item), "list", "--versions", item.ID)
	if err != nil {
		return err
	}
	var have []string
	if ls := lines(out); len(ls) > 0 {
		have = strings.Fields(ls[0])[1:]
	}
	if !slices.Contains(have, version) {
		return versionUnavailable(a.kind, item, version, have)
	}
	return nil
}

// Remove uninstalls item.
func (a *BrewAdapter) Remove(ctx context.Context, item engine.Item) error {
	_, err := a.run(ctx, "uninstall", a.subject(item), "uninstall", item.ID)
	return err
}
