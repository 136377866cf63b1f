package adapters

import (
	"context"
	"regexp"

	"github.com/macossetup/macossetup/pkg/engine"
)

// masLine matches "497799835  Xcode  (15.2)".
var masLine = regexp.MustCompile(`^(\d+)\s+(.*?)\s+\(([^)]*)\)$`)

// MasAdapter manages Mac App Store apps through mas. Items are numeric app
// IDs.
type MasAdapter struct {
	tool
	engine.NoPreferences
}

var _ engine.ResourceAdapter = (*MasAdapter)(nil)

// NewMasAdapter creates the mas adapter.
func NewMasAdapter(runner Runner) *MasAdapter {
	return &MasAdapter{tool: tool{
		kind:   engine.KindMas,
		runner: runner,
		bin:    "mas",
	}}
}

// ListInstalled lists App Store apps.
func (a *MasAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	out, err := a.run(ctx, "list", "", "list")
	if err != nil {
		return nil, err
	}
	return parseMasList(out), nil
}

func parseMasList(out []byte) []engine.Installed {
	var installed []engine.Installed
	for _, line := range lines(out) {
		m := masLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		installed = append(installed, engine.Installed{ID: m[1], Version: m[3]})
	}
	return installed
}

// Install installs an app. The App Store only serves the current version,
// so a pin that does not match it after installing fails permanently.
func (a *MasAdapter) Install(ctx context.Context, item engine.Item, version string) error {
	if _, err := a.run(ctx, "install", a.subject(item), "install", item.ID); err != nil {
		return err
	}
	if version == "" {
		return nil
	}

	out, err := a.run(ctx, "verify", a.subject(item), "list")
	if err != nil {
		return err
	}
	for _, it := range parseMasList(out) {
		if it.ID == item.ID {
			if it.Version == version {
				return nil
			}
			return versionUnavailable(a.kind, item, version, []string{it.Version})
		}
	}
	return versionUnavailable(a.kind, item, version, nil)
}

// Remove uninstalls an app.
func (a *MasAdapter) Remove(ctx context.Context, item engine.Item) error {
	_, err := a.run(ctx, "uninstall", a.subject(item), "uninstall", item.ID)
	return err
}
