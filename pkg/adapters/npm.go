package adapters

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/macossetup/macossetup/pkg/engine"
)

// NpmAdapter manages globally installed npm packages.
type NpmAdapter struct {
	tool
	engine.NoPreferences
}

var _ engine.ResourceAdapter = (*NpmAdapter)(nil)

// NewNpmAdapter creates the npm adapter.
func NewNpmAdapter(runner Runner) *NpmAdapter {
	return &NpmAdapter{tool: tool{
		kind:   engine.KindNpm,
		runner: runner,
		bin:    "npm",
		env:    []string{"NO_UPDATE_NOTIFIER=1", "npm_config_fund=false"},
	}}
}

type npmList struct {
	Dependencies map[string]struct {
		Version string `json:"version"`
	} `json:"dependencies"`
}

// ListInstalled lists global top-level packages. npm itself is reported
// like any other package.
func (a *NpmAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	out, err := a.run(ctx, "list", "", "ls", "--global", "--depth=0", "--json")
	// npm ls exits 1 on peer dependency problems but still prints the tree.
	if err != nil && len(out) == 0 {
		return nil, err
	}

	var list npmList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, engine.NewPermanentError("failed to parse npm ls output", err).WithOperation("list")
	}

	installed := make([]engine.Installed, 0, len(list.Dependencies))
	for name, dep := range list.Dependencies {
		installed = append(installed, engine.Installed{ID: name, Version: dep.Version})
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].ID < installed[j].ID })
	return installed, nil
}

// Install installs item globally, at version when pinned.
func (a *NpmAdapter) Install(ctx context.Context, item engine.Item, version string) error {
	spec := item.ID
	if version != "" {
		spec += "@" + version
	}
	_, err := a.run(ctx, "install", a.subject(item), "install", "--global", spec)
	return err
}

// Remove uninstalls item.
func (a *NpmAdapter) Remove(ctx context.Context, item engine.Item) error {
	_, err := a.run(ctx, "uninstall", a.subject(item), "uninstall", "--global", item.ID)
	return err
}
