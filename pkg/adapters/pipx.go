package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/macossetup/macossetup/pkg/engine"
)

// PipxAdapter manages Python applications installed with pipx.
type PipxAdapter struct {
	tool
	engine.NoPreferences
}

var _ engine.ResourceAdapter = (*PipxAdapter)(nil)

// NewPipxAdapter creates the pipx adapter.
func NewPipxAdapter(runner Runner) *PipxAdapter {
	return &PipxAdapter{tool: tool{
		kind:   engine.KindPipx,
		runner: runner,
		bin:    "pipx",
	}}
}

// pipxList is the subset of `pipx list --json` we read.
type pipxList struct {
	Venvs map[string]struct {
		Metadata struct {
			MainPackage struct {
				Package        string `json:"package"`
				PackageVersion string `json:"package_version"`
			} `json:"main_package"`
		} `json:"metadata"`
	} `json:"venvs"`
}

// ListInstalled lists pipx venvs by main package.
func (a *PipxAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	out, err := a.run(ctx, "list", "", "list", "--json")
	if err != nil {
		return nil, err
	}

	var list pipxList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, engine.NewPermanentError("failed to parse pipx list output", err).WithOperation("list")
	}

	installed := make([]engine.Installed, 0, len(list.Venvs))
	for name, venv := range list.Venvs {
		id := venv.Metadata.MainPackage.Package
		if id == "" {
			id = name
		}
		installed = append(installed, engine.Installed{ID: id, Version: venv.Metadata.MainPackage.PackageVersion})
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].ID < installed[j].ID })
	return installed, nil
}

// Install installs item, replacing an existing venv when a version is
// pinned.
func (a *PipxAdapter) Install(ctx context.Context, item engine.Item, version string) error {
	args := []string{"install", item.ID}
	if version != "" {
		args = []string{"install", "--force", fmt.Sprintf("%s==%s", item.ID, version)}
	}
	_, err := a.run(ctx, "install", a.subject(item), args...)
	return err
}

// Remove uninstalls item.
func (a *PipxAdapter) Remove(ctx context.Context, item engine.Item) error {
	_, err := a.run(ctx, "uninstall", a.subject(item), "uninstall", item.ID)
	return err
}
