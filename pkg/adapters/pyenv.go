package adapters

import (
	"context"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/macossetup/macossetup/pkg/engine"
)

// pythonFlavor is the item ID of CPython, whose pyenv version names are
// bare numbers.
const pythonFlavor = "python"

// PyenvAdapter manages interpreters installed with pyenv. An item is an
// interpreter flavor ("python", "pypy3.10", "graalpy") and its version is
// the one selected by `pyenv global`, or the newest installed when the
// flavor is not selected.
type PyenvAdapter struct {
	tool
	engine.NoPreferences
}

var _ engine.ResourceAdapter = (*PyenvAdapter)(nil)

// NewPyenvAdapter creates the pyenv adapter.
func NewPyenvAdapter(runner Runner) *PyenvAdapter {
	return &PyenvAdapter{tool: tool{
		kind:   engine.KindPyenv,
		runner: runner,
		bin:    "pyenv",
	}}
}

// splitPyenvVersion splits a pyenv version name into flavor and version:
// "3.12.1" is python 3.12.1, "pypy3.10-7.3.15" is pypy3.10 7.3.15.
func splitPyenvVersion(name string) (flavor, version string) {
	if name == "" {
		return "", ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		return pythonFlavor, name
	}
	for i := 1; i < len(name); i++ {
		if name[i] != '-' {
			continue
		}
		rest := name[i+1:]
		if rest == "latest" || rest == "dev" || (rest != "" && rest[0] >= '0' && rest[0] <= '9') {
			return name[:i], rest
		}
	}
	return name, ""
}

// joinPyenvVersion is the inverse of splitPyenvVersion.
func joinPyenvVersion(flavor, version string) string {
	switch {
	case flavor == pythonFlavor:
		return version
	case version == "":
		return flavor
	default:
		return flavor + "-" + version
	}
}

// compareVersions orders dotted versions; unparsable versions sort first.
func compareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

func (a *PyenvAdapter) installedVersions(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "list", "", "versions", "--bare", "--skip-aliases")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range lines(out) {
		// Virtualenvs are listed as <version>/envs/<name>.
		if strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (a *PyenvAdapter) globals(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "global", "", "global")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range lines(out) {
		if name != "system" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ListInstalled lists one entry per interpreter flavor.
func (a *PyenvAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	names, err := a.installedVersions(ctx)
	if err != nil {
		return nil, err
	}
	globals, err := a.globals(ctx)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]string)
	for _, g := range globals {
		flavor, version := splitPyenvVersion(g)
		if _, ok := selected[flavor]; !ok {
			selected[flavor] = version
		}
	}

	newest := make(map[string]string)
	var order []string
	for _, name := range names {
		flavor, version := splitPyenvVersion(name)
		cur, seen := newest[flavor]
		if !seen {
			order = append(order, flavor)
		}
		if !seen || compareVersions(version, cur) > 0 {
			newest[flavor] = version
		}
	}

	installed := make([]engine.Installed, 0, len(order))
	for _, flavor := range order {
		version := newest[flavor]
		if g, ok := selected[flavor]; ok {
			version = g
		}
		installed = append(installed, engine.Installed{ID: flavor, Version: version})
	}
	return installed, nil
}

// Install installs the interpreter and selects it globally. Without a
// version the latest known release of the flavor is used.
func (a *PyenvAdapter) Install(ctx context.Context, item engine.Item, version string) error {
	subject := a.subject(item)

	name := joinPyenvVersion(item.ID, version)
	if version == "" {
		prefix := item.ID
		if item.ID == pythonFlavor {
			prefix = "3"
		}
		out, err := a.run(ctx, "resolve", subject, "latest", "--known", prefix)
		if err != nil {
			return err
		}
		ls := lines(out)
		if len(ls) == 0 {
			return engine.NewPermanentError("no known release", nil).WithCode(engine.ErrCodeNotFound).WithSubject(subject)
		}
		name = ls[0]
	}

	if _, err := a.run(ctx, "install", subject, "install", "--skip-existing", name); err != nil {
		return err
	}

	globals, err := a.globals(ctx)
	if err != nil {
		return err
	}
	return a.setGlobals(ctx, subject, replaceFlavor(globals, item.ID, name))
}

// Remove uninstalls every version of the flavor and drops it from the
// global selection.
func (a *PyenvAdapter) Remove(ctx context.Context, item engine.Item) error {
	subject := a.subject(item)

	names, err := a.installedVersions(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if flavor, _ := splitPyenvVersion(name); flavor != item.ID {
			continue
		}
		if _, err := a.run(ctx, "uninstall", subject, "uninstall", "--force", name); err != nil {
			return err
		}
	}

	globals, err := a.globals(ctx)
	if err != nil {
		return err
	}
	return a.setGlobals(ctx, subject, replaceFlavor(globals, item.ID, ""))
}

func (a *PyenvAdapter) setGlobals(ctx context.Context, subject string, names []string) error {
	if len(names) == 0 {
		names = []string{"system"}
	}
	_, err := a.run(ctx, "global", subject, append([]string{"global"}, names...)...)
	return err
}

// replaceFlavor swaps the entry of flavor in a global list for name, in
// place, appending when the flavor was not selected. An empty name drops
// the flavor.
func replaceFlavor(globals []string, flavor, name string) []string {
	out := make([]string, 0, len(globals)+1)
	replaced := false
	for _, g := range globals {
		if f, _ := splitPyenvVersion(g); f == flavor {
			if !replaced && name != "" {
				out = append(out, name)
			}
			replaced = true
			continue
		}
		out = append(out, g)
	}
	if !replaced && name != "" {
		out = append(out, name)
	}
	return out
}
