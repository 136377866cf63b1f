package adapters

import (
	"context"
	"testing"

	"github.com/macossetup/macossetup/pkg/engine"
)

func TestSplitPyenvVersion(t *testing.T) {
	tests := []struct {
		name    string
		flavor  string
		version string
	}{
		{"3.12.1", "python", "3.12.1"},
		{"3.13-dev", "python", "3.13-dev"},
		{"pypy3.10-7.3.15", "pypy3.10", "7.3.15"},
		{"graalpy-24.0.0", "graalpy", "24.0.0"},
		{"miniforge3-latest", "miniforge3", "latest"},
		{"anaconda3-2024.02-1", "anaconda3", "2024.02-1"},
		{"graalpy-community-24.0.0", "graalpy-community", "24.0.0"},
		{"pypy3.10", "pypy3.10", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		flavor, version := splitPyenvVersion(tt.name)
		if flavor != tt.flavor || version != tt.version {
			t.Errorf("splitPyenvVersion(%q) = %q, %q, want %q, %q", tt.name, flavor, version, tt.flavor, tt.version)
		}
		if tt.name != "" {
			if got := joinPyenvVersion(flavor, version); got != tt.name {
				t.Errorf("joinPyenvVersion(%q, %q) = %q", flavor, version, got)
			}
		}
	}
}

func TestReplaceFlavor(t *testing.T) {
	globals := []string{"3.11.4", "pypy3.10-7.3.15"}

	if got := replaceFlavor(globals, "python", "3.12.1"); len(got) != 2 || got[0] != "3.12.1" || got[1] != "pypy3.10-7.3.15" {
		t.Errorf("replace kept order wrong: %v", got)
	}
	if got := replaceFlavor(globals, "graalpy", "graalpy-24.0.0"); len(got) != 3 || got[2] != "graalpy-24.0.0" {
		t.Errorf("new flavor should be appended: %v", got)
	}
	if got := replaceFlavor(globals, "python", ""); len(got) != 1 || got[0] != "pypy3.10-7.3.15" {
		t.Errorf("empty name should drop the flavor: %v", got)
	}
}

const pyenvVersions = "3.11.4\n3.12.1\n3.12.1/envs/tools\npypy3.10-7.3.12\npypy3.10-7.3.15\n"

func TestPyenvListInstalled(t *testing.T) {
	runner := newFakeRunner().
		on("pyenv versions --bare --skip-aliases", fakeResponse{stdout: pyenvVersions}).
		on("pyenv global", fakeResponse{stdout: "3.11.4\nsystem\n"})

	got, err := NewPyenvAdapter(runner).ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("ListInstalled failed: %v", err)
	}
	// python is selected globally; pypy falls back to the newest.
	if s := installedStrings(got); s != "python=3.11.4 pypy3.10=7.3.15" {
		t.Errorf("unexpected installed %s", s)
	}
}

func TestPyenvInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("latest release", func(t *testing.T) {
		runner := newFakeRunner().
			on("pyenv latest --known 3", fakeResponse{stdout: "3.13.0\n"}).
			on("pyenv install --skip-existing 3.13.0", fakeResponse{}).
			on("pyenv global", fakeResponse{stdout: "3.11.4\npypy3.10-7.3.15\n"}).
			on("pyenv global 3.13.0 pypy3.10-7.3.15", fakeResponse{})

		if err := NewPyenvAdapter(runner).Install(ctx, engine.Item{Kind: engine.KindPyenv, ID: "python"}, ""); err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if runner.count("pyenv global 3.13.0 pypy3.10-7.3.15") != 1 {
			t.Errorf("global selection not updated: %v", runner.lines())
		}
	})

	t.Run("pinned flavor", func(t *testing.T) {
		runner := newFakeRunner().
			on("pyenv install --skip-existing pypy3.10-7.3.15", fakeResponse{}).
			on("pyenv global", fakeResponse{stdout: "system\n"}).
			on("pyenv global pypy3.10-7.3.15", fakeResponse{})

		if err := NewPyenvAdapter(runner).Install(ctx, engine.Item{Kind: engine.KindPyenv, ID: "pypy3.10"}, "7.3.15"); err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if runner.count("pyenv latest --known pypy3.10") != 0 {
			t.Error("pinned install should not resolve the latest release")
		}
	})

	t.Run("no known release", func(t *testing.T) {
		runner := newFakeRunner().on("pyenv latest --known nosuch", fakeResponse{})
		if err := NewPyenvAdapter(runner).Install(ctx, engine.Item{Kind: engine.KindPyenv, ID: "nosuch"}, ""); err == nil {
			t.Error("expected error")
		}
	})
}

func TestPyenvRemove(t *testing.T) {
	runner := newFakeRunner().
		on("pyenv versions --bare --skip-aliases", fakeResponse{stdout: pyenvVersions}).
		on("pyenv uninstall --force pypy3.10-7.3.12", fakeResponse{}).
		on("pyenv uninstall --force pypy3.10-7.3.15", fakeResponse{}).
		on("pyenv global", fakeResponse{stdout: "pypy3.10-7.3.15\n"}).
		on("pyenv global system", fakeResponse{})

	if err := NewPyenvAdapter(runner).Remove(context.Background(), engine.Item{Kind: engine.KindPyenv, ID: "pypy3.10"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if runner.count("pyenv uninstall --force 3.11.4") != 0 {
		t.Error("other flavors must be left installed")
	}
	if runner.count("pyenv global system") != 1 {
		t.Errorf("expected the selection to fall back to system: %v", runner.lines())
	}
}
