package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Keeps Xcode installed.
# Second line.
package site.xcode

import rego.v1

deny contains "xcode stays" if {
	input.action.subject == "mas:497799835"
	input.action.type == "remove"
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	t.Run("rego", func(t *testing.T) {
		path := writePolicyFile(t, dir, "keep-xcode.rego", testRego)
		p, err := loader.loadFromFile(path)
		if err != nil {
			t.Fatalf("Failed to load policy: %v", err)
		}
		if p.Name != "keep-xcode" || p.Source != path || !p.Enabled {
			t.Errorf("unexpected policy %+v", p)
		}
		if p.Description != "Keeps Xcode installed. Second line." {
			t.Errorf("unexpected description %q", p.Description)
		}
		if p.Severity != SeverityError {
			t.Errorf("unexpected severity %s", p.Severity)
		}
	})

	t.Run("json", func(t *testing.T) {
		path := writePolicyFile(t, dir, "warn.json", `{"name":"warn-only","rego":"package w","severity":"warning"}`)
		p, err := loader.loadFromFile(path)
		if err != nil {
			t.Fatalf("Failed to load policy: %v", err)
		}
		if p.Name != "warn-only" || p.Severity != SeverityWarning || !p.Enabled {
			t.Errorf("unexpected policy %+v", p)
		}
	})

	t.Run("json without name", func(t *testing.T) {
		path := writePolicyFile(t, dir, "anon.json", `{"rego":"package w"}`)
		if _, err := loader.loadFromFile(path); err == nil {
			t.Error("expected error")
		}
	})
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", testRego)
	writePolicyFile(t, dir, "nested/b.rego", testRego)
	writePolicyFile(t, dir, "notes.txt", "ignored")
	writePolicyFile(t, dir, "broken.json", "{")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "keep-xcode.rego", testRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	res, err := eng.EvaluateAction(context.Background(), removeAction("a1", engineMasSubject()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Violations[0].Policy != "keep-xcode" {
		t.Errorf("expected keep-xcode to deny, got %+v", res)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", testRego)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reloads atomic.Int32
	reloaded := make(chan int, 10)
	done := make(chan error, 1)
	go func() {
		done <- NewLoader(zerolog.Nop()).Watch(ctx, []string{dir}, func(_ context.Context, policies []Policy) error {
			reloads.Add(1)
			reloaded <- len(policies)
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	writePolicyFile(t, dir, "b.rego", testRego)

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("expected 2 policies after reload, got %d", n)
		}
	case <-ctx.Done():
		t.Fatal("reload did not happen")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
