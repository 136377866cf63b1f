package adapters

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":             "''",
		"git":          "git",
		"@angular/cli": "@angular/cli",
		"node@20":      "node@20",
		"two words":    "'two words'",
		"it's":         `'it'\''s'`,
		"$HOME":        "'$HOME'",
		"KEY=value":    "KEY=value",
		"<true/>":      "'<true/>'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCommandString(t *testing.T) {
	c := Command{
		Name: "defaults",
		Args: []string{"write", "com.apple.dock", "orientation", "-string", "left side"},
		Env:  []string{"LANG=C"},
	}
	want := "LANG=C defaults write com.apple.dock orientation -string 'left side'"
	if got := c.String(); got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestLocalRunner(t *testing.T) {
	r := NewLocalRunner()
	ctx := context.Background()

	out, err := r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "cat; echo \"$GREETING\""}, Env: []string{"GREETING=hi"}, Stdin: []byte("in\n")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out.Stdout) != "in\nhi\n" || out.ExitCode != 0 {
		t.Errorf("unexpected output %q %d", out.Stdout, out.ExitCode)
	}

	out, err = r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 || exitErr.Stderr != "boom\n" {
		t.Fatalf("expected exit error with code 3, got %v", err)
	}
	if out == nil || out.ExitCode != 3 {
		t.Errorf("expected output with exit code 3, got %+v", out)
	}

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := r.Run(tctx, Command{Name: "sleep", Args: []string{"5"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if _, err := r.Run(ctx, Command{Name: "macsetup-no-such-tool"}); err == nil {
		t.Error("expected error for a missing binary")
	}
}
