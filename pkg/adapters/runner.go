package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/macossetup/macossetup/pkg/telemetry"
)

// Command is one tool invocation.
type Command struct {
	Name string
	Args []string

	// Env holds extra KEY=VALUE pairs on top of the runner's environment.
	Env []string

	// Stdin, when non-nil, is written to the command's standard input.
	Stdin []byte
}

// String renders the command as a POSIX shell line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Env)+len(c.Args)+1)
	for _, kv := range c.Env {
		parts = append(parts, ShellQuote(kv))
	}
	parts = append(parts, ShellQuote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Output is what a finished command printed.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, msg)
}

// Runner executes commands on the target machine. A non-zero exit returns
// the output together with an *ExitError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// LocalRunner runs commands on this machine.
type LocalRunner struct {
	// Env is added to every command's environment.
	Env []string

	// WaitDelay bounds how long a cancelled command may keep its pipes open.
	WaitDelay time.Duration
}

// NewLocalRunner creates a runner for the local machine.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WaitDelay: 5 * time.Second}
}

// Run executes cmd with os/exec.
func (r *LocalRunner) Run(ctx context.Context, c Command) (*Output, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(append(os.Environ(), r.Env...), c.Env...)
	cmd.WaitDelay = r.WaitDelay
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	logger.Debugf("ran %s in %s", c, out.Duration)

	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &ExitError{Command: c.Name, Code: out.ExitCode, Stderr: stderr.String()}
	}
	out.ExitCode = -1
	return out, fmt.Errorf("failed to run %s: %w", c.Name, err)
}

// ShellQuote quotes s for a POSIX shell when needed.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%_-+=:,./", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
