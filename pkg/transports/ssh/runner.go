package ssh

import (
	"bytes"
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// Runner executes adapter commands on the client's host. Each command gets
// its own session.
type Runner struct {
	client *Client
}

var _ adapters.Runner = (*Runner)(nil)

// NewRunner creates a runner over client.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// commandLine renders cmd for the remote shell.
func (r *Runner) commandLine(cmd adapters.Command) string {
	line := cmd.String()
	if shell := r.client.config.Shell; shell != "" {
		return shell + " -lc " + adapters.ShellQuote(line)
	}
	return line
}

// Run implements adapters.Runner. A non-zero exit is an *adapters.ExitError;
// a lost connection is a temporary *TransportError and drops the
// connection so the next command redials.
func (r *Runner) Run(ctx context.Context, cmd adapters.Command) (*adapters.Output, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()

	client, err := r.client.get(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.client.drop(client)
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	line := r.commandLine(cmd)
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return &adapters.Output{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
	case runErr = <-done:
	}

	out := &adapters.Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	logger.Debugf("ran %s on %s in %s", cmd, r.client.config.Host, out.Duration)

	if runErr == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, &adapters.ExitError{Command: cmd.Name, Code: out.ExitCode, Stderr: stderr.String()}
	}
	out.ExitCode = -1
	r.client.drop(client)
	return out, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
}
