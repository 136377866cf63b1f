package adapters

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/macossetup/macossetup/pkg/engine"
)

// tool wraps one package-manager binary.
type tool struct {
	kind   engine.ResourceKind
	runner Runner
	bin    string
	env    []string
}

// run executes the binary and classifies failures. Whatever the command
// printed is returned even when it failed. subject may be empty.
func (t *tool) run(ctx context.Context, op, subject string, args ...string) ([]byte, error) {
	return t.runInput(ctx, op, subject, nil, args...)
}

func (t *tool) runInput(ctx context.Context, op, subject string, stdin []byte, args ...string) ([]byte, error) {
	out, err := t.runner.Run(ctx, Command{Name: t.bin, Args: args, Env: t.env, Stdin: stdin})
	var stdout []byte
	if out != nil {
		stdout = out.Stdout
	}
	if err != nil {
		e := classify(string(t.kind)+" "+op, err).WithOperation(op)
		if subject != "" {
			e = e.WithSubject(subject)
		}
		return stdout, e
	}
	return stdout, nil
}

// Kind returns the resource kind the tool serves.
func (t *tool) Kind() engine.ResourceKind {
	return t.kind
}

func (t *tool) subject(item engine.Item) string {
	return engine.ItemSubject(t.kind, item.ID).String()
}

// lines returns the non-empty, trimmed lines of out.
func lines(out []byte) []string {
	var result []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			result = append(result, line)
		}
	}
	return result
}

// versionUnavailable reports a pin the tool could not satisfy.
func versionUnavailable(kind engine.ResourceKind, item engine.Item, want string, have []string) error {
	return engine.NewPermanentError("requested version is not installable", nil).
		WithCode(engine.ErrCodeNotFound).
		WithSubject(engine.ItemSubject(kind, item.ID).String()).
		WithDetail("version", want).
		WithDetail("installed", strings.Join(have, " "))
}
