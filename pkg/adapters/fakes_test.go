package adapters

import (
	"context"
	"strings"
	"sync"
)

// fakeResponse is what fakeRunner answers for one command line.
type fakeResponse struct {
	stdout string
	stderr string
	code   int
	err    error
}

// fakeRunner answers commands by their "name arg arg" line. Unknown
// commands exit 127.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []Command
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]fakeResponse)}
}

// on queues responses for line; the last one repeats.
func (f *fakeRunner) on(line string, responses ...fakeResponse) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[line] = append(f.responses[line], responses...)
	return f
}

func (f *fakeRunner) Run(_ context.Context, c Command) (*Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)

	line := strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	queue := f.responses[line]
	if len(queue) == 0 {
		return &Output{ExitCode: 127}, &ExitError{Command: c.Name, Code: 127, Stderr: "unexpected command: " + line}
	}
	r := queue[0]
	if len(queue) > 1 {
		f.responses[line] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}

	out := &Output{Stdout: []byte(r.stdout), Stderr: []byte(r.stderr), ExitCode: r.code}
	if r.code != 0 {
		return out, &ExitError{Command: c.Name, Code: r.code, Stderr: r.stderr}
	}
	return out, nil
}

// lines returns the command lines run so far.
func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	}
	return out
}

func (f *fakeRunner) count(line string) int {
	n := 0
	for _, l := range f.lines() {
		if l == line {
			n++
		}
	}
	return n
}
