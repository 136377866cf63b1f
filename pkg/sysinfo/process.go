package sysinfo

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/macossetup/macossetup/pkg/adapters"
)

// Process is one row of the process table.
type Process struct {
	PID     int
	PPID    int
	Command string
}

// ProcessTable is a snapshot of the running processes. It is read on first
// use and kept until Invalidate.
type ProcessTable struct {
	runner adapters.Runner

	mu     sync.Mutex
	procs  map[int]Process
	loaded bool
}

// NewProcessTable creates a table read through runner.
func NewProcessTable(runner adapters.Runner) *ProcessTable {
	return &ProcessTable{runner: runner}
}

// Invalidate drops the snapshot; the next lookup reads the table again.
func (t *ProcessTable) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs = nil
	t.loaded = false
}

func (t *ProcessTable) load(ctx context.Context) (map[int]Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.procs, nil
	}

	out, err := t.runner.Run(ctx, adapters.Command{Name: "ps", Args: []string{"-axo", "pid=,ppid=,comm="}})
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}
	t.procs = parsePS(string(out.Stdout))
	t.loaded = true
	return t.procs, nil
}

func parsePS(out string) map[int]Process {
	procs := make(map[int]Process)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		// Commands may contain spaces ("/Applications/Visual Studio Code.app/...").
		cmd := strings.TrimSpace(line)
		cmd = strings.TrimSpace(strings.TrimPrefix(cmd, fields[0]))
		cmd = strings.TrimSpace(strings.TrimPrefix(cmd, fields[1]))
		procs[pid] = Process{PID: pid, PPID: ppid, Command: cmd}
	}
	return procs
}

// Lookup returns the process with pid.
func (t *ProcessTable) Lookup(ctx context.Context, pid int) (Process, bool, error) {
	procs, err := t.load(ctx)
	if err != nil {
		return Process{}, false, err
	}
	p, ok := procs[pid]
	return p, ok, nil
}

// App returns the application bundle that pid runs under, found by walking
// up the parent chain to the first command inside a .app bundle. The
// result is empty when no ancestor is an application, as under launchd or
// an SSH session.
func (t *ProcessTable) App(ctx context.Context, pid int) (string, error) {
	procs, err := t.load(ctx)
	if err != nil {
		return "", err
	}

	seen := make(map[int]bool)
	for pid > 1 && !seen[pid] {
		seen[pid] = true
		p, ok := procs[pid]
		if !ok {
			return "", nil
		}
		if bundle := appBundle(p.Command); bundle != "" {
			return bundle, nil
		}
		pid = p.PPID
	}
	return "", nil
}

// CurrentApp returns the application bundle hosting this process.
func (t *ProcessTable) CurrentApp(ctx context.Context) (string, error) {
	return t.App(ctx, os.Getpid())
}

// appBundle returns the outermost .app directory of cmd.
func appBundle(cmd string) string {
	i := strings.Index(cmd, ".app/")
	if i < 0 {
		return ""
	}
	return cmd[:i+len(".app")]
}
