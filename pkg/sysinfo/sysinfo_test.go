package sysinfo

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/stores"
)

// scriptedRunner answers commands by their "name args" line.
type scriptedRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	calls   []string
}

func newScriptedRunner(outputs map[string]string) *scriptedRunner {
	return &scriptedRunner{outputs: outputs}
}

func (r *scriptedRunner) Run(_ context.Context, c adapters.Command) (*adapters.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	r.calls = append(r.calls, line)
	out, ok := r.outputs[line]
	if !ok {
		return &adapters.Output{ExitCode: 1}, &adapters.ExitError{Command: c.Name, Code: 1, Stderr: "unknown command"}
	}
	return &adapters.Output{Stdout: []byte(out)}, nil
}

func (r *scriptedRunner) count(line string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == line {
			n++
		}
	}
	return n
}

const psLine = "ps -axo pid=,ppid=,comm="

const psOutput = `    1     0 /sbin/launchd
  412     1 /Applications/Visual Studio Code.app/Contents/MacOS/Electron
  530   412 /Applications/Visual Studio Code.app/Contents/Frameworks/Code Helper.app/Contents/MacOS/Code Helper
  531   530 /bin/zsh
  600   531 macsetup
  700     1 /usr/sbin/sshd
  701   700 -zsh
  702   701 macsetup
`

func TestProcessTableApp(t *testing.T) {
	runner := newScriptedRunner(map[string]string{psLine: psOutput})
	table := NewProcessTable(runner)
	ctx := context.Background()

	tests := []struct {
		pid  int
		want string
	}{
		{600, "/Applications/Visual Studio Code.app"},
		{412, "/Applications/Visual Studio Code.app"},
		{702, ""},
		{9999, ""},
	}
	for _, tt := range tests {
		got, err := table.App(ctx, tt.pid)
		if err != nil {
			t.Fatalf("App(%d) failed: %v", tt.pid, err)
		}
		if got != tt.want {
			t.Errorf("App(%d) = %q, want %q", tt.pid, got, tt.want)
		}
	}

	p, ok, err := table.Lookup(ctx, 530)
	if err != nil || !ok || p.PPID != 412 || !strings.HasSuffix(p.Command, "Code Helper") {
		t.Errorf("unexpected process %+v %v %v", p, ok, err)
	}

	if n := runner.count(psLine); n != 1 {
		t.Errorf("expected one ps call, got %d", n)
	}
	table.Invalidate()
	if _, _, err := table.Lookup(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if n := runner.count(psLine); n != 2 {
		t.Errorf("expected Invalidate to force a reread, got %d calls", n)
	}
}

func TestProcessTableError(t *testing.T) {
	table := NewProcessTable(newScriptedRunner(nil))
	if _, err := table.App(context.Background(), 1); err == nil {
		t.Error("expected error when ps fails")
	}
}

type fakePrompter struct {
	calls int
	grant func()
	err   error
}

func (p *fakePrompter) RequestAccess(context.Context, string) error {
	p.calls++
	if p.grant != nil {
		p.grant()
	}
	return p.err
}

func TestOpenerText(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "macsetup.yaml")
	binary := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(text, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binary, []byte{0x62, 0x70, 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewOpener(nil)
	ctx := context.Background()

	f, err := o.OpenText(ctx, text)
	if err != nil {
		t.Fatalf("OpenText failed: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "version: 1\n" {
		t.Errorf("expected the whole file after sniffing, got %q", data)
	}

	if _, err := o.OpenText(ctx, binary); !errors.Is(err, ErrNotText) {
		t.Errorf("expected ErrNotText, got %v", err)
	}
	f, err = o.OpenBinary(ctx, binary)
	if err != nil {
		t.Fatalf("OpenBinary failed: %v", err)
	}
	f.Close()

	if _, err := o.OpenBinary(ctx, filepath.Join(dir, "absent")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist, got %v", err)
	}
}

func TestOpenerPromptsOnce(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "TCC.db")
	if err := os.WriteFile(path, []byte("data"), 0o000); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	granted := &fakePrompter{grant: func() { _ = os.Chmod(path, 0o600) }}
	f, err := NewOpener(granted).OpenBinary(ctx, path)
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	f.Close()
	if granted.calls != 1 {
		t.Errorf("expected one prompt, got %d", granted.calls)
	}

	if err := os.Chmod(path, 0o000); err != nil {
		t.Fatal(err)
	}
	ignored := &fakePrompter{}
	if _, err := NewOpener(ignored).OpenBinary(ctx, path); !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error after the retry, got %v", err)
	}
	if ignored.calls != 1 {
		t.Errorf("expected exactly one prompt, got %d", ignored.calls)
	}

	declined := &fakePrompter{err: errors.New("declined")}
	if _, err := NewOpener(declined).OpenBinary(ctx, path); err == nil || !strings.Contains(err.Error(), "declined") {
		t.Errorf("expected the decline to be reported, got %v", err)
	}
}

func TestSettingsPrompter(t *testing.T) {
	runner := newScriptedRunner(map[string]string{
		psLine:                      psOutput,
		"open " + FullDiskAccessURL: "",
	})
	var message string
	p := NewSettingsPrompter(runner, NewProcessTable(runner), func(_ context.Context, msg string) error {
		message = msg
		return nil
	})

	if err := p.RequestAccess(context.Background(), "/Library/Preferences/com.apple.TimeMachine.plist"); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if runner.count("open "+FullDiskAccessURL) != 1 {
		t.Error("System Settings was not opened")
	}
	if !strings.Contains(message, "com.apple.TimeMachine.plist") {
		t.Errorf("unexpected message %q", message)
	}
}

func TestAppBundle(t *testing.T) {
	tests := map[string]string{
		"/Applications/iTerm.app/Contents/MacOS/iTerm2":                       "/Applications/iTerm.app",
		"/System/Applications/Utilities/Terminal.app/Contents/MacOS/Terminal": "/System/Applications/Utilities/Terminal.app",
		"/bin/zsh": "",
		"-zsh":     "",
	}
	for cmd, want := range tests {
		if got := appBundle(cmd); got != want {
			t.Errorf("appBundle(%q) = %q, want %q", cmd, got, want)
		}
	}
}

var factOutputs = map[string]string{
	"hostname -s":             "work-mbp\n",
	"uname -m":                "arm64\n",
	"uname -r":                "24.1.0\n",
	"sw_vers -productVersion": "15.1\n",
	"id -un":                  "dev\n",
	"sysctl -n hw.ncpu":       "10\n",
}

func newFactsStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFactsCollector(t *testing.T) {
	runner := newScriptedRunner(factOutputs)
	store := newFactsStore(t)
	c := NewFactsCollector(runner, store, "")
	ctx := context.Background()

	facts, err := c.Func()(ctx)
	if err != nil {
		t.Fatalf("Facts failed: %v", err)
	}
	if facts["hostname"] != "work-mbp" || facts["arch"] != "arm64" || facts["cpus"] != int64(10) {
		t.Errorf("unexpected facts %v", facts)
	}

	again, err := c.Facts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if runner.count("uname -m") != 1 {
		t.Error("expected cached facts to be reused")
	}
	if again["cpus"] != int64(10) || again["os_version"] != "15.1" {
		t.Errorf("unexpected cached facts %v", again)
	}

	if _, err := c.Collect(ctx); err != nil {
		t.Fatal(err)
	}
	if runner.count("uname -m") != 2 {
		t.Error("Collect should always probe")
	}
}

func TestFactsCollectorPartial(t *testing.T) {
	outputs := map[string]string{"uname -m": "x86_64\n"}
	facts, err := NewFactsCollector(newScriptedRunner(outputs), nil, "mini.local").Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(facts) != 1 || facts["arch"] != "x86_64" {
		t.Errorf("unexpected facts %v", facts)
	}

	if _, err := NewFactsCollector(newScriptedRunner(nil), nil, "").Collect(context.Background()); err == nil {
		t.Error("expected error when every probe fails")
	}
}
