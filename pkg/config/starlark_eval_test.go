package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/macossetup/macossetup/pkg/engine"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "input facts as struct",
			script: "arch = host.arch\ncores = host.cpus * 2\n",
			input: map[string]interface{}{
				"host": map[string]interface{}{"arch": "arm64", "cpus": 8},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["arch"] != "arm64" || sr.Output["cores"] != int64(16) {
					t.Errorf("unexpected output %v", sr.Output)
				}
			},
		},
		{
			name: "top-level control flow",
			script: `
brew = ["git"]
if host.arch == "arm64":
    brew.append("mas")
for tool in ["jq", "htop"]:
    brew.append(tool)
`,
			input: map[string]interface{}{
				"host": map[string]interface{}{"arch": "arm64"},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				brew, ok := sr.Output["brew"].([]interface{})
				if !ok || len(brew) != 4 || brew[1] != "mas" {
					t.Errorf("unexpected brew %v", sr.Output["brew"])
				}
			},
		},
		{
			name: "private globals and functions are dropped",
			script: `
_secret = 1
def helper():
    return 2
value = helper()
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 || sr.Output["value"] != int64(2) {
					t.Errorf("unexpected output %v", sr.Output)
				}
			},
		},
		{
			name:   "pin builtin",
			script: `entry = pin("python", "3.12.1")` + "\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["entry"] != "python==3.12.1" {
					t.Errorf("unexpected entry %v", sr.Output["entry"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "x = \n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 / 0\n",
			wantErr: true,
		},
		{
			name:    "non-string dict key",
			script:  "x = {1: 2}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil && err == nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    total = 0
    for i in range(1000000000):
        total += i
    return total

result = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if err == nil {
		t.Fatal("expected the script to be stopped")
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("script ran for %v", time.Since(start))
	}
}

func TestStarlarkEvaluator_Generate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "work.star")
	script := `
brew = ["git", pin("node@20", "20.11.1")]
if host.hostname.startswith("work-"):
    brew.append("awscli")

defaults = {
    "com.apple.dock": {"orientation": "left", "tilesize": 36},
}
note = "ignored"
`
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := NewStarlarkEvaluator(0).Generate(context.Background(), path, map[string]interface{}{
		"hostname": "work-mbp",
		"arch":     "arm64",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if got := strings.Join(f.Brew, ","); got != "git,node@20==20.11.1,awscli" {
		t.Errorf("unexpected brew entries %s", got)
	}
	dock := f.Defaults["com.apple.dock"]
	if dock["orientation"] != "left" || !engine.ValuesEqual(dock["tilesize"], 36) {
		t.Errorf("unexpected defaults %v", f.Defaults)
	}
}

func TestStarlarkEvaluator_GenerateRejects(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"list of non-strings", "brew = [1]\n", "must be a string"},
		{"kind not a list", "npm = \"typescript\"\n", "must be a list"},
		{"defaults not a dict", "defaults = [\"a\"]\n", "must be a dict"},
		{"None value", "defaults = {\"com.apple.dock\": {\"autohide\": None}}\n", "is None"},
		{"invalid app ID", "mas = [\"xcode\"]\n", "must be numeric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gen.star")
			if err := os.WriteFile(path, []byte(tt.script), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := NewStarlarkEvaluator(0).Generate(context.Background(), path, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
