package adapters

import (
	"context"
	"fmt"
	"os/exec"
	"testing"

	"github.com/macossetup/macossetup/pkg/engine"
)

type temporaryError struct{}

func (temporaryError) Error() string   { return "connection lost" }
func (temporaryError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	exit := func(stderr string) error {
		return &ExitError{Command: "brew", Code: 1, Stderr: stderr}
	}

	tests := []struct {
		name      string
		err       error
		wantClass engine.ErrorClass
		wantCode  string
	}{
		{"network", exit("curl: (6) Could not resolve host: ghcr.io"), engine.ErrorClassTransient, ""},
		{"rate limit", exit("Error: GitHub API rate limit exceeded"), engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"homebrew lock", exit("Error: Another active Homebrew update process is already in progress."), engine.ErrorClassConflict, engine.ErrCodeLocked},
		{"process lock", exit("Error: A `brew install wget` process has already locked /opt/homebrew/var/homebrew/locks/wget.formula.lock"), engine.ErrorClassConflict, engine.ErrCodeLocked},
		{"permission", exit("Error: Permission denied @ dir_s_mkdir"), engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"unknown formula", exit("Error: No available formula with the name \"gti\"."), engine.ErrorClassPermanent, ""},
		{"timeout", fmt.Errorf("run: %w", context.DeadlineExceeded), engine.ErrorClassTransient, engine.ErrCodeTimeout},
		{"cancelled", context.Canceled, engine.ErrorClassPermanent, engine.ErrCodeCancelled},
		{"missing tool", &exec.Error{Name: "mas", Err: exec.ErrNotFound}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"temporary transport", temporaryError{}, engine.ErrorClassTransient, ""},
		{"other", fmt.Errorf("boom"), engine.ErrorClassPermanent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify("brew install", tt.err)
			if e.Class != tt.wantClass || e.Code != tt.wantCode {
				t.Errorf("classify = %s/%s, want %s/%s", e.Class, e.Code, tt.wantClass, tt.wantCode)
			}
		})
	}
}
