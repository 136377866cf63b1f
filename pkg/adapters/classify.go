package adapters

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/macossetup/macossetup/pkg/engine"
)

// Stderr fragments, lowercased, that identify retryable failures.
var (
	throttledMarkers = []string{
		"rate limit",
		"too many requests",
		"429",
		"try again later",
	}

	lockedMarkers = []string{
		"has already locked",
		"another active homebrew",
		"is locked",
		"waiting for lock",
		"lock file",
		"ebusy",
	}

	transientMarkers = []string{
		"could not resolve host",
		"connection timed out",
		"connection reset",
		"connection refused",
		"failed to connect",
		"network is unreachable",
		"operation timed out",
		"temporary failure",
		"etimedout",
		"econnreset",
		"eai_again",
		"curl: (",
		"ssl_error",
	}

	permissionMarkers = []string{
		"permission denied",
		"operation not permitted",
		"eacces",
		"eperm",
	}
)

// classify maps a non-nil runner error onto the engine's error classes.
func classify(op string, err error) *engine.EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(op+" timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError(op+" cancelled", err).WithCode(engine.ErrCodeCancelled)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return engine.NewPermanentError(op+": tool is not installed", err).WithCode(engine.ErrCodeNotFound)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		text := strings.ToLower(exitErr.Stderr)
		var e *engine.EngineError
		switch {
		case containsAny(text, throttledMarkers):
			e = engine.NewThrottledError(op+" was rate limited", err).WithCode(engine.ErrCodeRateLimited)
		case containsAny(text, lockedMarkers):
			e = engine.NewConflictError(op+" found the package manager locked", err).WithCode(engine.ErrCodeLocked)
		case containsAny(text, transientMarkers):
			e = engine.NewTransientError(op+" hit a network failure", err)
		case containsAny(text, permissionMarkers):
			e = engine.NewPermanentError(op+" was not permitted", err).WithCode(engine.ErrCodePermissionDenied)
		default:
			e = engine.NewPermanentError(op+" failed", err)
		}
		return e.WithDetail("exit_code", exitErr.Code)
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return engine.NewTransientError(op+" failed", err)
	}
	return engine.NewPermanentError(op+" failed", err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
