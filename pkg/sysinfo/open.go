package sysinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// sniffLen is how much of a file OpenText inspects.
const sniffLen = 8000

// ErrNotText is returned by OpenText for a file that holds binary data.
var ErrNotText = errors.New("file is not text")

// PermissionPrompter asks the user to grant access to path. It returns
// once the user says access was granted, or an error.
type PermissionPrompter interface {
	RequestAccess(ctx context.Context, path string) error
}

// Opener opens files for reading. An open refused by the operating system
// is retried once after the prompter was asked for access.
type Opener struct {
	prompter PermissionPrompter
}

var (
	_ adapters.FileOpener = (*Opener)(nil)
	_ config.TextOpener   = (*Opener)(nil)
)

// NewOpener creates an opener. prompter may be nil, in which case refused
// opens fail immediately.
func NewOpener(prompter PermissionPrompter) *Opener {
	return &Opener{prompter: prompter}
}

// OpenBinary opens path for reading its raw bytes.
func (o *Opener) OpenBinary(ctx context.Context, path string) (*os.File, error) {
	return o.open(ctx, path)
}

// OpenText opens path and checks that it holds text. The returned file is
// positioned at the start.
func (o *Opener) OpenText(ctx context.Context, path string) (*os.File, error) {
	f, err := o.open(ctx, path)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if bytes.IndexByte(head[:n], 0) >= 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotText)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind %s: %w", path, err)
	}
	return f, nil
}

func (o *Opener) open(ctx context.Context, path string) (*os.File, error) {
	f, err := os.Open(path)
	if err == nil || o.prompter == nil || !errors.Is(err, fs.ErrPermission) {
		return f, err
	}

	telemetry.FromContext(ctx).Infof("access to %s was refused, asking for permission", path)
	if perr := o.prompter.RequestAccess(ctx, path); perr != nil {
		return nil, fmt.Errorf("access to %s was not granted: %w", path, errors.Join(err, perr))
	}
	return os.Open(path)
}
