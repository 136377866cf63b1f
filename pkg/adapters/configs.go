package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/macossetup/macossetup/pkg/engine"
)

// hashPrefixLen is the number of hex digits of a file's SHA-256 used as
// its version.
const hashPrefixLen = 12

// BackupSuffix is appended to a home file that an install replaces.
const BackupSuffix = ".macsetup-backup"

// FileOpener opens files for reading. sysinfo.Opener implements it with a
// permission prompt for protected locations.
type FileOpener interface {
	OpenBinary(ctx context.Context, path string) (*os.File, error)
}

type osOpener struct{}

func (osOpener) OpenBinary(_ context.Context, path string) (*os.File, error) {
	return os.Open(path)
}

// ConfigsAdapter mirrors managed files from a source tree into the home
// directory. Item IDs are paths relative to both roots. A file counts as
// installed when the home copy matches the source byte for byte; its
// version is a prefix of the content hash.
type ConfigsAdapter struct {
	engine.NoPreferences

	source string
	home   string
	opener FileOpener
}

var _ engine.ResourceAdapter = (*ConfigsAdapter)(nil)

// ConfigsOption configures a ConfigsAdapter.
type ConfigsOption func(*ConfigsAdapter)

// WithFileOpener sets how files are opened for reading.
func WithFileOpener(o FileOpener) ConfigsOption {
	return func(a *ConfigsAdapter) {
		a.opener = o
	}
}

// NewConfigsAdapter creates an adapter copying from source into home.
func NewConfigsAdapter(source, home string, opts ...ConfigsOption) *ConfigsAdapter {
	a := &ConfigsAdapter{source: source, home: home, opener: osOpener{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind returns KindConfigs.
func (a *ConfigsAdapter) Kind() engine.ResourceKind {
	return engine.KindConfigs
}

// ListInstalled walks the source tree and reports the files whose home
// copy is identical.
func (a *ConfigsAdapter) ListInstalled(ctx context.Context) ([]engine.Installed, error) {
	var installed []engine.Installed
	err := filepath.WalkDir(a.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(a.source, path)
		if err != nil {
			return err
		}

		same, sum, err := a.compare(ctx, rel)
		if err != nil {
			return err
		}
		if same {
			installed = append(installed, engine.Installed{ID: filepath.ToSlash(rel), Version: sum})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) && !dirExists(a.source) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyFileError("list", "", err)
	}
	return installed, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// compare reports whether the home copy of rel matches the source, and
// the source's version.
func (a *ConfigsAdapter) compare(ctx context.Context, rel string) (bool, string, error) {
	srcSum, err := a.hash(ctx, filepath.Join(a.source, rel))
	if err != nil {
		return false, "", err
	}
	dstSum, err := a.hash(ctx, filepath.Join(a.home, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return false, srcSum[:hashPrefixLen], nil
	}
	if err != nil {
		return false, "", err
	}
	return srcSum == dstSum, srcSum[:hashPrefixLen], nil
}

func (a *ConfigsAdapter) hash(ctx context.Context, path string) (string, error) {
	f, err := a.opener.OpenBinary(ctx, path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *ConfigsAdapter) paths(item engine.Item) (string, string, error) {
	rel := filepath.FromSlash(item.ID)
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", "", engine.NewPermanentError(fmt.Sprintf("%q is not a relative path", item.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return filepath.Join(a.source, rel), filepath.Join(a.home, rel), nil
}

// Install copies the source file into place. A different file already at
// the destination is kept next to it with BackupSuffix. version is not
// checked: the source tree is the only version there is.
func (a *ConfigsAdapter) Install(ctx context.Context, item engine.Item, _ string) error {
	subject := engine.ItemSubject(engine.KindConfigs, item.ID).String()
	src, dst, err := a.paths(item)
	if err != nil {
		return err
	}

	in, err := a.opener.OpenBinary(ctx, src)
	if err != nil {
		return classifyFileError("install", subject, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return classifyFileError("install", subject, err)
	}

	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, dst+BackupSuffix); err != nil {
			return classifyFileError("install", subject, err)
		}
	}
	if err := copyAtomic(in, dst, info.Mode().Perm()); err != nil {
		return classifyFileError("install", subject, err)
	}
	return nil
}

// Remove deletes the home copy. A copy that no longer matches the source
// is left alone.
func (a *ConfigsAdapter) Remove(ctx context.Context, item engine.Item) error {
	subject := engine.ItemSubject(engine.KindConfigs, item.ID).String()
	_, dst, err := a.paths(item)
	if err != nil {
		return err
	}

	same, _, err := a.compare(ctx, filepath.FromSlash(item.ID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No source to compare against: only remove what is not there.
		if _, statErr := os.Lstat(dst); errors.Is(statErr, fs.ErrNotExist) {
			return nil
		}
		return engine.NewPermanentError("no managed source for file", err).WithSubject(subject)
	case err != nil:
		return classifyFileError("remove", subject, err)
	case !same:
		if _, statErr := os.Lstat(dst); errors.Is(statErr, fs.ErrNotExist) {
			return nil
		}
		return engine.NewPermanentError("file was modified since it was installed", nil).
			WithCode(engine.ErrCodeValidation).
			WithSubject(subject)
	}

	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFileError("remove", subject, err)
	}
	return nil
}

// copyAtomic writes r to a temporary file next to dst and renames it into
// place.
func copyAtomic(r io.Reader, dst string, perm os.FileMode) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func classifyFileError(op, subject string, err error) error {
	var e *engine.EngineError
	switch {
	case errors.Is(err, fs.ErrPermission):
		e = engine.NewPermanentError("configs "+op+" was not permitted", err).WithCode(engine.ErrCodePermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		e = engine.NewPermanentError("configs "+op+": file not found", err).WithCode(engine.ErrCodeNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		e = engine.NewTransientError("configs "+op+" timed out", err).WithCode(engine.ErrCodeTimeout)
	default:
		e = engine.NewPermanentError("configs "+op+" failed", err)
	}
	e = e.WithOperation(op)
	if subject != "" {
		e = e.WithSubject(subject)
	}
	return e
}
