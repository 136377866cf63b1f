package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
)

// FormatOf picks the syntax from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q (want .yaml, .yml, .toml or .cue)", filepath.Ext(path))
	}
}

// Decode parses data in the given syntax. Unknown fields are errors. name
// is used in error positions.
func Decode(data []byte, format Format, name string) (*File, error) {
	f := &File{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("failed to parse %s: unknown keys %s", name, strings.Join(keys, ", "))
		}
	case FormatCUE:
		return NewCUEParser().Parse(data, name)
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	return f, nil
}

// Encode renders f in the given syntax.
func Encode(f *File, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
	case FormatCUE:
		return NewCUEParser().Format(f)
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	return buf.Bytes(), nil
}

// ReadFile loads a configuration file and validates it with struct tags and
// the "file" CUE schema.
func ReadFile(ctx context.Context, path string) (*File, error) {
	return readFile(ctx, path, osOpener{})
}

// TextOpener opens configuration files. sysinfo.Opener implements it with
// a permission prompt for protected locations.
type TextOpener interface {
	OpenText(ctx context.Context, path string) (*os.File, error)
}

type osOpener struct{}

func (osOpener) OpenText(_ context.Context, path string) (*os.File, error) {
	return os.Open(path)
}

func readFile(ctx context.Context, path string, opener TextOpener) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	fh, err := opener.OpenText(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	data, err := io.ReadAll(fh)
	fh.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	f, err := Decode(data, format, path)
	if err != nil {
		return nil, err
	}
	if err := NewValidator().Validate(f); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
		}
		return nil, err
	}
	if err := defaultSchemas().ValidateAgainstSchema(ctx, "file", f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteFile encodes f and atomically replaces path. The previous file's
// permissions are kept.
func WriteFile(path string, f *File) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := Encode(f, format)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
