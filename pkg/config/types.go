package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/macossetup/macossetup/pkg/engine"
)

// CurrentVersion is the only file format version understood.
const CurrentVersion = 1

// PinSeparator separates an item ID from a pinned version in a package entry
// ("python==3.12.1"). "@" cannot be used since it is part of IDs such as
// "node@20" or "@angular/cli".
const PinSeparator = "=="

// File is the desired-state configuration file.
type File struct {
	// Version is the file format version.
	Version int `yaml:"version" toml:"version" json:"version" validate:"required,eq=1"`

	// Package lists, one entry per item, optionally pinned with "==".
	Brew  []string `yaml:"brew,omitempty" toml:"brew,omitempty" json:"brew,omitempty" validate:"dive,entry"`
	Pipx  []string `yaml:"pipx,omitempty" toml:"pipx,omitempty" json:"pipx,omitempty" validate:"dive,entry"`
	Pyenv []string `yaml:"pyenv,omitempty" toml:"pyenv,omitempty" json:"pyenv,omitempty" validate:"dive,entry"`
	Mas   []string `yaml:"mas,omitempty" toml:"mas,omitempty" json:"mas,omitempty" validate:"dive,entry"`
	Npm   []string `yaml:"npm,omitempty" toml:"npm,omitempty" json:"npm,omitempty" validate:"dive,entry"`

	// Configs lists managed files relative to the home directory.
	Configs []string `yaml:"configs,omitempty" toml:"configs,omitempty" json:"configs,omitempty" validate:"dive,relpath"`

	// Defaults maps preference domain to key to desired value.
	Defaults map[string]map[string]any `yaml:"defaults,omitempty" toml:"defaults,omitempty" json:"defaults,omitempty" validate:"dive,keys,domain,endkeys,min=1"`

	// Track lists preference keys that are observed without a declared value,
	// so a value set on the system can be captured.
	Track map[string][]string `yaml:"track,omitempty" toml:"track,omitempty" json:"track,omitempty" validate:"dive,keys,domain,endkeys,min=1"`

	// Policy sets the default override policies.
	Policy *PolicyFile `yaml:"policy,omitempty" toml:"policy,omitempty" json:"policy,omitempty"`

	// Generators are Starlark scripts, relative to the file, that declare
	// additional items and preferences.
	Generators []string `yaml:"generators,omitempty" toml:"generators,omitempty" json:"generators,omitempty" validate:"dive,required"`
}

// PolicyFile is the policy section of a File.
type PolicyFile struct {
	Default     string `yaml:"default,omitempty" toml:"default,omitempty" json:"default,omitempty" validate:"omitempty,override"`
	Items       string `yaml:"items,omitempty" toml:"items,omitempty" json:"items,omitempty" validate:"omitempty,override"`
	Preferences string `yaml:"preferences,omitempty" toml:"preferences,omitempty" json:"preferences,omitempty" validate:"omitempty,override"`
}

// PolicySet converts the section into an engine.PolicySet. A missing
// section means prefer-config for everything.
func (p *PolicyFile) PolicySet() (engine.PolicySet, error) {
	ps := engine.UniformPolicy(engine.PolicyPreferConfig)
	if p == nil {
		return ps, nil
	}
	fields := []struct {
		raw string
		dst *engine.OverridePolicy
	}{
		{p.Default, &ps.Default},
		{p.Items, &ps.Items},
		{p.Preferences, &ps.Preferences},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		policy, err := engine.ParseOverride(f.raw)
		if err != nil {
			return ps, err
		}
		*f.dst = policy
	}
	return ps, nil
}

// NewFile returns an empty file at the current version.
func NewFile() *File {
	return &File{Version: CurrentVersion}
}

// Entries returns the entry list for a package kind.
func (f *File) Entries(kind engine.ResourceKind) []string {
	if p := f.entries(kind); p != nil {
		return *p
	}
	return nil
}

func (f *File) entries(kind engine.ResourceKind) *[]string {
	switch kind {
	case engine.KindBrew:
		return &f.Brew
	case engine.KindPipx:
		return &f.Pipx
	case engine.KindPyenv:
		return &f.Pyenv
	case engine.KindMas:
		return &f.Mas
	case engine.KindNpm:
		return &f.Npm
	case engine.KindConfigs:
		return &f.Configs
	default:
		return nil
	}
}

// ParseEntry splits a package entry into item ID and pinned version.
func ParseEntry(entry string) (id, version string) {
	id, version, _ = strings.Cut(strings.TrimSpace(entry), PinSeparator)
	return strings.TrimSpace(id), strings.TrimSpace(version)
}

// FormatEntry is the inverse of ParseEntry.
func FormatEntry(id, version string) string {
	if version == "" {
		return id
	}
	return id + PinSeparator + version
}

// SetItem adds or re-pins an item. It reports whether the file changed.
func (f *File) SetItem(kind engine.ResourceKind, id, version string) (bool, error) {
	list := f.entries(kind)
	if list == nil {
		return false, fmt.Errorf("%s is not a package kind", kind)
	}
	entry := FormatEntry(id, version)
	for i, e := range *list {
		if existing, _ := ParseEntry(e); existing == id {
			if e == entry {
				return false, nil
			}
			(*list)[i] = entry
			return true, nil
		}
	}
	*list = append(*list, entry)
	return true, nil
}

// RemoveItem drops an item. It reports whether the file changed.
func (f *File) RemoveItem(kind engine.ResourceKind, id string) (bool, error) {
	list := f.entries(kind)
	if list == nil {
		return false, fmt.Errorf("%s is not a package kind", kind)
	}
	for i, e := range *list {
		if existing, _ := ParseEntry(e); existing == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// SetPreference declares a value for key. A nil value removes the
// declaration; the key stays tracked so a later value can be captured.
func (f *File) SetPreference(key engine.PreferenceKey, value any) {
	if value == nil {
		if keys, ok := f.Defaults[key.Domain]; ok {
			delete(keys, key.Key)
			if len(keys) == 0 {
				delete(f.Defaults, key.Domain)
			}
		}
		return
	}
	if f.Defaults == nil {
		f.Defaults = make(map[string]map[string]any)
	}
	if f.Defaults[key.Domain] == nil {
		f.Defaults[key.Domain] = make(map[string]any)
	}
	f.Defaults[key.Domain][key.Key] = value
}

// TrackKey adds key to the tracked set. It reports whether the file changed.
func (f *File) TrackKey(key engine.PreferenceKey) bool {
	for _, k := range f.Track[key.Domain] {
		if k == key.Key {
			return false
		}
	}
	if f.Track == nil {
		f.Track = make(map[string][]string)
	}
	f.Track[key.Domain] = append(f.Track[key.Domain], key.Key)
	sort.Strings(f.Track[key.Domain])
	return true
}

// TrackedKeys returns every tracked preference key, sorted.
func (f *File) TrackedKeys() []engine.PreferenceKey {
	var keys []engine.PreferenceKey
	for domain, names := range f.Track {
		for _, k := range names {
			keys = append(keys, engine.PreferenceKey{Domain: domain, Key: k})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Domain != keys[j].Domain {
			return keys[i].Domain < keys[j].Domain
		}
		return keys[i].Key < keys[j].Key
	})
	return keys
}

// Snapshot builds the declared snapshot described by the file. Every
// resource kind is covered, so an empty list declares that nothing of the
// kind should be installed.
func (f *File) Snapshot(b *engine.SnapshotBuilder) error {
	b.Cover(engine.KnownKinds()...)
	for _, kind := range engine.KnownKinds() {
		for _, e := range f.Entries(kind) {
			id, version := ParseEntry(e)
			b.AddItem(engine.Item{Kind: kind, ID: id}, version)
		}
	}
	for domain, keys := range f.Defaults {
		for k, v := range keys {
			if err := b.SetPreference(engine.PreferenceKey{Domain: domain, Key: k}, v); err != nil {
				return fmt.Errorf("defaults %s.%s: %w", domain, k, err)
			}
		}
	}
	return nil
}

// ValidationError is a configuration problem with its location, when known.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "defaults.com.apple.dock").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", e.Line, e.Column)
		}
		sb.WriteString(": ")
	}
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationErrors collects every problem found in a file.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
