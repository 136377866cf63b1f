// Package config reads and writes the macsetup desired-state file and the
// tool's own settings.
//
// # File
//
// The desired-state file is YAML, TOML or CUE, chosen by extension:
//
//	version: 1
//	brew: [git, htop, node@20]
//	pyenv: ["python==3.12.1"]
//	mas: ["497799835"]
//	configs: [.zshrc, .config/git/config]
//	defaults:
//	  com.apple.dock:
//	    autohide: true
//	    tilesize: 48
//	track:
//	  com.apple.finder: [ShowPathbar]
//	policy:
//	  default: config
//	  preferences: ask
//	generators: [work.star]
//
// A decoded File is checked with go-playground/validator struct tags and
// then against the #File CUE schema held by the SchemaRegistry.
//
// # Generators
//
// Generators are Starlark scripts run by the StarlarkEvaluator. A script
// sees the host facts as "host" and declares subjects through globals named
// after resource kinds:
//
//	brew = ["mas"]
//	if host.arch == "arm64":
//	    brew.append("rosetta-helper")
//	defaults = {"com.apple.dock": {"orientation": "left"}}
//
// Generated subjects are declared on every load and never written back.
//
// # FileStore
//
// FileStore implements engine.ConfigStore and engine.PreferenceTracker.
// Writes go through Update, which serializes edits and replaces the file
// atomically. Watcher re-runs a callback when the file changes.
package config
