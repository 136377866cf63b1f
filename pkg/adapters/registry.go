package adapters

import (
	"github.com/macossetup/macossetup/pkg/engine"
)

// Options selects how adapters reach the machine.
type Options struct {
	// Runner executes tool commands. Defaults to a LocalRunner.
	Runner Runner

	// ConfigSource is the tree of managed files ("<config dir>/files").
	// Empty leaves the configs kind unregistered.
	ConfigSource string

	// Home is the directory managed files are copied into.
	Home string

	// Opener opens local files for the configs adapter.
	Opener FileOpener

	// Remote is set when Runner targets another machine. The configs
	// adapter works on the local file system only and is left out.
	Remote bool
}

// NewRegistry registers an adapter for every kind the options can serve.
func NewRegistry(opts Options) *engine.Registry {
	runner := opts.Runner
	if runner == nil {
		runner = NewLocalRunner()
	}

	reg := engine.NewRegistry().MustRegister(
		NewBrewAdapter(runner),
		NewPipxAdapter(runner),
		NewPyenvAdapter(runner),
		NewMasAdapter(runner),
		NewNpmAdapter(runner),
		NewDefaultsAdapter(runner),
	)

	if opts.ConfigSource != "" && !opts.Remote {
		var copts []ConfigsOption
		if opts.Opener != nil {
			copts = append(copts, WithFileOpener(opts.Opener))
		}
		reg.MustRegister(NewConfigsAdapter(opts.ConfigSource, opts.Home, copts...))
	}
	return reg
}
