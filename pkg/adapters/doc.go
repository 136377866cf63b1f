// Package adapters implements engine.ResourceAdapter for the tools a Mac is
// set up with: brew, pipx, pyenv, mas and npm for packages, defaults for
// preferences, and a file mirror for managed config files.
//
// Package-manager adapters are thin command wrappers. They run through a
// Runner, so the same adapters work locally (LocalRunner) or over SSH.
// Tool failures are classified from stderr: network errors are transient,
// rate limiting is throttled, a held package-manager lock is a conflict,
// and everything else is permanent.
//
// The defaults adapter exchanges property lists with the defaults tool:
// domains are read with `defaults export <domain> -`, scalar values are
// written with typed flags, and arrays or dictionaries by importing the
// domain with the key replaced.
package adapters
