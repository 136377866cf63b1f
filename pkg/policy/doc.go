// Package policy guards sync plans with Open Policy Agent.
//
// Before a plan executes, Engine.Check evaluates every system-facing action
// against a set of Rego modules. Each module defines a "deny" set; an
// element is either a message string or an object:
//
//	{"message": "...", "severity": "warning"}
//
// Violations with severity error or critical deny the action, and the
// engine reports it and its dependents as skipped. Warnings are logged.
//
// The input document has three parts:
//
//	input.action     id, type, subject ("brew:git"), kind, class, name,
//	                 domain, key, version, value, change, destructive
//	input.protected  items and domains from the settings file
//	input.context    user, host, timestamp
//
// Built-in policies protect the items in protected_items from removal,
// refuse writes to protected_domains, keep the package managers macsetup
// drives, and warn before deleting NSGlobalDomain keys.
//
// User policies are .rego files (named after the file, severity error) or
// .json files holding a Policy. Loader.Watch reloads them on change:
//
//	eng, _ := policy.NewEngine(logger, policy.WithProtectedItems("brew:git"))
//	_ = eng.LoadPolicies(ctx, paths)
//	go policy.NewLoader(logger).Watch(ctx, paths, eng.ReplaceUserPolicies)
package policy
