package policy

// BuiltinPolicies returns the policies every guard starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedItemsPolicy(),
		protectedDomainsPolicy(),
		globalDomainPolicy(),
		selfRemovalPolicy(),
	}
}

// protectedItemsPolicy refuses to uninstall items listed in
// protected_items.
func protectedItemsPolicy() Policy {
	return Policy{
		Name:        "protected-items",
		Description: "Protected items are never uninstalled",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package macsetup.guard.protected_items

import rego.v1

deny contains violation if {
	input.action.type == "remove"
	input.action.subject in input.protected.items
	violation := {
		"message": sprintf("%s is protected and may not be removed", [input.action.subject]),
		"severity": "error",
	}
}
`,
	}
}

// protectedDomainsPolicy refuses any write to protected preference domains.
func protectedDomainsPolicy() Policy {
	return Policy{
		Name:        "protected-domains",
		Description: "Preferences in protected domains are never written",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package macsetup.guard.protected_domains

import rego.v1

preference_writes := {"set-preference", "unset-preference"}

deny contains violation if {
	input.action.type in preference_writes
	input.action.domain in input.protected.domains
	violation := {
		"message": sprintf("domain %s is protected", [input.action.domain]),
		"severity": "error",
	}
}
`,
	}
}

// globalDomainPolicy warns when a global preference is deleted; every
// application reads NSGlobalDomain.
func globalDomainPolicy() Policy {
	return Policy{
		Name:        "global-domain-unset",
		Description: "Warns when a key is deleted from NSGlobalDomain",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package macsetup.guard.global_domain

import rego.v1

deny contains violation if {
	input.action.type == "unset-preference"
	input.action.domain == "NSGlobalDomain"
	violation := {
		"message": sprintf("deleting global preference %s affects every application", [input.action.key]),
		"severity": "warning",
	}
}
`,
	}
}

// selfRemovalPolicy keeps the package managers macsetup drives.
func selfRemovalPolicy() Policy {
	return Policy{
		Name:        "self-removal",
		Description: "The tools macsetup depends on are never uninstalled through it",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package macsetup.guard.self_removal

import rego.v1

required := {
	"brew:mas": "mas",
	"brew:pipx": "pipx",
	"brew:pyenv": "pyenv",
	"brew:node": "npm",
	"brew:macsetup": "macsetup",
}

deny contains msg if {
	input.action.type == "remove"
	tool := required[input.action.subject]
	msg := sprintf("removing %s would break %s", [input.action.subject, tool])
}
`,
	}
}
