// Package stores provides the local persistence layer for macsetup.
// It keeps run history, the event log, named state snapshots, cached
// machine facts, and an audit trail of configuration changes in a single
// SQLite database running in WAL mode. The schema is applied with embedded
// migrations.
package stores
