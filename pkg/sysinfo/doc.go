// Package sysinfo answers questions about the machine being configured:
// which application the tool runs under, how protected files are opened,
// and the host facts handed to generator scripts.
//
// Each piece is an explicitly owned value. A ProcessTable is a snapshot of
// the process list that the caller refreshes with Invalidate; an Opener
// retries a refused open once after asking a PermissionPrompter for
// access; a FactsCollector caches facts in the state database.
package sysinfo
