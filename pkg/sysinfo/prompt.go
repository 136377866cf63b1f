package sysinfo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/macossetup/macossetup/pkg/adapters"
)

// FullDiskAccessURL opens the Full Disk Access pane of System Settings.
const FullDiskAccessURL = "x-apple.systempreferences:com.apple.preference.security?Privacy_AllFiles"

// ConfirmFunc shows message and returns when the user confirmed, or an
// error when they declined.
type ConfirmFunc func(ctx context.Context, message string) error

// SettingsPrompter asks for Full Disk Access: it opens the privacy pane of
// System Settings and waits for the user to confirm the grant.
type SettingsPrompter struct {
	runner  adapters.Runner
	apps    *ProcessTable
	confirm ConfirmFunc
}

var _ PermissionPrompter = (*SettingsPrompter)(nil)

// NewSettingsPrompter creates a prompter. apps names the application that
// needs the grant; confirm waits for the user.
func NewSettingsPrompter(runner adapters.Runner, apps *ProcessTable, confirm ConfirmFunc) *SettingsPrompter {
	return &SettingsPrompter{runner: runner, apps: apps, confirm: confirm}
}

// RequestAccess implements PermissionPrompter.
func (p *SettingsPrompter) RequestAccess(ctx context.Context, path string) error {
	app := "your terminal"
	if p.apps != nil {
		// The table may predate a relaunch under another app.
		p.apps.Invalidate()
		bundle, err := p.apps.CurrentApp(ctx)
		if err == nil && bundle != "" {
			app = strings.TrimSuffix(filepath.Base(bundle), ".app")
		}
	}

	if _, err := p.runner.Run(ctx, adapters.Command{Name: "open", Args: []string{FullDiskAccessURL}}); err != nil {
		return fmt.Errorf("failed to open System Settings: %w", err)
	}
	return p.confirm(ctx, fmt.Sprintf("macsetup needs to read %s. Grant Full Disk Access to %s in System Settings, then continue.", path, app))
}
