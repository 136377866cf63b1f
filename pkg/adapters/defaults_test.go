package adapters

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/macossetup/macossetup/pkg/engine"
)

const dockExport = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>autohide</key>
	<true/>
	<key>orientation</key>
	<string>left</string>
	<key>persistent-others</key>
	<array>
		<string>Downloads</string>
	</array>
	<key>tilesize</key>
	<integer>48</integer>
</dict>
</plist>
`

const dockExportLine = "defaults export com.apple.dock -"

func dockKey(key string) engine.PreferenceKey {
	return engine.PreferenceKey{Domain: "com.apple.dock", Key: key}
}

func TestDefaultsGetPreference(t *testing.T) {
	runner := newFakeRunner().on(dockExportLine, fakeResponse{stdout: dockExport})
	a := NewDefaultsAdapter(runner)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	tests := []struct {
		key    string
		want   any
		wantOK bool
	}{
		{"autohide", true, true},
		{"tilesize", 48, true},
		{"orientation", "left", true},
		{"persistent-others", []any{"Downloads"}, true},
		{"magnification", nil, false},
	}
	for _, tt := range tests {
		got, ok, err := a.GetPreference(ctx, dockKey(tt.key))
		if err != nil {
			t.Fatalf("GetPreference(%s) failed: %v", tt.key, err)
		}
		if ok != tt.wantOK || (ok && !engine.ValuesEqual(got, tt.want)) {
			t.Errorf("GetPreference(%s) = %#v, %v", tt.key, got, ok)
		}
	}
	if n := runner.count(dockExportLine); n != 1 {
		t.Errorf("expected one export for the domain, got %d", n)
	}

	now = now.Add(DefaultDomainTTL)
	if _, _, err := a.GetPreference(ctx, dockKey("autohide")); err != nil {
		t.Fatal(err)
	}
	if n := runner.count(dockExportLine); n != 2 {
		t.Errorf("expected a fresh export after the TTL, got %d", n)
	}
}

func TestDefaultsMissingDomain(t *testing.T) {
	runner := newFakeRunner().on("defaults export com.example.none -", fakeResponse{
		code:   1,
		stderr: "Domain com.example.none does not exist\n",
	})
	_, ok, err := NewDefaultsAdapter(runner).GetPreference(context.Background(), engine.PreferenceKey{Domain: "com.example.none", Key: "x"})
	if err != nil || ok {
		t.Errorf("expected a missing domain to read as empty, got %v %v", ok, err)
	}
}

func TestDefaultsSetPreferenceScalars(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"bool", true, "defaults write com.apple.dock autohide -bool true"},
		{"int", 48, "defaults write com.apple.dock autohide -int 48"},
		{"uint64 from plist", uint64(36), "defaults write com.apple.dock autohide -int 36"},
		{"float", 0.5, "defaults write com.apple.dock autohide -float 0.5"},
		{"string", "left side", "defaults write com.apple.dock autohide -string left side"},
		{"date", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "defaults write com.apple.dock autohide -date 2026-01-02 03:04:05 +0000"},
		{"data", []byte{0xde, 0xad}, "defaults write com.apple.dock autohide -data dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner().on(tt.want, fakeResponse{})
			if err := NewDefaultsAdapter(runner).SetPreference(context.Background(), dockKey("autohide"), tt.value); err != nil {
				t.Fatalf("SetPreference failed: %v (ran %v)", err, runner.lines())
			}
		})
	}
}

func TestDefaultsSetPreferenceInvalidatesCache(t *testing.T) {
	runner := newFakeRunner().
		on(dockExportLine, fakeResponse{stdout: dockExport}).
		on("defaults write com.apple.dock tilesize -int 36", fakeResponse{})
	a := NewDefaultsAdapter(runner)
	ctx := context.Background()

	if _, _, err := a.GetPreference(ctx, dockKey("tilesize")); err != nil {
		t.Fatal(err)
	}
	if err := a.SetPreference(ctx, dockKey("tilesize"), 36); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.GetPreference(ctx, dockKey("tilesize")); err != nil {
		t.Fatal(err)
	}
	if n := runner.count(dockExportLine); n != 2 {
		t.Errorf("expected the write to drop the cached domain, got %d exports", n)
	}
}

func TestDefaultsDelete(t *testing.T) {
	runner := newFakeRunner().
		on("defaults delete com.apple.dock autohide", fakeResponse{}).
		on("defaults delete com.apple.dock magnification", fakeResponse{
			code:   1,
			stderr: "Domain (com.apple.dock) not found.\nThe domain/default pair of (com.apple.dock, magnification) does not exist\n",
		}).
		on("defaults delete com.apple.dock locked", fakeResponse{code: 1, stderr: "Operation not permitted"})
	a := NewDefaultsAdapter(runner)
	ctx := context.Background()

	if err := a.SetPreference(ctx, dockKey("autohide"), nil); err != nil {
		t.Errorf("delete failed: %v", err)
	}
	if err := a.SetPreference(ctx, dockKey("magnification"), nil); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
	if err := a.SetPreference(ctx, dockKey("locked"), nil); err == nil {
		t.Error("expected a permission error")
	}
}

func TestDefaultsSetPreferenceContainer(t *testing.T) {
	runner := newFakeRunner().
		on(dockExportLine, fakeResponse{stdout: dockExport}).
		on("defaults import com.apple.dock -", fakeResponse{})
	a := NewDefaultsAdapter(runner)

	value := []any{"Downloads", "Applications"}
	if err := a.SetPreference(context.Background(), dockKey("persistent-others"), value); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}

	var stdin string
	for _, c := range runner.calls {
		if len(c.Args) > 0 && c.Args[0] == "import" {
			stdin = string(c.Stdin)
		}
	}
	for _, want := range []string{"<string>Applications</string>", "<key>tilesize</key>", "<key>autohide</key>"} {
		if !strings.Contains(stdin, want) {
			t.Errorf("imported plist lacks %s:\n%s", want, stdin)
		}
	}
}

func TestDefaultsRejectsUnsupportedValue(t *testing.T) {
	a := NewDefaultsAdapter(newFakeRunner())
	if err := a.SetPreference(context.Background(), dockKey("x"), struct{}{}); err == nil {
		t.Error("expected error for an unsupported value")
	}
}

func TestDefaultsHasNoItems(t *testing.T) {
	a := NewDefaultsAdapter(newFakeRunner())
	if err := a.Install(context.Background(), engine.Item{Kind: engine.KindDefaults, ID: "x"}, ""); err == nil {
		t.Error("expected item operations to be unsupported")
	}
}
