package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{target: "admin@studio.local", wantUser: "admin", wantHost: "studio.local", wantPort: 22},
		{target: "admin@10.0.0.7:2222", wantUser: "admin", wantHost: "10.0.0.7", wantPort: 2222},
		{target: "admin@[fe80::1]:22", wantUser: "admin", wantHost: "fe80::1", wantPort: 22},
		{target: "", wantErr: true},
		{target: "@studio.local", wantErr: true},
		{target: "admin@:22", wantErr: true},
		{target: "admin@studio.local:ssh", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg, err := ParseTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cfg.User != tt.wantUser || cfg.Host != tt.wantHost || cfg.Port != tt.wantPort {
				t.Errorf("got %s, want %s@%s:%d", cfg, tt.wantUser, tt.wantHost, tt.wantPort)
			}
			if cfg.AuthMethod != AuthMethodAgent || !cfg.StrictHostKeyChecking || cfg.Shell != DefaultShell {
				t.Errorf("defaults not applied: %+v", cfg)
			}
		})
	}
}

func TestParseTargetDefaultUser(t *testing.T) {
	cfg, err := ParseTarget("studio.local")
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}
	if cfg.Host != "studio.local" || cfg.Port != 22 {
		t.Errorf("unexpected target %s", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "password",
			modify: func(c *Config) { c.AuthMethod, c.Password = AuthMethodPassword, "secret" },
		},
		{
			name:   "key",
			modify: func(c *Config) { c.AuthMethod, c.PrivateKeyPath = AuthMethodKey, keyPath },
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "bad port",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.User = "" },
			wantErr: "user is required",
		},
		{
			name:    "empty password",
			modify:  func(c *Config) { c.AuthMethod, c.Password = AuthMethodPassword, "" },
			wantErr: "password is required",
		},
		{
			name:    "missing key file",
			modify:  func(c *Config) { c.AuthMethod, c.PrivateKeyPath = AuthMethodKey, keyPath+".absent" },
			wantErr: "private key file not found",
		},
		{
			name:    "unknown method",
			modify:  func(c *Config) { c.AuthMethod = "kerberos" },
			wantErr: "unsupported auth method",
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.ConnectionTimeout = 0 },
			wantErr: "timeout must be positive",
		},
		{
			name:    "bad jump host",
			modify:  func(c *Config) { c.Jump = "@bastion" },
			wantErr: "invalid jump host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("studio.local", "admin")
			cfg.AuthMethod, cfg.Password = AuthMethodPassword, "secret"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidateAgentWithoutSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	cfg := DefaultConfig("studio.local", "admin")
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "SSH_AUTH_SOCK") {
		t.Errorf("expected an SSH_AUTH_SOCK error, got %v", err)
	}
	if _, _, err := cfg.BuildSSHClientConfig(); err == nil {
		t.Error("expected BuildSSHClientConfig to fail without an agent")
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	cfg := DefaultConfig("studio.local", "admin")
	cfg.AuthMethod, cfg.Password = AuthMethodPassword, "secret"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second

	clientConfig, closer, err := cfg.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	if closer != nil {
		t.Error("password auth should not hold a connection")
	}
	if clientConfig.User != "admin" || clientConfig.Timeout != 5*time.Second {
		t.Errorf("unexpected client config %+v", clientConfig)
	}
	// password and keyboard-interactive
	if len(clientConfig.Auth) != 2 {
		t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
	}
}

func TestBuildSSHClientConfigStrict(t *testing.T) {
	cfg := DefaultConfig("studio.local", "admin")
	cfg.AuthMethod, cfg.Password = AuthMethodPassword, "secret"

	cfg.KnownHostsPath = ""
	if _, _, err := cfg.BuildSSHClientConfig(); err == nil || !strings.Contains(err.Error(), "known_hosts") {
		t.Errorf("expected a known_hosts error, got %v", err)
	}

	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(cfg.KnownHostsPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	clientConfig, _, err := cfg.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	if clientConfig.HostKeyCallback == nil {
		t.Error("expected a host key callback")
	}
}

func TestJumpConfig(t *testing.T) {
	cfg := DefaultConfig("studio.local", "admin")
	cfg.AuthMethod, cfg.Password = AuthMethodPassword, "secret"
	cfg.Jump = "bastion.example.com:2200"

	jc, err := cfg.jumpConfig()
	if err != nil {
		t.Fatalf("jumpConfig failed: %v", err)
	}
	if jc.String() != "admin@bastion.example.com:2200" {
		t.Errorf("unexpected jump target %s", jc)
	}
	if jc.AuthMethod != AuthMethodPassword || jc.Password != "secret" {
		t.Errorf("jump host should reuse the target's credentials: %+v", jc)
	}

	cfg.Jump = "ops@bastion.example.com"
	jc, _ = cfg.jumpConfig()
	if jc.User != "ops" {
		t.Errorf("explicit jump user lost: %s", jc)
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("fe80::1", "admin")
	if got := cfg.Address(); got != "[fe80::1]:22" {
		t.Errorf("Address() = %s", got)
	}
}
