package ssh

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the keys of the agent at SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// DefaultShell wraps remote commands in a login shell, so the PATH set up
// by Homebrew and pyenv in the user's profile applies.
const DefaultShell = "/bin/zsh"

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive.
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the number of failed keep-alives after which
	// the connection is dropped and redialed on next use.
	MaxKeepAliveRetries int

	// Jump is an optional "user@host:port" bastion the connection is
	// tunnelled through. It authenticates like the target.
	Jump string

	// Shell runs each command as `<Shell> -lc <command>`. Empty runs the
	// command line directly.
	Shell string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodAgent,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		Shell:                 DefaultShell,
	}
}

// ParseTarget parses "[user@]host[:port]" into a default configuration.
// The user defaults to the local user name.
func ParseTarget(target string) (*Config, error) {
	if target == "" {
		return nil, fmt.Errorf("empty ssh target")
	}

	userName := ""
	hostPort := target
	if i := strings.LastIndex(target, "@"); i >= 0 {
		userName, hostPort = target[:i], target[i+1:]
		if userName == "" {
			return nil, fmt.Errorf("invalid ssh target %q: empty user", target)
		}
	}

	host, port := hostPort, 22
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh target %q: bad port", target)
		}
		host, port = h, n
	}
	if host == "" {
		return nil, fmt.Errorf("invalid ssh target %q: empty host", target)
	}

	if userName == "" {
		if u, err := user.Current(); err == nil {
			userName = u.Username
		}
	}

	cfg := DefaultConfig(host, userName)
	cfg.Port = port
	return cfg, nil
}

// Validate checks if the configuration is valid. For key authentication
// without a key path the usual default keys are tried.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.Jump != "" {
		if _, err := ParseTarget(c.Jump); err != nil {
			return fmt.Errorf("invalid jump host: %w", err)
		}
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config. The
// returned closer, when not nil, releases the agent connection and must be
// closed after the SSH connection is.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var authMethods []ssh.AuthMethod
	var closer io.Closer

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn

	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking {
		if c.KnownHostsPath == "" {
			closeQuietly(closer)
			return nil, nil, fmt.Errorf("strict host key checking requires a known_hosts file")
		}
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			closeQuietly(closer)
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}

	return clientConfig, closer, nil
}

// jumpConfig returns the configuration of the bastion: its own address
// with the target's credentials.
func (c *Config) jumpConfig() (*Config, error) {
	jc, err := ParseTarget(c.Jump)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(c.Jump, "@") {
		jc.User = c.User
	}
	jc.AuthMethod = c.AuthMethod
	jc.Password = c.Password
	jc.PrivateKeyPath = c.PrivateKeyPath
	jc.PrivateKeyPassphrase = c.PrivateKeyPassphrase
	jc.KnownHostsPath = c.KnownHostsPath
	jc.StrictHostKeyChecking = c.StrictHostKeyChecking
	jc.ConnectionTimeout = c.ConnectionTimeout
	return jc, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns the target as user@host:port.
func (c *Config) String() string {
	return c.User + "@" + c.Address()
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
