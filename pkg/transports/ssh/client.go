package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client owns one SSH connection, dialed on first use and redialed after
// it was found dead.
type Client struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	jump        *ssh.Client
	closers     []io.Closer
	connectedAt time.Time
	stop        chan struct{}
}

// NewClient validates config and creates a client. No connection is made
// until Connect or the first command.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Connect establishes the connection if there is none.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.get(ctx)
	return err
}

// get returns the live connection, dialing when needed.
func (c *Client) get(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c.client, nil
}

// dial connects to the target, through the jump host when one is
// configured. Must be called with mu held.
func (c *Client) dial(ctx context.Context) error {
	clientConfig, closer, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	var closers []io.Closer
	if closer != nil {
		closers = append(closers, closer)
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	var conn net.Conn
	var jump *ssh.Client
	if c.config.Jump != "" {
		jump, closers, err = c.dialJump(ctx, closers)
		if err != nil {
			closeAll(closers)
			return err
		}
		conn, err = jump.DialContext(ctx, "tcp", address)
	} else {
		d := net.Dialer{Timeout: c.config.ConnectionTimeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		closeAll(closers)
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	client, err := handshake(ctx, conn, address, clientConfig)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		closeAll(closers)
		return err
	}

	c.client = client
	c.jump = jump
	c.closers = closers
	c.connectedAt = time.Now()
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.stop)
	}

	log.Info().Str("target", c.config.String()).Msg("SSH connection established")
	return nil
}

func (c *Client) dialJump(ctx context.Context, closers []io.Closer) (*ssh.Client, []io.Closer, error) {
	jc, err := c.config.jumpConfig()
	if err != nil {
		return nil, closers, &TransportError{Op: "connect-jump", Err: err}
	}
	jumpConfig, closer, err := jc.BuildSSHClientConfig()
	if err != nil {
		return nil, closers, &TransportError{Op: "connect-jump", Err: err, IsAuthError: true}
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	log.Debug().Str("jump", jc.Address()).Msg("connecting to jump host")
	d := net.Dialer{Timeout: jc.ConnectionTimeout}
	conn, err := d.DialContext(ctx, "tcp", jc.Address())
	if err != nil {
		return nil, closers, &TransportError{Op: "connect-jump", Err: err, IsTemporary: true}
	}
	jump, err := handshake(ctx, conn, jc.Address(), jumpConfig)
	return jump, closers, err
}

// handshake runs the SSH handshake on conn, abandoning it when ctx ends.
func handshake(ctx context.Context, conn net.Conn, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "connect", Err: ctx.Err()}
		}
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// keepAlive pings the server and drops the connection after too many
// failures, so the next command redials.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.drop(client)
				return
			}
			continue
		}
		failures = 0
	}
}

// drop closes client if it is still the current connection.
func (c *Client) drop(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.closeLocked()
	}
}

// Close closes the connection. The client may be used again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	log.Debug().Str("target", c.config.String()).Msg("closing SSH connection")
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	close(c.stop)
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
	}
	closeAll(c.closers)
	c.client, c.jump, c.closers, c.stop = nil, nil, nil, nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether a connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// HealthCheck runs `true` on the remote host.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.get(ctx)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		c.drop(client)
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		closeQuietly(c)
	}
}
