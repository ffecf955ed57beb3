package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps an SSH connection
type Client struct {
	config *ClientConfig
	client *ssh.Client
}

// ClientConfig holds SSH connection configuration
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	KeyPath  string
	Timeout  time.Duration
	Trust    TrustConfig
}

// Address returns host:port for dialing.
func (c *ClientConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dial creates a connected SSH client
func Dial(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	client := &Client{
		config: config,
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes the SSH connection using key-based, non-interactive auth
func (c *Client) Connect(ctx context.Context) error {
	signer, err := LoadSigner(c.config.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	hostKeyCallback, err := NewHostKeyCallback(c.config.Trust)
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	address := c.config.Address()
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial SSH: %w", err)
	}

	// The handshake shares the connect timeout; transfers afterwards are unbounded.
	if err := conn.SetDeadline(time.Now().Add(c.config.Timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to establish SSH session: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)

	return nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// NewSFTP creates a new SFTP client over the connection
func (c *Client) NewSFTP(opts ...sftp.ClientOption) (*sftp.Client, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return sftp.NewClient(c.client, opts...)
}
