// Package ssh starts and stops client peers on remote machines.
package ssh

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config represents SSH connection configuration
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port,omitempty"`
	User           string        `yaml:"user"`
	KeyPath        string        `yaml:"key_path,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	KnownHosts     string        `yaml:"known_hosts,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
}

// Client wraps an SSH connection to one peer host.
type Client struct {
	config *Config
	client *ssh.Client
}

// Result is the outcome of a command run to completion.
type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// NewClient creates a new SSH client
func NewClient(config *Config) *Client {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = time.Minute
	}
	return &Client{config: config}
}

// Address returns host:port of the remote machine.
func (c *Client) Address() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	var auth []ssh.AuthMethod
	if c.config.KeyPath != "" {
		signer, err := loadPrivateKey(c.config.KeyPath)
		if err != nil {
			return errors.Wrap(err, "failed to load private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.config.Password != "" {
		auth = append(auth, ssh.Password(c.config.Password))
	}
	if len(auth) == 0 {
		return errors.New("no authentication method provided")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.config.KnownHosts != "" {
		cb, err := knownhosts.New(expandHome(c.config.KnownHosts))
		if err != nil {
			return errors.Wrap(err, "failed to load known_hosts")
		}
		hostKeys = cb
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.config.ConnectTimeout,
	}

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", c.Address())
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.Address(), sshConfig)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "ssh handshake with %s failed", c.Address())
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Run executes command and waits for it to finish.
func (c *Client) Run(ctx context.Context, command string) (*Result, error) {
	if c.client == nil {
		return nil, errors.New("not connected")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	defer session.Close()

	cmdCtx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		result := &Result{Output: string(o.out)}
		if o.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(o.err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, errors.Wrap(o.err, "command failed")
		}
		return result, nil
	case <-cmdCtx.Done():
		session.Close()
		return nil, errors.Wrap(cmdCtx.Err(), "command timed out")
	}
}

// Start runs command without waiting for it to exit. The session is closed
// when the command ends.
func (c *Client) Start(command string) error {
	if c.client == nil {
		return errors.New("not connected")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return errors.Wrap(err, "failed to start command")
	}

	go func() {
		_ = session.Wait()
		session.Close()
	}()
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func loadPrivateKey(keyPath string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(keyData)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
