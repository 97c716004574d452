package sshexec

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostConfig describes one pre-provisioned host in the pool.
type HostConfig struct {
	// Name is the host's stable identity, used as the instance identity.
	Name string `yaml:"name"`

	// Addr is the SSH address as host:port.
	Addr string `yaml:"addr"`

	// URL is the address the agent runtime will be reachable at once
	// the host is exposed.
	URL string `yaml:"url"`
}

// Config holds the SSH executor configuration.
type Config struct {
	// Hosts is the pool of claimable hosts.
	Hosts []HostConfig `yaml:"hosts"`

	// User is the SSH username used for all hosts.
	User string `yaml:"user"`

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string `yaml:"private_key_path"`

	// KnownHostsPath is the path to the known_hosts file. If empty, host
	// key verification is disabled (not recommended for production).
	KnownHostsPath string `yaml:"known_hosts_path"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ExposeCommand is the command run on a host to open its agent port
	// publicly, e.g. "ufw allow 8443/tcp".
	ExposeCommand string `yaml:"expose_command"`

	// ConcealCommand is the command run to close the agent port again.
	ConcealCommand string `yaml:"conceal_command"`

	// ReleaseCommand is run on a host when its instance is deleted,
	// typically wiping the runtime directories.
	ReleaseCommand string `yaml:"release_command"`
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	for i, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host %d: name is required", i)
		}
		if h.Addr == "" {
			return fmt.Errorf("host %s: addr is required", h.Name)
		}
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("private key path is required")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// buildClientConfig assembles the ssh.ClientConfig from the settings.
func (c *Config) buildClientConfig() (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty KnownHostsPath
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
