// Package sshexec implements the provisioning backend against a static
// pool of pre-provisioned hosts reachable over SSH. Creating an instance
// claims a free host from the pool; commands run over SSH sessions and
// file writes go through SFTP. Suited to self-hosted fleets where the
// machines already exist and provisioning means configuring them.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/agentbox/agentbox/pkg/provision"
)

// Backend implements provision.Backend over a host pool.
type Backend struct {
	config *Config

	mu      sync.Mutex
	claimed map[string]bool        // host name -> claimed
	clients map[string]*ssh.Client // host name -> cached connection

	httpClient *http.Client
}

// NewBackend creates an SSH pool backend.
func NewBackend(cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sshexec config: %w", err)
	}

	return &Backend{
		config:  cfg,
		claimed: make(map[string]bool),
		clients: make(map[string]*ssh.Client),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// CreateInstance claims the first free host from the pool.
func (b *Backend) CreateInstance(_ context.Context, spec provision.InstanceSpec) (provision.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, host := range b.config.Hosts {
		if b.claimed[host.Name] {
			continue
		}
		b.claimed[host.Name] = true
		log.Info().
			Str("host", host.Name).
			Str("box", spec.Name).
			Msg("claimed host from pool")
		return provision.Instance{Identity: host.Name, URL: host.URL}, nil
	}

	return provision.Instance{}, fmt.Errorf("host pool exhausted: %d hosts all claimed", len(b.config.Hosts))
}

// DeleteInstance releases the host back to the pool, running the
// configured release command first.
func (b *Backend) DeleteInstance(ctx context.Context, identity string) error {
	if b.config.ReleaseCommand != "" {
		if _, err := b.RunCommand(ctx, identity, b.config.ReleaseCommand); err != nil {
			return fmt.Errorf("release command failed on %s: %w", identity, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.clients[identity]; ok {
		_ = client.Close()
		delete(b.clients, identity)
	}
	delete(b.claimed, identity)

	log.Info().Str("host", identity).Msg("released host to pool")
	return nil
}

// RunCommand executes a command on the host over an SSH session.
func (b *Backend) RunCommand(ctx context.Context, identity, cmd string) (provision.CommandResult, error) {
	client, err := b.client(ctx, identity)
	if err != nil {
		return provision.CommandResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return provision.CommandResult{}, fmt.Errorf("failed to create session on %s: %w", identity, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	log.Debug().Str("host", identity).Str("command", cmd).Msg("executing command")

	// Run the command in a goroutine so the context can interrupt it.
	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return provision.CommandResult{}, ctx.Err()
	case err = <-errCh:
	}

	result := provision.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("command failed on %s: %w", identity, err)
	}

	return result, nil
}

// WriteFile writes content to a remote path via SFTP.
func (b *Backend) WriteFile(ctx context.Context, identity, filePath string, content []byte, opts provision.WriteOptions) error {
	client, err := b.client(ctx, identity)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to open sftp on %s: %w", identity, err)
	}
	defer sftpClient.Close()

	if opts.MkdirAll {
		if err := sftpClient.MkdirAll(path.Dir(filePath)); err != nil {
			return fmt.Errorf("failed to create directories for %s: %w", filePath, err)
		}
	}

	f, err := sftpClient.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", filePath, identity, err)
	}

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filePath, err)
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := sftpClient.Chmod(filePath, os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", filePath, err)
	}

	log.Debug().Str("host", identity).Str("path", filePath).Int("bytes", len(content)).Msg("wrote remote file")
	return nil
}

// ListDir lists the entries of a remote directory via SFTP.
func (b *Backend) ListDir(ctx context.Context, identity, dirPath string) ([]string, error) {
	client, err := b.client(ctx, identity)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp on %s: %w", identity, err)
	}
	defer sftpClient.Close()

	infos, err := sftpClient.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s on %s: %w", dirPath, identity, err)
	}

	entries := make([]string, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, info.Name())
	}
	return entries, nil
}

// SetNetworkExposure runs the configured expose or conceal command.
func (b *Backend) SetNetworkExposure(ctx context.Context, identity string, exposure provision.Exposure) error {
	cmd := b.config.ExposeCommand
	if exposure == provision.ExposurePrivate {
		cmd = b.config.ConcealCommand
	}
	if cmd == "" {
		return fmt.Errorf("no command configured for exposure %s", exposure)
	}

	result, err := b.RunCommand(ctx, identity, cmd)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("exposure command exited %d on %s: %s", result.ExitCode, identity, result.Stderr)
	}

	log.Info().Str("host", identity).Str("exposure", string(exposure)).Msg("updated network exposure")
	return nil
}

// CheckHealth probes the instance's health endpoint over HTTP. A
// non-2xx response or any transport error reports unhealthy without an
// error; errors are reserved for malformed input.
func (b *Backend) CheckHealth(ctx context.Context, identity, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/healthz", nil)
	if err != nil {
		return false, fmt.Errorf("failed to build health request for %s: %w", identity, err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Debug().Str("host", identity).Err(err).Msg("health probe unreachable")
		return false, nil
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// client returns a cached SSH connection for the host, dialing on first
// use or after the cached connection died.
func (b *Backend) client(ctx context.Context, identity string) (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.clients[identity]; ok {
		// Cheap liveness probe; a dead connection gets redialed.
		if _, _, err := client.SendRequest("keepalive@agentbox", true, nil); err == nil {
			return client, nil
		}
		_ = client.Close()
		delete(b.clients, identity)
	}

	host, ok := b.host(identity)
	if !ok {
		return nil, fmt.Errorf("unknown host %s", identity)
	}

	clientConfig, err := b.config.buildClientConfig()
	if err != nil {
		return nil, err
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", host.Addr, clientConfig)
		ch <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("failed to dial %s (%s): %w", identity, host.Addr, res.err)
		}
		b.clients[identity] = res.client
		return res.client, nil
	}
}

func (b *Backend) host(identity string) (HostConfig, bool) {
	for _, h := range b.config.Hosts {
		if h.Name == identity {
			return h, true
		}
	}
	return HostConfig{}, false
}

// Close closes all cached connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, client := range b.clients {
		_ = client.Close()
		delete(b.clients, name)
	}
	return nil
}
