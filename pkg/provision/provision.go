// Package provision defines the capability contracts the deployment
// engine consumes: the instance provisioning backend, secret resolution,
// and the add-on metadata registry. Implementations live in
// subpackages; the engine itself depends only on these interfaces.
package provision

import "context"

// Instance identifies a provisioned compute instance.
type Instance struct {
	// Identity is the backend's handle for the instance.
	Identity string `json:"identity"`

	// URL is the address the instance is reachable at once exposed.
	URL string `json:"url"`
}

// InstanceSpec describes the instance to create for a box.
type InstanceSpec struct {
	Name     string            `json:"name"`
	Image    string            `json:"image,omitempty"`
	CPUs     int               `json:"cpus,omitempty"`
	MemoryMB int               `json:"memory_mb,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// CommandResult carries the outcome of a remote command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// WriteOptions control remote file writes.
type WriteOptions struct {
	// MkdirAll creates missing parent directories first.
	MkdirAll bool

	// Mode is the file mode; zero means 0644.
	Mode uint32
}

// Exposure is an instance's network exposure level.
type Exposure string

const (
	ExposurePublic  Exposure = "public"
	ExposurePrivate Exposure = "private"
)

// Backend is the per-box instance lifecycle consumed from the
// provisioning infrastructure.
type Backend interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (Instance, error)
	RunCommand(ctx context.Context, identity, cmd string) (CommandResult, error)
	WriteFile(ctx context.Context, identity, path string, content []byte, opts WriteOptions) error
	ListDir(ctx context.Context, identity, path string) ([]string, error)
	SetNetworkExposure(ctx context.Context, identity string, exposure Exposure) error
	CheckHealth(ctx context.Context, identity, url string) (bool, error)
	DeleteInstance(ctx context.Context, identity string) error
}

// SecretResolver resolves a user's secrets into environment variables to
// inject into the instance.
type SecretResolver interface {
	ResolveSecrets(ctx context.Context, userID string) (map[string]string, error)
}

// AddonMetadata is the resolved source of one add-on.
type AddonMetadata struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// AddonRegistry resolves add-on identifiers to installable sources.
type AddonRegistry interface {
	FetchAddonMetadata(ctx context.Context, id string) (AddonMetadata, error)
	FetchAddonContent(ctx context.Context, source, id string) (string, error)
}
