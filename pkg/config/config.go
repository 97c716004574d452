// Package config loads and validates the control plane configuration
// from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agentbox/agentbox/pkg/deploy"
	"github.com/agentbox/agentbox/pkg/provision/sshexec"
	"github.com/agentbox/agentbox/pkg/telemetry"
)

// Config is the top-level control plane configuration.
type Config struct {
	// ControlPlaneURL is the base URL instances use to call back into
	// the control plane.
	ControlPlaneURL string `yaml:"control_plane_url" validate:"required,url"`

	// Store configures the persistence layer.
	Store StoreConfig `yaml:"store"`

	// Backend configures the provisioning backend.
	Backend BackendConfig `yaml:"backend"`

	// Assets maps asset names to the URLs provisioning needs, e.g. the
	// agent runtime binary under "runtime".
	Assets map[string]string `yaml:"assets"`

	// SecretsFile is the YAML file mapping user ids to secret maps.
	SecretsFile string `yaml:"secrets_file"`

	// AddonDir is the directory holding add-on content files.
	AddonDir string `yaml:"addon_dir"`

	// Queues bounds per-worker-type concurrency.
	Queues deploy.QueueConcurrency `yaml:"queues"`

	// Retry holds the per-node-type retry budgets.
	Retry deploy.RetryPolicy `yaml:"retry"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string `yaml:"path" validate:"required"`
}

// BackendConfig selects and configures the provisioning backend.
type BackendConfig struct {
	// Type names the backend implementation.
	Type string `yaml:"type" validate:"required,oneof=sshexec"`

	// SSH configures the sshexec backend.
	SSH sshexec.Config `yaml:"ssh"`
}

// Default returns a configuration with every defaultable field filled.
func Default() *Config {
	return &Config{
		ControlPlaneURL: "http://localhost:8080",
		Store:           StoreConfig{Path: "agentbox.db"},
		Backend:         BackendConfig{Type: "sshexec"},
		Assets:          map[string]string{},
		SecretsFile:     "secrets.yaml",
		AddonDir:        "addons",
		Queues:          deploy.DefaultQueueConcurrency(),
		Retry:           deploy.DefaultRetryPolicy(),
		Telemetry:       telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file, applies defaults for omitted
// fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables that are commonly set per
// deployment target on top of the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTBOX_CONTROL_PLANE_URL"); v != "" {
		c.ControlPlaneURL = v
	}
	if v := os.Getenv("AGENTBOX_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("AGENTBOX_SECRETS_FILE"); v != "" {
		c.SecretsFile = v
	}
	if v := os.Getenv("AGENTBOX_ADDON_DIR"); v != "" {
		c.AddonDir = v
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend.Type == "sshexec" {
		if err := c.Backend.SSH.Validate(); err != nil {
			return fmt.Errorf("invalid ssh backend configuration: %w", err)
		}
	}
	return c.Telemetry.Validate()
}
