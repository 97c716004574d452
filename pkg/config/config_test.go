package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agentbox.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
control_plane_url: https://control.example.com
store:
  path: /var/lib/agentbox/agentbox.db
backend:
  type: sshexec
  ssh:
    user: agentbox
    private_key_path: /etc/agentbox/id_ed25519
    hosts:
      - name: pool-1
        addr: 10.0.0.1:22
        url: https://pool-1.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ControlPlaneURL != "https://control.example.com" {
		t.Errorf("unexpected control plane URL: %s", cfg.ControlPlaneURL)
	}
	if cfg.Queues.SetupStep <= 0 {
		t.Error("expected default queue concurrency")
	}
	if cfg.Retry.HealthAttempts <= 0 {
		t.Error("expected default retry budgets")
	}
	if cfg.Telemetry.ServiceName != "agentbox" {
		t.Errorf("expected default service name, got %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
control_plane_url: https://control.example.com
store:
  path: /var/lib/agentbox/agentbox.db
backend:
  type: sshexec
  ssh:
    user: agentbox
    private_key_path: /etc/agentbox/id_ed25519
    hosts:
      - name: pool-1
        addr: 10.0.0.1:22
        url: https://pool-1.example.com
`)

	t.Setenv("AGENTBOX_CONTROL_PLANE_URL", "https://override.example.com")
	t.Setenv("AGENTBOX_STORE_PATH", "/tmp/override.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ControlPlaneURL != "https://override.example.com" {
		t.Errorf("env override not applied to control plane URL: %s", cfg.ControlPlaneURL)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("env override not applied to store path: %s", cfg.Store.Path)
	}
}

func TestLoadRejectsMissingURL(t *testing.T) {
	path := writeConfig(t, `
store:
  path: agentbox.db
backend:
  type: sshexec
  ssh:
    user: agentbox
    private_key_path: /etc/agentbox/id_ed25519
    hosts:
      - name: pool-1
        addr: 10.0.0.1:22
`)

	// Defaults fill the URL; blank it explicitly to exercise validation.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	cfg.ControlPlaneURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty control plane URL")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
control_plane_url: https://control.example.com
store:
  path: agentbox.db
backend:
  type: teleport
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown backend type")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/agentbox.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
