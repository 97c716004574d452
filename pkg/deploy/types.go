package deploy

import (
	"time"

	"github.com/agentbox/agentbox/pkg/provision"
)

// Top-level phase keys. Their order defines the pipeline's intended
// sequence and the order of step rows created for an attempt.
const (
	StepCreateInstance = "create-instance"
	StepSetupServices  = "setup-services"
	StepInstallAddons  = "install-add-ons"
	StepEnableAccess   = "enable-public-access"
	StepHealthCheck    = "health-check"
)

// SetupSubsteps is the canonical ordered list of provisioning substeps
// nested under the setup-services phase. The last entry closes out the
// parent phase when it completes.
var SetupSubsteps = []string{
	"fetch-runtime",
	"prepare-directories",
	"write-environment",
	"register-service",
}

// Queue names, one per worker type. Each queue has its own worker pool
// so slow work of one kind never starves another.
const (
	QueueSetupStep    = "deploy.setup-step"
	QueueInstallAddon = "deploy.install-addon"
	QueueAddonGate    = "deploy.addon-gate"
	QueueEnableAccess = "deploy.enable-access"
	QueueHealthCheck  = "deploy.health-check"
	QueueFinalize     = "deploy.finalize"
)

// WorkResult is the tagged outcome every worker returns as its job
// value. A tolerated failure is encoded as OK=false with Fatal set,
// returned without an error so the parent still runs and decides how
// to aggregate it. The workflow engine's own failure propagation is
// reserved for fatal conditions.
type WorkResult struct {
	// OK reports whether the unit of work succeeded.
	OK bool `json:"ok"`

	// Skipped marks work whose preconditions made it inapplicable.
	Skipped bool `json:"skipped,omitempty"`

	// Warning carries a non-blocking observation from successful work.
	Warning string `json:"warning,omitempty"`

	// Fatal carries the failure message when OK is false.
	Fatal string `json:"fatal,omitempty"`

	// AddonID identifies the add-on for install results.
	AddonID string `json:"addon_id,omitempty"`
}

// Addon is one optional content package to install onto the instance.
// Source is the resolved location of its content; an empty source means
// metadata resolution failed and the install is skipped.
type Addon struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// SetupStepJob is the payload of one fixed provisioning substep.
type SetupStepJob struct {
	BoxID    string             `json:"box_id"`
	Attempt  int                `json:"attempt"`
	Instance provision.Instance `json:"instance"`
	StepKey  string             `json:"step_key"`
	Env      map[string]string  `json:"env"`
	Assets   map[string]string  `json:"assets"`
}

// InstallAddonJob is the payload of one add-on install.
type InstallAddonJob struct {
	BoxID    string             `json:"box_id"`
	Attempt  int                `json:"attempt"`
	Instance provision.Instance `json:"instance"`
	Addon    Addon              `json:"addon"`
}

// AddonGateJob is the payload of the add-on aggregation gate.
type AddonGateJob struct {
	BoxID   string `json:"box_id"`
	Attempt int    `json:"attempt"`
}

// EnableAccessJob is the payload of the network exposure step.
type EnableAccessJob struct {
	BoxID    string             `json:"box_id"`
	Attempt  int                `json:"attempt"`
	Instance provision.Instance `json:"instance"`
}

// HealthCheckJob is the payload of the health verification step.
type HealthCheckJob struct {
	BoxID    string             `json:"box_id"`
	Attempt  int                `json:"attempt"`
	Instance provision.Instance `json:"instance"`
}

// FinalizeJob is the payload of the terminal finalization step.
type FinalizeJob struct {
	BoxID   string `json:"box_id"`
	Attempt int    `json:"attempt"`
}

// RetryPolicy holds the per-node-type retry budgets. Attempts count the
// total budget including the first try; backoff is the base delay and
// grows exponentially per attempt.
type RetryPolicy struct {
	SetupAttempts int           `yaml:"setup_attempts"`
	SetupBackoff  time.Duration `yaml:"setup_backoff"`

	AddonAttempts int           `yaml:"addon_attempts"`
	AddonBackoff  time.Duration `yaml:"addon_backoff"`

	AccessAttempts int           `yaml:"access_attempts"`
	AccessBackoff  time.Duration `yaml:"access_backoff"`

	// Health budgets are tuned to ride out normal service startup
	// latency, not to mask genuine misconfiguration indefinitely.
	HealthAttempts int           `yaml:"health_attempts"`
	HealthBackoff  time.Duration `yaml:"health_backoff"`
}

// DefaultRetryPolicy returns the standard retry budgets.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		SetupAttempts:  3,
		SetupBackoff:   5 * time.Second,
		AddonAttempts:  2,
		AddonBackoff:   3 * time.Second,
		AccessAttempts: 3,
		AccessBackoff:  5 * time.Second,
		HealthAttempts: 12,
		HealthBackoff:  10 * time.Second,
	}
}

// normalize fills zero budgets with the defaults.
func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.SetupAttempts <= 0 {
		p.SetupAttempts = def.SetupAttempts
	}
	if p.SetupBackoff <= 0 {
		p.SetupBackoff = def.SetupBackoff
	}
	if p.AddonAttempts <= 0 {
		p.AddonAttempts = def.AddonAttempts
	}
	if p.AddonBackoff <= 0 {
		p.AddonBackoff = def.AddonBackoff
	}
	if p.AccessAttempts <= 0 {
		p.AccessAttempts = def.AccessAttempts
	}
	if p.AccessBackoff <= 0 {
		p.AccessBackoff = def.AccessBackoff
	}
	if p.HealthAttempts <= 0 {
		p.HealthAttempts = def.HealthAttempts
	}
	if p.HealthBackoff <= 0 {
		p.HealthBackoff = def.HealthBackoff
	}
	return p
}

// FlowParams are the inputs to BuildDeployFlow.
type FlowParams struct {
	// BoxID identifies the box being deployed.
	BoxID string

	// Attempt is the deployment attempt number.
	Attempt int

	// Instance is the already-created compute instance.
	Instance provision.Instance

	// Env holds the environment variables injected into the instance.
	Env map[string]string

	// Assets maps asset names to the URLs provisioning needs.
	Assets map[string]string

	// Addons is the ordered list of add-ons with resolved sources.
	// Unresolvable add-ons are filtered out before the build.
	Addons []Addon

	// CompletedSteps is the set of substep keys already completed in
	// this attempt; they are omitted from the built tree.
	CompletedSteps map[string]bool

	// CompletedAddons is the set of add-on ids already completed.
	CompletedAddons map[string]bool

	// Retry holds the per-node-type retry budgets.
	Retry RetryPolicy
}
