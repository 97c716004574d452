package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbox/agentbox/pkg/flowq"
	"github.com/agentbox/agentbox/pkg/provision"
	"github.com/agentbox/agentbox/pkg/stores"
	"github.com/agentbox/agentbox/pkg/telemetry"
)

// Instance filesystem layout. Provisioning commands are written to be
// safely re-runnable: repeating one is a no-op or an idempotent
// overwrite, since a worker crash mid-job re-executes the same unit.
const (
	runtimeDir  = "/opt/agentbox"
	runtimeBin  = "/opt/agentbox/bin/agentd"
	envFile     = "/opt/agentbox/env"
	addonsDir   = "/opt/agentbox/addons"
	serviceUnit = "/etc/systemd/system/agentbox.service"
	serviceName = "agentbox"
)

// QueueConcurrency bounds the simultaneous jobs per worker type, which
// exists to avoid overwhelming the provisioning backend.
type QueueConcurrency struct {
	SetupStep    int `yaml:"setup_step"`
	InstallAddon int `yaml:"install_addon"`
	AddonGate    int `yaml:"addon_gate"`
	EnableAccess int `yaml:"enable_access"`
	HealthCheck  int `yaml:"health_check"`
	Finalize     int `yaml:"finalize"`
}

// DefaultQueueConcurrency returns the standard per-queue limits.
func DefaultQueueConcurrency() QueueConcurrency {
	return QueueConcurrency{
		SetupStep:    4,
		InstallAddon: 8,
		AddonGate:    2,
		EnableAccess: 2,
		HealthCheck:  4,
		Finalize:     2,
	}
}

// Workers holds the per-node-type job handlers. Each handler performs
// one unit of work, persists the step's status transition, and returns
// a WorkResult consumed by its parent node.
type Workers struct {
	store    stores.Store
	backend  provision.Backend
	registry provision.AddonRegistry
	recorder *telemetry.Recorder
	logger   zerolog.Logger
}

// NewWorkers creates the worker set.
func NewWorkers(store stores.Store, backend provision.Backend, registry provision.AddonRegistry, recorder *telemetry.Recorder, logger zerolog.Logger) *Workers {
	return &Workers{
		store:    store,
		backend:  backend,
		registry: registry,
		recorder: recorder,
		logger:   logger.With().Str("component", "deploy").Logger(),
	}
}

// Register registers every deployment queue on the engine.
func (w *Workers) Register(engine *flowq.Engine, conc QueueConcurrency) error {
	queues := []struct {
		name        string
		concurrency int
		handler     flowq.Handler
	}{
		{QueueSetupStep, conc.SetupStep, w.handleSetupStep},
		{QueueInstallAddon, conc.InstallAddon, w.handleInstallAddon},
		{QueueAddonGate, conc.AddonGate, w.handleAddonGate},
		{QueueEnableAccess, conc.EnableAccess, w.handleEnableAccess},
		{QueueHealthCheck, conc.HealthCheck, w.handleHealthCheck},
		{QueueFinalize, conc.Finalize, w.handleFinalize},
	}

	for _, q := range queues {
		if err := engine.RegisterQueue(q.name, q.concurrency, q.handler); err != nil {
			return fmt.Errorf("failed to register queue %s: %w", q.name, err)
		}
	}
	return nil
}

// handleSetupStep runs one fixed provisioning substep. When the key is
// the last canonical substep it also closes out the setup-services
// parent, which is how a chain shortened by resumption still completes
// its parent exactly once.
func (w *Workers) handleSetupStep(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(SetupStepJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed setup-step job data", nil))
	}

	ctx, span := startSpan(ctx, QueueSetupStep, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	if err := w.markStep(ctx, data.BoxID, data.Attempt, data.StepKey, stores.StepStatusRunning,
		&stores.StepUpdate{ParentKey: StepSetupServices}); err != nil {
		return nil, fmt.Errorf("failed to mark %s running: %w", data.StepKey, err)
	}

	if err := w.runSetupSubstep(ctx, data); err != nil {
		w.failStep(ctx, job, data.BoxID, data.Attempt, data.StepKey, StepSetupServices, err)
		return nil, err
	}

	if err := w.markStep(ctx, data.BoxID, data.Attempt, data.StepKey, stores.StepStatusCompleted,
		&stores.StepUpdate{ParentKey: StepSetupServices}); err != nil {
		return nil, fmt.Errorf("failed to mark %s completed: %w", data.StepKey, err)
	}
	w.recorder.Step(data.BoxID, data.Attempt, data.StepKey, telemetry.EventStepCompleted, time.Since(started), nil)

	if data.StepKey == SetupSubsteps[len(SetupSubsteps)-1] {
		if err := w.markStep(ctx, data.BoxID, data.Attempt, StepSetupServices, stores.StepStatusCompleted, nil); err != nil {
			return nil, fmt.Errorf("failed to close setup-services phase: %w", err)
		}
	}

	return WorkResult{OK: true}, nil
}

// runSetupSubstep dispatches one substep to the provisioning backend.
func (w *Workers) runSetupSubstep(ctx context.Context, data SetupStepJob) error {
	identity := data.Instance.Identity

	switch data.StepKey {
	case "fetch-runtime":
		url, ok := data.Assets["runtime"]
		if !ok {
			return flowq.Permanent(NewPermanentError("no runtime asset URL configured", nil))
		}
		cmd := fmt.Sprintf("mkdir -p %s/bin && curl -fsSL -o %s %q && chmod 0755 %s",
			runtimeDir, runtimeBin, url, runtimeBin)
		return w.run(ctx, identity, cmd)

	case "prepare-directories":
		cmd := fmt.Sprintf("mkdir -p %s/data %s/logs %s", runtimeDir, runtimeDir, addonsDir)
		return w.run(ctx, identity, cmd)

	case "write-environment":
		return w.backend.WriteFile(ctx, identity, envFile, renderEnvFile(data.Env),
			provision.WriteOptions{MkdirAll: true, Mode: 0o600})

	case "register-service":
		if err := w.backend.WriteFile(ctx, identity, serviceUnit, renderServiceUnit(),
			provision.WriteOptions{MkdirAll: true, Mode: 0o644}); err != nil {
			return err
		}
		return w.run(ctx, identity, fmt.Sprintf("systemctl daemon-reload && systemctl enable --now %s", serviceName))

	default:
		return flowq.Permanent(NewPermanentError(fmt.Sprintf("unknown setup substep %s", data.StepKey), nil))
	}
}

// run executes a command and turns a non-zero exit into an error.
func (w *Workers) run(ctx context.Context, identity, cmd string) error {
	result, err := w.backend.RunCommand(ctx, identity, cmd)
	if err != nil {
		return NewTransientError("command execution failed", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("command exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// handleInstallAddon installs one add-on. Failures are tolerated: on
// the final attempt the handler persists the failed step and returns a
// success-shaped WorkResult carrying the error, so the gate still runs
// and the flow never fails because of an add-on.
func (w *Workers) handleInstallAddon(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(InstallAddonJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed install-addon job data", nil))
	}

	ctx, span := startSpan(ctx, QueueInstallAddon, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	addon := data.Addon
	started := time.Now()

	if err := w.markStep(ctx, data.BoxID, data.Attempt, addon.ID, stores.StepStatusRunning,
		&stores.StepUpdate{ParentKey: StepInstallAddons}); err != nil {
		return nil, fmt.Errorf("failed to mark add-on %s running: %w", addon.ID, err)
	}

	if addon.Source == "" {
		if err := w.markStep(ctx, data.BoxID, data.Attempt, addon.ID, stores.StepStatusSkipped,
			&stores.StepUpdate{ParentKey: StepInstallAddons}); err != nil {
			return nil, err
		}
		w.recorder.Record(telemetry.Event{
			Type: telemetry.EventAddonSkipped, BoxID: data.BoxID, Attempt: data.Attempt, Step: addon.ID,
		})
		return WorkResult{OK: true, Skipped: true, AddonID: addon.ID}, nil
	}

	if err := w.installAddon(ctx, data); err != nil {
		if !job.FinalAttempt() {
			return nil, err
		}
		if serr := w.markStep(ctx, data.BoxID, data.Attempt, addon.ID, stores.StepStatusFailed,
			&stores.StepUpdate{ErrorMessage: err.Error(), ParentKey: StepInstallAddons}); serr != nil {
			return nil, serr
		}
		w.recorder.Record(telemetry.Event{
			Type: telemetry.EventAddonInstallFailed, BoxID: data.BoxID, Attempt: data.Attempt, Step: addon.ID,
			Fields: map[string]any{"error": err.Error()},
		})
		return WorkResult{OK: false, Fatal: err.Error(), AddonID: addon.ID}, nil
	}

	if err := w.markStep(ctx, data.BoxID, data.Attempt, addon.ID, stores.StepStatusCompleted,
		&stores.StepUpdate{ParentKey: StepInstallAddons}); err != nil {
		return nil, err
	}
	w.recorder.Step(data.BoxID, data.Attempt, addon.ID, telemetry.EventStepCompleted, time.Since(started), nil)
	w.recorder.Record(telemetry.Event{
		Type: telemetry.EventAddonInstalled, BoxID: data.BoxID, Attempt: data.Attempt, Step: addon.ID,
	})

	return WorkResult{OK: true, AddonID: addon.ID}, nil
}

// installAddon fetches the add-on content and writes it onto the
// instance.
func (w *Workers) installAddon(ctx context.Context, data InstallAddonJob) error {
	content, err := w.registry.FetchAddonContent(ctx, data.Addon.Source, data.Addon.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch add-on content: %w", err)
	}

	path := fmt.Sprintf("%s/%s.md", addonsDir, data.Addon.ID)
	if err := w.backend.WriteFile(ctx, data.Instance.Identity, path, []byte(content),
		provision.WriteOptions{MkdirAll: true, Mode: 0o644}); err != nil {
		return fmt.Errorf("failed to write add-on content: %w", err)
	}
	return nil
}

// handleAddonGate aggregates the install results, writes the summary
// into the install-add-ons phase metadata, and completes the phase
// regardless of how many add-ons failed. Its own failure (store
// unavailable) is fatal and propagates.
func (w *Workers) handleAddonGate(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(AddonGateJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed addon-gate job data", nil))
	}

	ctx, span := startSpan(ctx, QueueAddonGate, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	var succeeded, failed, skipped int
	for _, child := range job.Children {
		if child.Err != nil {
			failed++
			continue
		}
		result, ok := child.Value.(WorkResult)
		switch {
		case !ok:
			failed++
		case result.Skipped:
			skipped++
		case result.OK:
			succeeded++
		default:
			failed++
		}
	}

	w.logger.Info().
		Str("box_id", data.BoxID).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("add-on installs settled")

	if err := w.markStep(ctx, data.BoxID, data.Attempt, StepInstallAddons, stores.StepStatusCompleted,
		&stores.StepUpdate{Metadata: map[string]any{
			"succeeded": succeeded,
			"failed":    failed,
			"skipped":   skipped,
		}}); err != nil {
		return nil, fmt.Errorf("failed to close install-add-ons phase: %w", err)
	}

	result := WorkResult{OK: true}
	if failed > 0 {
		result.Warning = fmt.Sprintf("%d add-on install(s) failed", failed)
	}
	return result, nil
}

// handleEnableAccess flips the instance's network exposure to public.
// Must run after all setup substeps (the service has to be started)
// and before health check (the endpoint has to be reachable).
func (w *Workers) handleEnableAccess(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(EnableAccessJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed enable-access job data", nil))
	}

	ctx, span := startSpan(ctx, QueueEnableAccess, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	if err := w.markStep(ctx, data.BoxID, data.Attempt, StepEnableAccess, stores.StepStatusRunning, nil); err != nil {
		return nil, fmt.Errorf("failed to mark enable-public-access running: %w", err)
	}

	if err := w.backend.SetNetworkExposure(ctx, data.Instance.Identity, provision.ExposurePublic); err != nil {
		w.failStep(ctx, job, data.BoxID, data.Attempt, StepEnableAccess, "", err)
		return nil, err
	}

	if err := w.markStep(ctx, data.BoxID, data.Attempt, StepEnableAccess, stores.StepStatusCompleted, nil); err != nil {
		return nil, fmt.Errorf("failed to mark enable-public-access completed: %w", err)
	}
	w.recorder.Step(data.BoxID, data.Attempt, StepEnableAccess, telemetry.EventStepCompleted, time.Since(started), nil)

	return WorkResult{OK: true}, nil
}

// handleHealthCheck probes the instance's health endpoint exactly once
// per attempt; retries come from the job's backoff policy, not an
// internal loop. An unhealthy probe fails the attempt; a probe error
// means malformed input and is not retried.
func (w *Workers) handleHealthCheck(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(HealthCheckJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed health-check job data", nil))
	}

	ctx, span := startSpan(ctx, QueueHealthCheck, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	if err := w.markStep(ctx, data.BoxID, data.Attempt, StepHealthCheck, stores.StepStatusRunning, nil); err != nil {
		return nil, fmt.Errorf("failed to mark health-check running: %w", err)
	}

	healthy, err := w.backend.CheckHealth(ctx, data.Instance.Identity, data.Instance.URL)
	if err != nil {
		perm := flowq.Permanent(fmt.Errorf("health probe rejected: %w", err))
		w.persistStepFailure(ctx, data.BoxID, data.Attempt, StepHealthCheck, "", perm)
		return nil, perm
	}
	if !healthy {
		failure := fmt.Errorf("instance %s not healthy at %s", data.Instance.Identity, data.Instance.URL)
		w.failStep(ctx, job, data.BoxID, data.Attempt, StepHealthCheck, "", failure)
		return nil, failure
	}

	if err := w.markStep(ctx, data.BoxID, data.Attempt, StepHealthCheck, stores.StepStatusCompleted, nil); err != nil {
		return nil, fmt.Errorf("failed to mark health-check completed: %w", err)
	}
	w.recorder.Step(data.BoxID, data.Attempt, StepHealthCheck, telemetry.EventStepCompleted, time.Since(started), nil)

	return WorkResult{OK: true}, nil
}

// handleFinalize transitions the box to running. This is the single
// place that status is set, so "running implies health-check passed"
// stays mechanically checkable.
func (w *Workers) handleFinalize(ctx context.Context, job *flowq.Job) (res any, err error) {
	data, ok := job.Data.(FinalizeJob)
	if !ok {
		return nil, flowq.Permanent(NewPermanentError("malformed finalize job data", nil))
	}

	ctx, span := startSpan(ctx, QueueFinalize, data.BoxID, data.Attempt)
	defer func() { endSpan(span, err) }()

	if err := w.store.MarkBoxRunning(ctx, data.BoxID); err != nil {
		_ = w.store.SetBoxError(ctx, data.BoxID, fmt.Sprintf("finalization failed: %v", err))
		return nil, fmt.Errorf("failed to mark box running: %w", err)
	}

	w.recorder.Record(telemetry.Event{
		Type: telemetry.EventDeployCompleted, BoxID: data.BoxID, Attempt: data.Attempt,
	})
	w.logger.Info().Str("box_id", data.BoxID).Int("attempt", data.Attempt).Msg("box is running")

	return WorkResult{OK: true}, nil
}

// markStep transitions a step, treating a terminal-state conflict as a
// no-op. A fully resumed attempt re-verifies exposure and health even
// though those steps are already terminal; the re-run must not trip
// over the store's terminal stickiness.
func (w *Workers) markStep(ctx context.Context, boxID string, attempt int, key string, status stores.StepStatus, upd *stores.StepUpdate) error {
	err := w.store.UpdateStepStatus(ctx, boxID, attempt, key, status, upd)
	if errors.Is(err, stores.ErrTerminalStep) {
		return nil
	}
	return err
}

// failStep persists a step failure once the retry budget is exhausted
// and marks the box errored. Earlier attempts only log.
func (w *Workers) failStep(ctx context.Context, job *flowq.Job, boxID string, attempt int, key, parentKey string, cause error) {
	w.logger.Warn().
		Str("box_id", boxID).
		Str("step", key).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Err(cause).
		Msg("step attempt failed")

	if !job.FinalAttempt() && !flowq.IsPermanent(cause) {
		return
	}
	w.persistStepFailure(ctx, boxID, attempt, key, parentKey, cause)
}

// persistStepFailure records the terminal failure on the step and the
// box. Store errors here are logged, not returned: the original cause
// is what must surface.
func (w *Workers) persistStepFailure(ctx context.Context, boxID string, attempt int, key, parentKey string, cause error) {
	upd := &stores.StepUpdate{ErrorMessage: cause.Error()}
	if parentKey != "" {
		upd.ParentKey = parentKey
	}
	if err := w.markStep(ctx, boxID, attempt, key, stores.StepStatusFailed, upd); err != nil {
		w.logger.Error().Str("box_id", boxID).Str("step", key).Err(err).Msg("failed to persist step failure")
	}
	if err := w.store.SetBoxError(ctx, boxID, cause.Error()); err != nil {
		w.logger.Error().Str("box_id", boxID).Err(err).Msg("failed to mark box errored")
	}
	w.recorder.Step(boxID, attempt, key, telemetry.EventStepFailed, 0, map[string]any{"error": cause.Error()})
}

// renderEnvFile renders environment variables as KEY=value lines in a
// stable order.
func renderEnvFile(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// renderServiceUnit renders the systemd unit for the agent runtime.
func renderServiceUnit() []byte {
	unit := fmt.Sprintf(`[Unit]
Description=agentbox agent runtime
After=network-online.target

[Service]
ExecStart=%s
EnvironmentFile=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`, runtimeBin, envFile)
	return []byte(unit)
}
