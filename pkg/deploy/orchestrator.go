package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentbox/agentbox/pkg/flowq"
	"github.com/agentbox/agentbox/pkg/provision"
	"github.com/agentbox/agentbox/pkg/stores"
	"github.com/agentbox/agentbox/pkg/telemetry"
)

// DeployRequest describes one deployment to run.
type DeployRequest struct {
	// BoxID identifies the box to deploy. The box record must exist.
	BoxID string

	// Addons lists the requested add-on ids. Duplicates are removed.
	Addons []string

	// Assets maps asset names to URLs provisioning needs, e.g. the
	// agent runtime binary under the "runtime" key.
	Assets map[string]string
}

// DeploymentStatus is the combined view returned for status reporting.
type DeploymentStatus struct {
	Box    *stores.Box
	Steps  []*stores.DeployStep
	Resume *stores.DeployStep
}

// Orchestrator drives one deployment end to end: it resolves secrets
// and add-on metadata, creates or reuses the instance, initializes the
// attempt's step records, builds the workflow tree and submits it. All
// progress after submission is asynchronous and observed through the
// step records and the box's status field.
type Orchestrator struct {
	store    stores.Store
	backend  provision.Backend
	secrets  provision.SecretResolver
	registry provision.AddonRegistry
	engine   *flowq.Engine
	recorder *telemetry.Recorder
	logger   zerolog.Logger

	retry RetryPolicy

	// controlPlaneURL is the base URL the instance uses to call back
	// into the control plane.
	controlPlaneURL string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	store stores.Store,
	backend provision.Backend,
	secrets provision.SecretResolver,
	registry provision.AddonRegistry,
	engine *flowq.Engine,
	recorder *telemetry.Recorder,
	logger zerolog.Logger,
	retry RetryPolicy,
	controlPlaneURL string,
) *Orchestrator {
	return &Orchestrator{
		store:           store,
		backend:         backend,
		secrets:         secrets,
		registry:        registry,
		engine:          engine,
		recorder:        recorder,
		logger:          logger.With().Str("component", "orchestrator").Logger(),
		retry:           retry.normalize(),
		controlPlaneURL: controlPlaneURL,
	}
}

// Deploy runs the synchronous head of the pipeline and submits the
// asynchronous remainder. Re-invoking it for the same (box, attempt)
// after a partial failure skips completed phases and re-attempts only
// what failed.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (handle *flowq.Handle, err error) {
	ctx, span := startSpan(ctx, "deploy.run", req.BoxID, 0)
	defer func() { endSpan(span, err) }()

	box, err := o.store.GetBox(ctx, req.BoxID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			derr := NewPermanentError(fmt.Sprintf("box %s does not exist", req.BoxID), err)
			derr.Code = CodeNotFound
			return nil, derr
		}
		return nil, fmt.Errorf("failed to load box %s: %w", req.BoxID, err)
	}

	attempt := box.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	span.SetAttributes(attribute.Int("deploy.attempt", attempt))
	if err := o.store.SetBoxDeploying(ctx, box.ID, attempt); err != nil {
		return nil, fmt.Errorf("failed to mark box deploying: %w", err)
	}

	logger := o.logger.With().Str("box_id", box.ID).Int("attempt", attempt).Logger()

	addonIDs := dedupe(req.Addons)

	if err := o.ensureSteps(ctx, box.ID, attempt, addonIDs); err != nil {
		return nil, o.failDeploy(ctx, box.ID, "", err)
	}

	addons, err := o.resolveAddons(ctx, box.ID, attempt, addonIDs)
	if err != nil {
		return nil, o.failDeploy(ctx, box.ID, StepInstallAddons, err)
	}

	env, err := o.resolveEnv(ctx, box)
	if err != nil {
		return nil, o.failDeploy(ctx, box.ID, "", err)
	}

	instance, err := o.ensureInstance(ctx, box, attempt)
	if err != nil {
		return nil, o.failDeploy(ctx, box.ID, StepCreateInstance, err)
	}

	completed, err := o.store.CompletedStepKeys(ctx, box.ID, attempt)
	if err != nil {
		return nil, o.failDeploy(ctx, box.ID, "", fmt.Errorf("failed to read completed steps: %w", err))
	}
	completedAddons := make(map[string]bool, len(addonIDs))
	for _, id := range addonIDs {
		if completed[id] {
			completedAddons[id] = true
		}
	}

	remainingAddons := 0
	for _, a := range addons {
		if !completedAddons[a.ID] {
			remainingAddons++
		}
	}

	if err := o.markPhasesRunning(ctx, box.ID, attempt, remainingAddons > 0); err != nil {
		return nil, o.failDeploy(ctx, box.ID, "", err)
	}

	// With add-ons requested but none left to install there is no gate
	// node to close the phase, so close it here.
	if len(addonIDs) > 0 && remainingAddons == 0 {
		if err := o.closeAddonPhase(ctx, box.ID, attempt); err != nil {
			return nil, o.failDeploy(ctx, box.ID, "", err)
		}
	}

	flow := BuildDeployFlow(FlowParams{
		BoxID:           box.ID,
		Attempt:         attempt,
		Instance:        instance,
		Env:             env,
		Assets:          req.Assets,
		Addons:          addons,
		CompletedSteps:  completed,
		CompletedAddons: completedAddons,
		Retry:           o.retry,
	})

	handle, err = o.engine.Submit(ctx, flow)
	if err != nil {
		return nil, o.failDeploy(ctx, box.ID, "", fmt.Errorf("failed to submit deployment flow: %w", err))
	}

	eventType := telemetry.EventDeployStarted
	if len(completed) > 0 {
		eventType = telemetry.EventDeployResumed
	}
	o.recorder.Record(telemetry.Event{Type: eventType, BoxID: box.ID, Attempt: attempt})
	logger.Info().Str("flow_id", handle.FlowID).Int("addons", len(addons)).Msg("deployment flow submitted")

	return handle, nil
}

// Retry re-runs a deployment. With newAttempt the attempt counter is
// bumped and a fresh set of step rows is created; otherwise the failed
// steps of the current attempt are reset to pending and only the
// remaining work is rebuilt.
func (o *Orchestrator) Retry(ctx context.Context, req DeployRequest, newAttempt bool) (*flowq.Handle, error) {
	box, err := o.store.GetBox(ctx, req.BoxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load box %s: %w", req.BoxID, err)
	}

	if newAttempt {
		if err := o.store.SetBoxDeploying(ctx, box.ID, box.Attempt+1); err != nil {
			return nil, fmt.Errorf("failed to open attempt %d: %w", box.Attempt+1, err)
		}
	} else {
		reset, err := o.store.ResetFailedSteps(ctx, box.ID, box.Attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to reset failed steps: %w", err)
		}
		o.logger.Info().Str("box_id", box.ID).Int64("reset", reset).Msg("failed steps reset for retry")
	}

	return o.Deploy(ctx, req)
}

// Delete releases the box's instance and soft-deletes the record.
func (o *Orchestrator) Delete(ctx context.Context, boxID string) error {
	box, err := o.store.GetBox(ctx, boxID)
	if err != nil {
		return fmt.Errorf("failed to load box %s: %w", boxID, err)
	}

	if box.InstanceIdentity != nil {
		if err := o.backend.DeleteInstance(ctx, *box.InstanceIdentity); err != nil {
			return fmt.Errorf("failed to delete instance %s: %w", *box.InstanceIdentity, err)
		}
		o.recorder.Record(telemetry.Event{Type: telemetry.EventInstanceDeleted, BoxID: box.ID})
	}

	return o.store.MarkBoxDeleted(ctx, boxID)
}

// Status returns the box with its step tree and resume point for the
// current attempt.
func (o *Orchestrator) Status(ctx context.Context, boxID string) (*DeploymentStatus, error) {
	box, err := o.store.GetBox(ctx, boxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load box %s: %w", boxID, err)
	}

	attempt := box.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	steps, err := o.store.GetStepsTree(ctx, box.ID, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to load step tree: %w", err)
	}
	resume, err := o.store.GetResumePoint(ctx, box.ID, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to compute resume point: %w", err)
	}

	return &DeploymentStatus{Box: box, Steps: steps, Resume: resume}, nil
}

// ensureSteps initializes the attempt's step rows exactly once.
// InitializeSteps is not idempotent, so an existing tree means the
// attempt was already initialized (this is a resumption).
func (o *Orchestrator) ensureSteps(ctx context.Context, boxID string, attempt int, addonIDs []string) error {
	existing, err := o.store.GetStepsTree(ctx, boxID, attempt)
	if err != nil {
		return fmt.Errorf("failed to inspect step tree: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	phases := []string{StepCreateInstance, StepSetupServices}
	substeps := map[string][]string{StepSetupServices: SetupSubsteps}
	if len(addonIDs) > 0 {
		phases = append(phases, StepInstallAddons)
		substeps[StepInstallAddons] = addonIDs
	}
	phases = append(phases, StepEnableAccess, StepHealthCheck)

	if _, err := o.store.InitializeSteps(ctx, boxID, attempt, stores.StepConfig{
		Phases:   phases,
		Substeps: substeps,
	}); err != nil {
		return fmt.Errorf("failed to initialize steps: %w", err)
	}
	return nil
}

// resolveAddons fetches each add-on's source metadata. Unresolvable
// add-ons are marked skipped and excluded from the flow; resolution
// failure is tolerated, never fatal.
func (o *Orchestrator) resolveAddons(ctx context.Context, boxID string, attempt int, addonIDs []string) ([]Addon, error) {
	addons := make([]Addon, 0, len(addonIDs))
	for _, id := range addonIDs {
		meta, err := o.registry.FetchAddonMetadata(ctx, id)
		if err != nil || meta.Source == "" {
			o.logger.Warn().Str("box_id", boxID).Str("addon", id).Err(err).Msg("add-on metadata unresolvable, skipping")
			if serr := o.store.UpdateStepStatus(ctx, boxID, attempt, id, stores.StepStatusSkipped,
				&stores.StepUpdate{ParentKey: StepInstallAddons}); serr != nil && !errors.Is(serr, stores.ErrTerminalStep) {
				return nil, fmt.Errorf("failed to mark add-on %s skipped: %w", id, serr)
			}
			o.recorder.Record(telemetry.Event{
				Type: telemetry.EventAddonSkipped, BoxID: boxID, Attempt: attempt, Step: id,
			})
			continue
		}
		addons = append(addons, Addon{ID: id, Source: meta.Source})
	}
	return addons, nil
}

// resolveEnv merges user secrets with the per-box identity variables
// the runtime needs. Failure is fatal: nothing can be provisioned
// without the environment.
func (o *Orchestrator) resolveEnv(ctx context.Context, box *stores.Box) (map[string]string, error) {
	secrets, err := o.secrets.ResolveSecrets(ctx, box.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets for user %s: %w", box.UserID, err)
	}

	env := make(map[string]string, len(secrets)+4)
	for k, v := range secrets {
		env[k] = v
	}
	env["AGENTBOX_BOX_ID"] = box.ID
	env["AGENTBOX_BOX_NAME"] = box.Name
	env["AGENTBOX_TOKEN"] = uuid.New().String()
	env["AGENTBOX_CALLBACK_URL"] = fmt.Sprintf("%s/internal/boxes/%s", o.controlPlaneURL, box.ID)
	return env, nil
}

// ensureInstance creates the compute instance, or reuses the one
// recorded on the box when the create-instance step already completed.
// The identity is persisted on the box row immediately after creation
// so a crash past that point resumes without re-creating; the box row
// is the single source of truth for it.
func (o *Orchestrator) ensureInstance(ctx context.Context, box *stores.Box, attempt int) (provision.Instance, error) {
	step, err := o.store.GetStep(ctx, box.ID, attempt, StepCreateInstance)
	if err != nil {
		return provision.Instance{}, fmt.Errorf("failed to read create-instance step: %w", err)
	}

	if step.Status == stores.StepStatusCompleted {
		if box.InstanceIdentity == nil || box.InstanceURL == nil {
			return provision.Instance{}, NewConflictError("create-instance completed but box has no instance recorded", nil)
		}
		o.logger.Info().Str("box_id", box.ID).Str("instance", *box.InstanceIdentity).Msg("reusing existing instance")
		return provision.Instance{Identity: *box.InstanceIdentity, URL: *box.InstanceURL}, nil
	}

	if err := o.store.UpdateStepStatus(ctx, box.ID, attempt, StepCreateInstance, stores.StepStatusRunning, nil); err != nil {
		return provision.Instance{}, fmt.Errorf("failed to mark create-instance running: %w", err)
	}

	instance, err := o.backend.CreateInstance(ctx, provision.InstanceSpec{
		Name:   box.Name,
		Labels: map[string]string{"box_id": box.ID, "user_id": box.UserID},
	})
	if err != nil {
		return provision.Instance{}, fmt.Errorf("instance creation failed: %w", err)
	}

	if err := o.store.SetBoxInstance(ctx, box.ID, instance.Identity, instance.URL); err != nil {
		return provision.Instance{}, fmt.Errorf("failed to record instance on box: %w", err)
	}
	if err := o.store.UpdateStepStatus(ctx, box.ID, attempt, StepCreateInstance, stores.StepStatusCompleted, nil); err != nil {
		return provision.Instance{}, fmt.Errorf("failed to mark create-instance completed: %w", err)
	}

	o.recorder.Record(telemetry.Event{
		Type: telemetry.EventInstanceCreated, BoxID: box.ID, Attempt: attempt,
		Fields: map[string]any{"instance": instance.Identity},
	})
	return instance, nil
}

// markPhasesRunning flags the phases whose terminal status is set later
// by their last child, so status readers see work in flight beneath
// them.
func (o *Orchestrator) markPhasesRunning(ctx context.Context, boxID string, attempt int, hasAddons bool) error {
	keys := []string{StepSetupServices}
	if hasAddons {
		keys = append(keys, StepInstallAddons)
	}

	for _, key := range keys {
		step, err := o.store.GetStep(ctx, boxID, attempt, key)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to read %s phase: %w", key, err)
		}
		if step.Status.IsTerminal() {
			continue
		}
		if err := o.store.UpdateStepStatus(ctx, boxID, attempt, key, stores.StepStatusRunning, nil); err != nil {
			return fmt.Errorf("failed to mark %s running: %w", key, err)
		}
	}
	return nil
}

// closeAddonPhase completes the install-add-ons phase when no install
// leaves exist to feed a gate.
func (o *Orchestrator) closeAddonPhase(ctx context.Context, boxID string, attempt int) error {
	step, err := o.store.GetStep(ctx, boxID, attempt, StepInstallAddons)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read install-add-ons phase: %w", err)
	}
	if step.Status.IsTerminal() {
		return nil
	}
	return o.store.UpdateStepStatus(ctx, boxID, attempt, StepInstallAddons, stores.StepStatusCompleted, nil)
}

// failDeploy records a fatal pre-submission failure on the box and, if
// a phase was in progress, on its step row.
func (o *Orchestrator) failDeploy(ctx context.Context, boxID, stepKey string, cause error) error {
	o.logger.Error().Str("box_id", boxID).Str("step", stepKey).Err(cause).Msg("deployment failed before submission")

	if stepKey != "" {
		box, err := o.store.GetBox(ctx, boxID)
		if err == nil {
			attempt := box.Attempt
			if attempt <= 0 {
				attempt = 1
			}
			if serr := o.store.UpdateStepStatus(ctx, boxID, attempt, stepKey, stores.StepStatusFailed,
				&stores.StepUpdate{ErrorMessage: cause.Error()}); serr != nil && !errors.Is(serr, stores.ErrTerminalStep) {
				o.logger.Error().Str("box_id", boxID).Str("step", stepKey).Err(serr).Msg("failed to persist step failure")
			}
		}
	}

	if err := o.store.SetBoxError(ctx, boxID, cause.Error()); err != nil {
		o.logger.Error().Str("box_id", boxID).Err(err).Msg("failed to mark box errored")
	}
	o.recorder.Record(telemetry.Event{
		Type: telemetry.EventDeployFailed, BoxID: boxID,
		Fields: map[string]any{"error": cause.Error()},
	})
	return cause
}

// dedupe removes duplicate ids preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
