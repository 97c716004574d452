package deploy

import (
	"github.com/agentbox/agentbox/pkg/flowq"
)

// BuildDeployFlow builds the workflow tree for one deployment attempt.
// Pure function: no I/O, no store access.
//
// The flowq engine runs children before their parent, so "A must run
// before B" is expressed by making A a child of B. The fixed substep
// chain nests each substep as the parent of the previous one, leaving
// the first substep as the deepest leaf. Completed substeps and
// add-ons are omitted entirely; omission shortens the chain without
// breaking the relative order of what remains. A fully resumed attempt
// still yields the three-node spine access -> health -> finalize, so
// exposure and health are always re-verified.
func BuildDeployFlow(params FlowParams) *flowq.Node {
	retry := params.Retry.normalize()

	chain := buildSubstepChain(params, retry)
	gate := buildAddonGate(params, retry)

	access := &flowq.Node{
		Name:  StepEnableAccess,
		Queue: QueueEnableAccess,
		Data: EnableAccessJob{
			BoxID:    params.BoxID,
			Attempt:  params.Attempt,
			Instance: params.Instance,
		},
		Opts: flowq.Options{
			MaxAttempts: retry.AccessAttempts,
			Backoff:     retry.AccessBackoff,
		},
	}
	if chain != nil {
		access.Children = append(access.Children, chain)
	}
	if gate != nil {
		access.Children = append(access.Children, gate)
	}

	health := &flowq.Node{
		Name:  StepHealthCheck,
		Queue: QueueHealthCheck,
		Data: HealthCheckJob{
			BoxID:    params.BoxID,
			Attempt:  params.Attempt,
			Instance: params.Instance,
		},
		Opts: flowq.Options{
			MaxAttempts: retry.HealthAttempts,
			Backoff:     retry.HealthBackoff,
		},
		Children: []*flowq.Node{access},
	}

	return &flowq.Node{
		Name:  "finalize",
		Queue: QueueFinalize,
		Data: FinalizeJob{
			BoxID:   params.BoxID,
			Attempt: params.Attempt,
		},
		// Finalize's only failure mode is store unavailability, treated
		// as immediately fatal.
		Opts:     flowq.Options{MaxAttempts: 1},
		Children: []*flowq.Node{health},
	}
}

// buildSubstepChain nests the remaining fixed substeps so the first one
// is the deepest leaf. Returns nil when every substep is completed.
func buildSubstepChain(params FlowParams, retry RetryPolicy) *flowq.Node {
	var chain *flowq.Node

	for _, key := range SetupSubsteps {
		if params.CompletedSteps[key] {
			continue
		}

		node := &flowq.Node{
			Name:  key,
			Queue: QueueSetupStep,
			Data: SetupStepJob{
				BoxID:    params.BoxID,
				Attempt:  params.Attempt,
				Instance: params.Instance,
				StepKey:  key,
				Env:      params.Env,
				Assets:   params.Assets,
			},
			Opts: flowq.Options{
				MaxAttempts: retry.SetupAttempts,
				Backoff:     retry.SetupBackoff,
			},
		}
		if chain != nil {
			node.Children = []*flowq.Node{chain}
		}
		chain = node
	}

	return chain
}

// buildAddonGate builds one leaf per remaining add-on under the
// aggregating gate node. Add-on ids are deduplicated; completed ones
// are omitted. Returns nil when nothing remains to install.
func buildAddonGate(params FlowParams, retry RetryPolicy) *flowq.Node {
	seen := make(map[string]bool, len(params.Addons))
	var leaves []*flowq.Node

	for _, addon := range params.Addons {
		if seen[addon.ID] || params.CompletedAddons[addon.ID] {
			continue
		}
		seen[addon.ID] = true

		leaves = append(leaves, &flowq.Node{
			Name:  addon.ID,
			Queue: QueueInstallAddon,
			Data: InstallAddonJob{
				BoxID:    params.BoxID,
				Attempt:  params.Attempt,
				Instance: params.Instance,
				Addon:    addon,
			},
			Opts: flowq.Options{
				MaxAttempts: retry.AddonAttempts,
				Backoff:     retry.AddonBackoff,
				// Add-ons are optional enrichment; their failure never
				// propagates past the gate.
				ContinueOnFailure: true,
			},
		})
	}

	if len(leaves) == 0 {
		return nil
	}

	return &flowq.Node{
		Name:  "addon-gate",
		Queue: QueueAddonGate,
		Data: AddonGateJob{
			BoxID:   params.BoxID,
			Attempt: params.Attempt,
		},
		Opts:     flowq.Options{MaxAttempts: 1},
		Children: leaves,
	}
}
