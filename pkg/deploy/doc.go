// Package deploy implements the deployment orchestration engine: the
// workflow that takes a box from a bare record to a provisioned,
// publicly reachable instance running the agent runtime.
//
// The pipeline is a dependency tree submitted to the flowq engine:
// fixed provisioning substeps run in sequence, add-on installs run in
// parallel as best-effort work under an aggregating gate, then network
// exposure, health verification and finalization run in order. Every
// unit of work persists its status through the step store, so a
// partially failed attempt can be resumed by rebuilding the tree from
// the set difference of declared and completed steps.
package deploy
