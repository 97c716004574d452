// Package stores provides the persistence layer for the deployment
// subsystem. It includes SQLite-based storage with WAL mode, embedded
// migrations, and CRUD operations for boxes and deploy steps, including
// the resume-point and step-tree queries the orchestrator and operator
// tooling rely on.
package stores
