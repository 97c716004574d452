package stores

import (
	"context"
	"time"
)

// BoxStatus represents the lifecycle status of a box.
type BoxStatus string

const (
	BoxStatusPending   BoxStatus = "pending"
	BoxStatusDeploying BoxStatus = "deploying"
	BoxStatusRunning   BoxStatus = "running"
	BoxStatusError     BoxStatus = "error"
	BoxStatusDeleted   BoxStatus = "deleted"
)

// StepStatus represents the status of a deploy step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the status is a final state for the attempt.
// Terminal steps are never transitioned again within the same attempt; a
// retry opens a new attempt instead.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Box represents one deployable unit: a provisioned instance hosting an
// agent runtime. Boxes are never hard-deleted; deletion is a status
// transition so foreign references from other subsystems stay resolvable.
type Box struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	UserID           string     `json:"user_id"`
	Status           BoxStatus  `json:"status"`
	InstanceIdentity *string    `json:"instance_identity,omitempty"`
	InstanceURL      *string    `json:"instance_url,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Attempt          int        `json:"attempt"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// DeployStep is the unit of resumable provisioning work. Steps are
// namespaced by (box_id, attempt); a new attempt gets a fresh set of rows
// and earlier attempts stay queryable for diagnosis.
type DeployStep struct {
	ID           int64          `json:"id"`
	BoxID        string         `json:"box_id"`
	Attempt      int            `json:"attempt"`
	Key          string         `json:"key"`
	Order        int            `json:"order"`
	ParentID     *int64         `json:"parent_id,omitempty"`
	Status       StepStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Children is populated by GetStepsTree only.
	Children []*DeployStep `json:"children,omitempty"`
}

// StepConfig describes the step rows to create for one deployment attempt.
type StepConfig struct {
	// Phases is the fixed ordered list of top-level phase keys.
	Phases []string

	// Substeps maps a phase key to its ordered nested substep keys.
	Substeps map[string][]string
}

// StepUpdate carries the optional fields of a status transition.
type StepUpdate struct {
	// ErrorMessage is recorded on failed steps.
	ErrorMessage string

	// Metadata is merged key-by-key into the step's existing metadata bag.
	Metadata map[string]any

	// ParentKey restricts the update to a step nested under the named
	// parent. Needed when the same key exists under different parents.
	ParentKey string
}

// Store defines the persistence contract for boxes and deploy steps.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Box operations
	CreateBox(ctx context.Context, box *Box) error
	GetBox(ctx context.Context, id string) (*Box, error)
	SetBoxInstance(ctx context.Context, id, identity, url string) error
	SetBoxError(ctx context.Context, id, message string) error
	SetBoxDeploying(ctx context.Context, id string, attempt int) error

	// MarkBoxRunning is the single chokepoint through which a box reaches
	// its externally visible ready state. Only the finalize worker calls it.
	MarkBoxRunning(ctx context.Context, id string) error

	// MarkBoxDeleted soft-deletes a box.
	MarkBoxDeleted(ctx context.Context, id string) error

	// Step operations
	InitializeSteps(ctx context.Context, boxID string, attempt int, cfg StepConfig) ([]*DeployStep, error)
	UpdateStepStatus(ctx context.Context, boxID string, attempt int, key string, status StepStatus, upd *StepUpdate) error
	GetStep(ctx context.Context, boxID string, attempt int, key string) (*DeployStep, error)
	GetResumePoint(ctx context.Context, boxID string, attempt int) (*DeployStep, error)
	GetStepsTree(ctx context.Context, boxID string, attempt int) ([]*DeployStep, error)
	ResetFailedSteps(ctx context.Context, boxID string, attempt int) (int64, error)
	CompletedStepKeys(ctx context.Context, boxID string, attempt int) (map[string]bool, error)
}
