package flowq

import (
	"context"
	"time"
)

// Handler executes one unit of work for a queue. The returned value is
// delivered to the parent job as a child result. A returned error marks
// the attempt failed; the engine retries up to the job's attempt budget
// before the failure becomes permanent.
type Handler func(ctx context.Context, job *Job) (any, error)

// Options control retry, timeout and failure propagation for one node.
type Options struct {
	// MaxAttempts is the total attempt budget for the job. Zero means one
	// attempt, no retries.
	MaxAttempts int

	// Backoff is the base delay between attempts. The actual delay grows
	// exponentially per attempt and is capped at one minute.
	Backoff time.Duration

	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// ContinueOnFailure marks the node's failure as tolerated: the parent
	// still runs and receives the failure as a child result instead of
	// the whole flow failing.
	ContinueOnFailure bool
}

// Node is one vertex of a flow tree. Children are dispatched first; the
// node itself runs only once every child has reached a terminal state.
type Node struct {
	Name     string
	Queue    string
	Data     any
	Opts     Options
	Children []*Node
}

// ChildResult is the terminal outcome of a child node, delivered to the
// parent job in the order the children were declared.
type ChildResult struct {
	Name  string
	Value any
	Err   error
}

// Job is the unit handed to a queue handler.
type Job struct {
	ID     string
	FlowID string
	Name   string
	Queue  string
	Data   any

	// Attempt is the 1-based number of the current attempt.
	Attempt int

	// MaxAttempts is the job's total attempt budget.
	MaxAttempts int

	// Children holds the terminal results of all child nodes.
	Children []ChildResult
}

// FinalAttempt reports whether no retries remain after this attempt.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// ChildErr returns the first non-nil child error, if any.
func (j *Job) ChildErr() error {
	for _, c := range j.Children {
		if c.Err != nil {
			return c.Err
		}
	}
	return nil
}
