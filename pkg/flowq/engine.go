package flowq

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is an in-process workflow engine. Each queue has its own worker
// pool with a fixed concurrency limit; jobs from different flows
// interleave freely on the same queue. Cross-job ordering comes solely
// from the flow tree: a job is not dispatched until every child job has
// reached a terminal state.
type Engine struct {
	logger zerolog.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type queue struct {
	name        string
	concurrency int
	handler     Handler
	jobs        chan *jobState
}

// jobState tracks one node of a submitted flow through execution.
type jobState struct {
	flow     *flow
	node     *Node
	parent   *jobState
	children []*jobState

	id        string
	remaining int // children not yet terminal
	results   []ChildResult
	resolved  bool
}

// flow tracks one submitted tree.
type flow struct {
	id     string
	root   *jobState
	mu     sync.Mutex
	err    error
	done   bool
	doneCh chan struct{}
}

// Handle observes a submitted flow.
type Handle struct {
	FlowID string
	flow   *flow
}

// Wait blocks until the flow reaches a terminal state or the context is
// cancelled, and returns the flow's fatal error if any.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.flow.doneCh:
		h.flow.mu.Lock()
		defer h.flow.mu.Unlock()
		return h.flow.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the flow reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.flow.doneCh
}

// NewEngine creates a workflow engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "flowq").Logger(),
		queues: make(map[string]*queue),
	}
}

// RegisterQueue registers a named queue with a worker pool of the given
// concurrency. Must be called before Start.
func (e *Engine) RegisterQueue(name string, concurrency int, handler Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("cannot register queue %s: engine already started", name)
	}
	if _, exists := e.queues[name]; exists {
		return fmt.Errorf("queue %s already registered", name)
	}
	if handler == nil {
		return fmt.Errorf("queue %s: handler is required", name)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	e.queues[name] = &queue{
		name:        name,
		concurrency: concurrency,
		handler:     handler,
		jobs:        make(chan *jobState, 256),
	}
	return nil
}

// Start spins up the worker pools. Workers run until Stop is called or
// the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	for _, q := range e.queues {
		for i := 0; i < q.concurrency; i++ {
			e.wg.Add(1)
			go e.worker(runCtx, q)
		}
	}

	return nil
}

// Stop cancels all workers and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// Submit validates the flow tree and enqueues its leaves. Execution is
// asynchronous; use the returned handle to wait for the terminal state.
func (e *Engine) Submit(_ context.Context, root *Node) (*Handle, error) {
	if root == nil {
		return nil, fmt.Errorf("flow root is nil")
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine not started")
	}
	if err := e.validateNode(root); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	f := &flow{
		id:     uuid.New().String(),
		doneCh: make(chan struct{}),
	}
	f.root = buildStates(f, root, nil)

	e.logger.Debug().Str("flow_id", f.id).Str("root", root.Name).Msg("flow submitted")

	var leaves []*jobState
	collectLeaves(f.root, &leaves)
	for _, leaf := range leaves {
		e.enqueue(leaf)
	}

	return &Handle{FlowID: f.id, flow: f}, nil
}

// validateNode checks every queue in the tree is registered.
func (e *Engine) validateNode(n *Node) error {
	if n.Queue == "" {
		return fmt.Errorf("node %s has no queue", n.Name)
	}
	if _, ok := e.queues[n.Queue]; !ok {
		return fmt.Errorf("node %s references unregistered queue %s", n.Name, n.Queue)
	}
	for _, c := range n.Children {
		if err := e.validateNode(c); err != nil {
			return err
		}
	}
	return nil
}

func buildStates(f *flow, n *Node, parent *jobState) *jobState {
	js := &jobState{
		flow:      f,
		node:      n,
		parent:    parent,
		id:        uuid.New().String(),
		remaining: len(n.Children),
	}
	for _, c := range n.Children {
		js.children = append(js.children, buildStates(f, c, js))
	}
	return js
}

// collectLeaves gathers childless nodes in declaration order.
func collectLeaves(js *jobState, out *[]*jobState) {
	if len(js.children) == 0 {
		*out = append(*out, js)
		return
	}
	for _, c := range js.children {
		collectLeaves(c, out)
	}
}

func (e *Engine) enqueue(js *jobState) {
	q := e.queues[js.node.Queue]
	select {
	case q.jobs <- js:
	default:
		// Queue buffer full; block in a goroutine rather than stalling
		// the caller that is reporting a completed job.
		go func() { q.jobs <- js }()
	}
}
