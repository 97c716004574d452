package flowq

import (
	"context"
	"fmt"
	"math"
	"time"
)

// worker consumes jobs from one queue until the context is cancelled.
func (e *Engine) worker(ctx context.Context, q *queue) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case js := <-q.jobs:
			value, err := e.runJob(ctx, q, js)
			e.finishJob(js, value, err)
		}
	}
}

// runJob executes a job with its retry budget. A non-nil error from the
// handler fails the attempt; the job is retried with exponential backoff
// until the budget is exhausted.
func (e *Engine) runJob(ctx context.Context, q *queue, js *jobState) (any, error) {
	opts := js.node.Opts
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var value any
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job := &Job{
			ID:          js.id,
			FlowID:      js.flow.id,
			Name:        js.node.Name,
			Queue:       q.name,
			Data:        js.node.Data,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Children:    js.results,
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}

		value, err = q.handler(attemptCtx, job)

		if cancel != nil {
			cancel()
		}

		if err == nil {
			return value, nil
		}

		e.logger.Warn().
			Str("flow_id", js.flow.id).
			Str("job", js.node.Name).
			Str("queue", q.name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Err(err).
			Msg("job attempt failed")

		if IsPermanent(err) {
			e.logger.Warn().
				Str("flow_id", js.flow.id).
				Str("job", js.node.Name).
				Msg("permanent failure, abandoning retries")
			return nil, err
		}

		if attempt >= maxAttempts {
			break
		}

		select {
		case <-time.After(backoffDelay(opts.Backoff, attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("job %s exhausted %d attempts: %w", js.node.Name, maxAttempts, err)
}

// backoffDelay computes exponential backoff with a fixed jitter share,
// capped at one minute.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// finishJob records a job's terminal outcome and advances the flow.
func (e *Engine) finishJob(js *jobState, value any, err error) {
	f := js.flow
	f.mu.Lock()

	var toEnqueue []*jobState
	e.resolve(js, value, err, &toEnqueue)

	f.mu.Unlock()

	for _, next := range toEnqueue {
		e.enqueue(next)
	}
}

// resolve marks one node terminal under the flow lock and advances its
// ancestors: the result is delivered to the parent, the parent is
// dispatched once its last child is terminal, and a non-tolerated failure
// cascades so no ancestor ever runs.
func (e *Engine) resolve(js *jobState, value any, err error, toEnqueue *[]*jobState) {
	f := js.flow
	if f.done || js.resolved {
		return
	}
	js.resolved = true

	fatal := err != nil && !js.node.Opts.ContinueOnFailure

	if js.parent == nil {
		f.done = true
		if fatal {
			f.err = err
		}
		close(f.doneCh)
		return
	}

	parent := js.parent
	if parent.resolved {
		// An ancestor already failed; nothing left to advance.
		return
	}

	parent.results = append(parent.results, ChildResult{
		Name:  js.node.Name,
		Value: value,
		Err:   err,
	})
	parent.remaining--

	if fatal {
		e.logger.Debug().
			Str("flow_id", f.id).
			Str("job", js.node.Name).
			Str("parent", parent.node.Name).
			Msg("fatal job failure, cancelling ancestors")
		e.resolve(parent, nil, fmt.Errorf("child %s failed: %w", js.node.Name, err), toEnqueue)
		return
	}

	if parent.remaining == 0 {
		*toEnqueue = append(*toEnqueue, parent)
	}
}
