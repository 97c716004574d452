// Package flowq is an in-process workflow engine for dependency-ordered
// job trees. A flow is a tree of named jobs: children are dispatched
// first and a parent runs only after every child has reached a terminal
// state, receiving the children's results. Each queue is served by its
// own worker pool with a fixed concurrency limit, and each job carries a
// bounded retry budget with exponential backoff. A child marked
// ContinueOnFailure surfaces its failure to the parent as data instead
// of failing the flow.
package flowq
