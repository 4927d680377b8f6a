package pipeline

import (
	"context"
	"time"

	"github.com/irschad/kpt/pkg/resource"
)

// RunnerResponse is the outcome of one function runtime execution. A nonzero
// exit code is a failure regardless of whether a response body was produced.
type RunnerResponse struct {
	// List is the parsed response collection. Nil when the runtime
	// produced no parsable output.
	List *resource.List

	// ExitCode is the runtime's exit status.
	ExitCode int

	// Stderr is the runtime's free-text diagnostic output.
	Stderr string

	// ParseErr is set when the runtime's output could not be parsed back
	// into a resource list. Malformed output is surfaced, never swallowed.
	ParseErr error
}

// Runner executes one function invocation's configured runtime out of
// process (or in an isolated in-process sandbox). Implementations must be
// side-effect-isolated between calls, honor ctx cancellation and the given
// timeout, and never retain the request past the call.
type Runner interface {
	Run(ctx context.Context, decl *FunctionDeclaration, request *resource.List, timeout time.Duration) (*RunnerResponse, error)
}

// Store loads a resource tree into a collection and persists the final
// collection back, preserving unmodified provenance.
type Store interface {
	Load(ctx context.Context) (*resource.Collection, error)
	Write(ctx context.Context, collection *resource.Collection) error
}

// ResultSink persists each result set as an individually named artifact
// after the run commits (or aborts with partial results).
type ResultSink interface {
	Write(ctx context.Context, sets []resource.ResultSet) error
}

// RunRecorder records completed runs for later inspection.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec *RunRecord) error
}

// RunRecord summarizes one completed run for the recorder.
type RunRecord struct {
	// ID is the run identifier.
	ID string

	// Root is the resource tree root the run operated on.
	Root string

	// State is the terminal run state.
	State RunState

	// ExitCode is the final exit status.
	ExitCode int

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time

	// Invocations counts plan size; Deferred and Failed count terminal
	// invocation states.
	Invocations int
	Deferred    int
	Failed      int

	// Results are the aggregated result sets.
	Results []resource.ResultSet
}
