package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irschad/kpt/pkg/resource"
	"github.com/irschad/kpt/pkg/telemetry"
)

// DefaultInvocationTimeout bounds an invocation whose declaration does not
// set its own timeout.
const DefaultInvocationTimeout = 5 * time.Minute

// Executor drives one pipeline run over an execution plan. It exclusively
// owns the resource collection for the duration of the run: each invocation
// receives a disposable scoped snapshot, and the returned snapshot is
// installed only after the call fully completes. Invocations are strictly
// sequential; each one's input depends on the previous one's committed
// output.
type Executor struct {
	runner         Runner
	logger         zerolog.Logger
	tracer         trace.Tracer
	metrics        *telemetry.Metrics
	defaultTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithTracer sets the executor's tracer.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// WithMetrics sets the executor's metrics collector.
func WithMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithDefaultTimeout sets the fallback per-invocation timeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// NewExecutor creates an executor backed by the given runner.
func NewExecutor(runner Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:         runner,
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer("kpt/pipeline"),
		defaultTimeout: DefaultInvocationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResult is the terminal outcome of one pipeline run.
type RunResult struct {
	// RunID identifies the run.
	RunID string

	// State is the terminal run state.
	State RunState

	// Collection is the final collection. On an aborted run it is the
	// last committed state, which must not be persisted.
	Collection *resource.Collection

	// Results are the aggregated result sets, in invocation order.
	Results []resource.ResultSet

	// ExitCode is the final exit status computed by the aggregator.
	ExitCode int

	// Err is the fatal error that aborted the run, if any.
	Err error

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record converts the result into a run record for the recorder.
func (rr *RunResult) Record(root string, plan *ExecutionPlan) *RunRecord {
	rec := &RunRecord{
		ID:         rr.RunID,
		Root:       root,
		State:      rr.State,
		ExitCode:   rr.ExitCode,
		StartedAt:  rr.StartedAt,
		FinishedAt: rr.FinishedAt,
		Results:    rr.Results,
	}
	if plan != nil {
		rec.Invocations = len(plan.Invocations)
		for _, inv := range plan.Invocations {
			switch inv.State {
			case StateDeferred:
				rec.Deferred++
			case StateFailed:
				rec.Failed++
			}
		}
	}
	return rec
}

// Execute runs the plan to a terminal state. The collection is mutated only
// between invocations; a failing invocation's effects are discarded before
// the run aborts, and a cancelled run is always aborted regardless of how
// far it got.
func (e *Executor) Execute(ctx context.Context, collection *resource.Collection, plan *ExecutionPlan) *RunResult {
	runID := uuid.New().String()
	agg := NewAggregator()
	result := &RunResult{
		RunID:     runID,
		State:     RunRunning,
		StartedAt: time.Now(),
	}
	logger := e.logger.With().Str("run_id", runID).Logger()

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.Int("pipeline.invocations", len(plan.Invocations))))
	defer span.End()

	logger.Info().Int("invocations", len(plan.Invocations)).Msg("Starting pipeline run")

	for _, inv := range plan.Invocations {
		if err := ctx.Err(); err != nil {
			e.abort(result, agg, newError(ErrorRunnerInvocation, "run cancelled", err))
			break
		}

		fatal := e.executeInvocation(ctx, logger, collection, inv, agg, result)
		if fatal != nil {
			e.abort(result, agg, fatal)
			break
		}
	}

	if result.State == RunRunning {
		result.State = RunCommitted
	}
	result.Collection = collection
	result.Results = agg.ResultSets()
	result.ExitCode = agg.FinalStatus()
	result.FinishedAt = time.Now()
	collection.Results = result.Results

	e.metrics.ObserveRun(string(result.State), result.FinishedAt.Sub(result.StartedAt))
	if result.State == RunAborted {
		span.SetStatus(codes.Error, "run aborted")
		logger.Error().Err(result.Err).Msg("Pipeline run aborted")
	} else {
		logger.Info().Int("exit_code", result.ExitCode).Msg("Pipeline run committed")
	}
	return result
}

// abort moves the run to the Aborted state.
func (e *Executor) abort(result *RunResult, agg *Aggregator, err error) {
	agg.MarkAborted()
	result.State = RunAborted
	result.Err = err
}

// executeInvocation runs a single invocation and installs its output.
// The returned error, if any, is fatal to the run; deferrable failures are
// absorbed here per the invocation's deferFailure policy.
func (e *Executor) executeInvocation(
	ctx context.Context,
	logger zerolog.Logger,
	collection *resource.Collection,
	inv *FunctionInvocation,
	agg *Aggregator,
	result *RunResult,
) error {
	name := inv.Name()
	log := logger.With().Str("function", name).Int("sequence", inv.SequenceIndex).Logger()

	ctx, span := e.tracer.Start(ctx, "pipeline.invocation", trace.WithAttributes(
		attribute.String("function.name", name),
		attribute.Int("function.sequence", inv.SequenceIndex),
		attribute.String("function.anchor", inv.AnchorDir),
	))
	defer span.End()

	scoped, complement, err := ResolveScope(collection, inv.AnchorDir)
	if err != nil {
		return err
	}

	request := &resource.List{
		Items:          cloneResources(scoped),
		FunctionConfig: inv.Source.Clone(),
	}

	timeout := time.Duration(inv.Declaration.Timeout)
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	inv.State = StateRunning
	log.Debug().Int("scoped", len(scoped)).Int("complement", len(complement)).Msg("Invoking function")

	started := time.Now()
	resp, runErr := e.runner.Run(ctx, inv.Declaration, request, timeout)
	duration := time.Since(started)

	// Cancellation takes effect at invocation boundaries: whatever this
	// step produced, a cancelled run never commits.
	if ctxErr := ctx.Err(); ctxErr != nil {
		inv.State = StateFailed
		return newError(ErrorRunnerInvocation, "run cancelled", ctxErr).WithFunction(name)
	}

	if runErr != nil {
		// The runtime never started or crashed outside its own exit
		// status protocol.
		set := resource.ResultSet{Name: name, SequenceIndex: inv.SequenceIndex, ExitCode: -1, Stderr: runErr.Error()}
		agg.Record(set)
		failure := newError(ErrorRunnerInvocation, "function runtime failed", runErr).WithFunction(name)
		return e.applyFailurePolicy(log, inv, agg, failure, nil, collection, scoped, complement)
	}

	wellFormed := resp.ParseErr == nil && resp.List != nil

	set := resource.ResultSet{
		Name:          name,
		SequenceIndex: inv.SequenceIndex,
		ExitCode:      resp.ExitCode,
		Stderr:        resp.Stderr,
	}
	if wellFormed {
		set.Items = resp.List.Results
	}
	agg.Record(set)
	e.metrics.ObserveInvocation(name, string(invocationOutcome(resp, wellFormed, inv)), duration)

	switch {
	case resp.ExitCode == 0 && wellFormed:
		collection.Items = mergeResponse(collection.Items, scoped, complement, resp.List.Items, inv.AnchorDir)
		inv.State = StateSucceeded
		log.Info().Dur("duration", duration).Int("items", len(resp.List.Items)).Msg("Function succeeded")
		return nil

	case resp.ExitCode == 0 && !wellFormed:
		failure := newError(ErrorRunnerInvocation, "function output is not a valid resource list", resp.ParseErr).
			WithFunction(name)
		return e.applyFailurePolicy(log, inv, agg, failure, nil, collection, scoped, complement)

	default:
		failure := newError(ErrorValidation, "function exited with nonzero status", nil).WithFunction(name)
		var partial []*resource.Resource
		if wellFormed {
			partial = resp.List.Items
		}
		return e.applyFailurePolicy(log, inv, agg, failure, partial, collection, scoped, complement)
	}
}

// applyFailurePolicy implements the deferFailure branch of the state
// machine. Without deferFailure the failing invocation's effects are
// discarded and the run aborts. With it, a well-formed partial output is
// merged best-effort, an unparsable one falls back to the original scoped
// input, and execution continues.
func (e *Executor) applyFailurePolicy(
	log zerolog.Logger,
	inv *FunctionInvocation,
	agg *Aggregator,
	failure *Error,
	partial []*resource.Resource,
	collection *resource.Collection,
	scoped, complement []*resource.Resource,
) error {
	if !inv.Declaration.DeferFailure {
		inv.State = StateFailed
		log.Error().Err(failure).Msg("Function failed, aborting run")
		return failure
	}

	inv.State = StateDeferred
	agg.MarkDeferred()
	if partial != nil {
		collection.Items = mergeResponse(collection.Items, scoped, complement, partial, inv.AnchorDir)
		log.Warn().Err(failure).Msg("Function failed, merged partial output and continuing")
	} else {
		log.Warn().Err(failure).Msg("Function failed, passing scope through unchanged and continuing")
	}
	return nil
}

// invocationOutcome maps a response onto the invocation's terminal state for
// metrics, before the policy branch mutates it.
func invocationOutcome(resp *RunnerResponse, wellFormed bool, inv *FunctionInvocation) InvocationState {
	if resp.ExitCode == 0 && wellFormed {
		return StateSucceeded
	}
	if inv.Declaration.DeferFailure {
		return StateDeferred
	}
	return StateFailed
}

// cloneResources deep-copies a resource slice.
func cloneResources(items []*resource.Resource) []*resource.Resource {
	out := make([]*resource.Resource, len(items))
	for i, r := range items {
		out[i] = r.Clone()
	}
	return out
}
