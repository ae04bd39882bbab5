// Package engine executes flows: it dispatches steps, interprets control
// flow, coordinates retries and circuit breakers on provider calls, and
// applies record mutations through the validation layer.
package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomlang/loom/internal/expressions"
	"github.com/loomlang/loom/internal/logging"
	"github.com/loomlang/loom/internal/providers"
	"github.com/loomlang/loom/internal/records"
	"github.com/loomlang/loom/internal/secrets"
	"github.com/loomlang/loom/internal/state"
	"github.com/loomlang/loom/pkg/ir"
)

// maxFlowDepth bounds goto_flow nesting so mutually recursive flows fail fast
// instead of overflowing the stack.
const maxFlowDepth = 32

// Options configures an Engine.
type Options struct {
	Program *ir.Program
	// Frames is the record store; defaults to an in-memory store seeded from
	// the program's declared frames.
	Frames records.FrameStore
	AI     providers.AICaller
	Agents providers.AgentRunner
	Tools  providers.ToolInvoker

	Tracer  Tracer
	Metrics Metrics
	Logger  *slog.Logger

	// Retry is the policy applied to ai/agent/tool calls.
	Retry RetryPolicy
	// Breaker configures the per-provider circuit breakers.
	Breaker CircuitBreakerConfig
	// StepTimeout is the default per-attempt timeout for provider calls when a
	// step declares none. Zero means no timeout.
	StepTimeout time.Duration
	// MaxParallel bounds concurrent loop iterations across the engine.
	MaxParallel int
}

// ExecutionContext is the per-run input: correlation ID, initial durable
// variables, and secrets access for collaborators that need it.
type ExecutionContext struct {
	RequestID string
	Vars      map[string]any
	Secrets   secrets.Vault
}

// StepResult records the outcome of one executed step, in execution order.
type StepResult struct {
	Name    string        `json:"name"`
	Kind    ir.StepKind   `json:"kind"`
	Target  string        `json:"target,omitempty"`
	Status  StepStatus    `json:"status"`
	Success bool          `json:"success"`
	Output  any           `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Retries int           `json:"retries"`
	Elapsed time.Duration `json:"elapsed"`
}

// FlowRunResult is the outcome of one flow run: the final durable state, the
// ordered per-step results, and the unrecovered flow-level errors (empty when
// the run succeeded or was fully recovered).
type FlowRunResult struct {
	RunID  string          `json:"run_id"`
	Flow   string          `json:"flow"`
	Status RunStatus       `json:"status"`
	State  map[string]any  `json:"state"`
	Steps  []StepResult    `json:"steps"`
	Errors []*ir.FlowError `json:"errors"`
}

// Engine executes the flows of one program.
type Engine struct {
	program *ir.Program
	frames  records.FrameStore
	mutator *records.Mutator

	ai     providers.AICaller
	agents providers.AgentRunner
	tools  providers.ToolInvoker

	tracer  Tracer
	metrics Metrics
	logger  *slog.Logger

	retry       RetryPolicy
	breakers    *CircuitBreakerRegistry
	stepTimeout time.Duration
	pool        *WorkerPool

	values *expressions.ExprEngine
	conds  *expressions.CELEngine
	jq     *expressions.GoJQEngine
}

// New creates an Engine for a program. Absent collaborators default to
// no-ops; a missing frame store defaults to memory seeded from the program's
// declared frames.
func New(opts Options) (*Engine, error) {
	if opts.Program == nil {
		return nil, ir.NewError(ir.ErrCodeConfiguration, "engine needs a program")
	}

	frames := opts.Frames
	if frames == nil {
		mem := records.NewMemoryFrameStore(opts.Program.Records())
		for name := range opts.Program.Records() {
			if seed := opts.Program.SeedRows(name); len(seed) > 0 {
				mem.Seed(name, seed)
			}
		}
		frames = mem
	}

	conds, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		program:     opts.Program,
		frames:      frames,
		mutator:     records.NewMutator(opts.Program.Records()),
		ai:          opts.AI,
		agents:      opts.Agents,
		tools:       opts.Tools,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		retry:       opts.Retry,
		breakers:    NewCircuitBreakerRegistry(opts.Breaker),
		stepTimeout: opts.StepTimeout,
		values:      expressions.NewExprEngine(),
		conds:       conds,
		jq:          expressions.NewGoJQEngine(),
	}

	if e.tracer == nil {
		e.tracer = NopTracer{}
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.logger == nil {
		e.logger = slog.New(logging.NewCorrelationHandler(
			slog.NewTextHandler(io.Discard, nil)))
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry = DefaultRetryPolicy()
	}
	if e.breakers == nil || opts.Breaker.FailureThreshold <= 0 {
		e.breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}
	e.pool = NewWorkerPool(maxParallel)

	return e, nil
}

// Frames exposes the engine's base frame store, mainly for inspection after a
// run.
func (e *Engine) Frames() records.FrameStore { return e.frames }

// Breakers exposes the circuit breaker registry for diagnostics.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// RunFlow executes a named flow to completion. The returned error is reserved
// for lookup and cancellation failures that prevent the run from starting;
// execution failures are reported inside the FlowRunResult.
func (e *Engine) RunFlow(ctx context.Context, flowName string, ec ExecutionContext) (*FlowRunResult, error) {
	flow, ok := e.program.Flow(flowName)
	if !ok {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration, "couldn't find a flow named %q", flowName)
	}

	runID := ec.RequestID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithFlow(ctx, flow.Name)

	r := &run{
		engine:  e,
		id:      runID,
		state:   state.New(ec.Vars),
		frames:  e.frames,
		secrets: ec.Secrets,
	}

	status := e.advanceRun(ctx, RunPending, RunActive)
	e.logger.InfoContext(ctx, "flow run started", slog.String("flow", flow.Name))

	err := r.execFlowGuarded(ctx, flow)

	result := &FlowRunResult{
		RunID: runID,
		Flow:  flow.Name,
		State: r.state.Snapshot(),
		Steps: r.results,
	}

	switch {
	case err == nil:
		result.Status = e.advanceRun(ctx, status, RunCompleted)
		e.logger.InfoContext(ctx, "flow run completed", slog.Int("steps", len(r.results)))
	case ctx.Err() != nil:
		result.Status = e.advanceRun(ctx, status, RunCancelled)
		result.Errors = append(result.Errors, asFlowError(err))
		e.logger.WarnContext(ctx, "flow run cancelled", slog.String("error", err.Error()))
	default:
		result.Status = e.advanceRun(ctx, status, RunFailed)
		result.Errors = append(result.Errors, asFlowError(err))
		e.logger.ErrorContext(ctx, "flow run failed", slog.String("error", err.Error()))
	}

	return result, nil
}

// advanceRun applies a run status transition, logging any violation of the
// transition table instead of reporting an unreachable status.
func (e *Engine) advanceRun(ctx context.Context, from, to RunStatus) RunStatus {
	next, err := TransitionRun(from, to)
	if err != nil {
		e.logger.WarnContext(ctx, "run status transition rejected", slog.String("error", err.Error()))
	}
	return next
}

// advanceStep is advanceRun for step statuses.
func (r *run) advanceStep(ctx context.Context, from, to StepStatus) StepStatus {
	next, err := TransitionStep(from, to)
	if err != nil {
		logging.LogWith(ctx, r.engine.logger).
			Warn("step status transition rejected", slog.String("error", err.Error()))
	}
	return next
}

// run is the per-run interpreter state, owned by a single goroutine. Parallel
// loop branches execute on forks and are merged back by the owner.
type run struct {
	engine  *Engine
	id      string
	state   *state.State
	frames  records.FrameStore
	secrets secrets.Vault
	results []StepResult
	depth   int
	// forked marks a parallel loop branch; forks buffer their results and
	// never touch the parent's slices.
	forked bool
}

// execFlowGuarded is the interpreter's last panic barrier: whatever slips
// past the per-step guard still surfaces as an execution error in the run
// result instead of escaping RunFlow.
func (r *run) execFlowGuarded(ctx context.Context, flow *ir.Flow) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ir.NewErrorf(ir.ErrCodeExecution, "flow %q panicked: %v", flow.Name, rec)
		}
	}()
	return r.execFlowBody(ctx, flow)
}

// execFlowBody runs a flow's steps in declared order. A step failure not
// absorbed by its own on_error branch is offered once to the flow's
// error_steps; if they succeed the run ends recovered, with no further normal
// steps.
func (r *run) execFlowBody(ctx context.Context, flow *ir.Flow) error {
	if r.depth >= maxFlowDepth {
		return ir.NewErrorf(ir.ErrCodeExecution,
			"flow call depth exceeded %d at flow %q", maxFlowDepth, flow.Name)
	}
	r.depth++
	defer func() { r.depth-- }()

	for _, step := range flow.Steps {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		if err := r.execStep(ctx, step); err != nil {
			if len(flow.ErrorSteps) == 0 {
				return err
			}
			log := logging.LogWith(ctx, r.engine.logger)
			log.Warn("running flow error steps", slog.String("error", err.Error()))
			if herr := r.execStmts(ctx, flow.ErrorSteps); herr != nil {
				log.Error("flow error steps failed", slog.String("error", herr.Error()))
				return err
			}
			return nil
		}
	}
	return nil
}

func cancelledError(err error) error {
	return ir.NewErrorf(ir.ErrCodeCancelled, "run cancelled: %s", err.Error()).WithCause(err)
}

func asFlowError(err error) *ir.FlowError {
	if fe, ok := err.(*ir.FlowError); ok {
		return fe
	}
	return ir.NewError(ir.ErrCodeExecution, err.Error()).WithCause(err)
}
