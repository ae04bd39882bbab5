package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomlang/loom/internal/expressions"
	"github.com/loomlang/loom/internal/logging"
	"github.com/loomlang/loom/internal/secrets"
	"github.com/loomlang/loom/pkg/ir"
)

// scope builds the expression environment for the current interpreter state.
func (r *run) scope() *expressions.Scope {
	return &expressions.Scope{
		State:      r.state.Tree(),
		Vars:       r.state.Locals(),
		LastOutput: r.state.LastOutput(),
	}
}

// evalValue evaluates a value expression (parameters, iterables, match
// targets, repeat counts) against the current scope.
func (r *run) evalValue(ctx context.Context, expression string) (any, error) {
	return r.engine.values.Evaluate(ctx, expression, r.scope().Data())
}

// evalCond evaluates a branch condition. Conditions must produce exactly a
// boolean; nothing is truthy-coerced.
func (r *run) evalCond(ctx context.Context, expression string) (bool, error) {
	out, err := r.engine.conds.Evaluate(ctx, expression, r.scope().Data())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, ir.NewError(ir.ErrCodeControlFlowType,
			"this condition did not evaluate to a boolean value").
			WithDetails(map[string]any{"expression": expression, "value": out})
	}
	return b, nil
}

// evalParams evaluates a step's parameter mapping.
func (r *run) evalParams(ctx context.Context, params map[string]string) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for name, expression := range params {
		v, err := r.evalValue(ctx, expression)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// execStep runs one step: dispatch by kind, then offer any failure to the
// step's on_error branch. The branch runs at most once and is never retried;
// if it completes, the step counts as recovered and nothing propagates.
func (r *run) execStep(ctx context.Context, step *ir.Step) error {
	kind := step.Kind
	if kind == "" {
		kind = ir.StepScript
	}
	ctx = logging.WithStep(ctx, step.Name)
	start := time.Now()
	notify(func() { r.engine.tracer.StepStarted(r.id, logging.Flow(ctx), step.Name) })

	res := StepResult{Name: step.Name, Kind: kind, Target: step.Target}
	res.Status = r.advanceStep(ctx, StepPending, StepActive)
	err := r.dispatchGuarded(ctx, kind, step, &res)

	if err != nil && len(step.OnError) > 0 {
		log := logging.LogWith(ctx, r.engine.logger)
		log.Warn("running step error branch", slog.String("error", err.Error()))
		if herr := r.execStmts(ctx, step.OnError); herr == nil {
			res.Status = r.advanceStep(ctx, res.Status, StepRecovered)
			res.Error = err.Error()
			err = nil
		} else {
			log.Error("step error branch failed", slog.String("error", herr.Error()))
		}
	}

	switch {
	case err != nil:
		res.Status = r.advanceStep(ctx, res.Status, StepFailed)
		fe := asFlowError(err)
		if fe.Step == "" {
			fe = fe.WithStep(step.Name)
		}
		res.Error = fe.Error()
		err = fe
	case res.Status != StepRecovered:
		res.Status = r.advanceStep(ctx, res.Status, StepCompleted)
	}
	res.Success = err == nil
	res.Elapsed = time.Since(start)
	r.results = append(r.results, res)

	notify(func() {
		r.engine.tracer.StepFinished(r.id, logging.Flow(ctx), step.Name, err, res.Elapsed)
	})
	notify(func() {
		r.engine.metrics.StepExecuted(logging.Flow(ctx), step.Name, err == nil)
	})
	return err
}

// dispatchGuarded runs dispatch with a panic barrier: a collaborator or
// interpreter panic becomes an execution error on the step, eligible for the
// same on_error and error_steps recovery as any other failure.
func (r *run) dispatchGuarded(ctx context.Context, kind ir.StepKind, step *ir.Step, res *StepResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ir.NewErrorf(ir.ErrCodeExecution, "step %q panicked: %v", step.Name, rec)
		}
	}()
	return r.dispatch(ctx, kind, step, res)
}

// dispatch matches the step kind exhaustively.
func (r *run) dispatch(ctx context.Context, kind ir.StepKind, step *ir.Step, res *StepResult) error {
	switch kind {
	case ir.StepScript, ir.StepDo:
		return r.execBlock(ctx, step.Body)

	case ir.StepWhen:
		return r.execWhen(ctx, step)

	case ir.StepAI:
		return r.dispatchAI(ctx, step, res)

	case ir.StepAgent:
		return r.dispatchAgent(ctx, step, res)

	case ir.StepTool:
		return r.dispatchTool(ctx, step, res)

	case ir.StepGotoFlow:
		return r.dispatchGotoFlow(ctx, step)

	default:
		return ir.NewErrorf(ir.ErrCodeConfiguration, "unknown step kind %q", kind)
	}
}

func (r *run) execWhen(ctx context.Context, step *ir.Step) error {
	var elseBranch []ir.Stmt
	for _, branch := range step.Branches {
		if branch.Condition == "" {
			if elseBranch == nil {
				elseBranch = branch.Steps
			}
			continue
		}
		matched, err := r.evalCond(ctx, branch.Condition)
		if err != nil {
			return err
		}
		if matched {
			return r.execBlock(ctx, branch.Steps)
		}
	}
	if elseBranch != nil {
		return r.execBlock(ctx, elseBranch)
	}
	return nil
}

func (r *run) dispatchAI(ctx context.Context, step *ir.Step, res *StepResult) error {
	if step.Target == "" {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "ai step %q needs a target", step.Name)
	}
	call, ok := r.engine.program.AICall(step.Target)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration,
			"couldn't find an AI call named %q", step.Target).WithTarget(step.Target)
	}
	if r.engine.ai == nil {
		return ir.NewError(ir.ErrCodeConfiguration, "no AI caller is configured")
	}

	params, err := r.evalParams(ctx, step.Params)
	if err != nil {
		return err
	}

	providerKey := call.Provider
	if providerKey == "" {
		providerKey = call.Name
	}
	out, retries, err := r.callWithRetries(ctx, step, providerKey, func(c context.Context) (any, error) {
		return r.engine.ai.Call(c, call, params)
	})
	res.Retries = retries
	if err != nil {
		return err
	}
	return r.finishProviderStep(ctx, step, res, out)
}

func (r *run) dispatchAgent(ctx context.Context, step *ir.Step, res *StepResult) error {
	if step.Target == "" {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "agent step %q needs a target", step.Name)
	}
	agent, ok := r.engine.program.Agent(step.Target)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration,
			"couldn't find an agent named %q", step.Target).WithTarget(step.Target)
	}
	if r.engine.agents == nil {
		return ir.NewError(ir.ErrCodeConfiguration, "no agent runner is configured")
	}

	params, err := r.evalParams(ctx, step.Params)
	if err != nil {
		return err
	}

	out, retries, err := r.callWithRetries(ctx, step, "agent:"+agent.Name, func(c context.Context) (any, error) {
		return r.engine.agents.Run(c, agent, params)
	})
	res.Retries = retries
	if err != nil {
		return err
	}
	return r.finishProviderStep(ctx, step, res, out)
}

func (r *run) dispatchTool(ctx context.Context, step *ir.Step, res *StepResult) error {
	if step.Target == "" {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "tool step %q needs a target", step.Name)
	}
	tool, ok := r.engine.program.Tool(step.Target)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration,
			"couldn't find a tool named %q", step.Target).WithTarget(step.Target)
	}
	if r.engine.tools == nil {
		return ir.NewError(ir.ErrCodeConfiguration, "no tool invoker is configured")
	}
	tool, err := r.resolveToolSecrets(ctx, tool)
	if err != nil {
		return err
	}

	payload, err := r.evalParams(ctx, step.Params)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = map[string]any{"message": r.state.LastOutput()}
	}

	if step.Mode == ir.ToolModeDetach {
		// Fire-and-forget: the run does not wait and no output is recorded.
		detached := context.WithoutCancel(ctx)
		go func() {
			defer func() { _ = recover() }()
			if _, err := r.engine.tools.Invoke(detached, tool, payload); err != nil {
				logging.LogWith(detached, r.engine.logger).
					Warn("detached tool call failed", slog.String("error", err.Error()))
			}
		}()
		return nil
	}

	out, retries, err := r.callWithRetries(ctx, step, "tool:"+tool.Name, func(c context.Context) (any, error) {
		return r.engine.tools.Invoke(c, tool, payload)
	})
	res.Retries = retries
	if err != nil {
		return err
	}
	return r.finishProviderStep(ctx, step, res, out)
}

// resolveToolSecrets replaces secret:// header references with vault values
// before the tool is invoked. Tools without references pass through untouched;
// a reference with no vault configured is a vault error, not a silent literal.
func (r *run) resolveToolSecrets(ctx context.Context, tool *ir.Tool) (*ir.Tool, error) {
	hasRef := false
	for _, v := range tool.Headers {
		if secrets.IsRef(v) {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return tool, nil
	}
	if r.secrets == nil {
		return nil, ir.NewErrorf(ir.ErrCodeVault,
			"tool %q references secrets but no vault is configured", tool.Name)
	}

	resolved := *tool
	resolved.Headers = make(map[string]string, len(tool.Headers))
	for name, v := range tool.Headers {
		if !secrets.IsRef(v) {
			resolved.Headers[name] = v
			continue
		}
		value, err := r.secrets.Resolve(ctx, secrets.RefName(v))
		if err != nil {
			return nil, err
		}
		resolved.Headers[name] = string(value)
	}
	return &resolved, nil
}

func (r *run) dispatchGotoFlow(ctx context.Context, step *ir.Step) error {
	if step.Target == "" {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "goto_flow step %q needs a target", step.Name)
	}
	flow, ok := r.engine.program.Flow(step.Target)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration,
			"couldn't find a flow named %q", step.Target).WithTarget(step.Target)
	}
	ctx = logging.WithFlow(ctx, flow.Name)
	return r.execFlowBody(ctx, flow)
}

// finishProviderStep applies the optional jq transform and publishes the
// output to state: step.<name>.output and last_output.
func (r *run) finishProviderStep(ctx context.Context, step *ir.Step, res *StepResult, out any) error {
	if step.Transform != "" {
		transformed, err := r.engine.jq.Transform(ctx, step.Transform, out)
		if err != nil {
			return err
		}
		out = transformed
	}
	if step.Name != "" {
		r.state.SetDurable("step."+step.Name+".output", out)
	}
	r.state.SetDurable("last_output", out)
	res.Output = out
	return nil
}

// callWithRetries runs a provider call with a per-attempt timeout, the
// engine's retry policy, and the circuit breaker keyed by providerKey. The
// returned int is the number of retries performed (attempts minus one).
func (r *run) callWithRetries(ctx context.Context, step *ir.Step, providerKey string, fn func(context.Context) (any, error)) (any, int, error) {
	e := r.engine
	policy := e.retry

	timeout := e.stepTimeout
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return nil, 0, ir.NewErrorf(ir.ErrCodeConfiguration,
				"step %q has an invalid timeout %q", step.Name, step.Timeout)
		}
		timeout = d
	}

	var last error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, cancelledError(err)
		}
		if err := e.breakers.AllowRequest(providerKey); err != nil {
			return nil, attempt, err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			e.breakers.RecordSuccess(providerKey)
			return out, attempt, nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ir.NewErrorf(ir.ErrCodeTimeout,
				"call to %q timed out after %s", providerKey, timeout).WithCause(err)
		}
		if state := e.breakers.RecordFailure(providerKey); state == CircuitOpen {
			notify(func() { e.metrics.CircuitOpened(providerKey) })
		}
		last = err

		if !IsRetryableError(err) {
			return nil, attempt, err
		}
		if attempt < policy.MaxAttempts-1 {
			retryAttempt := attempt
			notify(func() { e.metrics.ProviderRetried(providerKey, retryAttempt+1) })
			if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
				return nil, attempt, cancelledError(werr)
			}
		}
	}

	// A single-attempt policy means retries are off; surface the failure as-is.
	if policy.MaxAttempts == 1 {
		return nil, 0, last
	}
	return nil, policy.MaxAttempts - 1, ir.NewErrorf(ir.ErrCodeRetryExhausted,
		"call to %q failed after %d attempts: %s", providerKey, policy.MaxAttempts, last.Error()).
		WithCause(last).
		WithDetails(map[string]any{"provider": providerKey, "attempts": policy.MaxAttempts})
}
