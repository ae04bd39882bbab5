package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlang/loom/internal/providers"
	"github.com/loomlang/loom/pkg/ir"
)

func TestRunFlowUnknownFlow(t *testing.T) {
	e := newTestEngine(t, Options{Program: buildProgram(t, scriptFlow())})

	_, err := e.RunFlow(context.Background(), "ghost", ExecutionContext{})
	require.Error(t, err)
	var fe *ir.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ir.ErrCodeConfiguration, fe.Code)
	assert.Contains(t, fe.Message, `couldn't find a flow named "ghost"`)
}

func TestRunFlowResultShape(t *testing.T) {
	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "first", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.a", Expr: `1`},
		}},
		{Name: "second", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.b", Expr: `state.a + 1`},
		}},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow)})

	result, err := e.RunFlow(context.Background(), "main", ExecutionContext{
		RequestID: "req-42",
		Vars:      map[string]any{"seed": "x"},
	})
	require.NoError(t, err)

	assert.Equal(t, "req-42", result.RunID)
	assert.Equal(t, "main", result.Flow)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Empty(t, result.Errors)

	// Final state carries the seed plus every durable write.
	assert.Equal(t, "x", result.State["seed"])
	assert.Equal(t, 1, result.State["a"])
	assert.Equal(t, 2, result.State["b"])

	// Step results are ordered by execution.
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "first", result.Steps[0].Name)
	assert.Equal(t, "second", result.Steps[1].Name)
	for _, sr := range result.Steps {
		assert.Equal(t, StepCompleted, sr.Status)
		assert.True(t, sr.Success)
	}
}

func TestRunFlowGeneratesRunID(t *testing.T) {
	e := newTestEngine(t, Options{Program: buildProgram(t, scriptFlow())})

	result := runOne(t, e, "main", nil)
	assert.NotEmpty(t, result.RunID)
}

func TestFlakyToolSucceedsWithinRetryBlock(t *testing.T) {
	// The canonical flaky-dependency shape: a tool that fails twice then
	// succeeds, wrapped in retry(count=3). Provider-level retries are off, so
	// the block alone drives exactly three invocations.
	var calls atomic.Int64
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, ir.NewError(ir.ErrCodeProvider, "temporarily down")
		}
		return map[string]any{"ok": true}, nil
	})

	flow := scriptFlow(&ir.RetryStmt{
		Count: 3,
		Body: []ir.Stmt{
			&ir.StepStmt{Step: &ir.Step{Name: "deliver", Kind: ir.StepTool, Target: "notify"}},
		},
	})
	e := newTestEngine(t, Options{
		Program: buildProgram(t, flow),
		Tools:   tools,
		Retry:   RetryPolicy{MaxAttempts: 1},
	})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, map[string]any{"ok": true}, result.State["last_output"])
}

func TestProviderRetriesThenExhausts(t *testing.T) {
	var calls atomic.Int64
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		calls.Add(1)
		return nil, ir.NewError(ir.ErrCodeProvider, "down hard")
	})

	flow := singleStepFlow(&ir.Step{Name: "deliver", Kind: ir.StepTool, Target: "notify"})
	e := newTestEngine(t, Options{
		Program: buildProgram(t, flow),
		Tools:   tools,
		Retry:   RetryPolicy{MaxAttempts: 3, Delay: "1ms", Backoff: "constant"},
	})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeRetryExhausted)
	assert.Contains(t, fe.Message, `failed after 3 attempts`)
	assert.Equal(t, int64(3), calls.Load())

	require.Len(t, result.Steps, 1)
	assert.Equal(t, 2, result.Steps[0].Retries)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	var calls atomic.Int64
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		calls.Add(1)
		return nil, ir.NewError(ir.ErrCodeValidation, "malformed payload")
	})

	flow := singleStepFlow(&ir.Step{Name: "deliver", Kind: ir.StepTool, Target: "notify"})
	e := newTestEngine(t, Options{
		Program: buildProgram(t, flow),
		Tools:   tools,
		Retry:   RetryPolicy{MaxAttempts: 5, Delay: "1ms", Backoff: "constant"},
	})

	result := runOne(t, e, "main", nil)
	requireFlowErrorCode(t, result, ir.ErrCodeValidation)
	assert.Equal(t, int64(1), calls.Load(), "validation errors must not be retried")
}

func TestCircuitOpensAndRejectsImmediately(t *testing.T) {
	var calls atomic.Int64
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		calls.Add(1)
		return nil, ir.NewError(ir.ErrCodeProvider, "down")
	})

	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "first", Kind: ir.StepTool, Target: "notify",
			OnError: []ir.Stmt{&ir.SetStmt{Target: "state.h1", Expr: `true`}}},
		{Name: "second", Kind: ir.StepTool, Target: "notify"},
	}}
	e := newTestEngine(t, Options{
		Program: buildProgram(t, flow),
		Tools:   tools,
		Retry:   RetryPolicy{MaxAttempts: 2, Delay: "1ms", Backoff: "constant"},
		Breaker: CircuitBreakerConfig{FailureThreshold: 2, Cooldown: 30_000_000_000, HalfOpenMax: 1},
	})

	result := runOne(t, e, "main", nil)

	// The first step burns through the threshold; its on_error absorbs the
	// failure. The second step is rejected before its tool is ever invoked.
	fe := requireFlowErrorCode(t, result, ir.ErrCodeCircuitOpen)
	assert.Contains(t, fe.Message, `circuit breaker open for provider "tool:notify"`)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, CircuitOpen, e.Breakers().GetState("tool:notify"))
}

func TestErrorStepsRecoverRun(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	flow := &ir.Flow{
		Name: "main",
		Steps: []*ir.Step{
			{Name: "fragile", Kind: ir.StepTool, Target: "notify"},
			{Name: "never", Kind: ir.StepScript, Body: []ir.Stmt{
				&ir.SetStmt{Target: "state.never", Expr: `true`},
			}},
		},
		ErrorSteps: []ir.Stmt{
			&ir.SetStmt{Target: "state.recovered", Expr: `true`},
		},
	}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)

	// A recovered run reports zero errors.
	assert.Empty(t, result.Errors)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, true, result.State["recovered"])
	assert.NotContains(t, result.State, "never",
		"normal steps after the failure must not run")
}

func TestErrorStepsFailurePreservesOriginalError(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "the original problem")
	})

	flow := &ir.Flow{
		Name: "main",
		Steps: []*ir.Step{
			{Name: "fragile", Kind: ir.StepTool, Target: "notify"},
		},
		ErrorSteps: []ir.Stmt{
			&ir.RepeatStmt{Count: `"broken"`, Body: nil},
		},
	}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeProvider)
	assert.Contains(t, fe.Message, "the original problem")
	assert.Equal(t, RunFailed, result.Status)
}

func TestOnErrorSuccessSkipsErrorSteps(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	flow := &ir.Flow{
		Name: "main",
		Steps: []*ir.Step{
			{Name: "fragile", Kind: ir.StepTool, Target: "notify",
				OnError: []ir.Stmt{&ir.SetStmt{Target: "state.step_handled", Expr: `true`}}},
		},
		ErrorSteps: []ir.Stmt{
			&ir.SetStmt{Target: "state.flow_handled", Expr: `true`},
		},
	}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, true, result.State["step_handled"])
	assert.NotContains(t, result.State, "flow_handled",
		"flow error steps only run for unabsorbed failures")
}

func TestErrorStepsRunOncePerRun(t *testing.T) {
	// Both an error-steps step failing and the original failure must not
	// trigger a second error-steps pass: a handler failure ends the run.
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	flow := &ir.Flow{
		Name: "main",
		Steps: []*ir.Step{
			{Name: "fragile", Kind: ir.StepTool, Target: "notify"},
		},
		ErrorSteps: []ir.Stmt{
			&ir.SetStmt{Target: "state.handled", Expr: `(state.handled ?? 0) + 1`},
			&ir.StepStmt{Step: &ir.Step{Name: "also_fragile", Kind: ir.StepTool, Target: "notify"}},
		},
	}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	requireFlowErrorCode(t, result, ir.ErrCodeProvider)
	assert.Equal(t, 1, result.State["handled"])
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tools := providers.ToolInvokerFunc(func(c context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	})

	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "slow", Kind: ir.StepTool, Target: "notify"},
		{Name: "after", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.after", Expr: `true`},
		}},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result, err := e.RunFlow(ctx, "main", ExecutionContext{})
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.NotContains(t, result.State, "after")
}

func TestSubflowErrorStepsRun(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	main := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "delegate", Kind: ir.StepGotoFlow, Target: "sub"},
		{Name: "after", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.after", Expr: `true`},
		}},
	}}
	sub := &ir.Flow{
		Name: "sub",
		Steps: []*ir.Step{
			{Name: "fragile", Kind: ir.StepTool, Target: "notify"},
		},
		ErrorSteps: []ir.Stmt{
			&ir.SetStmt{Target: "state.sub_recovered", Expr: `true`},
		},
	}
	e := newTestEngine(t, Options{Program: buildProgram(t, main, sub), Tools: tools})

	result := runOne(t, e, "main", nil)

	// The subflow recovers itself, so the parent continues normally.
	require.Empty(t, result.Errors)
	assert.Equal(t, true, result.State["sub_recovered"])
	assert.Equal(t, true, result.State["after"])
}

func TestSeededFramesAvailableToFlows(t *testing.T) {
	p, err := ir.NewProgram(ir.ProgramSpec{
		Name:    "seeded",
		Records: []*ir.RecordSchema{ticketSchema()},
		Frames: map[string][]map[string]any{
			"ticket": {{"id": "t1", "status": "open"}},
		},
		Flows: []*ir.Flow{scriptFlow(
			&ir.UpdateStmt{Record: "ticket", Key: `"t1"`, Fields: map[string]string{
				"status": `"closed"`,
			}},
		)},
	})
	require.NoError(t, err)
	e := newTestEngine(t, Options{Program: p})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)

	row, found, err := e.Frames().Lookup(context.Background(), "ticket", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "closed", row["status"])
}
