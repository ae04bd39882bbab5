package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlang/loom/internal/providers"
	"github.com/loomlang/loom/internal/secrets"
	"github.com/loomlang/loom/pkg/ir"
)

func singleStepFlow(step *ir.Step) *ir.Flow {
	return &ir.Flow{Name: "main", Steps: []*ir.Step{step}}
}

func TestAIStepNeedsTarget(t *testing.T) {
	flow := singleStepFlow(&ir.Step{Name: "summarize_ticket", Kind: ir.StepAI})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow)})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `ai step "summarize_ticket" needs a target`)
}

func TestAIStepUnknownCall(t *testing.T) {
	flow := singleStepFlow(&ir.Step{Name: "s", Kind: ir.StepAI, Target: "nope"})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow)})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `couldn't find an AI call named "nope"`)
}

func TestAIStepPublishesOutput(t *testing.T) {
	var gotParams map[string]any
	ai := providers.AICallerFunc(func(ctx context.Context, call *ir.AICall, params map[string]any) (any, error) {
		gotParams = params
		return "a fine summary", nil
	})

	flow := singleStepFlow(&ir.Step{
		Name:   "summarize_ticket",
		Kind:   ir.StepAI,
		Target: "summarize",
		Params: map[string]string{"text": `state.body`},
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), AI: ai})

	result := runOne(t, e, "main", map[string]any{"body": "long ticket text"})
	require.Empty(t, result.Errors)

	assert.Equal(t, map[string]any{"text": "long ticket text"}, gotParams)
	assert.Equal(t, "a fine summary", result.State["last_output"])

	stepState := result.State["step"].(map[string]any)["summarize_ticket"].(map[string]any)
	assert.Equal(t, "a fine summary", stepState["output"])

	require.Len(t, result.Steps, 1)
	assert.Equal(t, StepCompleted, result.Steps[0].Status)
	assert.Equal(t, "a fine summary", result.Steps[0].Output)
}

func TestAIStepWithoutCallerConfigured(t *testing.T) {
	flow := singleStepFlow(&ir.Step{Name: "s", Kind: ir.StepAI, Target: "summarize"})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow)})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, "no AI caller is configured")
}

func TestAgentStepMessages(t *testing.T) {
	e := newTestEngine(t, Options{Program: buildProgram(t,
		&ir.Flow{Name: "no_target", Steps: []*ir.Step{{Name: "a", Kind: ir.StepAgent}}},
		&ir.Flow{Name: "unknown", Steps: []*ir.Step{{Name: "a", Kind: ir.StepAgent, Target: "ghost"}}},
	)})

	result := runOne(t, e, "no_target", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `agent step "a" needs a target`)

	result = runOne(t, e, "unknown", nil)
	fe = requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `couldn't find an agent named "ghost"`)
}

func TestAgentStepRuns(t *testing.T) {
	agents := providers.AgentRunnerFunc(func(ctx context.Context, agent *ir.Agent, params map[string]any) (any, error) {
		assert.Equal(t, "triager", agent.Name)
		return map[string]any{"priority": 2}, nil
	})

	flow := singleStepFlow(&ir.Step{Name: "triage", Kind: ir.StepAgent, Target: "triager"})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Agents: agents})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, map[string]any{"priority": 2}, result.State["last_output"])
}

func TestToolStepMessages(t *testing.T) {
	e := newTestEngine(t, Options{Program: buildProgram(t,
		&ir.Flow{Name: "no_target", Steps: []*ir.Step{{Name: "t", Kind: ir.StepTool}}},
		&ir.Flow{Name: "unknown", Steps: []*ir.Step{{Name: "t", Kind: ir.StepTool, Target: "ghost"}}},
	)})

	result := runOne(t, e, "no_target", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `tool step "t" needs a target`)

	result = runOne(t, e, "unknown", nil)
	fe = requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `couldn't find a tool named "ghost"`)
}

func TestToolStepDefaultPayloadIsLastOutput(t *testing.T) {
	var gotPayload map[string]any
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		gotPayload = payload
		return "sent", nil
	})

	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "prep", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.last_output", Expr: `"previous result"`},
		}},
		{Name: "send", Kind: ir.StepTool, Target: "notify"},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, map[string]any{"message": "previous result"}, gotPayload)
}

func TestToolStepExplicitParamsOverrideDefault(t *testing.T) {
	var gotPayload map[string]any
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		gotPayload = payload
		return "sent", nil
	})

	flow := singleStepFlow(&ir.Step{
		Name:   "send",
		Kind:   ir.StepTool,
		Target: "notify",
		Params: map[string]string{"channel": `"ops"`, "urgent": `true`},
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, map[string]any{"channel": "ops", "urgent": true}, gotPayload)
}

func TestToolStepDetachRecordsNoOutput(t *testing.T) {
	invoked := make(chan map[string]any, 1)
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		invoked <- payload
		return "ignored", nil
	})

	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "fire", Kind: ir.StepTool, Target: "notify", Mode: ir.ToolModeDetach,
			Params: map[string]string{"msg": `"bye"`}},
		{Name: "after", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.done", Expr: `true`},
		}},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)

	select {
	case payload := <-invoked:
		assert.Equal(t, map[string]any{"msg": "bye"}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("detached tool was never invoked")
	}

	// Detached calls leave no output behind.
	assert.NotContains(t, result.State, "last_output")
	require.Len(t, result.Steps, 2)
	assert.Nil(t, result.Steps[0].Output)
}

func TestTransformReshapesOutput(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return map[string]any{
			"items": []any{
				map[string]any{"name": "a"},
				map[string]any{"name": "b"},
			},
		}, nil
	})

	flow := singleStepFlow(&ir.Step{
		Name:      "fetch",
		Kind:      ir.StepTool,
		Target:    "notify",
		Transform: `[.items[].name]`,
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, []any{"a", "b"}, result.State["last_output"])
}

func TestWhenStepFirstTrueBranch(t *testing.T) {
	flow := singleStepFlow(&ir.Step{
		Name: "route",
		Kind: ir.StepWhen,
		Branches: []ir.WhenBranch{
			{Condition: `state.n > 10`, Steps: []ir.Stmt{&ir.SetStmt{Target: "state.route", Expr: `"high"`}}},
			{Condition: `state.n > 1`, Steps: []ir.Stmt{&ir.SetStmt{Target: "state.route", Expr: `"mid"`}}},
			{Steps: []ir.Stmt{&ir.SetStmt{Target: "state.route", Expr: `"low"`}}},
		},
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow)})

	result := runOne(t, e, "main", map[string]any{"n": 5})
	require.Empty(t, result.Errors)
	assert.Equal(t, "mid", result.State["route"])

	result = runOne(t, e, "main", map[string]any{"n": 0})
	require.Empty(t, result.Errors)
	assert.Equal(t, "low", result.State["route"])
}

func TestGotoFlowRunsSubflow(t *testing.T) {
	main := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{Name: "hand_off", Kind: ir.StepGotoFlow, Target: "sub"},
		{Name: "after", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.after", Expr: `true`},
		}},
	}}
	sub := &ir.Flow{Name: "sub", Steps: []*ir.Step{
		{Name: "mark", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.sub_ran", Expr: `true`},
		}},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, main, sub)})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, true, result.State["sub_ran"])
	assert.Equal(t, true, result.State["after"])
}

func TestGotoFlowMessages(t *testing.T) {
	e := newTestEngine(t, Options{Program: buildProgram(t,
		&ir.Flow{Name: "no_target", Steps: []*ir.Step{{Name: "g", Kind: ir.StepGotoFlow}}},
		&ir.Flow{Name: "unknown", Steps: []*ir.Step{{Name: "g", Kind: ir.StepGotoFlow, Target: "ghost"}}},
	)})

	result := runOne(t, e, "no_target", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `goto_flow step "g" needs a target`)

	result = runOne(t, e, "unknown", nil)
	fe = requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `couldn't find a flow named "ghost"`)
}

func TestGotoFlowDepthGuard(t *testing.T) {
	// A self-recursive flow must fail fast instead of overflowing the stack.
	loop := &ir.Flow{Name: "loop", Steps: []*ir.Step{
		{Name: "again", Kind: ir.StepGotoFlow, Target: "loop"},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, loop)})

	result := runOne(t, e, "loop", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeExecution)
	assert.Contains(t, fe.Message, "flow call depth exceeded")
}

func TestOnErrorRecoversStep(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	flow := &ir.Flow{Name: "main", Steps: []*ir.Step{
		{
			Name:   "fragile",
			Kind:   ir.StepTool,
			Target: "notify",
			OnError: []ir.Stmt{
				&ir.SetStmt{Target: "state.recovered", Expr: `true`},
			},
		},
		{Name: "after", Kind: ir.StepScript, Body: []ir.Stmt{
			&ir.SetStmt{Target: "state.after", Expr: `true`},
		}},
	}}
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, true, result.State["recovered"])
	assert.Equal(t, true, result.State["after"], "the flow continues after a recovered step")

	require.Len(t, result.Steps, 2)
	assert.Equal(t, StepRecovered, result.Steps[0].Status)
	assert.False(t, result.Steps[0].Success)
	assert.NotEmpty(t, result.Steps[0].Error)
}

func TestOnErrorFailurePropagatesOriginal(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return nil, ir.NewError(ir.ErrCodeProvider, "original failure")
	})

	flow := singleStepFlow(&ir.Step{
		Name:   "fragile",
		Kind:   ir.StepTool,
		Target: "notify",
		OnError: []ir.Stmt{
			// The handler itself fails.
			&ir.RepeatStmt{Count: `"bad"`, Body: nil},
		},
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeProvider)
	assert.Contains(t, fe.Message, "original failure")
}

func TestOnErrorRunsAtMostOnce(t *testing.T) {
	var toolCalls atomic.Int64
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		toolCalls.Add(1)
		return nil, ir.NewError(ir.ErrCodeProvider, "boom")
	})

	flow := singleStepFlow(&ir.Step{
		Name:   "fragile",
		Kind:   ir.StepTool,
		Target: "notify",
		OnError: []ir.Stmt{
			&ir.SetStmt{Target: "state.handled", Expr: `(state.handled ?? 0) + 1`},
		},
	})
	// Two provider attempts, then one handler pass.
	e := newTestEngine(t, Options{
		Program: buildProgram(t, flow),
		Tools:   tools,
		Retry:   RetryPolicy{MaxAttempts: 2, Delay: "1ms", Backoff: "constant"},
	})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, int64(2), toolCalls.Load())
	assert.Equal(t, 1, result.State["handled"])
}

func TestStepTimeoutBecomesTimeoutError(t *testing.T) {
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	flow := singleStepFlow(&ir.Step{
		Name:    "slow",
		Kind:    ir.StepTool,
		Target:  "notify",
		Timeout: "20ms",
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeTimeout)
	assert.Contains(t, fe.Message, "timed out after")
}

func TestInvalidStepTimeout(t *testing.T) {
	flow := singleStepFlow(&ir.Step{
		Name:    "slow",
		Kind:    ir.StepTool,
		Target:  "notify",
		Timeout: "not-a-duration",
	})
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		return "ok", nil
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeConfiguration)
	assert.Contains(t, fe.Message, `step "slow" has an invalid timeout "not-a-duration"`)
}

func TestStepPanicBecomesExecutionError(t *testing.T) {
	flow := singleStepFlow(&ir.Step{Name: "boom", Kind: ir.StepTool, Target: "notify"})
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		panic("collaborator bug")
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeExecution)
	assert.Contains(t, fe.Message, `step "boom" panicked`)
	assert.Equal(t, "boom", fe.Step)
	assert.Equal(t, RunFailed, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
}

func TestStepPanicRecoverableByOnError(t *testing.T) {
	flow := singleStepFlow(&ir.Step{
		Name:   "boom",
		Kind:   ir.StepTool,
		Target: "notify",
		OnError: []ir.Stmt{
			&ir.SetStmt{Target: "state.handled", Expr: `true`},
		},
	})
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		panic("collaborator bug")
	})
	e := newTestEngine(t, Options{Program: buildProgram(t, flow), Tools: tools})

	result := runOne(t, e, "main", nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, true, result.State["handled"])
	require.Len(t, result.Steps, 1)
	assert.Equal(t, StepRecovered, result.Steps[0].Status)
}

func TestToolHeaderSecretReferencesResolve(t *testing.T) {
	prog, err := ir.NewProgram(ir.ProgramSpec{
		Name: "test-program",
		Tools: []*ir.Tool{{
			Name:   "notify",
			Kind:   ir.ToolHTTP,
			URL:    "http://localhost/notify",
			Method: "POST",
			Headers: map[string]string{
				"Authorization": "secret://api_token",
				"X-Team":        "ops",
			},
		}},
		Flows: []*ir.Flow{singleStepFlow(&ir.Step{
			Name:   "send",
			Kind:   ir.StepTool,
			Target: "notify",
			Params: map[string]string{"msg": `"hi"`},
		})},
	})
	require.NoError(t, err)

	vault, err := secrets.NewAESVault(secrets.NewMemorySecretStore(),
		secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, vault.Store(ctx, "api_token", []byte("Bearer tok-123")))

	var gotHeaders map[string]string
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		gotHeaders = tool.Headers
		return "ok", nil
	})
	e := newTestEngine(t, Options{Program: prog, Tools: tools})

	result, err := e.RunFlow(ctx, "main", ExecutionContext{Secrets: vault})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.Equal(t, "Bearer tok-123", gotHeaders["Authorization"])
	assert.Equal(t, "ops", gotHeaders["X-Team"])

	// The declared program keeps the reference, not the resolved value.
	tool, _ := prog.Tool("notify")
	assert.Equal(t, "secret://api_token", tool.Headers["Authorization"])
}

func TestToolHeaderSecretWithoutVaultFails(t *testing.T) {
	prog, err := ir.NewProgram(ir.ProgramSpec{
		Name: "test-program",
		Tools: []*ir.Tool{{
			Name:    "notify",
			Kind:    ir.ToolHTTP,
			URL:     "http://localhost/notify",
			Headers: map[string]string{"Authorization": "secret://api_token"},
		}},
		Flows: []*ir.Flow{singleStepFlow(&ir.Step{Name: "send", Kind: ir.StepTool, Target: "notify"})},
	})
	require.NoError(t, err)

	invoked := false
	tools := providers.ToolInvokerFunc(func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
		invoked = true
		return "ok", nil
	})
	e := newTestEngine(t, Options{Program: prog, Tools: tools})

	result := runOne(t, e, "main", nil)
	fe := requireFlowErrorCode(t, result, ir.ErrCodeVault)
	assert.Contains(t, fe.Message, `tool "notify" references secrets but no vault is configured`)
	assert.False(t, invoked)
}
