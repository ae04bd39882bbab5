package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomlang/loom/pkg/ir"
)

// ticketSchema is the record fixture shared by the engine tests.
func ticketSchema() *ir.RecordSchema {
	return ir.MustRecordSchema("ticket", "id", []ir.FieldDef{
		{Name: "id", Type: ir.FieldString, Required: true},
		{Name: "status", Type: ir.FieldString},
		{Name: "priority", Type: ir.FieldNumber},
	})
}

func buildProgram(t *testing.T, flows ...*ir.Flow) *ir.Program {
	t.Helper()
	p, err := ir.NewProgram(ir.ProgramSpec{
		Name: "test-program",
		AICalls: []*ir.AICall{
			{Name: "summarize", Provider: "openai", Model: "gpt-4o-mini", Prompt: "Summarize: {text}"},
		},
		Agents: []*ir.Agent{
			{Name: "triager", Description: "Triages tickets", Goal: "assign a priority"},
		},
		Tools: []*ir.Tool{
			{Name: "notify", Kind: ir.ToolHTTP, URL: "http://localhost/notify", Method: "POST"},
		},
		Records: []*ir.RecordSchema{ticketSchema()},
		Flows:   flows,
	})
	require.NoError(t, err)
	return p
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	// Provider retries off unless a test opts in: control-flow tests want one
	// invocation per declared attempt.
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{MaxAttempts: 1}
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func runOne(t *testing.T, e *Engine, flow string, vars map[string]any) *FlowRunResult {
	t.Helper()
	result, err := e.RunFlow(context.Background(), flow, ExecutionContext{Vars: vars})
	require.NoError(t, err)
	return result
}

// scriptFlow wraps statements into a single-step flow named "main".
func scriptFlow(stmts ...ir.Stmt) *ir.Flow {
	return &ir.Flow{
		Name: "main",
		Steps: []*ir.Step{
			{Name: "body", Kind: ir.StepScript, Body: stmts},
		},
	}
}

func requireFlowErrorCode(t *testing.T, result *FlowRunResult, code string) *ir.FlowError {
	t.Helper()
	require.NotEmpty(t, result.Errors)
	require.Equal(t, code, result.Errors[0].Code)
	return result.Errors[0]
}
