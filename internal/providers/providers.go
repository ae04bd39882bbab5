// Package providers holds the engine's external collaborators: the AI caller,
// the agent runner, and the tool invoker. The engine only sees the interfaces;
// concrete adapters (OpenAI, HTTP, MCP) live behind them so tests can swap in
// deterministic fakes.
package providers

import (
	"context"

	"github.com/loomlang/loom/pkg/ir"
)

// AICaller executes a declared AI call with the step's evaluated parameters
// and returns the model output.
type AICaller interface {
	Call(ctx context.Context, call *ir.AICall, params map[string]any) (any, error)
}

// AICallerFunc adapts a function to the AICaller interface.
type AICallerFunc func(ctx context.Context, call *ir.AICall, params map[string]any) (any, error)

func (f AICallerFunc) Call(ctx context.Context, call *ir.AICall, params map[string]any) (any, error) {
	return f(ctx, call, params)
}

// AgentRunner executes a declared agent with the step's evaluated parameters
// and returns the agent's result.
type AgentRunner interface {
	Run(ctx context.Context, agent *ir.Agent, params map[string]any) (any, error)
}

// AgentRunnerFunc adapts a function to the AgentRunner interface.
type AgentRunnerFunc func(ctx context.Context, agent *ir.Agent, params map[string]any) (any, error)

func (f AgentRunnerFunc) Run(ctx context.Context, agent *ir.Agent, params map[string]any) (any, error) {
	return f(ctx, agent, params)
}

// ToolInvoker executes a declared tool with a payload and returns the tool
// output.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error)
}

// ToolInvokerFunc adapts a function to the ToolInvoker interface.
type ToolInvokerFunc func(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error)

func (f ToolInvokerFunc) Invoke(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
	return f(ctx, tool, payload)
}
