package providers

import (
	"context"
	"encoding/json"

	"github.com/loomlang/loom/pkg/ir"
)

// LLMAgentRunner runs a declared agent as a single model turn: the agent's
// goal and description become the system framing and the step parameters
// become the user payload. Richer planning loops can replace this runner
// without touching the engine.
type LLMAgentRunner struct {
	caller AICaller
	model  string
}

// NewLLMAgentRunner creates an agent runner on top of an AICaller.
func NewLLMAgentRunner(caller AICaller, model string) *LLMAgentRunner {
	return &LLMAgentRunner{caller: caller, model: model}
}

func (r *LLMAgentRunner) Run(ctx context.Context, agent *ir.Agent, params map[string]any) (any, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeExecution,
			"agent %q: marshal parameters: %s", agent.Name, err.Error()).WithCause(err)
	}

	system := agent.Description
	if agent.Goal != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Goal: " + agent.Goal
	}

	call := &ir.AICall{
		Name:   agent.Name,
		Model:  r.model,
		Prompt: string(payload),
		Params: map[string]any{"system": system},
	}
	return r.caller.Call(ctx, call, nil)
}

var _ AgentRunner = (*LLMAgentRunner)(nil)
