package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loomlang/loom/pkg/ir"
)

// OpenAICaller is an AICaller backed by the OpenAI Chat Completions API. A
// custom base URL routes the same adapter to OpenAI-compatible providers.
type OpenAICaller struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAICaller creates a chat-completions caller. baseURL may be empty for
// the default OpenAI endpoint.
func NewOpenAICaller(apiKey, defaultModel, baseURL string) *OpenAICaller {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICaller{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Call renders the declared prompt with the evaluated parameters and sends it
// as a single user message. The declared model wins over the default.
func (c *OpenAICaller) Call(ctx context.Context, call *ir.AICall, params map[string]any) (any, error) {
	model := call.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration,
			"ai call %q declares no model and no default is configured", call.Name)
	}

	prompt := RenderPrompt(call.Prompt, params)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(prompt),
	}
	if system, ok := call.Params["system"].(string); ok && system != "" {
		messages = append([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
		}, messages...)
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"ai call %q failed: %s", call.Name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"provider": call.Provider, "model": model})
	}
	if len(resp.Choices) == 0 {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"ai call %q returned no choices", call.Name)
	}
	return resp.Choices[0].Message.Content, nil
}

var _ AICaller = (*OpenAICaller)(nil)

// RenderPrompt fills {name} placeholders in a prompt template from the
// parameter map. Unknown placeholders are left as-is.
func RenderPrompt(template string, params map[string]any) string {
	if len(params) == 0 {
		return template
	}
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", fmt.Sprintf("%v", value))
	}
	return out
}
