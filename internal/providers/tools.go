package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomlang/loom/pkg/ir"
)

// ToolRegistry dispatches tool invocations to a transport adapter by tool
// kind. Named overrides take precedence, which is how built-in and in-process
// tools are installed.
type ToolRegistry struct {
	mu        sync.RWMutex
	overrides map[string]ToolInvoker
	http      *HTTPToolInvoker
	mcp       *MCPToolInvoker
}

// NewToolRegistry creates a registry with the default HTTP and MCP adapters.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		overrides: make(map[string]ToolInvoker),
		http:      NewHTTPToolInvoker(),
		mcp:       NewMCPToolInvoker(),
	}
}

// Register installs a named invoker that wins over the transport adapters.
func (r *ToolRegistry) Register(name string, inv ToolInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = inv
}

func (r *ToolRegistry) Invoke(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
	r.mu.RLock()
	override, ok := r.overrides[tool.Name]
	r.mu.RUnlock()
	if ok {
		return override.Invoke(ctx, tool, payload)
	}

	switch tool.Kind {
	case ir.ToolMCP:
		return r.mcp.Invoke(ctx, tool, payload)
	default:
		return r.http.Invoke(ctx, tool, payload)
	}
}

var _ ToolInvoker = (*ToolRegistry)(nil)

// HTTPToolInvoker calls http-kind tools with a JSON payload.
type HTTPToolInvoker struct {
	client *resty.Client
}

// NewHTTPToolInvoker creates the HTTP adapter.
func NewHTTPToolInvoker() *HTTPToolInvoker {
	return &HTTPToolInvoker{client: resty.New()}
}

func (h *HTTPToolInvoker) Invoke(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
	if tool.URL == "" {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration, "tool %q has no url", tool.Name)
	}
	method := strings.ToUpper(tool.Method)
	if method == "" {
		method = http.MethodPost
	}

	req := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(tool.Headers)
	if method != http.MethodGet {
		req.SetBody(payload)
	}
	if tool.Timeout != "" {
		if d, err := time.ParseDuration(tool.Timeout); err == nil {
			timeoutCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			req.SetContext(timeoutCtx)
		}
	}

	resp, err := req.Execute(method, tool.URL)
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"tool %q call failed: %s", tool.Name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"url": tool.URL, "method": method})
	}
	if resp.IsError() {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"tool %q returned status %d", tool.Name, resp.StatusCode()).
			WithDetails(map[string]any{
				"url":    tool.URL,
				"status": resp.StatusCode(),
				"body":   string(resp.Body()),
			})
	}

	return decodeToolBody(resp.Body()), nil
}

var _ ToolInvoker = (*HTTPToolInvoker)(nil)

// MCPToolInvoker calls mcp-kind tools over streamable HTTP. Clients are
// created per server URL and reused across invocations.
type MCPToolInvoker struct {
	mu      sync.Mutex
	clients map[string]*mcpclient.Client
}

// NewMCPToolInvoker creates the MCP adapter.
func NewMCPToolInvoker() *MCPToolInvoker {
	return &MCPToolInvoker{clients: make(map[string]*mcpclient.Client)}
}

func (m *MCPToolInvoker) Invoke(ctx context.Context, tool *ir.Tool, payload map[string]any) (any, error) {
	if tool.URL == "" {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration, "tool %q has no url", tool.Name)
	}

	c, err := m.clientFor(ctx, tool.URL)
	if err != nil {
		return nil, err
	}

	remoteName := tool.MCPTool
	if remoteName == "" {
		remoteName = tool.Name
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = payload

	result, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"tool %q call failed: %s", tool.Name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"url": tool.URL, "mcp_tool": remoteName})
	}
	if result.IsError {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"tool %q reported an error: %s", tool.Name, firstText(result)).
			WithDetails(map[string]any{"url": tool.URL, "mcp_tool": remoteName})
	}

	return decodeToolBody([]byte(firstText(result))), nil
}

func (m *MCPToolInvoker) clientFor(ctx context.Context, url string) (*mcpclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[url]; ok {
		return c, nil
	}

	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"connect mcp server %q: %s", url, err.Error()).WithCause(err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"start mcp client for %q: %s", url, err.Error()).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loom", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeProvider,
			"initialize mcp client for %q: %s", url, err.Error()).WithCause(err)
	}

	m.clients[url] = c
	return c, nil
}

var _ ToolInvoker = (*MCPToolInvoker)(nil)

func firstText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	return mcp.GetTextFromContent(result.Content[0])
}

// decodeToolBody parses a JSON response body; non-JSON bodies are returned as
// plain strings.
func decodeToolBody(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return trimmed
}
