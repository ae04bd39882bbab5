package ir

import "sort"

// AICall is a declared AI model invocation: which provider/model to call and
// the prompt template it renders.
type AICall struct {
	Name     string
	Provider string
	Model    string
	// Prompt is a template; {name} placeholders are filled from the step's
	// evaluated parameter mapping.
	Prompt string
	Params map[string]any
}

// Agent is a declared autonomous agent reference. The engine only knows the
// name and description; planning and tool use live behind the AgentRunner
// collaborator.
type Agent struct {
	Name        string
	Description string
	Goal        string
}

// ToolKind selects the transport adapter used to invoke a tool.
type ToolKind string

const (
	ToolHTTP ToolKind = "http"
	ToolMCP  ToolKind = "mcp"
)

// Tool is a declared external tool.
type Tool struct {
	Name    string
	Kind    ToolKind
	URL     string
	Method  string
	Headers map[string]string
	// MCPTool is the remote tool name for mcp-kind tools (defaults to Name).
	MCPTool string
	Timeout string
}

// ProgramSpec carries the declarations a Program is built from.
type ProgramSpec struct {
	Name    string
	AICalls []*AICall
	Agents  []*Agent
	Tools   []*Tool
	Records []*RecordSchema
	Flows   []*Flow
	// Frames seeds initial rows per record name.
	Frames map[string][]map[string]any
}

// Program is the immutable compilation unit the engine executes against: all
// declared ai calls, agents, tools, records, and flows, resolvable by name.
type Program struct {
	name    string
	aiCalls map[string]*AICall
	agents  map[string]*Agent
	tools   map[string]*Tool
	records map[string]*RecordSchema
	flows   map[string]*Flow
	frames  map[string][]map[string]any
}

// NewProgram builds a Program from its declarations. Duplicate names within a
// namespace are rejected; cross-namespace collisions are allowed.
func NewProgram(spec ProgramSpec) (*Program, error) {
	p := &Program{
		name:    spec.Name,
		aiCalls: make(map[string]*AICall, len(spec.AICalls)),
		agents:  make(map[string]*Agent, len(spec.Agents)),
		tools:   make(map[string]*Tool, len(spec.Tools)),
		records: make(map[string]*RecordSchema, len(spec.Records)),
		flows:   make(map[string]*Flow, len(spec.Flows)),
		frames:  spec.Frames,
	}

	for _, c := range spec.AICalls {
		if _, dup := p.aiCalls[c.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate ai call %q", c.Name)
		}
		p.aiCalls[c.Name] = c
	}
	for _, a := range spec.Agents {
		if _, dup := p.agents[a.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate agent %q", a.Name)
		}
		p.agents[a.Name] = a
	}
	for _, t := range spec.Tools {
		if _, dup := p.tools[t.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate tool %q", t.Name)
		}
		if t.Kind == "" {
			t.Kind = ToolHTTP
		}
		p.tools[t.Name] = t
	}
	for _, r := range spec.Records {
		if _, dup := p.records[r.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate record %q", r.Name)
		}
		p.records[r.Name] = r
	}
	for _, f := range spec.Flows {
		if _, dup := p.flows[f.Name]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate flow %q", f.Name)
		}
		p.flows[f.Name] = f
	}

	return p, nil
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// AICall resolves a declared AI call by name.
func (p *Program) AICall(name string) (*AICall, bool) {
	c, ok := p.aiCalls[name]
	return c, ok
}

// Agent resolves a declared agent by name.
func (p *Program) Agent(name string) (*Agent, bool) {
	a, ok := p.agents[name]
	return a, ok
}

// Tool resolves a declared tool by name.
func (p *Program) Tool(name string) (*Tool, bool) {
	t, ok := p.tools[name]
	return t, ok
}

// Record resolves a declared record schema by name.
func (p *Program) Record(name string) (*RecordSchema, bool) {
	r, ok := p.records[name]
	return r, ok
}

// Flow resolves a declared flow by name.
func (p *Program) Flow(name string) (*Flow, bool) {
	f, ok := p.flows[name]
	return f, ok
}

// FlowNames returns the names of all declared flows, sorted.
func (p *Program) FlowNames() []string {
	names := make([]string, 0, len(p.flows))
	for name := range p.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns all declared record schemas keyed by name.
func (p *Program) Records() map[string]*RecordSchema {
	return p.records
}

// SeedRows returns the declared initial rows for a record's frame.
func (p *Program) SeedRows(record string) []map[string]any {
	return p.frames[record]
}
