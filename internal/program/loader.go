// Package program loads YAML program documents, validates them against the
// embedded document schema, and compiles them into runnable programs.
package program

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomlang/loom/internal/validation"
	"github.com/loomlang/loom/pkg/ir"
)

// Schedule declares a recurring run of a flow.
type Schedule struct {
	Cron string
	Flow string
	Vars map[string]any
}

// Load reads, validates, and compiles a program document from disk.
func Load(path string) (*ir.Program, []Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read program: %w", err)
	}
	return Parse(raw)
}

// Parse validates and compiles a program document from raw YAML.
func Parse(raw []byte) (*ir.Program, []Schedule, error) {
	// First decode loosely for schema validation, so structural errors carry
	// a document path instead of a Go unmarshalling message.
	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return nil, nil, ir.NewErrorf(ir.ErrCodeValidation,
			"program document is not valid YAML: %s", err.Error()).WithCause(err)
	}

	validator, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, nil, err
	}
	if err := validator.ValidateDocument(loose); err != nil {
		return nil, nil, err
	}

	var doc programDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, ir.NewErrorf(ir.ErrCodeValidation,
			"decode program document: %s", err.Error()).WithCause(err)
	}
	return doc.build()
}

// --- document shapes ---

type programDoc struct {
	Name      string                      `yaml:"name"`
	AICalls   []aiCallDoc                 `yaml:"ai_calls"`
	Agents    []agentDoc                  `yaml:"agents"`
	Tools     []toolDoc                   `yaml:"tools"`
	Records   []recordDoc                 `yaml:"records"`
	Frames    map[string][]map[string]any `yaml:"frames"`
	Flows     []flowDoc                   `yaml:"flows"`
	Schedules []scheduleDoc               `yaml:"schedules"`
}

type aiCallDoc struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Prompt   string         `yaml:"prompt"`
	Params   map[string]any `yaml:"params"`
}

type agentDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Goal        string `yaml:"goal"`
}

type toolDoc struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	MCPTool string            `yaml:"mcp_tool"`
	Timeout string            `yaml:"timeout"`
}

type recordDoc struct {
	Name       string     `yaml:"name"`
	PrimaryKey string     `yaml:"primary_key"`
	Fields     []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	Required   bool          `yaml:"required"`
	AtLeast    *float64      `yaml:"at_least"`
	AtMost     *float64      `yaml:"at_most"`
	MinLength  *int          `yaml:"min_length"`
	MaxLength  *int          `yaml:"max_length"`
	Enum       []any         `yaml:"enum"`
	Pattern    string        `yaml:"pattern"`
	References *referenceDoc `yaml:"references"`
}

type referenceDoc struct {
	Record string `yaml:"record"`
	Field  string `yaml:"field"`
}

type flowDoc struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Steps       []stepDoc `yaml:"steps"`
	ErrorSteps  []stmtDoc `yaml:"error_steps"`
}

type scheduleDoc struct {
	Cron string         `yaml:"cron"`
	Flow string         `yaml:"flow"`
	Vars map[string]any `yaml:"vars"`
}

type stepDoc struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Target    string            `yaml:"target"`
	Params    map[string]string `yaml:"params"`
	Body      []stmtDoc         `yaml:"body"`
	Branches  []branchDoc       `yaml:"branches"`
	Timeout   string            `yaml:"timeout"`
	Mode      string            `yaml:"mode"`
	Transform string            `yaml:"transform"`
	OnError   []stmtDoc         `yaml:"on_error"`
}

type branchDoc struct {
	Condition string    `yaml:"condition"`
	Steps     []stmtDoc `yaml:"steps"`
}

// stmtDoc is the union of statement shapes; exactly one operation key must be
// present.
type stmtDoc struct {
	Set string `yaml:"set"`
	Let string `yaml:"let"`
	To  string `yaml:"to"`

	Step *stepDoc `yaml:"step"`

	If   []ifBranchDoc `yaml:"if"`
	Else []stmtDoc     `yaml:"else"`

	Match string         `yaml:"match"`
	Cases []matchCaseDoc `yaml:"cases"`

	ForEach *forEachDoc `yaml:"for_each"`
	Repeat  *repeatDoc  `yaml:"repeat"`
	Retry   *retryDoc   `yaml:"retry"`

	Transaction []stmtDoc `yaml:"transaction"`

	DBCreate *createDoc `yaml:"db_create"`
	DBUpdate *updateDoc `yaml:"db_update"`
	DBDelete *deleteDoc `yaml:"db_delete"`
}

type ifBranchDoc struct {
	Condition string    `yaml:"condition"`
	Then      []stmtDoc `yaml:"then"`
}

type matchCaseDoc struct {
	Pattern   any       `yaml:"pattern"`
	Otherwise bool      `yaml:"otherwise"`
	Body      []stmtDoc `yaml:"body"`
}

type forEachDoc struct {
	Var      string    `yaml:"var"`
	In       string    `yaml:"in"`
	Parallel int       `yaml:"parallel"`
	Body     []stmtDoc `yaml:"body"`
}

type repeatDoc struct {
	Count string    `yaml:"count"`
	Body  []stmtDoc `yaml:"body"`
}

type retryDoc struct {
	Count       int       `yaml:"count"`
	WithBackoff bool      `yaml:"with_backoff"`
	Body        []stmtDoc `yaml:"body"`
}

type createDoc struct {
	Record string              `yaml:"record"`
	Fields map[string]string   `yaml:"fields"`
	Rows   []map[string]string `yaml:"rows"`
}

type updateDoc struct {
	Record string            `yaml:"record"`
	Key    string            `yaml:"key"`
	Fields map[string]string `yaml:"fields"`
}

type deleteDoc struct {
	Record string `yaml:"record"`
	Key    string `yaml:"key"`
}

// --- compilation ---

func (d *programDoc) build() (*ir.Program, []Schedule, error) {
	spec := ir.ProgramSpec{
		Name:   d.Name,
		Frames: d.Frames,
	}

	for _, c := range d.AICalls {
		spec.AICalls = append(spec.AICalls, &ir.AICall{
			Name:     c.Name,
			Provider: c.Provider,
			Model:    c.Model,
			Prompt:   c.Prompt,
			Params:   c.Params,
		})
	}
	for _, a := range d.Agents {
		spec.Agents = append(spec.Agents, &ir.Agent{
			Name:        a.Name,
			Description: a.Description,
			Goal:        a.Goal,
		})
	}
	for _, t := range d.Tools {
		spec.Tools = append(spec.Tools, &ir.Tool{
			Name:    t.Name,
			Kind:    ir.ToolKind(t.Kind),
			URL:     t.URL,
			Method:  t.Method,
			Headers: t.Headers,
			MCPTool: t.MCPTool,
			Timeout: t.Timeout,
		})
	}

	recordsByName := make(map[string]*ir.RecordSchema, len(d.Records))
	for _, r := range d.Records {
		defs := make([]ir.FieldDef, 0, len(r.Fields))
		for _, f := range r.Fields {
			def := ir.FieldDef{
				Name:      f.Name,
				Type:      ir.FieldType(f.Type),
				Required:  f.Required,
				AtLeast:   f.AtLeast,
				AtMost:    f.AtMost,
				MinLength: f.MinLength,
				MaxLength: f.MaxLength,
				Enum:      f.Enum,
				Pattern:   f.Pattern,
			}
			if f.References != nil {
				def.References = &ir.ForeignKey{
					Record: f.References.Record,
					Field:  f.References.Field,
				}
			}
			defs = append(defs, def)
		}
		rs, err := ir.NewRecordSchema(r.Name, r.PrimaryKey, defs)
		if err != nil {
			return nil, nil, err
		}
		spec.Records = append(spec.Records, rs)
		recordsByName[rs.Name] = rs
	}

	// Foreign keys must point at the primary key of a declared record.
	for _, rs := range spec.Records {
		for _, f := range rs.Fields {
			if f.References == nil {
				continue
			}
			target, ok := recordsByName[f.References.Record]
			if !ok {
				return nil, nil, ir.NewErrorf(ir.ErrCodeValidation,
					"record %q: field %q references unknown record %q",
					rs.Name, f.Name, f.References.Record)
			}
			if f.References.Field == "" {
				f.References.Field = target.PrimaryKey
			}
			if f.References.Field != target.PrimaryKey {
				return nil, nil, ir.NewErrorf(ir.ErrCodeValidation,
					"record %q: field %q must reference %s's primary key %q, not %q",
					rs.Name, f.Name, target.Name, target.PrimaryKey, f.References.Field)
			}
		}
	}

	for _, f := range d.Flows {
		flow, err := buildFlow(f)
		if err != nil {
			return nil, nil, err
		}
		spec.Flows = append(spec.Flows, flow)
	}

	p, err := ir.NewProgram(spec)
	if err != nil {
		return nil, nil, err
	}

	var schedules []Schedule
	for _, s := range d.Schedules {
		if _, ok := p.Flow(s.Flow); !ok {
			return nil, nil, ir.NewErrorf(ir.ErrCodeValidation,
				"schedule references unknown flow %q", s.Flow)
		}
		schedules = append(schedules, Schedule{Cron: s.Cron, Flow: s.Flow, Vars: s.Vars})
	}

	return p, schedules, nil
}

func buildFlow(d flowDoc) (*ir.Flow, error) {
	flow := &ir.Flow{Name: d.Name, Description: d.Description}
	for _, s := range d.Steps {
		step, err := buildStep(s)
		if err != nil {
			return nil, err
		}
		flow.Steps = append(flow.Steps, step)
	}
	errorSteps, err := buildStmts(d.ErrorSteps)
	if err != nil {
		return nil, err
	}
	flow.ErrorSteps = errorSteps
	return flow, nil
}

func buildStep(d stepDoc) (*ir.Step, error) {
	step := &ir.Step{
		Name:      d.Name,
		Kind:      ir.StepKind(d.Kind),
		Target:    d.Target,
		Params:    d.Params,
		Timeout:   d.Timeout,
		Mode:      ir.ToolMode(d.Mode),
		Transform: d.Transform,
	}
	if step.Kind == "" {
		step.Kind = ir.StepScript
	}

	body, err := buildStmts(d.Body)
	if err != nil {
		return nil, err
	}
	step.Body = body

	for _, b := range d.Branches {
		steps, err := buildStmts(b.Steps)
		if err != nil {
			return nil, err
		}
		step.Branches = append(step.Branches, ir.WhenBranch{Condition: b.Condition, Steps: steps})
	}

	onError, err := buildStmts(d.OnError)
	if err != nil {
		return nil, err
	}
	step.OnError = onError

	return step, nil
}

func buildStmts(docs []stmtDoc) ([]ir.Stmt, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make([]ir.Stmt, 0, len(docs))
	for i, d := range docs {
		stmt, err := buildStmt(d)
		if err != nil {
			return nil, ir.NewErrorf(ir.ErrCodeValidation,
				"statement %d: %s", i, err.Error()).WithCause(err)
		}
		out = append(out, stmt)
	}
	return out, nil
}

func buildStmt(d stmtDoc) (ir.Stmt, error) {
	switch {
	case d.Set != "":
		return &ir.SetStmt{Target: d.Set, Expr: d.To}, nil

	case d.Let != "":
		return &ir.LetStmt{Name: d.Let, Expr: d.To}, nil

	case d.Step != nil:
		step, err := buildStep(*d.Step)
		if err != nil {
			return nil, err
		}
		return &ir.StepStmt{Step: step}, nil

	case len(d.If) > 0:
		stmt := &ir.IfStmt{}
		for _, b := range d.If {
			then, err := buildStmts(b.Then)
			if err != nil {
				return nil, err
			}
			stmt.Branches = append(stmt.Branches, ir.IfBranch{Condition: b.Condition, Then: then})
		}
		elseBody, err := buildStmts(d.Else)
		if err != nil {
			return nil, err
		}
		stmt.Else = elseBody
		return stmt, nil

	case d.Match != "":
		stmt := &ir.MatchStmt{Target: d.Match}
		for _, c := range d.Cases {
			body, err := buildStmts(c.Body)
			if err != nil {
				return nil, err
			}
			stmt.Cases = append(stmt.Cases, ir.MatchCase{
				Pattern:   c.Pattern,
				Otherwise: c.Otherwise,
				Body:      body,
			})
		}
		return stmt, nil

	case d.ForEach != nil:
		body, err := buildStmts(d.ForEach.Body)
		if err != nil {
			return nil, err
		}
		return &ir.ForEachStmt{
			Var:      d.ForEach.Var,
			Items:    d.ForEach.In,
			Parallel: d.ForEach.Parallel,
			Body:     body,
		}, nil

	case d.Repeat != nil:
		body, err := buildStmts(d.Repeat.Body)
		if err != nil {
			return nil, err
		}
		return &ir.RepeatStmt{Count: d.Repeat.Count, Body: body}, nil

	case d.Retry != nil:
		body, err := buildStmts(d.Retry.Body)
		if err != nil {
			return nil, err
		}
		return &ir.RetryStmt{
			Count:       d.Retry.Count,
			WithBackoff: d.Retry.WithBackoff,
			Body:        body,
		}, nil

	case len(d.Transaction) > 0:
		body, err := buildStmts(d.Transaction)
		if err != nil {
			return nil, err
		}
		return &ir.TransactionStmt{Body: body}, nil

	case d.DBCreate != nil:
		return &ir.CreateStmt{
			Record: d.DBCreate.Record,
			Fields: d.DBCreate.Fields,
			Rows:   d.DBCreate.Rows,
		}, nil

	case d.DBUpdate != nil:
		return &ir.UpdateStmt{
			Record: d.DBUpdate.Record,
			Key:    d.DBUpdate.Key,
			Fields: d.DBUpdate.Fields,
		}, nil

	case d.DBDelete != nil:
		return &ir.DeleteStmt{
			Record: d.DBDelete.Record,
			Key:    d.DBDelete.Key,
		}, nil

	default:
		return nil, ir.NewError(ir.ErrCodeValidation, "statement declares no operation")
	}
}
