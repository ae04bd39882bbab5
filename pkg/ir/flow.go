package ir

// Flow is a named, ordered program of steps compiled from the source DSL.
// Flows are immutable once built; the engine never mutates them.
type Flow struct {
	Name        string
	Description string
	Steps       []*Step
	// ErrorSteps is the flow-level fallback sequence, run exactly once when a
	// step failure is not absorbed by its own on_error branch.
	ErrorSteps []Stmt
}

// StepKind enumerates the kinds of steps. The dispatcher matches this set
// exhaustively; adding a kind without a handler is a compile-time concern,
// not a runtime string comparison.
type StepKind string

const (
	StepScript   StepKind = "script"
	StepAI       StepKind = "ai"
	StepAgent    StepKind = "agent"
	StepTool     StepKind = "tool"
	StepWhen     StepKind = "when"
	StepDo       StepKind = "do"
	StepGotoFlow StepKind = "goto_flow"
)

// ToolMode selects how a tool step is invoked.
type ToolMode string

const (
	// ToolModeCall waits for the tool result and records its output.
	ToolModeCall ToolMode = "call"
	// ToolModeDetach fires the tool without recording its output.
	ToolModeDetach ToolMode = "detach"
)

// Step is an atomic unit of work inside a flow.
type Step struct {
	Name   string
	Kind   StepKind
	Target string
	// Params maps parameter names to value expressions, evaluated against the
	// run state at dispatch time.
	Params map[string]string
	// Body is the nested statement list for script/do steps.
	Body []Stmt
	// Branches are the conditional branches of a when step.
	Branches []WhenBranch
	// Timeout is an optional per-step timeout (Go duration syntax).
	Timeout string
	Mode    ToolMode
	// Transform is an optional jq expression applied to the provider output of
	// an ai/agent/tool step before it is written to state.
	Transform string
	// OnError is the step-local recovery branch. It runs at most once per
	// failure and is never itself retried.
	OnError []Stmt
}

// WhenBranch is one condition+action branch of a when step. A branch with an
// empty Condition is the unconditional else.
type WhenBranch struct {
	Condition string
	Steps     []Stmt
}

// Stmt is the closed set of statements that can appear inside a step body.
// The interpreter switches over the concrete types exhaustively.
type Stmt interface {
	stmt()
}

// SetStmt assigns the value of Expr to Target. Targets under "state." are
// durable for the whole run; any other target is a block-local binding.
type SetStmt struct {
	Target string
	Expr   string
}

// LetStmt introduces a block-local binding, removed when the enclosing block
// exits.
type LetStmt struct {
	Name string
	Expr string
}

// StepStmt embeds a nested step (ai/agent/tool/goto_flow or a nested
// script) inside a statement list.
type StepStmt struct {
	Step *Step
}

// IfStmt evaluates its branches strictly in declared order; the first branch
// whose condition is the boolean true runs, and no later branch does.
type IfStmt struct {
	Branches []IfBranch
	Else     []Stmt
}

// IfBranch is a single condition+body pair of an IfStmt.
type IfBranch struct {
	Condition string
	Then      []Stmt
}

// MatchStmt evaluates Target exactly once and tests cases in order using
// exact value equality. With no match and no otherwise case it is a no-op.
type MatchStmt struct {
	Target string
	Cases  []MatchCase
}

// MatchCase is one branch of a MatchStmt. Otherwise marks the fallback case;
// its Pattern is ignored.
type MatchCase struct {
	Pattern   any
	Otherwise bool
	Body      []Stmt
}

// ForEachStmt iterates Body once per element of the Items expression, binding
// the element to Var inside the loop body only. A null iterable is an empty
// list; a non-list iterable is a typed error. Parallel > 0 bounds a
// concurrent fan-out of iterations.
type ForEachStmt struct {
	Var      string
	Items    string
	Body     []Stmt
	Parallel int
}

// RepeatStmt runs Body Count times. Count must evaluate to a non-negative
// integer.
type RepeatStmt struct {
	Count string
	Body  []Stmt
}

// RetryStmt re-executes Body up to Count attempts, stopping at the first
// success. WithBackoff inserts an exponential, jittered delay between
// attempts.
type RetryStmt struct {
	Count       int
	WithBackoff bool
	Body        []Stmt
}

// TransactionStmt executes Body while buffering every record mutation; on any
// failure all buffered mutations are rolled back before the error propagates.
type TransactionStmt struct {
	Body []Stmt
}

// CreateStmt inserts one row (Fields) or many rows (Rows) into a record's
// frame after full-row validation. A bulk create is all-or-nothing.
type CreateStmt struct {
	Record string
	Fields map[string]string
	Rows   []map[string]string
}

// UpdateStmt updates the row identified by the Key expression, validating
// only the fields present in the payload.
type UpdateStmt struct {
	Record string
	Key    string
	Fields map[string]string
}

// DeleteStmt removes the row identified by the Key expression.
type DeleteStmt struct {
	Record string
	Key    string
}

func (*SetStmt) stmt()         {}
func (*LetStmt) stmt()         {}
func (*StepStmt) stmt()        {}
func (*IfStmt) stmt()          {}
func (*MatchStmt) stmt()       {}
func (*ForEachStmt) stmt()     {}
func (*RepeatStmt) stmt()      {}
func (*RetryStmt) stmt()       {}
func (*TransactionStmt) stmt() {}
func (*CreateStmt) stmt()      {}
func (*UpdateStmt) stmt()      {}
func (*DeleteStmt) stmt()      {}
