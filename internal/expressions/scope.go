package expressions

// Scope is the variable environment an expression evaluates against: the
// durable state tree, the block-local bindings, and the last step output.
type Scope struct {
	State      map[string]any
	Vars       map[string]any
	LastOutput any
}

// Data builds the evaluation data map shared by all three engines. Locals are
// exposed both as top-level names (for expr, which allows undefined
// variables) and under "vars" (for CEL, whose environment is declared up
// front).
func (sc *Scope) Data() map[string]any {
	data := make(map[string]any, len(sc.Vars)+3)
	for k, v := range sc.Vars {
		data[k] = v
	}
	if sc.State != nil {
		data["state"] = sc.State
	} else {
		data["state"] = map[string]any{}
	}
	if sc.Vars != nil {
		data["vars"] = sc.Vars
	} else {
		data["vars"] = map[string]any{}
	}
	data["last_output"] = sc.LastOutput
	return data
}
