package engine

import (
	"context"
	"reflect"

	"github.com/loomlang/loom/internal/records"
	"github.com/loomlang/loom/pkg/ir"
)

// execBlock runs a statement list in a fresh block scope, so let bindings and
// loop variables never leak into the surrounding scope.
func (r *run) execBlock(ctx context.Context, stmts []ir.Stmt) error {
	r.state.PushScope()
	defer r.state.PopScope()
	return r.execStmts(ctx, stmts)
}

// execStmts runs statements in declared order, checking cancellation between
// statements.
func (r *run) execStmts(ctx context.Context, stmts []ir.Stmt) error {
	for _, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		if err := r.execStmt(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// execStmt matches the closed statement set exhaustively.
func (r *run) execStmt(ctx context.Context, stmt ir.Stmt) error {
	switch s := stmt.(type) {
	case *ir.SetStmt:
		v, err := r.evalValue(ctx, s.Expr)
		if err != nil {
			return err
		}
		r.state.Set(s.Target, v)
		return nil

	case *ir.LetStmt:
		v, err := r.evalValue(ctx, s.Expr)
		if err != nil {
			return err
		}
		r.state.SetLocal(s.Name, v)
		return nil

	case *ir.StepStmt:
		return r.execStep(ctx, s.Step)

	case *ir.IfStmt:
		return r.execIf(ctx, s)

	case *ir.MatchStmt:
		return r.execMatch(ctx, s)

	case *ir.ForEachStmt:
		return r.execForEach(ctx, s)

	case *ir.RepeatStmt:
		return r.execRepeat(ctx, s)

	case *ir.RetryStmt:
		return r.execRetry(ctx, s)

	case *ir.TransactionStmt:
		return r.execTransaction(ctx, s)

	case *ir.CreateStmt:
		return r.execCreate(ctx, s)

	case *ir.UpdateStmt:
		return r.execUpdate(ctx, s)

	case *ir.DeleteStmt:
		return r.execDelete(ctx, s)

	default:
		return ir.NewErrorf(ir.ErrCodeExecution, "unknown statement type %T", stmt)
	}
}

// execIf runs the first branch whose condition is exactly the boolean true.
// Later branches, including the else, never run after a match.
func (r *run) execIf(ctx context.Context, s *ir.IfStmt) error {
	for _, branch := range s.Branches {
		matched, err := r.evalCond(ctx, branch.Condition)
		if err != nil {
			return err
		}
		if matched {
			return r.execBlock(ctx, branch.Then)
		}
	}
	if len(s.Else) > 0 {
		return r.execBlock(ctx, s.Else)
	}
	return nil
}

// execMatch evaluates the target once and selects the first case whose
// literal pattern is exactly equal to the value. With no match and no
// otherwise it is a no-op.
func (r *run) execMatch(ctx context.Context, s *ir.MatchStmt) error {
	target, err := r.evalValue(ctx, s.Target)
	if err != nil {
		return err
	}
	for _, c := range s.Cases {
		if c.Otherwise {
			continue
		}
		if equalValues(c.Pattern, target) {
			return r.execBlock(ctx, c.Body)
		}
	}
	for _, c := range s.Cases {
		if c.Otherwise {
			return r.execBlock(ctx, c.Body)
		}
	}
	return nil
}

func (r *run) execForEach(ctx context.Context, s *ir.ForEachStmt) error {
	items, err := r.evalValue(ctx, s.Items)
	if err != nil {
		return err
	}
	// A null iterable is an empty list: zero iterations, no error.
	if items == nil {
		return nil
	}
	list, ok := items.([]any)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeControlFlowType,
			"for_each iterable must be a list, got %v", items).
			WithDetails(map[string]any{"value": items, "type": reflect.TypeOf(items).String()})
	}

	if s.Parallel > 0 && len(list) > 1 {
		return r.execForEachParallel(ctx, s, list)
	}

	for i, item := range list {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		r.state.PushScope()
		r.state.SetLocal(s.Var, item)
		r.state.SetLocal("index", i)
		err := r.execStmts(ctx, s.Body)
		r.state.PopScope()
		if err != nil {
			return err
		}
	}
	return nil
}

// execForEachParallel fans iterations out over the engine's bounded worker
// pool. Each branch runs on a forked state; the owning goroutine merges the
// forks' durable writes back in iteration order, keeping a single writer on
// the shared state. Record mutations go through r.frames, which is safe for
// concurrent branches (TxFrames carries its own lock for this path).
func (r *run) execForEachParallel(ctx context.Context, s *ir.ForEachStmt, list []any) error {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	forks := make([]*run, len(list))
	for i := range list {
		forks[i] = &run{
			engine:  r.engine,
			id:      r.id,
			state:   r.state.Fork(),
			frames:  r.frames,
			secrets: r.secrets,
			depth:   r.depth,
			forked:  true,
		}
	}

	errs := r.engine.pool.Gather(branchCtx, len(list), s.Parallel, func(c context.Context, i int) error {
		fork := forks[i]
		fork.state.PushScope()
		defer fork.state.PopScope()
		fork.state.SetLocal(s.Var, list[i])
		fork.state.SetLocal("index", i)
		return fork.execStmts(c, s.Body)
	})

	// Merge: durable writes replay in iteration order, nested step results
	// append in iteration order. Every branch merges, failed or not.
	for _, fork := range forks {
		r.state.ApplyJournal(fork.state.Journal())
		r.results = append(r.results, fork.results...)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) execRepeat(ctx context.Context, s *ir.RepeatStmt) error {
	v, err := r.evalValue(ctx, s.Count)
	if err != nil {
		return err
	}
	n, ok := nonNegativeInt(v)
	if !ok {
		return ir.NewErrorf(ir.ErrCodeControlFlowType,
			"repeat count must be a non-negative integer, got %v", v).
			WithDetails(map[string]any{"value": v})
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		if err := r.execBlock(ctx, s.Body); err != nil {
			return err
		}
	}
	return nil
}

// execRetry re-runs the body up to Count attempts, stopping at the first
// success. Cancellation is checked between attempts; with backoff enabled the
// shared retry schedule inserts an exponential, jittered delay.
func (r *run) execRetry(ctx context.Context, s *ir.RetryStmt) error {
	if s.Count <= 0 {
		return ir.NewErrorf(ir.ErrCodeControlFlowType,
			"retry count must be a positive integer, got %d", s.Count)
	}

	policy := BackoffRetryPolicy(s.Count)
	var last error
	for attempt := 0; attempt < s.Count; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		last = r.execBlock(ctx, s.Body)
		if last == nil {
			return nil
		}
		if attempt < s.Count-1 && s.WithBackoff {
			if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
				return cancelledError(werr)
			}
		}
	}
	return last
}

// execTransaction buffers every record mutation of the body in an overlay.
// The overlay commits only when the whole body succeeds; any failure rolls it
// back before the error propagates, so outside readers never observe a
// partial write.
func (r *run) execTransaction(ctx context.Context, s *ir.TransactionStmt) error {
	tx := records.NewTxFrames(r.frames)
	prev := r.frames
	r.frames = tx
	err := r.execStmts(ctx, s.Body)
	r.frames = prev

	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

func (r *run) execCreate(ctx context.Context, s *ir.CreateStmt) error {
	if len(s.Rows) > 0 {
		rows := make([]records.Row, 0, len(s.Rows))
		for _, fields := range s.Rows {
			row, err := r.evalFields(ctx, fields)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return r.engine.mutator.CreateMany(ctx, r.frames, s.Record, rows)
	}

	row, err := r.evalFields(ctx, s.Fields)
	if err != nil {
		return err
	}
	_, err = r.engine.mutator.Create(ctx, r.frames, s.Record, row)
	return err
}

func (r *run) execUpdate(ctx context.Context, s *ir.UpdateStmt) error {
	key, err := r.evalValue(ctx, s.Key)
	if err != nil {
		return err
	}
	fields, err := r.evalFields(ctx, s.Fields)
	if err != nil {
		return err
	}
	_, err = r.engine.mutator.Update(ctx, r.frames, s.Record, key, fields)
	return err
}

func (r *run) execDelete(ctx context.Context, s *ir.DeleteStmt) error {
	key, err := r.evalValue(ctx, s.Key)
	if err != nil {
		return err
	}
	return r.engine.mutator.Delete(ctx, r.frames, s.Record, key)
}

// evalFields evaluates a field-expression mapping into a row.
func (r *run) evalFields(ctx context.Context, fields map[string]string) (records.Row, error) {
	row := make(records.Row, len(fields))
	for name, expression := range fields {
		v, err := r.evalValue(ctx, expression)
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	return row, nil
}

// equalValues is the match-case comparison: exact equality, never truthy. A
// boolean pattern only matches the identical boolean; numbers compare by
// value across int and float representations.
func equalValues(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		return ok2 && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if af, ok := asFloat(a); ok {
		bf, ok2 := asFloat(b)
		return ok2 && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// nonNegativeInt accepts integers and whole floats, rejecting negatives,
// fractions, booleans, and everything non-numeric.
func nonNegativeInt(v any) (int, bool) {
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	n := int(f)
	if f != float64(n) || n < 0 {
		return 0, false
	}
	return n, true
}
