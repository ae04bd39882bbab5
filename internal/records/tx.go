package records

import (
	"context"
	"sync"

	"github.com/loomlang/loom/pkg/ir"
)

// TxFrames buffers mutations against a base FrameStore. Reads inside the
// transaction see buffered writes; the base store is untouched until Commit
// restores each touched frame wholesale. Discarding the overlay (Rollback)
// leaves the base exactly as it was.
//
// A single mutex serializes all access to the overlay: parallel loop branches
// inside the transaction body share one TxFrames, and the lock keeps their
// mutations single-writer without losing either branch's writes.
type TxFrames struct {
	base    FrameStore
	mu      sync.Mutex
	overlay map[string][]Row
	done    bool
}

// NewTxFrames opens a transaction overlay over base.
func NewTxFrames(base FrameStore) *TxFrames {
	return &TxFrames{
		base:    base,
		overlay: make(map[string][]Row),
	}
}

// touch loads the base frame into the overlay on first access for writing.
// Callers hold t.mu.
func (t *TxFrames) touch(ctx context.Context, record string) ([]Row, error) {
	if rows, ok := t.overlay[record]; ok {
		return rows, nil
	}
	rows, err := t.base.Snapshot(ctx, record)
	if err != nil {
		return nil, err
	}
	t.overlay[record] = rows
	return rows, nil
}

func (t *TxFrames) PrimaryKey(record string) (string, error) {
	return t.base.PrimaryKey(record)
}

func (t *TxFrames) Rows(ctx context.Context, record string) ([]Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows, ok := t.overlay[record]; ok {
		out := make([]Row, len(rows))
		for i, row := range rows {
			out[i] = copyRow(row)
		}
		return out, nil
	}
	return t.base.Rows(ctx, record)
}

func (t *TxFrames) Lookup(ctx context.Context, record string, key any) (Row, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, ok := t.overlay[record]
	if !ok {
		return t.base.Lookup(ctx, record, key)
	}
	pk, err := t.base.PrimaryKey(record)
	if err != nil {
		return nil, false, err
	}
	for _, row := range rows {
		if keysEqual(row[pk], key) {
			return copyRow(row), true, nil
		}
	}
	return nil, false, nil
}

func (t *TxFrames) Insert(ctx context.Context, record string, row Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.touch(ctx, record)
	if err != nil {
		return err
	}
	pk, err := t.base.PrimaryKey(record)
	if err != nil {
		return err
	}
	key, present := row[pk]
	if !present || key == nil {
		return ir.NewErrorf(ir.ErrCodeValidation, "%s row is missing its primary key %q", record, pk)
	}
	for _, existing := range rows {
		if keysEqual(existing[pk], key) {
			return ir.NewErrorf(ir.ErrCodeValidation,
				"%s already has a row with %s = %v", record, pk, key)
		}
	}
	t.overlay[record] = append(rows, copyRow(row))
	return nil
}

func (t *TxFrames) Update(ctx context.Context, record string, key any, fields Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.touch(ctx, record)
	if err != nil {
		return err
	}
	pk, err := t.base.PrimaryKey(record)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if keysEqual(row[pk], key) {
			merged := copyRow(row)
			for k, v := range fields {
				merged[k] = copyValue(v)
			}
			rows[i] = merged
			t.overlay[record] = rows
			return nil
		}
	}
	return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
}

func (t *TxFrames) Delete(ctx context.Context, record string, key any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.touch(ctx, record)
	if err != nil {
		return err
	}
	pk, err := t.base.PrimaryKey(record)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if keysEqual(row[pk], key) {
			t.overlay[record] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
}

func (t *TxFrames) Count(ctx context.Context, record string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows, ok := t.overlay[record]; ok {
		return len(rows), nil
	}
	return t.base.Count(ctx, record)
}

func (t *TxFrames) Snapshot(ctx context.Context, record string) ([]Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows, ok := t.overlay[record]; ok {
		out := make([]Row, len(rows))
		for i, row := range rows {
			out[i] = copyRow(row)
		}
		return out, nil
	}
	return t.base.Snapshot(ctx, record)
}

func (t *TxFrames) Restore(ctx context.Context, record string, rows []Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	replacement := make([]Row, len(rows))
	for i, row := range rows {
		replacement[i] = copyRow(row)
	}
	t.overlay[record] = replacement
	return nil
}

// Commit flushes every touched frame to the base store. A partially applied
// commit is repaired by restoring the frames already flushed, so the base
// never observes a half-committed transaction.
func (t *TxFrames) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ir.NewError(ir.ErrCodeExecution, "transaction already finished")
	}
	t.done = true

	type applied struct {
		record string
		prior  []Row
	}
	var flushed []applied
	for record, rows := range t.overlay {
		prior, err := t.base.Snapshot(ctx, record)
		if err == nil {
			err = t.base.Restore(ctx, record, rows)
		}
		if err != nil {
			for _, a := range flushed {
				_ = t.base.Restore(ctx, a.record, a.prior)
			}
			return ir.NewErrorf(ir.ErrCodeExecution,
				"transaction commit failed on record %q: %s", record, err.Error()).
				WithCause(err)
		}
		flushed = append(flushed, applied{record: record, prior: prior})
	}
	t.overlay = nil
	return nil
}

// Rollback discards all buffered mutations.
func (t *TxFrames) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.overlay = nil
}

var _ FrameStore = (*TxFrames)(nil)
