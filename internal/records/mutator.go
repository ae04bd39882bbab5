package records

import (
	"context"

	"github.com/loomlang/loom/pkg/ir"
)

// Mutator applies validated record mutations to a FrameStore. It holds the
// declared schemas; the store it writes through is passed per call so the
// same mutator serves both the base store and a transaction overlay.
type Mutator struct {
	schemas map[string]*ir.RecordSchema
}

// NewMutator creates a mutator over the declared record schemas.
func NewMutator(schemas map[string]*ir.RecordSchema) *Mutator {
	return &Mutator{schemas: schemas}
}

func (m *Mutator) schema(record string) (*ir.RecordSchema, error) {
	rs, ok := m.schemas[record]
	if !ok {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration, "couldn't find a record named %q", record)
	}
	return rs, nil
}

// Create validates the complete proposed row and inserts it. Storage is left
// unchanged when validation fails.
func (m *Mutator) Create(ctx context.Context, frames FrameStore, record string, row Row) (Row, error) {
	rs, err := m.schema(record)
	if err != nil {
		return nil, err
	}
	if err := ValidateCreate(ctx, rs, row, frames); err != nil {
		return nil, err
	}
	if err := frames.Insert(ctx, record, row); err != nil {
		return nil, err
	}
	return copyRow(row), nil
}

// CreateMany inserts a batch of rows all-or-nothing: every row is validated
// up front, then inserted under a snapshot guard so a mid-batch failure
// (such as a duplicate key between two rows of the batch) leaves the frame
// exactly as it was.
func (m *Mutator) CreateMany(ctx context.Context, frames FrameStore, record string, rows []Row) error {
	rs, err := m.schema(record)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := ValidateCreate(ctx, rs, row, frames); err != nil {
			return err
		}
	}

	prior, err := frames.Snapshot(ctx, record)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := frames.Insert(ctx, record, row); err != nil {
			if restoreErr := frames.Restore(ctx, record, prior); restoreErr != nil {
				return ir.NewErrorf(ir.ErrCodeExecution,
					"bulk create failed and frame %q could not be restored: %s",
					record, restoreErr.Error()).WithCause(err)
			}
			return err
		}
	}
	return nil
}

// Update validates the fields present in the payload and merges them into the
// row identified by key. The updated row is returned.
func (m *Mutator) Update(ctx context.Context, frames FrameStore, record string, key any, fields Row) (Row, error) {
	rs, err := m.schema(record)
	if err != nil {
		return nil, err
	}
	if err := ValidateUpdate(ctx, rs, fields, frames); err != nil {
		return nil, err
	}
	if err := frames.Update(ctx, record, key, fields); err != nil {
		return nil, err
	}
	row, _, err := frames.Lookup(ctx, record, key)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes the row identified by key.
func (m *Mutator) Delete(ctx context.Context, frames FrameStore, record string, key any) error {
	if _, err := m.schema(record); err != nil {
		return err
	}
	return frames.Delete(ctx, record, key)
}
