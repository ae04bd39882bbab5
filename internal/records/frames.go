// Package records implements the record-constraint validation layer and the
// frame stores that back record mutations, including the write-buffering
// overlay that gives transactions all-or-nothing semantics.
package records

import (
	"context"
	"reflect"
	"sync"

	"github.com/loomlang/loom/pkg/ir"
)

// Row is one stored record row.
type Row map[string]any

// FrameStore is the storage contract for record frames. Implementations must
// support snapshot-and-restore so a transaction overlay can commit or discard
// buffered mutations atomically per frame.
type FrameStore interface {
	// PrimaryKey returns the primary-key field of a record's frame.
	PrimaryKey(record string) (string, error)
	// Rows returns all rows of a frame in insertion order.
	Rows(ctx context.Context, record string) ([]Row, error)
	// Lookup finds the row whose primary key equals key.
	Lookup(ctx context.Context, record string, key any) (Row, bool, error)
	// Insert appends a row. The primary key must be present and unique.
	Insert(ctx context.Context, record string, row Row) error
	// Update merges fields into the row identified by key.
	Update(ctx context.Context, record string, key any, fields Row) error
	// Delete removes the row identified by key.
	Delete(ctx context.Context, record string, key any) error
	// Count returns the number of rows in a frame.
	Count(ctx context.Context, record string) (int, error)
	// Snapshot returns a deep copy of a frame's rows.
	Snapshot(ctx context.Context, record string) ([]Row, error)
	// Restore replaces a frame's rows wholesale.
	Restore(ctx context.Context, record string, rows []Row) error
}

// MemoryFrameStore is the in-process FrameStore. A single mutex serializes
// all access: the conservative single-writer-at-a-time discipline per frame.
type MemoryFrameStore struct {
	mu     sync.Mutex
	pk     map[string]string
	frames map[string][]Row
}

// NewMemoryFrameStore creates a store with one empty frame per declared
// record schema.
func NewMemoryFrameStore(schemas map[string]*ir.RecordSchema) *MemoryFrameStore {
	s := &MemoryFrameStore{
		pk:     make(map[string]string, len(schemas)),
		frames: make(map[string][]Row, len(schemas)),
	}
	for name, rs := range schemas {
		s.pk[name] = rs.PrimaryKey
		s.frames[name] = nil
	}
	return s
}

// Seed inserts initial rows without validation; used by the program loader
// for declared frame seeds.
func (s *MemoryFrameStore) Seed(record string, rows []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.frames[record] = append(s.frames[record], copyRow(r))
	}
}

func (s *MemoryFrameStore) PrimaryKey(record string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pk[record]
	if !ok {
		return "", ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	return pk, nil
}

func (s *MemoryFrameStore) Rows(ctx context.Context, record string) ([]Row, error) {
	return s.Snapshot(ctx, record)
}

func (s *MemoryFrameStore) Lookup(ctx context.Context, record string, key any) (Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pk[record]
	if !ok {
		return nil, false, ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	for _, row := range s.frames[record] {
		if keysEqual(row[pk], key) {
			return copyRow(row), true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryFrameStore) Insert(ctx context.Context, record string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pk[record]
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	key, present := row[pk]
	if !present || key == nil {
		return ir.NewErrorf(ir.ErrCodeValidation, "%s row is missing its primary key %q", record, pk)
	}
	for _, existing := range s.frames[record] {
		if keysEqual(existing[pk], key) {
			return ir.NewErrorf(ir.ErrCodeValidation,
				"%s already has a row with %s = %v", record, pk, key)
		}
	}
	s.frames[record] = append(s.frames[record], copyRow(row))
	return nil
}

func (s *MemoryFrameStore) Update(ctx context.Context, record string, key any, fields Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pk[record]
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	for i, row := range s.frames[record] {
		if keysEqual(row[pk], key) {
			merged := copyRow(row)
			for k, v := range fields {
				merged[k] = copyValue(v)
			}
			s.frames[record][i] = merged
			return nil
		}
	}
	return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
}

func (s *MemoryFrameStore) Delete(ctx context.Context, record string, key any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pk[record]
	if !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	rows := s.frames[record]
	for i, row := range rows {
		if keysEqual(row[pk], key) {
			s.frames[record] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
}

func (s *MemoryFrameStore) Count(ctx context.Context, record string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pk[record]; !ok {
		return 0, ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	return len(s.frames[record]), nil
}

func (s *MemoryFrameStore) Snapshot(ctx context.Context, record string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pk[record]; !ok {
		return nil, ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	rows := s.frames[record]
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = copyRow(row)
	}
	return out, nil
}

func (s *MemoryFrameStore) Restore(ctx context.Context, record string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pk[record]; !ok {
		return ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	replacement := make([]Row, len(rows))
	for i, row := range rows {
		replacement[i] = copyRow(row)
	}
	s.frames[record] = replacement
	return nil
}

var _ FrameStore = (*MemoryFrameStore)(nil)

// keysEqual compares primary-key values. Numeric keys compare by value across
// int/float representations (YAML and JSON decode differently); everything
// else compares by deep equality.
func keysEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
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

func copyRow(row Row) Row {
	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = copyValue(v)
	}
	return cp
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = copyValue(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = copyValue(item)
		}
		return cp
	default:
		return v
	}
}
