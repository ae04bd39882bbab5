package records

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlang/loom/pkg/ir"
)

func taskStore(t *testing.T) *MemoryFrameStore {
	t.Helper()
	rs := ir.MustRecordSchema("task", "id", []ir.FieldDef{
		{Name: "id", Type: ir.FieldString, Required: true},
		{Name: "title", Type: ir.FieldString},
		{Name: "done", Type: ir.FieldBoolean},
	})
	return NewMemoryFrameStore(map[string]*ir.RecordSchema{"task": rs})
}

func TestMemoryFrameStore(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)

	require.NoError(t, store.Insert(ctx, "task", Row{"id": "a", "title": "first"}))
	require.NoError(t, store.Insert(ctx, "task", Row{"id": "b", "title": "second"}))

	t.Run("duplicate primary key rejected", func(t *testing.T) {
		err := store.Insert(ctx, "task", Row{"id": "a", "title": "again"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `task already has a row with id = a`)
	})

	t.Run("lookup returns a copy", func(t *testing.T) {
		row, found, err := store.Lookup(ctx, "task", "a")
		require.NoError(t, err)
		require.True(t, found)
		row["title"] = "mutated"

		again, _, err := store.Lookup(ctx, "task", "a")
		require.NoError(t, err)
		assert.Equal(t, "first", again["title"])
	})

	t.Run("update merges fields", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, "task", "b", Row{"done": true}))
		row, found, err := store.Lookup(ctx, "task", "b")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "second", row["title"])
		assert.Equal(t, true, row["done"])
	})

	t.Run("numeric keys compare across int and float", func(t *testing.T) {
		rs := ir.MustRecordSchema("n", "id", []ir.FieldDef{{Name: "id", Type: ir.FieldNumber}})
		s := NewMemoryFrameStore(map[string]*ir.RecordSchema{"n": rs})
		require.NoError(t, s.Insert(ctx, "n", Row{"id": 7}))
		_, found, err := s.Lookup(ctx, "n", float64(7))
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("unknown record is a configuration error", func(t *testing.T) {
		_, _, err := store.Lookup(ctx, "ghost", "x")
		var fe *ir.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, ir.ErrCodeConfiguration, fe.Code)
	})
}

func TestTxFramesCommit(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)
	require.NoError(t, store.Insert(ctx, "task", Row{"id": "a", "title": "base"}))

	tx := NewTxFrames(store)
	require.NoError(t, tx.Insert(ctx, "task", Row{"id": "b", "title": "buffered"}))
	require.NoError(t, tx.Update(ctx, "task", "a", Row{"title": "patched"}))

	// Transaction reads its own writes.
	row, found, err := tx.Lookup(ctx, "task", "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "buffered", row["title"])

	// The base store does not see buffered mutations.
	_, found, err = store.Lookup(ctx, "task", "b")
	require.NoError(t, err)
	assert.False(t, found)
	base, _, err := store.Lookup(ctx, "task", "a")
	require.NoError(t, err)
	assert.Equal(t, "base", base["title"])

	require.NoError(t, tx.Commit(ctx))

	// After commit everything is visible.
	_, found, err = store.Lookup(ctx, "task", "b")
	require.NoError(t, err)
	assert.True(t, found)
	patched, _, err := store.Lookup(ctx, "task", "a")
	require.NoError(t, err)
	assert.Equal(t, "patched", patched["title"])
}

func TestTxFramesRollback(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)
	require.NoError(t, store.Insert(ctx, "task", Row{"id": "a", "title": "keep"}))

	tx := NewTxFrames(store)
	require.NoError(t, tx.Insert(ctx, "task", Row{"id": "b"}))
	require.NoError(t, tx.Delete(ctx, "task", "a"))
	tx.Rollback()

	n, err := store.Count(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, found, err := store.Lookup(ctx, "task", "a")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMutatorBulkCreateAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)
	rs := ir.MustRecordSchema("task", "id", []ir.FieldDef{
		{Name: "id", Type: ir.FieldString, Required: true},
		{Name: "title", Type: ir.FieldString},
	})
	m := NewMutator(map[string]*ir.RecordSchema{"task": rs})

	t.Run("validation failure discards the whole batch", func(t *testing.T) {
		err := m.CreateMany(ctx, store, "task", []Row{
			{"id": "a"},
			{"title": "missing id"}, // fails required
			{"id": "c"},
		})
		require.Error(t, err)
		n, countErr := store.Count(ctx, "task")
		require.NoError(t, countErr)
		assert.Equal(t, 0, n)
	})

	t.Run("duplicate key inside the batch leaves the frame unchanged", func(t *testing.T) {
		err := m.CreateMany(ctx, store, "task", []Row{
			{"id": "a"},
			{"id": "a"},
		})
		require.Error(t, err)
		n, countErr := store.Count(ctx, "task")
		require.NoError(t, countErr)
		assert.Equal(t, 0, n)
	})

	t.Run("valid batch inserts all rows", func(t *testing.T) {
		require.NoError(t, m.CreateMany(ctx, store, "task", []Row{
			{"id": "a"}, {"id": "b"}, {"id": "c"},
		}))
		n, err := store.Count(ctx, "task")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestTxFramesConcurrentBranchWrites(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)
	tx := NewTxFrames(store)

	// Parallel loop branches share one overlay; every write must land.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, tx.Insert(ctx, "task", Row{"id": fmt.Sprintf("t%02d", i)}))
		}(i)
	}
	wg.Wait()

	n, err := tx.Count(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	require.NoError(t, tx.Commit(ctx))
	n, err = store.Count(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	for i := 0; i < 16; i++ {
		_, found, err := store.Lookup(ctx, "task", fmt.Sprintf("t%02d", i))
		require.NoError(t, err)
		assert.True(t, found, "row %d missing after commit", i)
	}
}

func TestMutatorUnknownRecord(t *testing.T) {
	ctx := context.Background()
	store := taskStore(t)
	m := NewMutator(map[string]*ir.RecordSchema{})

	_, err := m.Create(ctx, store, "ghost", Row{"id": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `couldn't find a record named "ghost"`)
}
