package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlang/loom/pkg/ir"
)

func TestGatherReportsOutcomesPerBranch(t *testing.T) {
	p := NewWorkerPool(4)

	errs := p.Gather(context.Background(), 3, 2, func(ctx context.Context, i int) error {
		if i == 1 {
			return ir.NewError(ir.ErrCodeProvider, "branch failed")
		}
		return nil
	})

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])

	m := p.Metrics()
	assert.Equal(t, int64(2), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
}

func TestGatherConvertsPanicToError(t *testing.T) {
	p := NewWorkerPool(4)

	errs := p.Gather(context.Background(), 3, 3, func(ctx context.Context, i int) error {
		if i == 1 {
			panic("boom")
		}
		return nil
	})

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[2])
	var fe *ir.FlowError
	require.ErrorAs(t, errs[1], &fe)
	assert.Equal(t, ir.ErrCodeExecution, fe.Code)
	assert.Contains(t, fe.Message, "branch 1 panicked")
	assert.Equal(t, int64(1), p.Metrics().Panics)
}

func TestGatherHonorsBranchLimit(t *testing.T) {
	p := NewWorkerPool(8)

	var active int64
	errs := p.Gather(context.Background(), 8, 2, func(ctx context.Context, i int) error {
		n := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		assert.LessOrEqual(t, n, int64(2))
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestGatherBoundedByPoolCap(t *testing.T) {
	// The engine-wide cap holds even when the loop asks for more.
	p := NewWorkerPool(1)

	var active int64
	errs := p.Gather(context.Background(), 4, 4, func(ctx context.Context, i int) error {
		n := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		assert.Equal(t, int64(1), n)
		time.Sleep(time.Millisecond)
		return nil
	})

	for _, err := range errs {
		assert.NoError(t, err)
	}
}
