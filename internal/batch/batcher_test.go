package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	batches [][]int
	failOn  int
	calls   int
}

func (r *recorder) flush(_ context.Context, recs []int) error {
	r.calls++
	if r.failOn == r.calls {
		return errors.New("deadlock detected")
	}
	r.batches = append(r.batches, append([]int(nil), recs...))
	return nil
}

func TestBatcherFlushesAtThreshold(t *testing.T) {
	rec := &recorder{}
	b := New(3, rec.flush)

	for i := 1; i <= 7; i++ {
		require.NoError(t, b.Add(context.Background(), i))
	}
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, rec.batches)
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []int{7}, rec.batches[2])
	assert.Equal(t, 7, b.Flushed())
	assert.Zero(t, b.Pending())
}

func TestBatcherFlushOnEmptyIsNoop(t *testing.T) {
	rec := &recorder{}
	b := New(3, rec.flush)

	require.NoError(t, b.Flush(context.Background()))
	assert.Zero(t, rec.calls)
}

func TestBatcherKeepsBufferOnFailure(t *testing.T) {
	rec := &recorder{failOn: 1}
	b := New(2, rec.flush)

	require.NoError(t, b.Add(context.Background(), 1))
	err := b.Add(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush batch of 2")
	assert.Equal(t, 2, b.Pending())
	assert.Zero(t, b.Flushed())

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, [][]int{{1, 2}}, rec.batches)
}

func TestBatcherClampsSize(t *testing.T) {
	assert.Equal(t, DefaultSize, New[int](0, nil).size)
	assert.Equal(t, MaxSize, New[int](500, nil).size)
	assert.Equal(t, 75, New[int](75, nil).size)
}
