// Package batch buffers mapped records and hands them to a flush function in
// fixed-size groups.
package batch

import (
	"context"
	"fmt"
)

const (
	DefaultSize = 50
	MaxSize     = 100
)

// FlushFunc must persist the whole slice atomically or not at all.
type FlushFunc[T any] func(ctx context.Context, records []T) error

type Batcher[T any] struct {
	size    int
	flush   FlushFunc[T]
	buf     []T
	flushed int
}

// New returns a batcher that flushes every size records. Sizes outside
// 1..MaxSize fall back to DefaultSize or MaxSize.
func New[T any](size int, flush FlushFunc[T]) *Batcher[T] {
	switch {
	case size <= 0:
		size = DefaultSize
	case size > MaxSize:
		size = MaxSize
	}
	return &Batcher[T]{
		size:  size,
		flush: flush,
		buf:   make([]T, 0, size),
	}
}

// Add buffers rec and flushes synchronously once the threshold is reached.
func (b *Batcher[T]) Add(ctx context.Context, rec T) error {
	b.buf = append(b.buf, rec)
	if len(b.buf) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered. On failure the buffer is kept so the
// caller decides between retrying and abandoning the run.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if err := b.flush(ctx, b.buf); err != nil {
		return fmt.Errorf("flush batch of %d: %w", len(b.buf), err)
	}
	b.flushed += len(b.buf)
	b.buf = make([]T, 0, b.size)
	return nil
}

// Pending is the number of buffered, unflushed records.
func (b *Batcher[T]) Pending() int {
	return len(b.buf)
}

// Flushed is the number of records written so far.
func (b *Batcher[T]) Flushed() int {
	return b.flushed
}
