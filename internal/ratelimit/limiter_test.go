package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type retryAfterErr struct {
	d time.Duration
}

func (e retryAfterErr) Error() string             { return "rate limited" }
func (e retryAfterErr) RetryAfter() time.Duration { return e.d }

func TestLimiterSlidingWindowBound(t *testing.T) {
	const (
		maxCalls = 5
		per      = 200 * time.Millisecond
		calls    = 12
		// scheduling delay tolerated between a grant and the call body
		slack = 25 * time.Millisecond
	)
	l := New(Config{MaxConcurrent: 4, MaxCalls: maxCalls, Per: per}, zerolog.Nop())

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	begin := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			return l.Execute(ctx, func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, starts, calls)

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 0; i+maxCalls < len(starts); i++ {
		gap := starts[i+maxCalls].Sub(starts[i])
		assert.GreaterOrEqual(t, gap, per-slack, "calls %d..%d started within one window", i, i+maxCalls)
	}
	// 12 calls at 5 per window need at least two full windows.
	assert.GreaterOrEqual(t, starts[calls-1].Sub(begin), 2*per)
}

func TestLimiterConcurrencyCeiling(t *testing.T) {
	l := New(Config{MaxConcurrent: 2}, zerolog.Nop())

	var inFlight, peak int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return l.Execute(ctx, func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestLimiterMinInterval(t *testing.T) {
	l := New(Config{MinInterval: 30 * time.Millisecond}, zerolog.Nop())

	begin := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	// The first start is immediate, the next three are spaced.
	assert.GreaterOrEqual(t, time.Since(begin), 85*time.Millisecond)
}

func TestLimiterHonorsRetryAfter(t *testing.T) {
	l := New(Config{MaxCalls: 10, Per: time.Second, MaxRetries: 2}, zerolog.Nop())

	attempts := 0
	begin := time.Now()
	err := l.Execute(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return retryAfterErr{d: 60 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(begin), 60*time.Millisecond)
}

func TestLimiterPropagatesAfterRetries(t *testing.T) {
	l := New(Config{MaxRetries: 2}, zerolog.Nop())

	attempts := 0
	err := l.Execute(context.Background(), func(context.Context) error {
		attempts++
		return retryAfterErr{d: time.Millisecond}
	})
	var hint RetryAfterError
	require.ErrorAs(t, err, &hint)
	assert.Equal(t, 3, attempts)
}

func TestLimiterPropagatesOtherErrors(t *testing.T) {
	l := New(Config{MaxRetries: 3}, zerolog.Nop())
	boom := errors.New("connection reset")

	attempts := 0
	err := l.Execute(context.Background(), func(context.Context) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestLimiterCancelledWhileWaiting(t *testing.T) {
	l := New(Config{MaxCalls: 1, Per: time.Hour}, zerolog.Nop())
	require.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := l.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestDoReturnsValue(t *testing.T) {
	l := New(Config{MaxConcurrent: 1}, zerolog.Nop())
	got, err := Do(context.Background(), l, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
