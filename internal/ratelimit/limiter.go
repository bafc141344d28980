// Package ratelimit throttles outbound calls to a provider that enforces
// both a concurrency ceiling and a calls-per-duration ceiling.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultPause is used when a provider rejects a call without a usable
// retry-after hint.
const DefaultPause = time.Second

type Config struct {
	// MaxConcurrent bounds calls in flight. Zero disables the bound.
	MaxConcurrent int
	// MaxCalls calls may start within any window of length Per. Zero
	// disables the bound.
	MaxCalls int
	Per      time.Duration
	// MinInterval spaces consecutive call starts.
	MinInterval time.Duration
	// MaxRetries is how many times a call rejected with a retry-after hint
	// is re-issued before the error is returned.
	MaxRetries int
}

// RetryAfterError is implemented by provider errors that carry a back-off
// hint.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type Limiter struct {
	cfg     Config
	slots   *semaphore.Weighted
	spacing *rate.Limiter
	logger  zerolog.Logger

	mu          sync.Mutex
	window      []time.Time
	pausedUntil time.Time
}

func New(cfg Config, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
	}
	if cfg.MaxConcurrent > 0 {
		l.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.MinInterval > 0 {
		l.spacing = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	if cfg.MaxCalls > 0 && cfg.Per > 0 {
		l.window = make([]time.Time, 0, cfg.MaxCalls)
	}
	return l
}

// Execute runs call once the limits allow it. Calls rejected with a
// RetryAfterError pause the whole limiter for the hinted duration and are
// re-issued up to MaxRetries times.
func (l *Limiter) Execute(ctx context.Context, call func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := l.once(ctx, call)
		if err == nil {
			return nil
		}
		var hint RetryAfterError
		if !errors.As(err, &hint) || attempt >= l.cfg.MaxRetries {
			return err
		}
		wait := hint.RetryAfter()
		if wait <= 0 {
			wait = DefaultPause
		}
		l.logger.Warn().Dur("retry_after", wait).Int("attempt", attempt+1).Msg("provider rate limited the call, pausing")
		l.pause(wait)
	}
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, l *Limiter, call func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := call(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (l *Limiter) once(ctx context.Context, call func(context.Context) error) error {
	if l.slots != nil {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer l.slots.Release(1)
	}
	if l.spacing != nil {
		if err := l.spacing.Wait(ctx); err != nil {
			return err
		}
	}
	if err := l.reserve(ctx); err != nil {
		return err
	}
	return call(ctx)
}

// reserve blocks until a start is allowed by the pause and the sliding
// window, then records the start.
func (l *Limiter) reserve(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		var wait time.Duration
		switch {
		case now.Before(l.pausedUntil):
			wait = l.pausedUntil.Sub(now)
		case l.window == nil:
			l.mu.Unlock()
			return nil
		default:
			l.evict(now)
			if len(l.window) < l.cfg.MaxCalls {
				l.window = append(l.window, now)
				l.mu.Unlock()
				return nil
			}
			wait = l.window[0].Add(l.cfg.Per).Sub(now)
		}
		l.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// evict drops starts that fell out of the window ending at now.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.cfg.Per)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) pause(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
