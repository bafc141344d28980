// Package lease serializes work across processes with an expiring row lock.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

const (
	// HistoricalSync is the lease every historical sync run takes.
	HistoricalSync = "historical-sync"

	DefaultTTL  = 10 * time.Minute
	DefaultPoll = 15 * time.Second
)

// Lock is a named mutual-exclusion lease. TryAcquire succeeds when the lease
// is free, expired, or already held by holder, and extends it in each case.
type Lock interface {
	TryAcquire(ctx context.Context, holder string) (bool, error)
	Release(ctx context.Context, holder string) error
}

type sqlLock struct {
	db   *sql.DB
	name string
	ttl  time.Duration
	now  func() time.Time
}

func NewSQLLock(db *sql.DB, name string, ttl time.Duration) Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &sqlLock{db: db, name: name, ttl: ttl, now: time.Now}
}

func (l *sqlLock) TryAcquire(ctx context.Context, holder string) (bool, error) {
	const query = `
		INSERT INTO sync_leases (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET holder = excluded.holder,
		    acquired_at = excluded.acquired_at,
		    expires_at = excluded.expires_at
		WHERE sync_leases.holder = excluded.holder
		   OR sync_leases.expires_at <= excluded.acquired_at
	`
	// Whole seconds keep sqlite's text timestamps ordered.
	now := l.now().UTC().Truncate(time.Second)
	res, err := l.db.ExecContext(ctx, query, l.name, holder, now, now.Add(l.ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	return n > 0, nil
}

func (l *sqlLock) Release(ctx context.Context, holder string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE name = $1 AND holder = $2`, l.name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", l.name, err)
	}
	return nil
}

type HoldOptions struct {
	// Poll is the wait between attempts while another holder owns the lease.
	Poll time.Duration
	// Renew is how often the lease is extended while held; keep it well
	// under the lock's TTL.
	Renew time.Duration
	// OnWait runs before each wait, e.g. to heartbeat.
	OnWait func()
}

// Hold blocks until holder owns lock or ctx is done. The lease is renewed in
// the background until the returned release func is called.
func Hold(ctx context.Context, lock Lock, holder string, opts HoldOptions) (func(), error) {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Renew <= 0 {
		opts.Renew = DefaultTTL / 3
	}

	for {
		ok, err := lock.TryAcquire(ctx, holder)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if opts.OnWait != nil {
			opts.OnWait()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Poll):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(opts.Renew)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = lock.TryAcquire(ctx, holder)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			_ = lock.Release(context.WithoutCancel(ctx), holder)
		})
	}, nil
}
