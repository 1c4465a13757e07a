package db

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryBaseDelay   = 250 * time.Millisecond
	retryMaxDelay    = 5 * time.Second
	retryMaxAttempts = 5
	retryJitterRatio = 0.3
)

// transientPgCodes is the sqlstate whitelist spec.md §4.1 names as
// retryable connection-level failures: admin shutdown/crash (57P01-57P03)
// and connection exception/failure (08003, 08006).
var transientPgCodes = map[string]struct{}{
	"57P01": {},
	"57P02": {},
	"57P03": {},
	"08003": {},
	"08006": {},
}

// isTransientDBError reports whether err is one of the connection-level
// failures spec.md §4.1 names as retryable: a whitelisted Postgres sqlstate,
// a net.Error (covers ECONNRESET/ECONNREFUSED/ETIMEDOUT/dial failures), or a
// driver message naming a socket hang-up/broken-pipe condition. Anything
// else (constraint violations, no-rows, context cancellation) is not retried.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientPgCodes[pgErr.Code]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"socket hang up", "connection reset", "connection refused", "broken pipe", "i/o timeout", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withRetry runs op up to retryMaxAttempts times with jittered exponential
// backoff from retryBaseDelay to retryMaxDelay, per spec.md §4.1's
// `withRetry` contract item. Only the transient connection-level failures
// isTransientDBError recognizes are retried; everything else returns
// immediately via backoff.Permanent, including the ordinary application
// errors (no rows, unique violation) most store calls end in.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransientDBError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(&jitteredRetryBackoff{base: retryBaseDelay, max: retryMaxDelay}),
		backoff.WithMaxTries(retryMaxAttempts),
	)
}

// jitteredRetryBackoff implements backoff.BackOff with exponential growth
// from base to max and ±retryJitterRatio jitter, the same shape
// pkg/upload's retry policy uses.
type jitteredRetryBackoff struct {
	base, max time.Duration
	attempt   int
}

func (b *jitteredRetryBackoff) NextBackOff() time.Duration {
	d := b.base * time.Duration(1<<uint(b.attempt))
	if d > b.max {
		d = b.max
	}
	b.attempt++

	jitter := float64(d) * retryJitterRatio
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) + delta)
}

func (b *jitteredRetryBackoff) Reset() { b.attempt = 0 }
