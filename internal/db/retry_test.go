package db

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransientDBError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"whitelisted pg code", &pgconn.PgError{Code: "57P01"}, true},
		{"non-whitelisted pg code", &pgconn.PgError{Code: "23505"}, false},
		{"net error", &net.DNSError{IsTimeout: true}, true},
		{"socket hang up string", errors.New("socket hang up"), true},
		{"ordinary application error", errors.New("no rows in result set"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransientDBError(tc.err); got != tc.want {
				t.Errorf("isTransientDBError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	got, err := withRetry(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &pgconn.PgError{Code: "57P01"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetry_StopsImmediatelyOnNonTransientError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("unique constraint violation")
	_, err := withRetry(context.Background(), func() (string, error) {
		attempts++
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got error %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), func() (string, error) {
		attempts++
		return "", &pgconn.PgError{Code: "08006"}
	})
	if err == nil {
		t.Fatal("expected an error once the retry budget is exhausted")
	}
	if attempts != retryMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", retryMaxAttempts, attempts)
	}
}
