// Package flowgatedb opens the platform Postgres database with startup
// retries.
package flowgatedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
)

// ErrNotConfigured is returned when the database resource is unavailable,
// as in plain `go test` runs.
var ErrNotConfigured = errors.New("platform database is not configured")

const maxRetryDelay = 15 * time.Second

type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	// PingTimeout bounds each connection attempt.
	PingTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 250 * time.Millisecond
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}

// Open returns a pooled stdlib handle for database once it answers a ping.
func Open(ctx context.Context, database *sqldb.Database, opts Options) (*sql.DB, error) {
	if database == nil {
		return nil, ErrNotConfigured
	}
	opts = opts.withDefaults()
	stdlib := database.Stdlib()
	err := retry(ctx, opts, func(ctx context.Context) error {
		return stdlib.PingContext(ctx)
	})
	if err != nil {
		return nil, err
	}
	stdlib.SetMaxOpenConns(8)
	stdlib.SetMaxIdleConns(4)
	stdlib.SetConnMaxLifetime(30 * time.Minute)
	return stdlib, nil
}

// backoff doubles the delay per attempt up to maxRetryDelay.
func backoff(initial time.Duration, attempt int) time.Duration {
	delay := initial * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func retry(ctx context.Context, opts Options, attemptFn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		err = attemptFn(attemptCtx)
		cancel()
		if err == nil {
			rlog.Info("platform database connection established", "attempt", attempt)
			return nil
		}
		rlog.Warn("platform database not ready, retrying",
			"attempt", attempt,
			"max_retries", opts.MaxRetries,
			"error", err,
		)
		if attempt == opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(opts.InitialDelay, attempt)):
		}
	}
	return fmt.Errorf("platform database unavailable after %d attempts: %w", opts.MaxRetries, err)
}
