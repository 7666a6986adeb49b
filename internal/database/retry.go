package database

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// WithBusyRetry runs fn, retrying with exponential backoff+jitter when
// sqlite reports the single writer is busy. Reads never contend this way;
// this exists for the job-claim and binding-write paths, which issue
// concurrent UPDATEs the rest of this system's read-heavy traffic never does.
func WithBusyRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyErr(lastErr) {
			return lastErr
		}
		backoff := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrTxDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
