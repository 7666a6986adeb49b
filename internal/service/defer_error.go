package service

import (
	"fmt"
	"time"
)

// DeferError signals a recoverable-but-not-yet condition — no token
// currently available, or proxy routing required but no healthy endpoint
// exists — that should reschedule the job at RunAfter without consuming
// a retry attempt, per the NO_TOKEN_AVAILABLE/PROXY_REQUIRED classification.
type DeferError struct {
	RunAfter time.Time
	Err      error
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %v", e.RunAfter.Format(time.RFC3339), e.Err)
}

func (e *DeferError) Unwrap() error {
	return e.Err
}
