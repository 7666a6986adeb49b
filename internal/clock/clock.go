// Package clock centralizes time and ID generation so the rest of the
// codebase never calls time.Now or uuid.New directly.
package clock

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const utcMilliLayout = "2006-01-02T15:04:05.000Z"

// Clock abstracts wall-clock time for testability.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Frozen is a test Clock that always returns the same instant unless
// advanced explicitly.
type Frozen struct {
	mu sync.Mutex
	t  time.Time
}

func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t.UTC()}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// FormatUTCMilli renders t per spec's persisted-timestamp format
// YYYY-MM-DDTHH:MM:SS.sssZ.
func FormatUTCMilli(t time.Time) string {
	return t.UTC().Format(utcMilliLayout)
}

// ParseUTCMilli parses a timestamp previously produced by FormatUTCMilli,
// falling back to RFC3339 for upstream-supplied strings.
func ParseUTCMilli(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("clock: empty timestamp")
	}
	if t, err := time.Parse(utcMilliLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: parse %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NewID returns a request/job/worker ID.
func NewID() string {
	return uuid.New().String()
}

// NewRandomKey draws the uniform [0,1) sort key assigned once at Image
// creation. Never regenerate this for an existing row.
func NewRandomKey() float64 {
	return rand.Float64()
}
