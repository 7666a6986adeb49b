package service

import "context"

// TokenThrottle serializes concurrent callers on the same Pixiv token so
// two workers never hit the upstream API back to back on one credential.
// Lock blocks until the caller holds the token's slot and returns a
// function that releases it.
type TokenThrottle interface {
	Lock(ctx context.Context, tokenID int64) (unlock func(), err error)
}

// InProcessThrottle is the default TokenThrottle: one mutex per token id,
// created lazily and kept for the life of the process. Sufficient for a
// single-node deployment; HydrationHandler falls back to this when no
// distributed backend is configured.
type InProcessThrottle struct {
	locks *keyedMutex
}

// NewInProcessThrottle creates a new InProcessThrottle.
func NewInProcessThrottle() *InProcessThrottle {
	return &InProcessThrottle{locks: newKeyedMutex()}
}

// Lock blocks until tokenID's in-process mutex is free, then returns its
// Unlock func.
func (t *InProcessThrottle) Lock(ctx context.Context, tokenID int64) (func(), error) {
	m := t.locks.get(tokenID)
	m.Lock()
	return m.Unlock, nil
}
