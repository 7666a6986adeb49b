//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/secretbox"
)

func newTestProbeHandler(t *testing.T, endpoints *fakeEndpointRepo, breaker *CircuitBreaker) *ProbeHandler {
	t.Helper()
	enc, err := secretbox.New([]byte("test-key-material"))
	require.NoError(t, err)
	return NewProbeHandler(endpoints, breaker, enc, clock.Real{}, zap.NewNop(), "http://example.invalid/ping", 200*time.Millisecond)
}

func TestProbeHandler_ProbeAll_RecordsFailureForUnreachableProxy(t *testing.T) {
	endpoints := newFakeEndpointRepo()
	// Port 0 on loopback never accepts connections, so the dial fails fast
	// without needing a real proxy or network access.
	endpoints.endpoints[1] = &models.ProxyEndpoint{ID: 1, Scheme: "http", Host: "127.0.0.1", Port: 1, Enabled: true}
	breaker := NewCircuitBreaker(1, time.Minute)
	p := newTestProbeHandler(t, endpoints, breaker)

	p.ProbeAll(context.Background())

	assert.True(t, breaker.IsOpen(1), "an unreachable proxy must trip the breaker")
}

func TestProbeHandler_ProbeAll_SkipsDisabledEndpoints(t *testing.T) {
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[1] = &models.ProxyEndpoint{ID: 1, Scheme: "http", Host: "127.0.0.1", Port: 1, Enabled: false}
	breaker := NewCircuitBreaker(1, time.Minute)
	p := newTestProbeHandler(t, endpoints, breaker)

	p.ProbeAll(context.Background())

	assert.False(t, breaker.IsOpen(1), "disabled endpoints must never be probed")
}

func TestProbeHandler_StartStop_DoesNotDeadlock(t *testing.T) {
	endpoints := newFakeEndpointRepo()
	breaker := NewCircuitBreaker(3, time.Minute)
	p := newTestProbeHandler(t, endpoints, breaker)

	p.Start(context.Background(), 50*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	p.Stop()
}
