//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

type fakeBindingRepo struct {
	bindings map[string]*models.TokenProxyBinding
}

func newFakeBindingRepo() *fakeBindingRepo {
	return &fakeBindingRepo{bindings: make(map[string]*models.TokenProxyBinding)}
}

func bindingKey(tokenID, poolID int64) string { return fmt.Sprintf("%d:%d", tokenID, poolID) }

func (f *fakeBindingRepo) Find(_ context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error) {
	b, ok := f.bindings[bindingKey(tokenID, poolID)]
	if !ok {
		return nil, fmt.Errorf("no binding")
	}
	return b, nil
}

func (f *fakeBindingRepo) ListByPool(_ context.Context, poolID int64) ([]*models.TokenProxyBinding, error) {
	var out []*models.TokenProxyBinding
	for _, b := range f.bindings {
		if b.PoolID == poolID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBindingRepo) Upsert(_ context.Context, b *models.TokenProxyBinding) error {
	f.bindings[bindingKey(b.TokenID, b.PoolID)] = b
	return nil
}

func (f *fakeBindingRepo) SetOverride(_ context.Context, tokenID, poolID, overrideProxyID int64, expiresAt string) error {
	b := f.bindings[bindingKey(tokenID, poolID)]
	b.OverrideProxyID = &overrideProxyID
	b.OverrideExpiresAt = &expiresAt
	return nil
}

func (f *fakeBindingRepo) ClearOverride(_ context.Context, tokenID, poolID int64) error {
	b := f.bindings[bindingKey(tokenID, poolID)]
	b.OverrideProxyID = nil
	b.OverrideExpiresAt = nil
	return nil
}

type fakeEndpointRepo struct {
	endpoints map[int64]*models.ProxyEndpoint
	members   map[int64][]*repository.PoolMember
}

func newFakeEndpointRepo() *fakeEndpointRepo {
	return &fakeEndpointRepo{endpoints: make(map[int64]*models.ProxyEndpoint), members: make(map[int64][]*repository.PoolMember)}
}

func (f *fakeEndpointRepo) FindByID(_ context.Context, id int64) (*models.ProxyEndpoint, error) {
	ep, ok := f.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return ep, nil
}

func (f *fakeEndpointRepo) FindAll(_ context.Context) ([]*models.ProxyEndpoint, error) {
	var out []*models.ProxyEndpoint
	for _, e := range f.endpoints {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEndpointRepo) Insert(_ context.Context, e *models.ProxyEndpoint) (int64, error) {
	e.ID = int64(len(f.endpoints) + 1)
	f.endpoints[e.ID] = e
	return e.ID, nil
}

func (f *fakeEndpointRepo) Update(_ context.Context, id int64, updates map[string]any) error {
	return nil
}
func (f *fakeEndpointRepo) Delete(_ context.Context, id int64) error { return nil }

func (f *fakeEndpointRepo) MembersOfPool(_ context.Context, poolID int64) ([]*repository.PoolMember, error) {
	return f.members[poolID], nil
}

func (f *fakeEndpointRepo) SetMembership(_ context.Context, poolID, endpointID int64, enabled bool, weight int) error {
	return nil
}

func (f *fakeEndpointRepo) MarkOK(_ context.Context, id int64, latencyMs int, now string) error {
	return nil
}
func (f *fakeEndpointRepo) MarkFail(_ context.Context, id int64, latencyMs int, now, errMsg string, blacklistedUntil string) error {
	return nil
}

func TestProxySelector_Select_ReturnsHealthyPrimary(t *testing.T) {
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{TokenID: 1, PoolID: 1, PrimaryProxyID: 10}
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: true}

	selector := NewProxySelector(bindings, endpoints, NewCircuitBreaker(3, time.Minute), nil)
	ep, err := selector.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ep.ID)
}

func TestProxySelector_Select_FallsBackWhenPrimaryCircuitBroken(t *testing.T) {
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{TokenID: 1, PoolID: 1, PrimaryProxyID: 10}
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: true}
	endpoints.endpoints[11] = &models.ProxyEndpoint{ID: 11, Enabled: true}
	endpoints.members[1] = []*repository.PoolMember{{Endpoint: *endpoints.endpoints[11]}}

	breaker := NewCircuitBreaker(1, time.Minute)
	breaker.RecordFailure(10)

	selector := NewProxySelector(bindings, endpoints, breaker, nil)
	ep, err := selector.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), ep.ID, "must fall back to a healthy pool member when the primary is circuit-broken")
}

func TestProxySelector_Select_FallsBackWhenPrimaryBlacklisted(t *testing.T) {
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{TokenID: 1, PoolID: 1, PrimaryProxyID: 10}
	endpoints := newFakeEndpointRepo()
	future := time.Now().UTC().Add(time.Hour).Format("2006-01-02T15:04:05.000Z")
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: true, BlacklistedUntil: &future}
	endpoints.endpoints[11] = &models.ProxyEndpoint{ID: 11, Enabled: true}
	endpoints.members[1] = []*repository.PoolMember{{Endpoint: *endpoints.endpoints[11]}}

	selector := NewProxySelector(bindings, endpoints, NewCircuitBreaker(3, time.Minute), nil)
	ep, err := selector.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), ep.ID)
}

func TestProxySelector_Select_UsesActiveOverride(t *testing.T) {
	expires := time.Now().UTC().Add(time.Hour).Format("2006-01-02T15:04:05.000Z")
	overrideID := int64(20)
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{
		TokenID: 1, PoolID: 1, PrimaryProxyID: 10,
		OverrideProxyID: &overrideID, OverrideExpiresAt: &expires,
	}
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: true}
	endpoints.endpoints[20] = &models.ProxyEndpoint{ID: 20, Enabled: true}

	selector := NewProxySelector(bindings, endpoints, NewCircuitBreaker(3, time.Minute), nil)
	ep, err := selector.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ep.ID, "an unexpired override must take precedence over the primary")
}

func TestProxySelector_Select_ExpiredOverrideIgnored(t *testing.T) {
	expired := time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000Z")
	overrideID := int64(20)
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{
		TokenID: 1, PoolID: 1, PrimaryProxyID: 10,
		OverrideProxyID: &overrideID, OverrideExpiresAt: &expired,
	}
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: true}
	endpoints.endpoints[20] = &models.ProxyEndpoint{ID: 20, Enabled: true}

	selector := NewProxySelector(bindings, endpoints, NewCircuitBreaker(3, time.Minute), nil)
	ep, err := selector.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ep.ID, "an expired override must fall back to the primary")
}

func TestProxySelector_Select_NoUsableMemberReturnsErrNoUsableProxy(t *testing.T) {
	bindings := newFakeBindingRepo()
	bindings.bindings[bindingKey(1, 1)] = &models.TokenProxyBinding{TokenID: 1, PoolID: 1, PrimaryProxyID: 10}
	endpoints := newFakeEndpointRepo()
	endpoints.endpoints[10] = &models.ProxyEndpoint{ID: 10, Enabled: false}

	selector := NewProxySelector(bindings, endpoints, NewCircuitBreaker(3, time.Minute), nil)
	_, err := selector.Select(context.Background(), 1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUsableProxy)
}

func TestProxySelector_RecordOutcome_SuccessResetsBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Minute)
	endpoints := newFakeEndpointRepo()
	ep := &models.ProxyEndpoint{ID: 10, Enabled: true}
	endpoints.endpoints[10] = ep

	selector := NewProxySelector(newFakeBindingRepo(), endpoints, breaker, nil)
	breaker.RecordFailure(10)
	require.False(t, breaker.Allow(10))

	selector.RecordOutcome(context.Background(), ep, 50, "2026-01-15T12:00:00.000Z", "")
	assert.True(t, breaker.Allow(10), "a successful outcome must reset the breaker")
}

func TestProxySelector_RecordOutcome_FailureTripsBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Minute)
	endpoints := newFakeEndpointRepo()
	ep := &models.ProxyEndpoint{ID: 10, Enabled: true}
	endpoints.endpoints[10] = ep

	selector := NewProxySelector(newFakeBindingRepo(), endpoints, breaker, nil)
	selector.RecordOutcome(context.Background(), ep, 50, "2026-01-15T12:00:00.000Z", "timeout")
	assert.False(t, breaker.Allow(10))
}
