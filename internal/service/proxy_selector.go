package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
)

// ErrNoUsableProxy is the PROXY_REQUIRED condition: routing requires a
// proxy but no pool member is currently healthy. Callers should defer
// rather than fail the caller outright, per the fail-closed discipline.
var ErrNoUsableProxy = errors.New("no usable proxy endpoint")

// ProxySelector resolves the proxy endpoint a given (token, pool) should
// use for its next upstream request: the token's sticky binding when it is
// healthy, falling back to a fresh rendezvous pick when the primary is
// circuit-broken or blacklisted.
type ProxySelector struct {
	bindingRepo  repository.TokenProxyBindingRepository
	endpointRepo repository.ProxyEndpointRepository
	breaker      *CircuitBreaker
	enc          *secretbox.Encryptor
}

// NewProxySelector creates a new ProxySelector.
func NewProxySelector(
	bindingRepo repository.TokenProxyBindingRepository,
	endpointRepo repository.ProxyEndpointRepository,
	breaker *CircuitBreaker,
	enc *secretbox.Encryptor,
) *ProxySelector {
	return &ProxySelector{bindingRepo: bindingRepo, endpointRepo: endpointRepo, breaker: breaker, enc: enc}
}

// Select returns the proxy endpoint to use for (tokenID, poolID), honoring
// any active sticky override before falling back to the rendezvous-derived
// primary assignment.
func (s *ProxySelector) Select(ctx context.Context, tokenID, poolID int64) (*models.ProxyEndpoint, error) {
	binding, err := s.bindingRepo.Find(ctx, tokenID, poolID)
	if err != nil {
		return nil, fmt.Errorf("no proxy binding for token %d pool %d: %w", tokenID, poolID, err)
	}

	candidateID := binding.PrimaryProxyID
	if binding.OverrideProxyID != nil && binding.OverrideExpiresAt != nil {
		if expires, err := time.Parse("2006-01-02T15:04:05.000Z", *binding.OverrideExpiresAt); err == nil && time.Now().UTC().Before(expires) {
			candidateID = *binding.OverrideProxyID
		}
	}

	ep, err := s.endpointRepo.FindByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if s.isUsable(ep) {
		return ep, nil
	}

	// Primary is down: fall back to any other healthy pool member.
	members, err := s.endpointRepo.MembersOfPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Endpoint.ID == candidateID {
			continue
		}
		if s.isUsable(&m.Endpoint) {
			return &m.Endpoint, nil
		}
	}
	return nil, fmt.Errorf("pool %d: %w", poolID, ErrNoUsableProxy)
}

func (s *ProxySelector) isUsable(ep *models.ProxyEndpoint) bool {
	if !ep.Enabled {
		return false
	}
	if ep.BlacklistedUntil != nil {
		if until, err := time.Parse("2006-01-02T15:04:05.000Z", *ep.BlacklistedUntil); err == nil && time.Now().UTC().Before(until) {
			return false
		}
	}
	return s.breaker.Allow(ep.ID)
}

// HTTPClient builds an *http.Client that dials through ep, decrypting its
// stored password with the selector's secretbox key.
func (s *ProxySelector) HTTPClient(ep *models.ProxyEndpoint, timeout time.Duration) (*http.Client, error) {
	proxyURL := &url.URL{
		Scheme: ep.Scheme,
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
	}
	if ep.Username != "" {
		password := ""
		if ep.PasswordEnc != "" {
			decrypted, err := s.enc.Decrypt(ep.PasswordEnc)
			if err != nil {
				return nil, fmt.Errorf("decrypt proxy password: %w", err)
			}
			password = decrypted
		}
		proxyURL.User = url.UserPassword(ep.Username, password)
	}

	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// RecordOutcome feeds a completed request's outcome back into the circuit
// breaker and the endpoint's persisted success/failure counters.
func (s *ProxySelector) RecordOutcome(ctx context.Context, ep *models.ProxyEndpoint, latencyMs int, now string, errMsg string) {
	if errMsg == "" {
		s.breaker.RecordSuccess(ep.ID)
		_ = s.endpointRepo.MarkOK(ctx, ep.ID, latencyMs, now)
		return
	}
	s.breaker.RecordFailure(ep.ID)
	blacklistUntil := ""
	if s.breaker.IsOpen(ep.ID) {
		blacklistUntil = now // breaker already encodes the open window; endpoint row mirrors it for visibility
	}
	_ = s.endpointRepo.MarkFail(ctx, ep.ID, latencyMs, now, errMsg, blacklistUntil)
}
