package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/pixivapi"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
	"golang.org/x/sync/singleflight"
)

// cachedAccessToken is one token's short-lived OAuth access token plus its
// expiry, refreshed on demand.
type cachedAccessToken struct {
	accessToken string
	expiresAt   time.Time
}

// TokenCache serves Pixiv OAuth access tokens, refreshing a PixivToken's
// encrypted refresh_token only once per expiry even under concurrent
// callers, via singleflight — the same collapsing pattern the teacher
// applies to routing-decision computation.
type TokenCache struct {
	client    *pixivapi.Client
	tokenRepo repository.PixivTokenRepository
	enc       *secretbox.Encryptor
	clock     clock.Clock

	mu    sync.RWMutex
	cache map[int64]cachedAccessToken
	group singleflight.Group
}

// NewTokenCache creates a new TokenCache.
func NewTokenCache(client *pixivapi.Client, tokenRepo repository.PixivTokenRepository, enc *secretbox.Encryptor, c clock.Clock) *TokenCache {
	return &TokenCache{
		client:    client,
		tokenRepo: tokenRepo,
		enc:       enc,
		clock:     c,
		cache:     make(map[int64]cachedAccessToken),
	}
}

// Get returns a valid access token for t, refreshing it via the Pixiv OAuth
// endpoint (routed through httpClient, which the caller has already bound
// to a proxy) if the cached one has expired or doesn't exist yet.
func (c *TokenCache) Get(ctx context.Context, httpClient *http.Client, t *models.PixivToken) (string, error) {
	c.mu.RLock()
	entry, ok := c.cache[t.ID]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(entry.expiresAt) {
		return entry.accessToken, nil
	}

	key := fmt.Sprintf("token:%d", t.ID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, httpClient, t)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *TokenCache) refresh(ctx context.Context, httpClient *http.Client, t *models.PixivToken) (string, error) {
	refreshToken, err := c.enc.Decrypt(t.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	resp, err := c.client.RefreshAccessToken(ctx, httpClient, refreshToken)
	if err != nil {
		now := clock.FormatUTCMilli(c.clock.Now())
		backoffUntil := clock.FormatUTCMilli(c.clock.Now().Add(backoffSchedule(t.ErrorCount + 1)))
		_ = c.tokenRepo.MarkFailure(ctx, t.ID, now, "oauth_refresh_failed", err.Error(), &backoffUntil)
		return "", err
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.cache[t.ID] = cachedAccessToken{
		accessToken: resp.AccessToken,
		expiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second / 2), // refresh at half-life, well before actual expiry
	}
	c.mu.Unlock()

	_ = c.tokenRepo.MarkOK(ctx, t.ID, clock.FormatUTCMilli(now))

	// Pixiv rotates the refresh token on every use; persist the new one
	// encrypted so the next refresh doesn't fail with a stale token.
	if resp.RefreshToken != "" {
		encrypted, err := c.enc.Encrypt(resp.RefreshToken)
		if err == nil {
			_ = c.tokenRepo.Update(ctx, t.ID, map[string]any{
				"refresh_token_enc":    encrypted,
				"refresh_token_masked": c.enc.Mask(resp.RefreshToken),
			})
		}
	}

	return resp.AccessToken, nil
}

// Invalidate drops the cached access token for a token ID, forcing the
// next Get to refresh — used after a 401 from the Pixiv API signals the
// cached token was revoked early.
func (c *TokenCache) Invalidate(tokenID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tokenID)
}
