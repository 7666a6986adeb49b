package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pixivproxy/imgserve/internal/metrics"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// TokenStrategy picks which enabled PixivToken a hydration/import worker
// should use next: weighted-random among tokens not currently in backoff,
// mirroring the teacher's weighted load-balancing approach but applied to
// credential selection instead of endpoint selection.
type TokenStrategy struct {
	tokenRepo repository.PixivTokenRepository
}

// NewTokenStrategy creates a new TokenStrategy.
func NewTokenStrategy(tokenRepo repository.PixivTokenRepository) *TokenStrategy {
	return &TokenStrategy{tokenRepo: tokenRepo}
}

// Pick selects one usable token by weight, skipping tokens still inside
// their backoff_until window.
func (s *TokenStrategy) Pick(ctx context.Context) (*models.PixivToken, error) {
	tokens, err := s.tokenRepo.FindAllEnabled(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var eligible []*models.PixivToken
	totalWeight := 0
	inBackoff := 0
	for _, t := range tokens {
		if t.BackoffUntil != nil {
			if until, err := time.Parse("2006-01-02T15:04:05.000Z", *t.BackoffUntil); err == nil && now.Before(until) {
				inBackoff++
				continue
			}
		}
		weight := t.Weight
		if weight <= 0 {
			weight = 1
		}
		eligible = append(eligible, t)
		totalWeight += weight
	}
	metrics.TokensInBackoff.Set(float64(inBackoff))
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no pixiv tokens available (all disabled or in backoff)")
	}

	roll := rand.Intn(totalWeight)
	for _, t := range eligible {
		weight := t.Weight
		if weight <= 0 {
			weight = 1
		}
		if roll < weight {
			return t, nil
		}
		roll -= weight
	}
	return eligible[len(eligible)-1], nil
}

// backoffSchedule is the exponential backoff applied to a token's
// backoff_until after a failed refresh, capped at 1 hour.
func backoffSchedule(errorCount int) time.Duration {
	d := time.Duration(1<<uint(min(errorCount, 6))) * time.Second * 5
	if d > time.Hour {
		return time.Hour
	}
	return d
}
