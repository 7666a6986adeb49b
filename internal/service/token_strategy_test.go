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

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
)

// fakeTokenRepo is a minimal in-memory repository.PixivTokenRepository for
// exercising selection logic without a database.
type fakeTokenRepo struct {
	tokens []*models.PixivToken
}

func (f *fakeTokenRepo) FindByID(_ context.Context, id int64) (*models.PixivToken, error) {
	for _, t := range f.tokens {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (f *fakeTokenRepo) FindAllEnabled(_ context.Context) ([]*models.PixivToken, error) {
	var out []*models.PixivToken
	for _, t := range f.tokens {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTokenRepo) FindAll(_ context.Context) ([]*models.PixivToken, error) {
	return f.tokens, nil
}

func (f *fakeTokenRepo) Insert(_ context.Context, t *models.PixivToken) (int64, error) {
	t.ID = int64(len(f.tokens) + 1)
	f.tokens = append(f.tokens, t)
	return t.ID, nil
}

func (f *fakeTokenRepo) Update(_ context.Context, id int64, updates map[string]any) error {
	return nil
}

func (f *fakeTokenRepo) Delete(_ context.Context, id int64) error { return nil }

func (f *fakeTokenRepo) MarkOK(_ context.Context, id int64, now string) error { return nil }

func (f *fakeTokenRepo) MarkFailure(_ context.Context, id int64, now, errorCode, errorMsg string, backoffUntil *string) error {
	return nil
}

func TestTokenStrategy_Pick_SkipsBackedOffTokens(t *testing.T) {
	backedOff := clock.FormatUTCMilli(time.Now().UTC().Add(time.Hour))
	repo := &fakeTokenRepo{tokens: []*models.PixivToken{
		{ID: 1, Enabled: true, Weight: 10, BackoffUntil: &backedOff},
		{ID: 2, Enabled: true, Weight: 10},
	}}
	strategy := NewTokenStrategy(repo)

	for i := 0; i < 20; i++ {
		picked, err := strategy.Pick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), picked.ID, "the backed-off token must never be picked")
	}
}

func TestTokenStrategy_Pick_ExpiredBackoffIsEligibleAgain(t *testing.T) {
	expired := clock.FormatUTCMilli(time.Now().UTC().Add(-time.Hour))
	repo := &fakeTokenRepo{tokens: []*models.PixivToken{
		{ID: 1, Enabled: true, Weight: 10, BackoffUntil: &expired},
	}}
	strategy := NewTokenStrategy(repo)

	picked, err := strategy.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), picked.ID)
}

func TestTokenStrategy_Pick_NoEligibleTokensErrors(t *testing.T) {
	backedOff := clock.FormatUTCMilli(time.Now().UTC().Add(time.Hour))
	repo := &fakeTokenRepo{tokens: []*models.PixivToken{
		{ID: 1, Enabled: true, Weight: 10, BackoffUntil: &backedOff},
	}}
	strategy := NewTokenStrategy(repo)

	_, err := strategy.Pick(context.Background())
	assert.Error(t, err)
}

func TestTokenStrategy_Pick_WeightBiasesSelectionTowardHeavierToken(t *testing.T) {
	repo := &fakeTokenRepo{tokens: []*models.PixivToken{
		{ID: 1, Enabled: true, Weight: 1},
		{ID: 2, Enabled: true, Weight: 99},
	}}
	strategy := NewTokenStrategy(repo)

	counts := map[int64]int{}
	for i := 0; i < 500; i++ {
		picked, err := strategy.Pick(context.Background())
		require.NoError(t, err)
		counts[picked.ID]++
	}
	assert.Greater(t, counts[2], counts[1], "the heavier-weighted token should be picked far more often")
}

func TestTokenStrategy_Pick_ZeroOrNegativeWeightTreatedAsOne(t *testing.T) {
	repo := &fakeTokenRepo{tokens: []*models.PixivToken{
		{ID: 1, Enabled: true, Weight: 0},
	}}
	strategy := NewTokenStrategy(repo)

	picked, err := strategy.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), picked.ID)
}

func TestBackoffSchedule_Exponential(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffSchedule(0))
	assert.Equal(t, 10*time.Second, backoffSchedule(1))
	assert.Equal(t, 20*time.Second, backoffSchedule(2))
	assert.Equal(t, 320*time.Second, backoffSchedule(6), "errorCount is clamped at 6 doublings")
	assert.Equal(t, 320*time.Second, backoffSchedule(20), "errorCount above the clamp doesn't grow further")
}
