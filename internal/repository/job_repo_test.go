//go:build !integration && !e2e
// +build !integration,!e2e

package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/tests/testutil"
)

func insertTestJob(t *testing.T, repo *SQLJobRepository, priority int, refID string) int64 {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"illust_id": 1})
	id, err := repo.Insert(context.Background(), &models.Job{
		Type:        models.JobTypeHydrateMetadata,
		Status:      models.JobStatusPending,
		Priority:    priority,
		MaxAttempts: 5,
		PayloadJSON: payload,
		RefID:       &refID,
	})
	require.NoError(t, err)
	return id
}

// TestJobRepository_Claim_PrioritySmallerFirst pins the "smaller = sooner"
// contract: a negative-priority opportunistic job must be claimed ahead of
// a higher-priority backfill job inserted first.
func TestJobRepository_Claim_PrioritySmallerFirst(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := "2026-01-15T12:00:00.000Z"

	backfillID := insertTestJob(t, repo, 5, "backfill")
	opportunisticID := insertTestJob(t, repo, -10, "opportunistic")

	claimed, err := repo.Claim(ctx, "worker-1", now)
	require.NoError(t, err)
	assert.Equal(t, opportunisticID, claimed.ID, "negative-priority job must preempt positive-priority backfill")
	assert.NotEqual(t, backfillID, claimed.ID)
}

// TestJobRepository_ClaimBatch_OrdersByPriorityThenID verifies the full
// ordering: priority ascending, ties broken by id ascending (FIFO within
// a priority band).
func TestJobRepository_ClaimBatch_OrdersByPriorityThenID(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := "2026-01-15T12:00:00.000Z"

	first := insertTestJob(t, repo, 0, "a")
	second := insertTestJob(t, repo, 0, "b")
	urgent := insertTestJob(t, repo, -5, "c")

	claimed, err := repo.ClaimBatch(ctx, "worker-1", now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, urgent, claimed[0].ID)
	assert.Equal(t, first, claimed[1].ID)
	assert.Equal(t, second, claimed[2].ID)
}

func TestJobRepository_Claim_NoneEligible(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	_, err := repo.Claim(ctx, "worker-1", "2026-01-15T12:00:00.000Z")
	assert.Error(t, err)
}

// TestJobRepository_Defer_DoesNotIncrementAttempt pins the §7 contract
// that NO_TOKEN_AVAILABLE/PROXY_REQUIRED conditions (and the hydration-run
// self-requeue) never consume a retry attempt, unlike Fail.
func TestJobRepository_Defer_DoesNotIncrementAttempt(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := "2026-01-15T12:00:00.000Z"

	id := insertTestJob(t, repo, 0, "deferred")
	claimed, err := repo.Claim(ctx, "worker-1", now)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.Equal(t, 0, claimed.Attempt)

	runAfter := "2026-01-15T12:00:30.000Z"
	err = repo.Defer(ctx, id, models.JobStatusPending, &runAfter, now)
	require.NoError(t, err)

	after, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Attempt, "Defer must not increment attempt")
	assert.Equal(t, models.JobStatusPending, after.Status)
	assert.NotNil(t, after.RunAfter)
	assert.Equal(t, runAfter, *after.RunAfter)
	assert.Nil(t, after.LockedBy, "Defer releases the claim lock")
}

// TestJobRepository_Fail_IncrementsAttempt contrasts Fail (ordinary
// recoverable failure) against Defer: Fail DOES consume an attempt.
func TestJobRepository_Fail_IncrementsAttempt(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := "2026-01-15T12:00:00.000Z"

	id := insertTestJob(t, repo, 0, "failing")
	_, err := repo.Claim(ctx, "worker-1", now)
	require.NoError(t, err)

	err = repo.Fail(ctx, id, "2026-01-15T12:00:10.000Z", "boom", now)
	require.NoError(t, err)

	after, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Attempt)
	assert.Equal(t, models.JobStatusPending, after.Status)
}
