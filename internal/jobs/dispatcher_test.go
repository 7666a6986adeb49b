//go:build !integration && !e2e
// +build !integration,!e2e

package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/tests/testutil"
)

func TestBackoffForAttempt_ExponentialCappedAtTenMinutes(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffForAttempt(0))
	assert.Equal(t, 20*time.Second, backoffForAttempt(1))
	assert.Equal(t, 40*time.Second, backoffForAttempt(2))
	assert.Equal(t, 10*time.Minute, backoffForAttempt(10), "schedule must cap rather than overflow")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, repository.JobRepository, repository.HydrationRunRepository) {
	t.Helper()
	db := testutil.NewTestDB(t)
	jobRepo := repository.NewJobRepository(db)
	runRepo := repository.NewHydrationRunRepository(db)
	imageRepo := repository.NewImageRepository(db)
	d := NewDispatcher(jobRepo, runRepo, imageRepo, nil, nil, nil, nil, clock.Real{}, zap.NewNop())
	return d, jobRepo, runRepo
}

func insertDispatchJob(t *testing.T, jobRepo repository.JobRepository, jobType string, attempt, maxAttempts int, payload any) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := jobRepo.Insert(context.Background(), &models.Job{
		Type:        jobType,
		Status:      models.JobStatusPending,
		MaxAttempts: maxAttempts,
		PayloadJSON: raw,
	})
	require.NoError(t, err)
	job, err := jobRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	job.Attempt = attempt
	return job
}

func TestDispatch_UnknownJobType_RetriesWithBackoffUnderMaxAttempts(t *testing.T) {
	d, jobRepo, _ := newTestDispatcher(t)
	job := insertDispatchJob(t, jobRepo, "not_a_real_type", 0, 5, map[string]any{})

	err := d.Dispatch(context.Background(), job)
	require.NoError(t, err, "Dispatch absorbs handler failures into a job transition, never propagates raw")

	after, err := jobRepo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, after.Status)
	assert.Equal(t, 1, after.Attempt)
	require.NotNil(t, after.RunAfter)
}

func TestDispatch_UnknownJobType_DeadLettersAtMaxAttempts(t *testing.T) {
	d, jobRepo, _ := newTestDispatcher(t)
	job := insertDispatchJob(t, jobRepo, "not_a_real_type", 4, 5, map[string]any{})

	err := d.Dispatch(context.Background(), job)
	require.NoError(t, err)

	after, err := jobRepo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDLQ, after.Status)
}

func TestDispatch_HydrationRun_CanceledRunCompletesWithoutTouchingHandler(t *testing.T) {
	d, jobRepo, runRepo := newTestDispatcher(t)

	criteria, _ := json.Marshal(map[string]any{"missing": []string{"tags"}})
	cursor, _ := json.Marshal(map[string]any{"last_image_id": 0})
	runID, err := runRepo.Insert(context.Background(), &models.HydrationRun{
		Type:         models.HydrationRunTypeBackfill,
		Status:       models.HydrationRunStatusCanceled,
		CriteriaJSON: criteria,
		CursorJSON:   cursor,
	})
	require.NoError(t, err)

	job := insertDispatchJob(t, jobRepo, models.JobTypeHydrationRun, 0, 5, map[string]any{"run_id": runID})

	err = d.Dispatch(context.Background(), job)
	require.NoError(t, err)

	after, err := jobRepo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", after.Status)
}

func TestDispatch_HydrationRun_MissingRunDeadLetters(t *testing.T) {
	d, jobRepo, _ := newTestDispatcher(t)
	job := insertDispatchJob(t, jobRepo, models.JobTypeHydrationRun, 0, 5, map[string]any{"run_id": 9999})

	err := d.Dispatch(context.Background(), job)
	require.NoError(t, err)

	after, err := jobRepo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDLQ, after.Status, "a permanent decode/lookup failure dead-letters on the first attempt")
}

func TestDispatch_HydrationRun_NothingMissingCompletesRunAndJob(t *testing.T) {
	d, jobRepo, runRepo := newTestDispatcher(t)

	criteria, _ := json.Marshal(map[string]any{"missing": []string{"tags"}})
	cursor, _ := json.Marshal(map[string]any{"last_image_id": 0})
	runID, err := runRepo.Insert(context.Background(), &models.HydrationRun{
		Type:         models.HydrationRunTypeBackfill,
		Status:       models.HydrationRunStatusRunning,
		CriteriaJSON: criteria,
		CursorJSON:   cursor,
	})
	require.NoError(t, err)

	job := insertDispatchJob(t, jobRepo, models.JobTypeHydrationRun, 0, 5, map[string]any{"run_id": runID})

	err = d.Dispatch(context.Background(), job)
	require.NoError(t, err)

	after, err := jobRepo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", after.Status, "an empty batch means the backfill cursor is exhausted")

	runAfter, err := runRepo.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.HydrationRunStatusCompleted, runAfter.Status)
}
