// Package jobs routes claimed Job rows to the handler for their type and
// applies the spec §4.1/§7 outcome classification (complete, retry with
// backoff, or dead-letter) to the job's next state transition.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/metrics"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/service"
)

// Dispatcher executes one claimed job and transitions it to its next
// state based on the handler's outcome.
type Dispatcher struct {
	jobRepo          repository.JobRepository
	hydrationRunRepo repository.HydrationRunRepository
	imageRepo        repository.ImageRepository

	hydration *service.HydrationHandler
	importer  *service.ImportHandler
	probe     *service.ProbeHandler
	bindings  *service.BindingService

	clock  clock.Clock
	logger *zap.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(
	jobRepo repository.JobRepository,
	hydrationRunRepo repository.HydrationRunRepository,
	imageRepo repository.ImageRepository,
	hydration *service.HydrationHandler,
	importer *service.ImportHandler,
	probe *service.ProbeHandler,
	bindings *service.BindingService,
	c clock.Clock,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobRepo:          jobRepo,
		hydrationRunRepo: hydrationRunRepo,
		imageRepo:        imageRepo,
		hydration:        hydration,
		importer:         importer,
		probe:            probe,
		bindings:         bindings,
		clock:            c,
		logger:           logger,
	}
}

// errSelfDeferred signals that the handler already transitioned the job's
// row itself (runHydrationRun re-queuing its own cursor) and Dispatch must
// not apply a further transition on top of it.
var errSelfDeferred = errors.New("job handler already transitioned job state")

// Dispatch runs job and applies the appropriate state transition. The
// returned error is only non-nil for failures in the bookkeeping itself
// (e.g. the DB call that records the outcome); handler failures are
// always absorbed into a job state transition, never propagated raw.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) error {
	now := clock.FormatUTCMilli(d.clock.Now())
	metrics.JobsClaimed.WithLabelValues(job.Type).Inc()

	var err error
	switch job.Type {
	case models.JobTypeHydrateMetadata:
		err = d.runHydrateMetadata(ctx, job)
	case models.JobTypeImport:
		err = d.runImport(ctx, job)
	case models.JobTypeHydrationRun:
		err = d.runHydrationRun(ctx, job)
	case models.JobTypeProbeProxies:
		d.probe.ProbeAll(ctx)
		err = nil
	case models.JobTypeRecomputeBindings:
		err = d.runRecomputeBindings(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	if errors.Is(err, errSelfDeferred) {
		return nil
	}

	var deferErr *service.DeferError
	if errors.As(err, &deferErr) {
		metrics.JobsCompleted.WithLabelValues(job.Type, "deferred").Inc()
		runAfter := clock.FormatUTCMilli(deferErr.RunAfter)
		d.logger.Info("job deferred, no attempt consumed",
			zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.String("run_after", runAfter), zap.Error(deferErr.Err))
		return d.jobRepo.Defer(ctx, job.ID, models.JobStatusPending, &runAfter, now)
	}

	if err == nil {
		metrics.JobsCompleted.WithLabelValues(job.Type, "completed").Inc()
		return d.jobRepo.Complete(ctx, job.ID, now)
	}

	if errors.Is(err, service.ErrPermanent) {
		metrics.JobsCompleted.WithLabelValues(job.Type, "dlq").Inc()
		return d.jobRepo.DeadLetter(ctx, job.ID, err.Error(), now)
	}

	if job.Attempt+1 >= job.MaxAttempts {
		metrics.JobsCompleted.WithLabelValues(job.Type, "dlq").Inc()
		d.logger.Warn("job exhausted retries, dead-lettering",
			zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.Error(err))
		return d.jobRepo.DeadLetter(ctx, job.ID, err.Error(), now)
	}

	metrics.JobsCompleted.WithLabelValues(job.Type, "failed").Inc()
	runAfter := clock.FormatUTCMilli(d.clock.Now().Add(backoffForAttempt(job.Attempt)))
	d.logger.Info("job failed, scheduling retry",
		zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.String("run_after", runAfter), zap.Error(err))
	return d.jobRepo.Fail(ctx, job.ID, runAfter, err.Error(), now)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// backoffForAttempt is the exponential retry schedule shared by every job
// type: 10s, 20s, 40s, ... capped at 10 minutes.
func backoffForAttempt(attempt int) time.Duration {
	d := time.Duration(10<<uint(min(attempt, 6))) * time.Second
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

type hydrateMetadataPayload struct {
	IllustID int64 `json:"illust_id"`
	ImportID int64 `json:"import_id,omitempty"`
}

func (d *Dispatcher) runHydrateMetadata(ctx context.Context, job *models.Job) error {
	var payload hydrateMetadataPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", service.ErrPermanent, err)
	}
	_, err := d.hydration.HydrateIllust(ctx, payload.IllustID)
	return err
}

type importPayload struct {
	CreatedBy *string `json:"created_by,omitempty"`
	Source    string  `json:"source"`
}

func (d *Dispatcher) runImport(ctx context.Context, job *models.Job) error {
	var payload importPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", service.ErrPermanent, err)
	}
	_, err := d.importer.Run(ctx, payload.CreatedBy, payload.Source)
	return err
}

type hydrationRunPayload struct {
	RunID int64 `json:"run_id"`
}

// runHydrationRun advances a batch backfill by one tick's worth of
// missing-metadata images, per §4.6.4: a job of this type re-enqueues
// itself (via run_after) until the run's cursor is exhausted.
func (d *Dispatcher) runHydrationRun(ctx context.Context, job *models.Job) error {
	var payload hydrationRunPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", service.ErrPermanent, err)
	}

	run, err := d.hydrationRunRepo.FindByID(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("%w: find hydration run %d: %v", service.ErrPermanent, payload.RunID, err)
	}
	if run.Status == models.HydrationRunStatusCanceled || run.Status == models.HydrationRunStatusPaused {
		return nil
	}

	const batchSize = 20
	var cursor struct {
		ImageID int64 `json:"last_image_id"`
	}
	_ = json.Unmarshal(run.CursorJSON, &cursor)

	var criteria struct {
		Missing []string `json:"missing"`
	}
	_ = json.Unmarshal(run.CriteriaJSON, &criteria)
	if len(criteria.Missing) == 0 {
		criteria.Missing = []string{"tags", "geometry"}
	}

	images, err := d.imageRepo.FindMissing(ctx, criteria.Missing, cursor.ImageID, batchSize)
	if err != nil {
		return err
	}

	now := clock.FormatUTCMilli(d.clock.Now())
	if len(images) == 0 {
		return d.hydrationRunRepo.Update(ctx, run.ID, map[string]any{
			"status":      models.HydrationRunStatusCompleted,
			"finished_at": now,
		})
	}

	success, failed := 0, 0
	var lastImageID int64
	for _, img := range images {
		if _, err := d.hydration.HydrateIllust(ctx, img.IllustID); err != nil {
			failed++
		} else {
			success++
		}
		lastImageID = img.ID
	}

	newCursor, _ := json.Marshal(map[string]int64{"last_image_id": lastImageID})
	if err := d.hydrationRunRepo.Update(ctx, run.ID, map[string]any{
		"status":     models.HydrationRunStatusRunning,
		"processed":  run.Processed + len(images),
		"success":    run.Success + success,
		"failed":     run.Failed + failed,
		"cursor_json": string(newCursor),
	}); err != nil {
		return err
	}

	// Re-queue the same job row rather than a fresh one: the cursor walk
	// is one logical unit of work across many ticks, and Defer leaves
	// attempt untouched per §4.6.4.
	runAfter := clock.FormatUTCMilli(d.clock.Now().Add(2 * time.Second))
	if err := d.jobRepo.Defer(ctx, job.ID, models.JobStatusPending, &runAfter, now); err != nil {
		return err
	}
	return errSelfDeferred
}

type recomputeBindingsPayload struct {
	PoolID            int64   `json:"pool_id"`
	TokenIDs          []int64 `json:"token_ids"`
	MaxTokensPerProxy int     `json:"max_tokens_per_proxy"`
	Strict            bool    `json:"strict"`
}

func (d *Dispatcher) runRecomputeBindings(ctx context.Context, job *models.Job) error {
	var payload recomputeBindingsPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", service.ErrPermanent, err)
	}
	_, err := d.bindings.Recompute(ctx, payload.PoolID, payload.TokenIDs, payload.MaxTokensPerProxy, payload.Strict)
	return err
}
