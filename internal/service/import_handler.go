package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// illustIDPattern pulls the numeric illust ID out of any of Pixiv's URL
// shapes (artworks/<id>, member_illust.php?illust_id=<id>) or a bare ID.
var illustIDPattern = regexp.MustCompile(`(?:artworks/|illust_id=)?(\d{3,})`)

// maxImportErrors caps how many per-line errors an Import row records,
// matching the DetailJSON(200) cap of §3.
const maxImportErrors = 200

// ImportHandler parses a URL-list batch, creates an Import record and
// enqueues a hydrate_metadata job per distinct illust ID it extracts.
type ImportHandler struct {
	importRepo repository.ImportRepository
	jobRepo    repository.JobRepository
	clock      clock.Clock
}

// NewImportHandler creates a new ImportHandler.
func NewImportHandler(importRepo repository.ImportRepository, jobRepo repository.JobRepository, c clock.Clock) *ImportHandler {
	return &ImportHandler{importRepo: importRepo, jobRepo: jobRepo, clock: c}
}

// Run parses source line by line, extracting one illust ID per non-blank
// line, and enqueues a hydrate_metadata job for each distinct ID not
// already pending or running.
func (h *ImportHandler) Run(ctx context.Context, createdBy *string, source string) (*models.Import, error) {
	now := clock.FormatUTCMilli(h.clock.Now())
	imp := &models.Import{
		CreatedBy: createdBy,
		Source:    source,
		AddedAt:   now,
	}
	importID, err := h.importRepo.Insert(ctx, imp)
	if err != nil {
		return nil, fmt.Errorf("insert import: %w", err)
	}
	imp.ID = importID

	lines := strings.Split(source, "\n")
	imp.Total = countNonBlank(lines)

	var lineErrors []models.ImportLineError
	seen := make(map[int64]bool)

	for lineNo, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		illustID, err := extractIllustID(line)
		if err != nil {
			imp.Failed++
			if len(lineErrors) < maxImportErrors {
				lineErrors = append(lineErrors, models.ImportLineError{Line: lineNo + 1, Code: "unparseable", Message: err.Error()})
			}
			continue
		}
		if seen[illustID] {
			continue
		}
		seen[illustID] = true
		imp.Accepted++

		refID := strconv.FormatInt(illustID, 10)
		exists, err := h.jobRepo.ExistsActive(ctx, models.JobTypeHydrateMetadata, "illust", refID)
		if err != nil {
			imp.Failed++
			if len(lineErrors) < maxImportErrors {
				lineErrors = append(lineErrors, models.ImportLineError{Line: lineNo + 1, Code: "job_lookup_failed", Message: err.Error()})
			}
			continue
		}
		if exists {
			imp.Success++
			continue
		}

		payload, _ := json.Marshal(map[string]any{"illust_id": illustID, "import_id": importID})
		refType := "illust"
		job := &models.Job{
			Type:        models.JobTypeHydrateMetadata,
			Status:      models.JobStatusPending,
			Priority:    0,
			MaxAttempts: 5,
			PayloadJSON: payload,
			RefType:     &refType,
			RefID:       &refID,
			AddedAt:     now,
			UpdatedAt:   now,
		}
		if _, err := h.jobRepo.Insert(ctx, job); err != nil {
			imp.Failed++
			if len(lineErrors) < maxImportErrors {
				lineErrors = append(lineErrors, models.ImportLineError{Line: lineNo + 1, Code: "enqueue_failed", Message: err.Error()})
			}
			continue
		}
		imp.Success++
	}

	detailJSON, _ := json.Marshal(lineErrors)
	imp.DetailJSON = detailJSON

	updates := map[string]any{
		"total":       imp.Total,
		"accepted":    imp.Accepted,
		"success":     imp.Success,
		"failed":      imp.Failed,
		"detail_json": string(detailJSON),
	}
	if err := h.importRepo.Update(ctx, importID, updates); err != nil {
		return nil, fmt.Errorf("update import %d: %w", importID, err)
	}
	return imp, nil
}

func countNonBlank(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

// extractIllustID parses a single import line into a Pixiv illust ID,
// accepting a bare integer, a pixiv.net artwork URL or a legacy
// member_illust.php query URL.
func extractIllustID(line string) (int64, error) {
	if id, err := strconv.ParseInt(line, 10, 64); err == nil {
		return id, nil
	}
	if u, err := url.Parse(line); err == nil && u.Host != "" {
		if id := u.Query().Get("illust_id"); id != "" {
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				return n, nil
			}
		}
	}
	m := illustIDPattern.FindStringSubmatch(line)
	if len(m) == 2 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("no illust id found in %q", line)
}
