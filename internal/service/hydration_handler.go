package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/pixivapi"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// ErrPermanent marks an illust lookup failure that retrying will never
// fix (illust deleted, private, or otherwise gone per Pixiv).
var ErrPermanent = errors.New("permanent hydration failure")

// maxTokenAttempts bounds how many distinct tokens a single hydration call
// will cycle through before giving up, per spec §4.6.
const maxTokenAttempts = 10

// HydrationHandler fetches and persists metadata for a single illust: the
// "L" component of spec §4.6, wired on top of the token strategy, access
// token cache, proxy selector and circuit breaker already built for
// credential/transport selection.
type HydrationHandler struct {
	tokenRepo     repository.PixivTokenRepository
	imageRepo     repository.ImageRepository
	tagRepo       repository.TagRepository
	strategy      *TokenStrategy
	tokenCache    *TokenCache
	proxySelector *ProxySelector
	client        *pixivapi.Client
	clock         clock.Clock
	defaultPoolID int64
	requestTimeout time.Duration

	// throttle serializes concurrent requests on the same token so two
	// workers never hit the Pixiv API back to back on one credential.
	// Defaults to an in-process mutex map; swap in a RedisThrottle for
	// multi-host worker fleets.
	throttle TokenThrottle
}

// NewHydrationHandler creates a new HydrationHandler. It defaults to an
// in-process TokenThrottle; call WithThrottle to override it.
func NewHydrationHandler(
	tokenRepo repository.PixivTokenRepository,
	imageRepo repository.ImageRepository,
	tagRepo repository.TagRepository,
	strategy *TokenStrategy,
	tokenCache *TokenCache,
	proxySelector *ProxySelector,
	client *pixivapi.Client,
	c clock.Clock,
	defaultPoolID int64,
	requestTimeout time.Duration,
) *HydrationHandler {
	return &HydrationHandler{
		tokenRepo:      tokenRepo,
		imageRepo:      imageRepo,
		tagRepo:        tagRepo,
		strategy:       strategy,
		tokenCache:     tokenCache,
		proxySelector:  proxySelector,
		client:         client,
		clock:          c,
		defaultPoolID:  defaultPoolID,
		requestTimeout: requestTimeout,
		throttle:       NewInProcessThrottle(),
	}
}

// WithThrottle overrides the TokenThrottle backend, e.g. to a
// RedisThrottle for horizontally-scaled worker fleets.
func (h *HydrationHandler) WithThrottle(t TokenThrottle) *HydrationHandler {
	h.throttle = t
	return h
}

// HydrateResult summarizes what HydrateIllust did, for batch-mode callers.
type HydrateResult struct {
	ImageIDs []int64
	Detail   *pixivapi.IllustDetail
}

// HydrateIllust fetches illust-detail metadata for illustID, trying up to
// maxTokenAttempts distinct tokens on transient failure (recoverable OAuth
// error, rate limit, proxy failure) and returning ErrPermanent immediately
// on a definitive 404/deleted response.
func (h *HydrationHandler) HydrateIllust(ctx context.Context, illustID int64) (*HydrateResult, error) {
	var lastErr error
	tried := make(map[int64]bool)

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := h.pickUntried(ctx, tried)
		if err != nil {
			return nil, h.noTokenAvailable(ctx, tried, attempt, lastErr)
		}
		tried[token.ID] = true

		unlock, err := h.throttle.Lock(ctx, token.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire token throttle: %w", err)
		}
		detail, err := h.tryOnce(ctx, token, illustID)
		unlock()

		if err == nil {
			return h.persist(ctx, illustID, detail)
		}
		if errors.Is(err, ErrPermanent) {
			_ = h.imageRepo.MarkFailure(ctx, illustID, "permanent", clock.FormatUTCMilli(h.clock.Now()))
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("hydration exhausted %d token attempts: %w", maxTokenAttempts, lastErr)
}

// pickUntried asks the token strategy for a token not already in tried,
// retrying a few times since the strategy itself doesn't know the
// exclusion set.
func (h *HydrationHandler) pickUntried(ctx context.Context, tried map[int64]bool) (*models.PixivToken, error) {
	tokens, err := h.tokenRepo.FindAllEnabled(ctx)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	for _, t := range tokens {
		if tried[t.ID] {
			continue
		}
		if t.BackoffUntil != nil {
			if until, err := clock.ParseUTCMilli(*t.BackoffUntil); err == nil && now.Before(until) {
				continue
			}
		}
		return t, nil
	}
	return nil, fmt.Errorf("no untried token outside backoff")
}

// noTokenAvailable builds the NO_TOKEN_AVAILABLE DeferError: reschedule at
// the earliest backoff_until among the enabled tokens rather than consume
// a job attempt, per the "never consumes an attempt" rule.
func (h *HydrationHandler) noTokenAvailable(ctx context.Context, tried map[int64]bool, attempt int, lastErr error) error {
	tokens, err := h.tokenRepo.FindAllEnabled(ctx)
	retryAt := h.clock.Now().Add(30 * time.Second)
	if err == nil {
		var earliest *time.Time
		for _, t := range tokens {
			if t.BackoffUntil == nil {
				continue
			}
			until, perr := clock.ParseUTCMilli(*t.BackoffUntil)
			if perr != nil {
				continue
			}
			if earliest == nil || until.Before(*earliest) {
				earliest = &until
			}
		}
		if earliest != nil {
			retryAt = *earliest
		}
	}
	var wrapped error
	if lastErr != nil {
		wrapped = fmt.Errorf("no token available after %d attempts: %w", attempt, lastErr)
	} else {
		wrapped = fmt.Errorf("no enabled pixiv tokens outside backoff")
	}
	return &DeferError{RunAfter: retryAt, Err: wrapped}
}

// tryOnce performs one illust-detail fetch attempt with the given token,
// classifying the outcome per spec §4.6's rate-limit/auth-error rules.
func (h *HydrationHandler) tryOnce(ctx context.Context, token *models.PixivToken, illustID int64) (*pixivapi.IllustDetail, error) {
	proxy, err := h.proxySelector.Select(ctx, token.ID, h.defaultPoolID)
	if err != nil {
		if errors.Is(err, ErrNoUsableProxy) {
			return nil, &DeferError{RunAfter: h.clock.Now().Add(30 * time.Second), Err: fmt.Errorf("select proxy: %w", err)}
		}
		return nil, fmt.Errorf("select proxy: %w", err)
	}
	httpClient, err := h.proxySelector.HTTPClient(proxy, h.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("build proxy client: %w", err)
	}

	accessToken, err := h.tokenCache.Get(ctx, httpClient, token)
	if err != nil {
		now := clock.FormatUTCMilli(h.clock.Now())
		backoffUntil := clock.FormatUTCMilli(h.clock.Now().Add(backoffSchedule(token.ErrorCount + 1)))
		_ = h.tokenRepo.MarkFailure(ctx, token.ID, now, "oauth_refresh_failed", err.Error(), &backoffUntil)
		return nil, fmt.Errorf("refresh access token: %w", err)
	}

	start := h.clock.Now()
	detail, err := h.client.GetIllustDetail(ctx, httpClient, accessToken, illustID)
	latencyMs := int(h.clock.Now().Sub(start).Milliseconds())
	now := clock.FormatUTCMilli(h.clock.Now())

	if err == nil {
		h.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
		_ = h.tokenRepo.MarkOK(ctx, token.ID, now)
		return detail, nil
	}

	var httpErr *pixivapi.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusNotFound:
			h.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
			return nil, fmt.Errorf("illust %d not found: %w", illustID, ErrPermanent)
		case http.StatusUnauthorized:
			h.tokenCache.Invalidate(token.ID)
			h.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
			return nil, fmt.Errorf("token %d unauthorized, will retry with another token: %w", token.ID, err)
		case http.StatusTooManyRequests, http.StatusForbidden:
			backoffUntil := clock.FormatUTCMilli(h.clock.Now().Add(backoffSchedule(token.ErrorCount + 1)))
			_ = h.tokenRepo.MarkFailure(ctx, token.ID, now, "rate_limited", httpErr.Error(), &backoffUntil)
			h.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
			return nil, fmt.Errorf("rate limited, will retry: %w", err)
		}
	}

	// Anything else (connect refused, TLS error, timeout) is attributed to
	// the proxy, not the token: the breaker and endpoint stats absorb it,
	// and the same token is eligible again with a different proxy.
	h.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, err.Error())
	return nil, fmt.Errorf("fetch illust detail: %w", err)
}

// persist writes the fetched detail into the images/tags tables per
// §4.6.2-4.6.3: one Image row per page, tags shared across pages.
func (h *HydrationHandler) persist(ctx context.Context, illustID int64, d *pixivapi.IllustDetail) (*HydrateResult, error) {
	now := clock.FormatUTCMilli(h.clock.Now())

	tagNames := make([]string, 0, len(d.Tags))
	translated := make(map[string]*string, len(d.Tags))
	for _, t := range d.Tags {
		tagNames = append(tagNames, t.Name)
		if t.TranslatedName != "" {
			tn := t.TranslatedName
			translated[t.Name] = &tn
		}
	}
	tagIDs := make([]int64, 0, len(tagNames))
	for _, name := range tagNames {
		id, err := h.tagRepo.UpsertByName(ctx, name, translated[name])
		if err != nil {
			return nil, fmt.Errorf("upsert tag %q: %w", name, err)
		}
		tagIDs = append(tagIDs, id)
	}

	illustType := illustTypeCode(d.Type)
	aiType := d.IllustAIType
	xRestrict := d.XRestrict
	userName := d.User.Name
	title := d.Title
	createDate := d.CreateDate
	bookmarks := d.TotalBookmarks
	views := d.TotalView
	comments := d.TotalComments

	pages := pageURLs(d)
	imageIDs := make([]int64, 0, len(pages))

	for idx, pageURL := range pages {
		ext := extFromURL(pageURL)
		existing, err := h.imageRepo.FindByIllustPage(ctx, illustID, idx)
		var imageID int64
		if err == nil && existing != nil {
			imageID = existing.ID
			width, height := pageDims(d, idx)
			ar := aspectRatio(width, height)
			orientation := orientationCode(width, height)
			updates := map[string]any{
				"original_url":     pageURL,
				"ext":              ext,
				"width":            width,
				"height":           height,
				"aspect_ratio":     ar,
				"orientation":      orientation,
				"x_restrict":       xRestrict,
				"ai_type":          aiType,
				"illust_type":      illustType,
				"user_id":          d.User.ID,
				"user_name":        userName,
				"title":            title,
				"created_at_pixiv": createDate,
				"bookmark_count":   bookmarks,
				"view_count":       views,
				"comment_count":    comments,
				"updated_at":       now,
			}
			if err := h.imageRepo.Update(ctx, imageID, updates); err != nil {
				return nil, fmt.Errorf("update image %d: %w", imageID, err)
			}
		} else {
			width, height := pageDims(d, idx)
			ar := aspectRatio(width, height)
			orientation := orientationCode(width, height)
			img := &models.Image{
				IllustID:       illustID,
				PageIndex:      idx,
				Ext:            ext,
				OriginalURL:    pageURL,
				RandomKey:      clock.NewRandomKey(),
				Status:         models.ImageStatusEnabled,
				Width:          &width,
				Height:         &height,
				AspectRatio:    &ar,
				Orientation:    &orientation,
				XRestrict:      &xRestrict,
				AIType:         &aiType,
				IllustType:     &illustType,
				UserID:         &d.User.ID,
				UserName:       &userName,
				Title:          &title,
				CreatedAtPixiv: &createDate,
				BookmarkCount:  &bookmarks,
				ViewCount:      &views,
				CommentCount:   &comments,
				AddedAt:        now,
				UpdatedAt:      now,
			}
			id, err := h.imageRepo.Insert(ctx, img)
			if err != nil {
				return nil, fmt.Errorf("insert image for illust %d page %d: %w", illustID, idx, err)
			}
			imageID = id
		}

		if err := h.imageRepo.ReplaceTags(ctx, imageID, tagIDs); err != nil {
			return nil, fmt.Errorf("replace tags for image %d: %w", imageID, err)
		}
		if err := h.imageRepo.MarkOK(ctx, imageID, now); err != nil {
			return nil, fmt.Errorf("mark image %d ok: %w", imageID, err)
		}
		imageIDs = append(imageIDs, imageID)
	}

	return &HydrateResult{ImageIDs: imageIDs, Detail: d}, nil
}

func illustTypeCode(t string) int {
	switch t {
	case "manga":
		return 1
	case "ugoira":
		return 2
	default:
		return 0
	}
}

func pageURLs(d *pixivapi.IllustDetail) []string {
	if len(d.MetaPages) > 0 {
		urls := make([]string, 0, len(d.MetaPages))
		for _, p := range d.MetaPages {
			urls = append(urls, p.ImageURLs.Original)
		}
		return urls
	}
	if d.MetaSinglePage.OriginalImageURL != "" {
		return []string{d.MetaSinglePage.OriginalImageURL}
	}
	return nil
}

// pageDims returns the illust's reported width/height; Pixiv's illust
// detail response doesn't expose per-page geometry for multi-page works,
// so every page of a manga-type illust shares the cover page's dimensions.
func pageDims(d *pixivapi.IllustDetail, _ int) (int, int) {
	return d.Width, d.Height
}

func aspectRatio(w, h int) float64 {
	if h == 0 {
		return 0
	}
	return float64(w) / float64(h)
}

func orientationCode(w, h int) int {
	switch {
	case w > h:
		return models.OrientationLandscape
	case h > w:
		return models.OrientationPortrait
	default:
		return models.OrientationSquare
	}
}

func extFromURL(u string) string {
	idx := strings.LastIndex(u, ".")
	if idx < 0 || idx == len(u)-1 {
		return "jpg"
	}
	ext := u[idx+1:]
	if q := strings.IndexAny(ext, "?#"); q >= 0 {
		ext = ext[:q]
	}
	return strings.ToLower(ext)
}

// parseIllustID is a small convenience used by job payload decoding.
func parseIllustID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
