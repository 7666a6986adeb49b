package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/service"
)

// ImageHandler serves the public random-pick and streaming endpoints —
// the thin shell over PickerService/StreamProxy/JobRepository that
// mirrors how the teacher's ProxyHandler sits over ProxyService.
type ImageHandler struct {
	imageRepo   repository.ImageRepository
	tagRepo     repository.TagRepository
	jobRepo     repository.JobRepository
	settingRepo repository.RuntimeSettingRepository
	picker      *service.PickerService
	stream      *service.StreamProxy
	tokens      *service.TokenStrategy
	defaultPool int64
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(
	imageRepo repository.ImageRepository,
	tagRepo repository.TagRepository,
	jobRepo repository.JobRepository,
	settingRepo repository.RuntimeSettingRepository,
	picker *service.PickerService,
	stream *service.StreamProxy,
	tokens *service.TokenStrategy,
	defaultPool int64,
) *ImageHandler {
	return &ImageHandler{
		imageRepo:   imageRepo,
		tagRepo:     tagRepo,
		jobRepo:     jobRepo,
		settingRepo: settingRepo,
		picker:      picker,
		stream:      stream,
		tokens:      tokens,
		defaultPool: defaultPool,
	}
}

func envelopeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"ok": false, "code": code, "error": message, "request_id": c.GetHeader("X-Request-Id")})
}

func parseFilter(c *gin.Context) repository.Filter {
	f := repository.Filter{R18: 0, R18Strict: true}
	if v := c.Query("r18"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.R18 = n
		}
	}
	if v := c.Query("r18_strict"); v != "" {
		f.R18Strict = v == "1"
	}
	if v := c.Query("min_width"); v != "" {
		f.MinWidth, _ = strconv.Atoi(v)
	}
	if v := c.Query("min_height"); v != "" {
		f.MinHeight, _ = strconv.Atoi(v)
	}
	if v := c.Query("min_pixels"); v != "" {
		f.MinPixels, _ = strconv.Atoi(v)
	}
	if v := c.Query("min_bookmarks"); v != "" {
		f.MinBookmarks, _ = strconv.Atoi(v)
	}
	if v := c.Query("min_views"); v != "" {
		f.MinViews, _ = strconv.Atoi(v)
	}
	if v := c.Query("min_comments"); v != "" {
		f.MinComments, _ = strconv.Atoi(v)
	}
	if v := c.Query("user_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.UserID = &n
		}
	}
	if v := c.Query("illust_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.IllustID = &n
		}
	}
	if v := c.Query("created_from"); v != "" {
		f.CreatedFrom = &v
	}
	if v := c.Query("created_to"); v != "" {
		f.CreatedTo = &v
	}
	for _, grp := range c.QueryArray("included_tags") {
		f.IncludedTagGroups = append(f.IncludedTagGroups, strings.Split(grp, "|"))
	}
	f.ExcludedTags = c.QueryArray("excluded_tags")

	switch c.Query("ai_type") {
	case "", "any":
	case "0":
		f.AITypes = []int{0}
	case "1":
		f.AITypes = []int{1}
	}

	switch c.Query("illust_type") {
	case "", "any":
	case "illust":
		f.IllustTypes = []int{0}
	case "manga":
		f.IllustTypes = []int{1}
	case "ugoira":
		f.IllustTypes = []int{2}
	}

	orientation := c.Query("orientation")
	if orientation == "" {
		orientation = c.Query("layout")
	}
	switch orientation {
	case "", "any":
	case "portrait":
		f.Orientations = []int{models.OrientationPortrait}
	case "landscape":
		f.Orientations = []int{models.OrientationLandscape}
	case "square":
		f.Orientations = []int{models.OrientationSquare}
	}

	return f
}

// parsePickRequest builds the full quality-mode pick request from
// /random's query params: strategy/seed/quality_samples/pick_mode plus
// rec_* overrides of the per-metric weights and category multipliers.
func parsePickRequest(c *gin.Context, f repository.Filter) service.PickRequest {
	req := service.DefaultPickRequest(f)
	req.Strategy = c.DefaultQuery("strategy", "quality")
	req.Seed = c.Query("seed")

	if v := c.Query("quality_samples"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.QualitySamples = n
		}
	}
	if v := c.Query("rec_pick_mode"); v != "" {
		req.PickMode = v
	}
	if v := c.Query("rec_temperature"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			req.Temperature = n
		}
	}

	if v := c.Query("rec_w_bookmark"); v != "" {
		req.Weights.Bookmark, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.Query("rec_w_view"); v != "" {
		req.Weights.View, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.Query("rec_w_comment"); v != "" {
		req.Weights.Comment, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.Query("rec_w_pixels"); v != "" {
		req.Weights.Pixels, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.Query("rec_w_bookmark_rate"); v != "" {
		req.Weights.BookmarkRate, _ = strconv.ParseFloat(v, 64)
	}

	applyMultiplierOverride(c, req.Multipliers.AI, "rec_mult_ai_", []string{"0", "1", "unknown"})
	applyMultiplierOverride(c, req.Multipliers.IllustType, "rec_mult_illust_", []string{"0", "1", "2", "unknown"})

	return req
}

// applyMultiplierOverride reads rec_mult_{prefix}{key} query params (key
// being a category code or "unknown") into target, which is mutated in
// place since map values are reference types.
func applyMultiplierOverride(c *gin.Context, target map[int]float64, prefix string, keys []string) {
	for _, k := range keys {
		v := c.Query(prefix + k)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if k == "unknown" {
			target[-1] = n
			continue
		}
		if idx, err := strconv.Atoi(k); err == nil {
			target[idx] = n
		}
	}
}

// Random serves GET /random: format=image streams bytes directly,
// format=json/simple_json returns the picked row, redirect=1 302s to the
// canonical /i/{id}.{ext} URL instead of streaming inline.
func (h *ImageHandler) Random(c *gin.Context) {
	ctx := c.Request.Context()
	format := c.DefaultQuery("format", "image")
	attempts := 3
	if v := c.Query("attempts"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 10 {
			attempts = n
		}
	}

	f := parseFilter(c)
	pickReq := parsePickRequest(c, f)
	mirrorHost := h.resolveMirrorHost(ctx, c)

	if format == "json" || format == "simple_json" {
		img, err := h.picker.PickOne(ctx, pickReq)
		if err != nil {
			envelopeError(c, http.StatusNotFound, "NO_MATCH", "no image matches the given filters")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "code": "OK", "item": img})
		return
	}

	var tried []int64
	for i := 0; i < attempts; i++ {
		pickReq.Filter.ExcludeImageIDs = tried
		img, err := h.picker.PickOne(ctx, pickReq)
		if err != nil {
			envelopeError(c, http.StatusNotFound, "NO_MATCH", "no image matches the given filters")
			return
		}

		if c.Query("redirect") == "1" {
			c.Redirect(http.StatusFound, fmt.Sprintf("/i/%d.%s", img.ID, img.Ext))
			return
		}

		if h.serveImage(c, img, mirrorHost) {
			return
		}
		tried = append(tried, img.ID)
	}

	c.JSON(http.StatusBadGateway, gin.H{"ok": false, "code": "UPSTREAM_STREAM_ERROR", "error": "exhausted retry attempts"})
}

// ServeByID serves GET /i/{image_id}.{ext}.
func (h *ImageHandler) ServeByID(c *gin.Context) {
	idPart := c.Param("id")
	if dot := strings.LastIndex(idPart, "."); dot != -1 {
		idPart = idPart[:dot]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		envelopeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid image id")
		return
	}
	img, err := h.imageRepo.FindByID(c.Request.Context(), id)
	if err != nil {
		envelopeError(c, http.StatusNotFound, "NOT_FOUND", "image not found")
		return
	}
	if !h.serveImage(c, img, h.resolveMirrorHost(c.Request.Context(), c)) {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "code": "UPSTREAM_STREAM_ERROR", "error": "upstream fetch failed"})
	}
}

// ServeLegacy serves the legacy GET /{illust_id}.{ext} and
// GET /{illust_id}-{page}.{ext} aliases, resolving by (illust_id, page)
// instead of the surrogate image id. Both forms arrive as a single path
// segment (gin cannot split two wildcards within one segment), so the
// illust_id/page/ext triple is parsed out here.
func (h *ImageHandler) ServeLegacy(c *gin.Context) {
	spec := c.Param("illust_spec")
	if dot := strings.LastIndex(spec, "."); dot != -1 {
		spec = spec[:dot]
	}

	idPart, pagePart := spec, ""
	if dash := strings.LastIndex(spec, "-"); dash != -1 {
		idPart, pagePart = spec[:dash], spec[dash+1:]
	}

	illustID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		envelopeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid illust id")
		return
	}
	page := 0
	if pagePart != "" {
		page, err = strconv.Atoi(pagePart)
		if err != nil {
			envelopeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid page")
			return
		}
	}
	img, err := h.imageRepo.FindByIllustPage(c.Request.Context(), illustID, page)
	if err != nil {
		envelopeError(c, http.StatusNotFound, "NOT_FOUND", "image not found")
		return
	}
	if !h.serveImage(c, img, h.resolveMirrorHost(c.Request.Context(), c)) {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "code": "UPSTREAM_STREAM_ERROR", "error": "upstream fetch failed"})
	}
}

// mirrorHostAliases are the well-known pximg CDN mirrors per §4.9.
var mirrorHostAliases = map[string]string{
	"cat": "i.pixiv.cat",
	"re":  "i.pixiv.re",
	"nl":  "i.pixiv.nl",
}

// resolveMirrorHost implements the use_pixiv_cat URL rewrite: an explicit
// pximg_mirror_host (alias or admin-allowlisted FQDN) wins, else
// pixiv_cat=1 defaults to the "cat" alias, else no rewrite.
func (h *ImageHandler) resolveMirrorHost(ctx context.Context, c *gin.Context) string {
	if host := c.Query("pximg_mirror_host"); host != "" {
		if alias, ok := mirrorHostAliases[host]; ok {
			return alias
		}
		if h.isAllowlistedMirrorHost(ctx, host) {
			return host
		}
		return ""
	}
	if c.Query("pixiv_cat") == "1" {
		return mirrorHostAliases["cat"]
	}
	return ""
}

// isAllowlistedMirrorHost checks a caller-supplied FQDN against the
// image_proxy.mirror_allowlist RuntimeSetting (a JSON array of hostnames),
// per §4.9's "admin-configured custom host in allowlist".
func (h *ImageHandler) isAllowlistedMirrorHost(ctx context.Context, host string) bool {
	if h.settingRepo == nil {
		return false
	}
	setting, err := h.settingRepo.Get(ctx, models.SettingImageProxyPrefix+"mirror_allowlist")
	if err != nil || setting == nil {
		return false
	}
	var allowed []string
	if err := json.Unmarshal(setting.ValueJSON, &allowed); err != nil {
		return false
	}
	for _, a := range allowed {
		if a == host {
			return true
		}
	}
	return false
}

// serveImage streams img to the client, rewriting its origin host to
// mirrorHost when non-empty, and returns true on success. On failure the
// caller is expected to retry with another pick or respond with an error.
func (h *ImageHandler) serveImage(c *gin.Context, img *models.Image, mirrorHost string) bool {
	ctx := c.Request.Context()
	token, err := h.tokens.Pick(ctx)
	if err != nil {
		return false
	}

	resp, err := h.stream.Fetch(ctx, &service.StreamRequest{
		Image:       img,
		TokenID:     token.ID,
		PoolID:      h.defaultPool,
		RangeHeader: c.GetHeader("Range"),
		MirrorHost:  mirrorHost,
	})
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	h.maybeEnqueueHydrate(ctx, img)

	if resp.ContentType != "" {
		c.Header("Content-Type", resp.ContentType)
	}
	if resp.ContentRange != "" {
		c.Header("Content-Range", resp.ContentRange)
	}
	if resp.AcceptRanges != "" {
		c.Header("Accept-Ranges", resp.AcceptRanges)
	}
	if resp.ContentLength != "" {
		c.Header("Content-Length", resp.ContentLength)
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
	return true
}

// maybeEnqueueHydrate enqueues an opportunistic hydrate job when a served
// image is missing core metadata. ExistsActive makes the enqueue
// idempotent so concurrent requests for the same illust don't pile up
// duplicate jobs.
func (h *ImageHandler) maybeEnqueueHydrate(ctx context.Context, img *models.Image) {
	if img.Width != nil && img.BookmarkCount != nil {
		return
	}
	refID := strconv.FormatInt(img.IllustID, 10)
	exists, err := h.jobRepo.ExistsActive(ctx, models.JobTypeHydrateMetadata, "opportunistic_hydrate", refID)
	if err != nil || exists {
		return
	}
	payload, _ := json.Marshal(map[string]any{"illust_id": img.IllustID})
	refType := "opportunistic_hydrate"
	_, _ = h.jobRepo.Insert(ctx, &models.Job{
		Type:        models.JobTypeHydrateMetadata,
		Status:      models.JobStatusPending,
		// negative priority preempts ordinary backfill jobs, per the
		// "smaller runs sooner" convention.
		Priority:    -10,
		MaxAttempts: 5,
		PayloadJSON: payload,
		RefType:     &refType,
		RefID:       &refID,
	})
}

// ListImages serves GET /images.
func (h *ImageHandler) ListImages(c *gin.Context) {
	offset, limit := pageParams(c)
	images, total, err := h.imageRepo.List(c.Request.Context(), offset, limit)
	if err != nil {
		envelopeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": "OK", "items": images, "total": total})
}

// GetImage serves GET /images/{id}.
func (h *ImageHandler) GetImage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		envelopeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid image id")
		return
	}
	img, err := h.imageRepo.FindByID(c.Request.Context(), id)
	if err != nil {
		envelopeError(c, http.StatusNotFound, "NOT_FOUND", "image not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": "OK", "item": img})
}

// ListTags serves GET /tags.
func (h *ImageHandler) ListTags(c *gin.Context) {
	offset, limit := pageParams(c)
	tags, total, err := h.tagRepo.List(c.Request.Context(), offset, limit)
	if err != nil {
		envelopeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": "OK", "items": tags, "total": total})
}

// ListAuthors serves GET /authors.
func (h *ImageHandler) ListAuthors(c *gin.Context) {
	offset, limit := pageParams(c)
	authors, total, err := h.imageRepo.ListAuthors(c.Request.Context(), offset, limit)
	if err != nil {
		envelopeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": "OK", "items": authors, "total": total})
}

func pageParams(c *gin.Context) (offset, limit int) {
	limit = 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	return offset, limit
}
