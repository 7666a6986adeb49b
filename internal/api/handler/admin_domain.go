package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
	"github.com/pixivproxy/imgserve/internal/service"
)

// TokenHandler administers PixivToken credentials.
type TokenHandler struct {
	repo repository.PixivTokenRepository
	enc  *secretbox.Encryptor
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(repo repository.PixivTokenRepository, enc *secretbox.Encryptor) *TokenHandler {
	return &TokenHandler{repo: repo, enc: enc}
}

func (h *TokenHandler) List(c *gin.Context) {
	tokens, err := h.repo.FindAll(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tokens})
}

func (h *TokenHandler) Create(c *gin.Context) {
	var body struct {
		Label        *string `json:"label"`
		RefreshToken string  `json:"refresh_token" binding:"required"`
		Weight       int     `json:"weight"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	enc, err := h.enc.Encrypt(body.RefreshToken)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	weight := body.Weight
	if weight <= 0 {
		weight = 1
	}
	id, err := h.repo.Insert(c.Request.Context(), &models.PixivToken{
		Label:              body.Label,
		Enabled:            true,
		RefreshTokenEnc:    enc,
		RefreshTokenMasked: secretbox.Mask(body.RefreshToken),
		Weight:             weight,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *TokenHandler) Update(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return
	}
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.Update(c.Request.Context(), id, updates); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

func (h *TokenHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// ProxyHandler administers proxy pools and endpoints.
type ProxyHandler struct {
	poolRepo repository.ProxyPoolRepository
	epRepo   repository.ProxyEndpointRepository
	enc      *secretbox.Encryptor
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(poolRepo repository.ProxyPoolRepository, epRepo repository.ProxyEndpointRepository, enc *secretbox.Encryptor) *ProxyHandler {
	return &ProxyHandler{poolRepo: poolRepo, epRepo: epRepo, enc: enc}
}

func (h *ProxyHandler) ListPools(c *gin.Context) {
	pools, err := h.poolRepo.FindAllEnabled(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": pools})
}

func (h *ProxyHandler) CreatePool(c *gin.Context) {
	var body struct {
		Name        string  `json:"name" binding:"required"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.poolRepo.Insert(c.Request.Context(), &models.ProxyPool{Name: body.Name, Enabled: true, Description: body.Description})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *ProxyHandler) ListEndpoints(c *gin.Context) {
	endpoints, err := h.epRepo.FindAll(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": endpoints})
}

func (h *ProxyHandler) CreateEndpoint(c *gin.Context) {
	var body struct {
		Scheme   string `json:"scheme" binding:"required"`
		Host     string `json:"host" binding:"required"`
		Port     int    `json:"port" binding:"required"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var passwordEnc string
	if body.Password != "" {
		enc, err := h.enc.Encrypt(body.Password)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		passwordEnc = enc
	}
	id, err := h.epRepo.Insert(c.Request.Context(), &models.ProxyEndpoint{
		Scheme:      body.Scheme,
		Host:        body.Host,
		Port:        body.Port,
		Username:    body.Username,
		PasswordEnc: passwordEnc,
		Enabled:     true,
		Source:      models.ProxySourceManual,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *ProxyHandler) DeleteEndpoint(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.epRepo.Delete(c.Request.Context(), id); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func (h *ProxyHandler) SetMembership(c *gin.Context) {
	poolID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid pool id")
		return
	}
	var body struct {
		EndpointID int64 `json:"endpoint_id" binding:"required"`
		Enabled    bool  `json:"enabled"`
		Weight     int   `json:"weight"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.epRepo.SetMembership(c.Request.Context(), poolID, body.EndpointID, body.Enabled, body.Weight); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

// BindingHandler administers token->proxy bindings.
type BindingHandler struct {
	repo    repository.TokenProxyBindingRepository
	recompute *service.BindingService
}

// NewBindingHandler creates a new BindingHandler.
func NewBindingHandler(repo repository.TokenProxyBindingRepository, recompute *service.BindingService) *BindingHandler {
	return &BindingHandler{repo: repo, recompute: recompute}
}

func (h *BindingHandler) ListByPool(c *gin.Context) {
	poolID, err := strconv.ParseInt(c.Param("pool_id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid pool id")
		return
	}
	bindings, err := h.repo.ListByPool(c.Request.Context(), poolID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": bindings})
}

func (h *BindingHandler) Override(c *gin.Context) {
	var body struct {
		TokenID         int64  `json:"token_id" binding:"required"`
		PoolID          int64  `json:"pool_id" binding:"required"`
		OverrideProxyID int64  `json:"override_proxy_id" binding:"required"`
		ExpiresAt       string `json:"expires_at" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.SetOverride(c.Request.Context(), body.TokenID, body.PoolID, body.OverrideProxyID, body.ExpiresAt); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "override set"})
}

func (h *BindingHandler) Recompute(c *gin.Context) {
	var body struct {
		PoolID            int64   `json:"pool_id" binding:"required"`
		TokenIDs          []int64 `json:"token_ids" binding:"required"`
		MaxTokensPerProxy int     `json:"max_tokens_per_proxy" binding:"required"`
		Strict            bool    `json:"strict"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.recompute.Recompute(c.Request.Context(), body.PoolID, body.TokenIDs, body.MaxTokensPerProxy, body.Strict)
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": result.Assigned, "over_capacity_assigned": result.OverCapacityAssigned})
}

// ImportsHandler administers URL-list imports.
type ImportsHandler struct {
	repo    repository.ImportRepository
	handler *service.ImportHandler
}

// NewImportsHandler creates a new ImportsHandler.
func NewImportsHandler(repo repository.ImportRepository, handler *service.ImportHandler) *ImportsHandler {
	return &ImportsHandler{repo: repo, handler: handler}
}

func (h *ImportsHandler) List(c *gin.Context) {
	offset, limit := pageParams(c)
	imports, total, err := h.repo.List(c.Request.Context(), offset, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": imports, "total": total})
}

func (h *ImportsHandler) Create(c *gin.Context) {
	var body struct {
		Source string `json:"source" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var createdBy *string
	imp, err := h.handler.Run(c.Request.Context(), createdBy, body.Source)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": imp})
}

// JobsHandler administers the job queue.
type JobsHandler struct {
	repo repository.JobRepository
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(repo repository.JobRepository) *JobsHandler {
	return &JobsHandler{repo: repo}
}

func (h *JobsHandler) List(c *gin.Context) {
	offset, limit := pageParams(c)
	jobs, total, err := h.repo.List(c.Request.Context(), c.Query("status"), offset, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": jobs, "total": total})
}

func (h *JobsHandler) Retry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if err := h.repo.Retry(c.Request.Context(), id, now); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "retried"})
}

func (h *JobsHandler) Cancel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if err := h.repo.Cancel(c.Request.Context(), id, now); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "canceled"})
}

// HydrationRunsHandler administers backfill/manual hydration runs.
type HydrationRunsHandler struct {
	repo    repository.HydrationRunRepository
	jobRepo repository.JobRepository
}

// NewHydrationRunsHandler creates a new HydrationRunsHandler.
func NewHydrationRunsHandler(repo repository.HydrationRunRepository, jobRepo repository.JobRepository) *HydrationRunsHandler {
	return &HydrationRunsHandler{repo: repo, jobRepo: jobRepo}
}

func (h *HydrationRunsHandler) List(c *gin.Context) {
	offset, limit := pageParams(c)
	runs, total, err := h.repo.List(c.Request.Context(), offset, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs, "total": total})
}

func (h *HydrationRunsHandler) Create(c *gin.Context) {
	var body struct {
		Type         string `json:"type" binding:"required"`
		CriteriaJSON []byte `json:"criteria"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	run := &models.HydrationRun{Type: body.Type, Status: models.HydrationRunStatusRunning, CriteriaJSON: body.CriteriaJSON}
	id, err := h.repo.Insert(c.Request.Context(), run)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	payload := []byte(`{"run_id":` + strconv.FormatInt(id, 10) + `}`)
	_, _ = h.jobRepo.Insert(c.Request.Context(), &models.Job{
		Type:        models.JobTypeHydrationRun,
		Status:      models.JobStatusPending,
		MaxAttempts: 5,
		PayloadJSON: payload,
	})
	c.JSON(http.StatusCreated, gin.H{"id": id})
}
