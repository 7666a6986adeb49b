package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/api/middleware"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// ConfigHandler handles admin-tunable runtime settings: proxy routing
// policy, rate limiting and random-pick defaults, each a RuntimeSetting
// row keyed under a well-known prefix.
type ConfigHandler struct {
	repo repository.RuntimeSettingRepository
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(repo repository.RuntimeSettingRepository) *ConfigHandler {
	return &ConfigHandler{repo: repo}
}

// GetSetting returns one runtime setting by key.
func (h *ConfigHandler) GetSetting(c *gin.Context) {
	key := c.Param("key")
	setting, err := h.repo.Get(c.Request.Context(), key)
	if err != nil {
		errorResponse(c, http.StatusNotFound, "setting not found")
		return
	}
	c.JSON(http.StatusOK, setting)
}

// ListSettings returns every runtime setting.
func (h *ConfigHandler) ListSettings(c *gin.Context) {
	settings, err := h.repo.List(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSetting upserts one runtime setting's JSON value.
func (h *ConfigHandler) UpdateSetting(c *gin.Context) {
	key := c.Param("key")
	var body json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var updatedBy *string
	if user := middleware.GetCurrentUser(c); user != nil {
		updatedBy = &user.Username
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if err := h.repo.Set(c.Request.Context(), key, body, updatedBy, now); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "setting updated"})
}

// GetProxyRouteMode is a convenience endpoint for the single most-read
// setting (it gates every outbound request's proxy policy).
func (h *ConfigHandler) GetProxyRouteMode(c *gin.Context) {
	setting, err := h.repo.Get(c.Request.Context(), models.SettingProxyRouteMode)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"route_mode": models.RouteModeOff})
		return
	}
	var mode string
	_ = json.Unmarshal(setting.ValueJSON, &mode)
	c.JSON(http.StatusOK, gin.H{"route_mode": mode})
}
