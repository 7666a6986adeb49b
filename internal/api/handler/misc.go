package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/version"
)

// Version serves GET /version.
func Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Short(), "info": version.Info()})
}

// Docs serves GET /docs: a minimal pointer page, the teacher's API ran a
// full SPA here but this service has no bundled frontend to host one.
func Docs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "see /status for live counters, /random and /i/{id}.{ext} for image delivery",
	})
}

// Wtf serves GET /wtf, the teacher's long-standing easter-egg debug
// route repurposed here as a one-line "what is this service" blurb.
func Wtf(c *gin.Context) {
	c.String(http.StatusOK, "a multi-tenant pixiv image proxy; see /docs")
}
