//go:build !integration && !e2e
// +build !integration,!e2e

package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/tests/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ginContextWithQuery(rawQuery string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/random?"+rawQuery, nil)
	return c
}

func TestParseFilter_IllustTypeMapsToCode(t *testing.T) {
	tests := []struct {
		illustType string
		want       []int
	}{
		{"illust", []int{0}},
		{"manga", []int{1}},
		{"ugoira", []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.illustType, func(t *testing.T) {
			c := ginContextWithQuery("illust_type=" + tt.illustType)
			f := parseFilter(c)
			assert.Equal(t, tt.want, f.IllustTypes)
		})
	}
}

func TestParseFilter_AITypeAnyLeavesFilterUnset(t *testing.T) {
	c := ginContextWithQuery("ai_type=any")
	f := parseFilter(c)
	assert.Nil(t, f.AITypes)
}

func TestParseFilter_OrientationAcceptsLayoutAlias(t *testing.T) {
	c := ginContextWithQuery("layout=portrait")
	f := parseFilter(c)
	assert.Equal(t, []int{models.OrientationPortrait}, f.Orientations)
}

func TestParsePickRequest_DefaultsToQualityStrategy(t *testing.T) {
	c := ginContextWithQuery("")
	req := parsePickRequest(c, repository.Filter{})
	assert.Equal(t, "quality", req.Strategy)
}

func TestParsePickRequest_SeedAndStrategyPassThrough(t *testing.T) {
	c := ginContextWithQuery("strategy=random&seed=my-seed")
	req := parsePickRequest(c, repository.Filter{})
	assert.Equal(t, "random", req.Strategy)
	assert.Equal(t, "my-seed", req.Seed)
}

func TestParsePickRequest_RecWeightOverridesApply(t *testing.T) {
	c := ginContextWithQuery("rec_w_bookmark=5.5&rec_w_view=0")
	req := parsePickRequest(c, repository.Filter{})
	assert.Equal(t, 5.5, req.Weights.Bookmark)
	assert.Equal(t, 0.0, req.Weights.View)
}

func TestParsePickRequest_MultiplierOverridesApplyIncludingUnknown(t *testing.T) {
	c := ginContextWithQuery("rec_mult_ai_0=2&rec_mult_ai_1=0&rec_mult_ai_unknown=0.5")
	req := parsePickRequest(c, repository.Filter{})
	assert.Equal(t, 2.0, req.Multipliers.AI[0])
	assert.Equal(t, 0.0, req.Multipliers.AI[1])
	assert.Equal(t, 0.5, req.Multipliers.AI[-1])
}

func newTestImageHandlerForMirror(t *testing.T) *ImageHandler {
	t.Helper()
	db := testutil.NewTestDB(t)
	settingRepo := repository.NewRuntimeSettingRepository(db)
	return &ImageHandler{settingRepo: settingRepo}
}

func TestResolveMirrorHost_AliasShortcut(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	c := ginContextWithQuery("pximg_mirror_host=re")
	assert.Equal(t, "i.pixiv.re", h.resolveMirrorHost(context.Background(), c))
}

func TestResolveMirrorHost_PixivCatFlag(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	c := ginContextWithQuery("pixiv_cat=1")
	assert.Equal(t, "i.pixiv.cat", h.resolveMirrorHost(context.Background(), c))
}

func TestResolveMirrorHost_NoOverrideReturnsEmpty(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	c := ginContextWithQuery("")
	assert.Equal(t, "", h.resolveMirrorHost(context.Background(), c))
}

func TestResolveMirrorHost_UnknownHostRejectedWithoutAllowlist(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	c := ginContextWithQuery("pximg_mirror_host=cdn.example.com")
	assert.Equal(t, "", h.resolveMirrorHost(context.Background(), c))
}

func TestResolveMirrorHost_AllowlistedCustomHostAccepted(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	ctx := context.Background()
	require.NoError(t, h.settingRepo.Set(ctx, models.SettingImageProxyPrefix+"mirror_allowlist",
		[]byte(`["cdn.example.com"]`), nil, "2026-01-15T00:00:00.000Z"))

	c := ginContextWithQuery("pximg_mirror_host=cdn.example.com")
	assert.Equal(t, "cdn.example.com", h.resolveMirrorHost(ctx, c))
}

func TestResolveMirrorHost_NonAllowlistedCustomHostRejected(t *testing.T) {
	h := newTestImageHandlerForMirror(t)
	ctx := context.Background()
	require.NoError(t, h.settingRepo.Set(ctx, models.SettingImageProxyPrefix+"mirror_allowlist",
		[]byte(`["cdn.example.com"]`), nil, "2026-01-15T00:00:00.000Z"))

	c := ginContextWithQuery("pximg_mirror_host=evil.example.com")
	assert.Equal(t, "", h.resolveMirrorHost(ctx, c))
}
