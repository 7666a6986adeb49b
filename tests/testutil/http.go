package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// CurrentUser represents the authenticated user in context.
type CurrentUser struct {
	UserID       int64
	Username     string
	Role         string
	APIKeyPrefix *string
	APIKeyID     *int64
}

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	DB            *sql.DB
	Logger        *zap.Logger
	Authenticated bool
	User          *CurrentUser
}

// NewTestLogger creates a no-op logger for testing.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// NewTestRouter creates a Gin router configured for testing.
func NewTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// NewTestContext creates a Gin context for testing.
func NewTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

// NewTestContextWithRequest creates a Gin context with a request.
func NewTestContextWithRequest(method, path string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c.Request = req

	return c, w
}

// SetCurrentUser sets the current user in the Gin context.
func SetCurrentUser(c *gin.Context, user *CurrentUser) {
	c.Set("user_id", user.UserID)
	c.Set("username", user.Username)
	c.Set("role", user.Role)
	if user.APIKeyPrefix != nil {
		c.Set("api_key_prefix", *user.APIKeyPrefix)
	}
	if user.APIKeyID != nil {
		c.Set("api_key_id", *user.APIKeyID)
	}
}

// AdminUser returns a CurrentUser with admin role.
func AdminUser() *CurrentUser {
	return &CurrentUser{
		UserID:   1,
		Username: "admin",
		Role:     "admin",
	}
}

// RegularUser returns a CurrentUser with user role.
func RegularUser() *CurrentUser {
	return &CurrentUser{
		UserID:   2,
		Username: "testuser",
		Role:     "user",
	}
}

// APIKeyUser returns a CurrentUser authenticated via API key.
func APIKeyUser() *CurrentUser {
	prefix := "sk-test"
	keyID := int64(1)
	return &CurrentUser{
		UserID:       2,
		Username:     "testuser",
		Role:         "user",
		APIKeyPrefix: &prefix,
		APIKeyID:     &keyID,
	}
}

// MakeJSONRequest creates an HTTP request with JSON body.
func MakeJSONRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()

	var req *http.Request
	var err error

	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		req, err = http.NewRequest(method, url, bytes.NewReader(jsonBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
		require.NoError(t, err)
	}

	return req
}

// MakeAuthenticatedRequest creates an authenticated HTTP request.
func MakeAuthenticatedRequest(t *testing.T, method, url string, body any, token string) *http.Request {
	t.Helper()

	req := MakeJSONRequest(t, method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// MakeAPIKeyRequest creates an HTTP request with API key authentication.
func MakeAPIKeyRequest(t *testing.T, method, url string, body any, apiKey string) *http.Request {
	t.Helper()

	req := MakeJSONRequest(t, method, url, body)
	req.Header.Set("X-API-Key", apiKey)
	return req
}

// MockUpstreamServer creates a mock upstream server for testing proxy functionality.
func MockUpstreamServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})

	return server
}

// MockUpstreamResponse returns a handler that responds with the given status and body.
func MockUpstreamResponse(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

// MockIllustDetailResponse returns a mock Pixiv illust-detail envelope
// for the given illust id, shaped like pixivapi.illustDetailEnvelope.
func MockIllustDetailResponse(illustID int64) map[string]any {
	return map[string]any{
		"illust": map[string]any{
			"id":              illustID,
			"title":           "sample illustration",
			"type":            "illust",
			"create_date":     "2026-01-15T12:00:00+09:00",
			"width":           1200,
			"height":          1600,
			"sanity_level":    2,
			"x_restrict":      0,
			"illust_ai_type":  0,
			"total_bookmarks": 340,
			"total_view":      9120,
			"total_comments":  12,
			"user": map[string]any{
				"id":   555,
				"name": "sample_artist",
			},
			"tags": []map[string]any{
				{"name": "風景", "translated_name": "landscape"},
			},
			"meta_single_page": map[string]any{
				"original_image_url": fmt.Sprintf(
					"https://i.pximg.net/img-original/img/2026/01/15/00/00/00/%d_p0.jpg", illustID),
			},
			"page_count": 1,
		},
	}
}

// MockPixivTokenResponse returns a mock Pixiv OAuth token-refresh response.
func MockPixivTokenResponse() map[string]any {
	return map[string]any{
		"access_token":  "test-access-token",
		"refresh_token": "test-refresh-token",
		"expires_in":    3600,
		"token_type":    "bearer",
		"scope":         "",
	}
}

// ContextWithTimeout returns a context with a timeout for testing.
func ContextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5000)
	t.Cleanup(cancel)
	return ctx
}

// ToJSON converts a value to JSON bytes.
func ToJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// FromJSON unmarshals JSON bytes to a value.
func FromJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	err := json.Unmarshal(data, v)
	require.NoError(t, err)
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
