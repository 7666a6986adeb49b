package testutil

import (
	"encoding/json"
	"time"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SampleImage returns a sample fully-hydrated image row.
func SampleImage() *models.Image {
	width, height := 1200, 1600
	ratio := float64(width) / float64(height)
	orientation := models.OrientationPortrait
	userID := int64(555)
	userName := "sample_artist"
	title := "sample illustration"
	bookmarks, views, comments := 340, 9120, 12
	now := "2026-01-15T12:00:00.000Z"
	return &models.Image{
		ID:            1,
		IllustID:      100001,
		PageIndex:     0,
		Ext:           "jpg",
		OriginalURL:   "https://i.pximg.net/img-original/img/2026/01/15/00/00/00/100001_p0.jpg",
		ProxyPath:     "img-original/img/2026/01/15/00/00/00/100001_p0.jpg",
		RandomKey:     0.42,
		Status:        models.ImageStatusEnabled,
		Width:         &width,
		Height:        &height,
		AspectRatio:   &ratio,
		Orientation:   &orientation,
		UserID:        &userID,
		UserName:      &userName,
		Title:         &title,
		BookmarkCount: &bookmarks,
		ViewCount:     &views,
		CommentCount:  &comments,
		AddedAt:       now,
		UpdatedAt:     now,
	}
}

// SampleImageUnhydrated returns an image row missing metadata, the shape
// that should trigger an opportunistic hydrate enqueue.
func SampleImageUnhydrated() *models.Image {
	now := "2026-01-15T12:00:00.000Z"
	return &models.Image{
		ID:          2,
		IllustID:    100002,
		PageIndex:   0,
		Ext:         "jpg",
		OriginalURL: "https://i.pximg.net/img-original/img/2026/01/15/00/00/00/100002_p0.jpg",
		ProxyPath:   "img-original/img/2026/01/15/00/00/00/100002_p0.jpg",
		RandomKey:   0.17,
		Status:      models.ImageStatusEnabled,
		AddedAt:     now,
		UpdatedAt:   now,
	}
}

// SampleTag returns a sample tag.
func SampleTag() *models.Tag {
	now := "2026-01-15T12:00:00.000Z"
	translated := "landscape"
	return &models.Tag{
		ID:             1,
		Name:           "風景",
		TranslatedName: &translated,
		AddedAt:        now,
		UpdatedAt:      now,
	}
}

// SamplePixivToken returns a sample enabled OAuth credential.
func SamplePixivToken() *models.PixivToken {
	label := "primary"
	return &models.PixivToken{
		ID:                 1,
		Label:              &label,
		Enabled:            true,
		RefreshTokenEnc:    "enc:test-ciphertext",
		RefreshTokenMasked: "abcd****wxyz",
		Weight:             100,
	}
}

// SamplePixivTokenBackedOff returns a token currently in backoff.
func SamplePixivTokenBackedOff() *models.PixivToken {
	label := "secondary"
	backoff := "2099-01-01T00:00:00.000Z"
	errCode := "invalid_grant"
	return &models.PixivToken{
		ID:                 2,
		Label:              &label,
		Enabled:            true,
		RefreshTokenEnc:    "enc:test-ciphertext-2",
		RefreshTokenMasked: "efgh****uvwx",
		Weight:             100,
		ErrorCount:         3,
		BackoffUntil:       &backoff,
		LastErrorCode:      &errCode,
	}
}

// SampleProxyPool returns a sample proxy pool.
func SampleProxyPool() *models.ProxyPool {
	desc := "default outbound pool"
	return &models.ProxyPool{
		ID:          1,
		Name:        "default",
		Enabled:     true,
		Description: &desc,
	}
}

// SampleProxyEndpoint returns a sample healthy proxy endpoint.
func SampleProxyEndpoint() *models.ProxyEndpoint {
	return &models.ProxyEndpoint{
		ID:      1,
		Scheme:  "http",
		Host:    "proxy.example.com",
		Port:    8080,
		Enabled: true,
		Source:  models.ProxySourceManual,
	}
}

// SampleProxyEndpointBlacklisted returns an endpoint past its failure
// threshold and currently blacklisted.
func SampleProxyEndpointBlacklisted() *models.ProxyEndpoint {
	until := "2099-01-01T00:00:00.000Z"
	lastErr := "connection refused"
	return &models.ProxyEndpoint{
		ID:               2,
		Scheme:           "socks5",
		Host:             "bad-proxy.example.com",
		Port:             1080,
		Enabled:          true,
		Source:           models.ProxySourceEasyProxies,
		BlacklistedUntil: &until,
		FailureCount:     10,
		LastError:        &lastErr,
	}
}

// SampleTokenProxyBinding returns a sample token->proxy binding.
func SampleTokenProxyBinding(tokenID, poolID, proxyID int64) *models.TokenProxyBinding {
	return &models.TokenProxyBinding{
		TokenID:        tokenID,
		PoolID:         poolID,
		PrimaryProxyID: proxyID,
	}
}

// SampleImport returns a sample completed import batch.
func SampleImport() *models.Import {
	createdBy := "admin"
	detail, _ := json.Marshal([]models.ImportLineError{})
	return &models.Import{
		ID:         1,
		CreatedBy:  &createdBy,
		Source:     "url_list",
		Total:      100,
		Accepted:   98,
		Success:    98,
		Failed:     2,
		DetailJSON: detail,
		AddedAt:    "2026-01-15T12:00:00.000Z",
	}
}

// SampleJob returns a sample pending hydrate job.
func SampleJob() *models.Job {
	payload, _ := json.Marshal(map[string]any{"illust_id": 100001})
	refType := "illust"
	refID := "100001"
	now := "2026-01-15T12:00:00.000Z"
	return &models.Job{
		ID:          1,
		Type:        models.JobTypeHydrateMetadata,
		Status:      models.JobStatusPending,
		Priority:    5,
		MaxAttempts: 5,
		PayloadJSON: payload,
		RefType:     &refType,
		RefID:       &refID,
		AddedAt:     now,
		UpdatedAt:   now,
	}
}

// SampleJobDLQ returns a job that exhausted its attempts.
func SampleJobDLQ() *models.Job {
	payload, _ := json.Marshal(map[string]any{"illust_id": 100002})
	lastErr := "permanent: illust deleted"
	now := "2026-01-15T12:00:00.000Z"
	return &models.Job{
		ID:          2,
		Type:        models.JobTypeHydrateMetadata,
		Status:      models.JobStatusDLQ,
		Priority:    5,
		Attempt:     5,
		MaxAttempts: 5,
		PayloadJSON: payload,
		LastError:   &lastErr,
		AddedAt:     now,
		UpdatedAt:   now,
	}
}

// SampleHydrationRun returns a sample in-progress backfill run.
func SampleHydrationRun() *models.HydrationRun {
	criteria, _ := json.Marshal(map[string]any{"missing_metadata": true})
	total := 1000
	return &models.HydrationRun{
		ID:           1,
		Type:         models.HydrationRunTypeBackfill,
		Status:       models.HydrationRunStatusRunning,
		CriteriaJSON: criteria,
		Total:        &total,
		Processed:    400,
		Success:      390,
		Failed:       10,
	}
}

// SampleRuntimeSetting returns a sample admin-tunable setting.
func SampleRuntimeSetting() *models.RuntimeSetting {
	value, _ := json.Marshal(models.RouteModePixivOnly)
	updatedBy := "admin"
	return &models.RuntimeSetting{
		Key:       models.SettingProxyRouteMode,
		ValueJSON: value,
		UpdatedBy: &updatedBy,
		UpdatedAt: "2026-01-15T12:00:00.000Z",
	}
}

// SampleUser returns a sample user with the given role.
func SampleUser(role models.UserRole) *models.User {
	now := time.Now().UTC()
	switch role {
	case models.UserRoleAdmin:
		return &models.User{
			ID:           1,
			Username:     "admin",
			PasswordHash: "$2a$10$hashedpassword1",
			Role:         models.UserRoleAdmin,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	default: // UserRoleUser
		return &models.User{
			ID:           2,
			Username:     "testuser",
			PasswordHash: "$2a$10$hashedpassword2",
			Role:         models.UserRoleUser,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
}

// SampleUserInactive returns an inactive user.
func SampleUserInactive() *models.User {
	now := time.Now().UTC()
	return &models.User{
		ID:           3,
		Username:     "inactive",
		PasswordHash: "$2a$10$hashedpassword3",
		Role:         models.UserRoleUser,
		IsActive:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SampleAPIKey returns a sample API key.
func SampleAPIKey(userID int64) *models.APIKey {
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        1,
		UserID:    userID,
		KeyHash:   "hash_test_key_1",
		KeyFull:   "sk-test-full-key-12345",
		KeyPrefix: "sk-test",
		Name:      "Test API Key",
		IsActive:  true,
		CreatedAt: now,
	}
}

// SampleAPIKeyExpired returns an expired API key.
func SampleAPIKeyExpired(userID int64) *models.APIKey {
	now := time.Now().UTC()
	expired := now.Add(-24 * time.Hour)
	return &models.APIKey{
		ID:        2,
		UserID:    userID,
		KeyHash:   "hash_expired_key",
		KeyFull:   "sk-expired-key-12345",
		KeyPrefix: "sk-exp",
		Name:      "Expired Key",
		IsActive:  true,
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: &expired,
	}
}

// SampleAPIKeyRevoked returns a revoked API key.
func SampleAPIKeyRevoked(userID int64) *models.APIKey {
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        3,
		UserID:    userID,
		KeyHash:   "hash_revoked_key",
		KeyFull:   "sk-revoked-key-12345",
		KeyPrefix: "sk-rev",
		Name:      "Revoked Key",
		IsActive:  false,
		CreatedAt: now,
	}
}
