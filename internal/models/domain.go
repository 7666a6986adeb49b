// Package models holds the persisted entity shapes of §3: images, tags,
// tokens, proxy pools/endpoints/bindings, jobs, hydration runs and
// runtime settings.
package models

import (
	"encoding/json"
	"time"
)

// Orientation codes for Image.orientation.
const (
	OrientationPortrait  = 1
	OrientationLandscape = 2
	OrientationSquare    = 3
)

// Image status codes.
const (
	ImageStatusEnabled     = 1
	ImageStatusDisabled    = 2
	ImageStatusSoftDeleted = 4
)

// Image is a single page of a Pixiv illustration.
type Image struct {
	ID              int64
	IllustID        int64
	PageIndex       int
	Ext             string
	OriginalURL     string
	ProxyPath       string
	RandomKey       float64
	Status          int
	Width           *int
	Height          *int
	AspectRatio     *float64
	Orientation     *int
	XRestrict       *int
	AIType          *int
	IllustType      *int
	UserID          *int64
	UserName        *string
	Title           *string
	CreatedAtPixiv  *string
	BookmarkCount   *int
	ViewCount       *int
	CommentCount    *int
	LastOkAt        *string
	LastFailAt      *string
	LastErrorCode   *string
	FailCount       int
	CreatedImportID *int64
	AddedAt         string
	UpdatedAt       string
}

// Tag is a deduplicated label attached to images via ImageTag.
type Tag struct {
	ID             int64
	Name           string
	TranslatedName *string
	AddedAt        string
	UpdatedAt      string
}

// Author is a distinct Pixiv user_id/user_name pair derived from the
// images table, surfaced for GET /authors lookups.
type Author struct {
	UserID    int64  `json:"user_id"`
	UserName string `json:"user_name"`
	ImageCount int64 `json:"image_count"`
}

// ImageTag is the (image_id, tag_id) membership row.
type ImageTag struct {
	ImageID int64
	TagID   int64
}

// ImportLineError is one entry of Import.DetailJSON (capped at 200).
type ImportLineError struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Import records one URL-list ingestion batch.
type Import struct {
	ID         int64
	CreatedBy  *string
	Source     string
	Total      int
	Accepted   int
	Success    int
	Failed     int
	DetailJSON json.RawMessage
	AddedAt    string
}

// PixivToken is a single OAuth refresh-token credential used for the
// Pixiv App API.
type PixivToken struct {
	ID                 int64
	Label              *string
	Enabled            bool
	RefreshTokenEnc    string
	RefreshTokenMasked string
	Weight             int
	ErrorCount         int
	BackoffUntil       *string
	LastOkAt           *string
	LastFailAt         *string
	LastErrorCode      *string
	LastErrorMsg       *string
}

// ProxyPool groups ProxyEndpoints that can be selected interchangeably
// for a given routing target.
type ProxyPool struct {
	ID          int64
	Name        string
	Enabled     bool
	Description *string
}

// Proxy endpoint source values.
const (
	ProxySourceManual      = "manual"
	ProxySourceEasyProxies = "easy_proxies"
)

// ProxyEndpoint is one upstream HTTP/SOCKS5 proxy.
type ProxyEndpoint struct {
	ID               int64
	Scheme           string
	Host             string
	Port             int
	Username         string
	PasswordEnc      string
	Enabled          bool
	Source           string
	SourceRef        *string
	LastLatencyMs    *int
	LastOkAt         *string
	LastFailAt       *string
	BlacklistedUntil *string
	SuccessCount     int
	FailureCount     int
	LastError        *string
}

// ProxyPoolEndpoint is pool membership with a selection weight.
type ProxyPoolEndpoint struct {
	PoolID     int64
	EndpointID int64
	Enabled    bool
	Weight     int
}

// TokenProxyBinding is the derived (token, pool) -> primary proxy
// assignment, with an optional time-bounded sticky override.
type TokenProxyBinding struct {
	TokenID           int64
	PoolID            int64
	PrimaryProxyID    int64
	OverrideProxyID   *int64
	OverrideExpiresAt *string
}

// Job status values (state machine in spec §4.1).
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCanceled  = "canceled"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDLQ       = "dlq"
)

// Job types.
const (
	JobTypeHydrateMetadata   = "hydrate_metadata"
	JobTypeImport            = "import"
	JobTypeHydrationRun      = "hydration_run"
	JobTypeProbeProxies      = "probe_proxies"
	JobTypeRecomputeBindings = "recompute_bindings"
)

// Job is a unit of background work claimed by a worker.
type Job struct {
	ID          int64
	Type        string
	Status      string
	Priority    int
	RunAfter    *string
	Attempt     int
	MaxAttempts int
	PayloadJSON json.RawMessage
	LastError   *string
	LockedBy    *string
	LockedAt    *string
	RefType     *string
	RefID       *string
	AddedAt     string
	UpdatedAt   string
}

// HydrationRun status/type values.
const (
	HydrationRunTypeBackfill = "backfill"
	HydrationRunTypeManual   = "manual"

	HydrationRunStatusPending   = "pending"
	HydrationRunStatusRunning   = "running"
	HydrationRunStatusPaused   = "paused"
	HydrationRunStatusCanceled = "canceled"
	HydrationRunStatusCompleted = "completed"
	HydrationRunStatusFailed   = "failed"
)

// HydrationRun drives a batch backfill over images matching criteria.
type HydrationRun struct {
	ID           int64
	Type         string
	Status       string
	CriteriaJSON json.RawMessage
	CursorJSON   json.RawMessage
	Total        *int
	Processed    int
	Success      int
	Failed       int
	StartedAt    *string
	FinishedAt   *string
	LastError    *string
}

// RuntimeSetting is a single admin-tunable key/value pair.
type RuntimeSetting struct {
	Key         string
	ValueJSON   json.RawMessage
	Description *string
	UpdatedBy   *string
	UpdatedAt   string
}

// Well-known RuntimeSetting keys (spec §3).
const (
	SettingProxyEnabled       = "proxy.enabled"
	SettingProxyFailClosed    = "proxy.fail_closed"
	SettingProxyRouteMode     = "proxy.route_mode"
	SettingProxyAllowlist     = "proxy.allowlist_domains"
	SettingProxyDefaultPoolID = "proxy.default_pool_id"
	SettingProxyRoutePools    = "proxy.route_pools"
	SettingRandomDefaults     = "random.defaults"
	SettingRateLimitPrefix    = "rate_limit."
	SettingImageProxyPrefix   = "image_proxy."
)

// Proxy route modes.
const (
	RouteModeOff       = "off"
	RouteModeAll       = "all"
	RouteModePixivOnly = "pixiv_only"
	RouteModeAllowlist = "allowlist"
)

// UserRole distinguishes admin console accounts from plain users.
type UserRole string

// User roles.
const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// User is an admin console account (ambient auth, not core domain).
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         UserRole
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey is a public-API credential (PUBLIC_API_KEY_REQUIRED gate).
type APIKey struct {
	ID         int64
	UserID     int64
	Name       string
	KeyHash    string
	KeyFull    string
	KeyPrefix  string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}
