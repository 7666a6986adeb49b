// Package repository defines data access interfaces and implementations
// for the entities of §3: images, tags, imports, tokens, proxy topology,
// jobs, hydration runs and runtime settings.
package repository

import (
	"context"

	"github.com/pixivproxy/imgserve/internal/models"
)

// ImageRepository provides typed access to the images table.
type ImageRepository interface {
	FindByID(ctx context.Context, id int64) (*models.Image, error)
	FindByIllustPage(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error)
	Insert(ctx context.Context, img *models.Image) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	SetProxyPath(ctx context.Context, id int64, proxyPath string) error
	ReplaceTags(ctx context.Context, imageID int64, tagIDs []int64) error
	MarkOK(ctx context.Context, id int64, now string) error
	MarkFailure(ctx context.Context, id int64, errorCode string, now string) error
	// WrapAroundScan implements the §4.7 two-query uniform cursor scan.
	WrapAroundScan(ctx context.Context, f Filter, r float64, limit int) ([]*models.Image, error)
	List(ctx context.Context, offset, limit int) ([]*models.Image, int64, error)
	FindMissing(ctx context.Context, missing []string, cursorImageID int64, batchSize int) ([]*models.Image, error)
	// ListAuthors returns distinct Pixiv users with at least one image,
	// newest user_id first.
	ListAuthors(ctx context.Context, offset, limit int) ([]*models.Author, int64, error)
}

// TagRepository provides access to tags and image/tag membership.
type TagRepository interface {
	UpsertByName(ctx context.Context, name string, translatedName *string) (int64, error)
	FindByName(ctx context.Context, name string) (*models.Tag, error)
	List(ctx context.Context, offset, limit int) ([]*models.Tag, int64, error)
	FindIDsByNames(ctx context.Context, names []string) (map[string]int64, error)
}

// ImportRepository provides access to import batches.
type ImportRepository interface {
	Insert(ctx context.Context, imp *models.Import) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	FindByID(ctx context.Context, id int64) (*models.Import, error)
	List(ctx context.Context, offset, limit int) ([]*models.Import, int64, error)
}

// PixivTokenRepository provides access to OAuth credentials.
type PixivTokenRepository interface {
	FindByID(ctx context.Context, id int64) (*models.PixivToken, error)
	FindAllEnabled(ctx context.Context) ([]*models.PixivToken, error)
	FindAll(ctx context.Context) ([]*models.PixivToken, error)
	Insert(ctx context.Context, t *models.PixivToken) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
	MarkOK(ctx context.Context, id int64, now string) error
	MarkFailure(ctx context.Context, id int64, now, errorCode, errorMsg string, backoffUntil *string) error
}

// ProxyPoolRepository provides access to proxy pools.
type ProxyPoolRepository interface {
	FindByID(ctx context.Context, id int64) (*models.ProxyPool, error)
	FindByName(ctx context.Context, name string) (*models.ProxyPool, error)
	FindAllEnabled(ctx context.Context) ([]*models.ProxyPool, error)
	FindAll(ctx context.Context) ([]*models.ProxyPool, error)
	Insert(ctx context.Context, p *models.ProxyPool) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
}

// ProxyEndpointRepository provides access to proxy endpoints and pool
// membership.
type ProxyEndpointRepository interface {
	FindByID(ctx context.Context, id int64) (*models.ProxyEndpoint, error)
	FindAll(ctx context.Context) ([]*models.ProxyEndpoint, error)
	Insert(ctx context.Context, e *models.ProxyEndpoint) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
	MembersOfPool(ctx context.Context, poolID int64) ([]*PoolMember, error)
	SetMembership(ctx context.Context, poolID, endpointID int64, enabled bool, weight int) error
	MarkOK(ctx context.Context, id int64, latencyMs int, now string) error
	MarkFail(ctx context.Context, id int64, latencyMs int, now, errMsg string, blacklistedUntil string) error
}

// PoolMember is a proxy endpoint joined with its pool-membership weight.
type PoolMember struct {
	Endpoint models.ProxyEndpoint
	Weight   int
	Enabled  bool
}

// TokenProxyBindingRepository provides access to the derived
// token->proxy assignment table.
type TokenProxyBindingRepository interface {
	Find(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error)
	ListByPool(ctx context.Context, poolID int64) ([]*models.TokenProxyBinding, error)
	Upsert(ctx context.Context, b *models.TokenProxyBinding) error
	SetOverride(ctx context.Context, tokenID, poolID, overrideProxyID int64, expiresAt string) error
	ClearOverride(ctx context.Context, tokenID, poolID int64) error
}

// JobRepository implements the state machine of spec §4.1.
type JobRepository interface {
	Insert(ctx context.Context, j *models.Job) (int64, error)
	FindByID(ctx context.Context, id int64) (*models.Job, error)
	// Claim atomically selects and locks the oldest eligible pending job.
	Claim(ctx context.Context, workerID string, now string) (*models.Job, error)
	ClaimBatch(ctx context.Context, workerID string, now string, limit int) ([]*models.Job, error)
	Complete(ctx context.Context, id int64, now string) error
	Fail(ctx context.Context, id int64, runAfter string, lastError string, now string) error
	DeadLetter(ctx context.Context, id int64, lastError string, now string) error
	Defer(ctx context.Context, id int64, status string, runAfter *string, now string) error
	Cancel(ctx context.Context, id int64, now string) error
	Retry(ctx context.Context, id int64, now string) error
	// ReclaimStale returns running jobs whose lease has expired back to pending.
	ReclaimStale(ctx context.Context, olderThan string, now string) (int64, error)
	// PromotePending moves failed jobs whose run_after has elapsed back to pending.
	PromotePending(ctx context.Context, now string) (int64, error)
	List(ctx context.Context, status string, offset, limit int) ([]*models.Job, int64, error)
	ExistsActive(ctx context.Context, jobType, refType, refID string) (bool, error)
}

// HydrationRunRepository provides access to backfill/manual runs.
type HydrationRunRepository interface {
	Insert(ctx context.Context, r *models.HydrationRun) (int64, error)
	FindByID(ctx context.Context, id int64) (*models.HydrationRun, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	List(ctx context.Context, offset, limit int) ([]*models.HydrationRun, int64, error)
}

// RuntimeSettingRepository provides access to admin-tunable settings.
type RuntimeSettingRepository interface {
	Get(ctx context.Context, key string) (*models.RuntimeSetting, error)
	Set(ctx context.Context, key string, valueJSON []byte, updatedBy *string, now string) error
	List(ctx context.Context) ([]*models.RuntimeSetting, error)
}

// APIKeyRepository provides access to API key data.
type APIKeyRepository interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	FindByID(ctx context.Context, id int64) (*models.APIKey, error)
	FindByUserID(ctx context.Context, userID int64) ([]*models.APIKey, error)
	FindAll(ctx context.Context) ([]*models.APIKey, error)
	Insert(ctx context.Context, key *models.APIKey) (int64, error)
	UpdateLastUsed(ctx context.Context, id int64) error
	Revoke(ctx context.Context, id int64, userID *int64) error
	SetActive(ctx context.Context, id int64, userID *int64, active bool) error
	Delete(ctx context.Context, id int64, userID *int64) error
	CleanupExpired(ctx context.Context) (int64, error)
}

// UserRepository provides access to user data.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByUsernameWithHash(ctx context.Context, username string) (*models.User, error)
	FindByIDWithHash(ctx context.Context, id int64) (*models.User, error)
	FindAll(ctx context.Context, offset, limit int) ([]*models.User, int64, error)
	Insert(ctx context.Context, user *models.User) (int64, error)
	Update(ctx context.Context, user *models.User) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	Delete(ctx context.Context, id int64) error
	CountByRole(ctx context.Context, role models.UserRole) (int64, error)
}

// Filter is the set of predicates the random picker (O) supports over
// the images table, per spec §4.7.
type Filter struct {
	R18                  int
	R18Strict            bool
	Orientations         []int
	AITypes              []int
	IllustTypes          []int
	MinWidth             int
	MinHeight            int
	MinPixels            int
	MinBookmarks         int
	MinViews             int
	MinComments          int
	UserID               *int64
	IllustID             *int64
	CreatedFrom          *string
	CreatedTo            *string
	IncludedTagGroups    [][]string
	ExcludedTags         []string
	ExcludeImageIDs      []int64
	FailCooldownBefore   *string
}
