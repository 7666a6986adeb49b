package api

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/api/handler"
	"github.com/pixivproxy/imgserve/internal/api/middleware"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
	"github.com/pixivproxy/imgserve/internal/service"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	DB          *sql.DB
	Logger      *zap.Logger
	AuthService *service.AuthService

	ImageRepo        repository.ImageRepository
	TagRepo          repository.TagRepository
	ImportRepo       repository.ImportRepository
	TokenRepo        repository.PixivTokenRepository
	PoolRepo         repository.ProxyPoolRepository
	EndpointRepo     repository.ProxyEndpointRepository
	BindingRepo      repository.TokenProxyBindingRepository
	JobRepo          repository.JobRepository
	HydrationRunRepo repository.HydrationRunRepository
	SettingRepo      repository.RuntimeSettingRepository
	UserRepo         repository.UserRepository
	KeyRepo          repository.APIKeyRepository

	Picker         *service.PickerService
	StreamProxy    *service.StreamProxy
	TokenStrategy  *service.TokenStrategy
	BindingService *service.BindingService
	ImportHandler  *service.ImportHandler
	Breaker        *service.CircuitBreaker
	Encryptor      *secretbox.Encryptor
	DefaultPoolID  int64

	RateLimit *middleware.RateLimitConfig
}

// NewServer creates a new API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	authService := deps.AuthService

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(deps.RateLimit))

	// Public image-serving endpoints.
	imageHandler := handler.NewImageHandler(
		deps.ImageRepo, deps.TagRepo, deps.JobRepo, deps.SettingRepo,
		deps.Picker, deps.StreamProxy, deps.TokenStrategy, deps.DefaultPoolID,
	)
	r.GET("/random", imageHandler.Random)
	r.GET("/i/:id", imageHandler.ServeByID)
	r.GET("/images", imageHandler.ListImages)
	r.GET("/images/:id", imageHandler.GetImage)
	r.GET("/tags", imageHandler.ListTags)
	r.GET("/authors", imageHandler.ListAuthors)
	// Legacy aliases: /{illust_id}.{ext} and /{illust_id}-{page}.{ext},
	// both captured as a single path segment and split inside the handler
	// since gin cannot match two wildcards within one segment.
	r.GET("/:illust_spec", imageHandler.ServeLegacy)

	// Health / meta.
	healthHandler := handler.NewHealthHandler(deps.EndpointRepo, deps.Breaker)
	r.GET("/healthz", healthHandler.Health)
	r.GET("/version", handler.Version)
	r.GET("/docs", handler.Docs)
	r.GET("/wtf", handler.Wtf)

	statusHandler := handler.NewStatusHandler(deps.JobRepo, deps.TokenRepo, deps.EndpointRepo)
	r.GET("/status", statusHandler.GetSystemStatus)
	r.GET("/status.json", statusHandler.GetSystemStatus)

	// Auth endpoints.
	authHandler := handler.NewAuthHandler(authService, logger)
	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/me", middleware.RequireAuth(authService), authHandler.GetMe)
		authGroup.POST("/refresh", middleware.RequireAuth(authService), authHandler.Refresh)
	}

	// User management endpoints.
	userHandler := handler.NewUserHandler(deps.UserRepo, authService)
	userGroup := r.Group("/api/users")
	userGroup.Use(middleware.RequireAuth(authService))
	{
		userGroup.GET("/me", userHandler.GetCurrentUser)
		userGroup.POST("/change-password", userHandler.ChangePassword)
		adminGroup := userGroup.Group("")
		adminGroup.Use(middleware.RequireAdmin())
		{
			adminGroup.GET("", userHandler.ListUsers)
			adminGroup.GET("/:id", userHandler.GetUser)
			adminGroup.POST("", userHandler.CreateUser)
			adminGroup.PATCH("/:id", userHandler.UpdateUser)
			adminGroup.DELETE("/:id", userHandler.DeleteUser)
			adminGroup.POST("/:id/password", userHandler.AdminChangePassword)
		}
	}

	// API Key management endpoints.
	keyHandler := handler.NewAPIKeyHandler(deps.KeyRepo)
	keyGroup := r.Group("/api/keys")
	keyGroup.Use(middleware.RequireAuth(authService))
	{
		keyGroup.GET("", keyHandler.ListAPIKeys)
		keyGroup.POST("", keyHandler.CreateAPIKey)
		keyGroup.GET("/:id", keyHandler.GetAPIKey)
		keyGroup.POST("/:id/revoke", keyHandler.RevokeAPIKey)
		keyGroup.POST("/:id/toggle", keyHandler.ToggleAPIKey)
		keyGroup.DELETE("/:id", keyHandler.DeleteAPIKey)
	}

	// Admin domain CRUD: tokens, pools, endpoints, bindings, imports, jobs,
	// hydration runs, runtime settings, backup/restore.
	admin := r.Group("/api/admin")
	admin.Use(middleware.RequireAuth(authService))
	admin.Use(middleware.RequireAdmin())
	{
		tokenHandler := handler.NewTokenHandler(deps.TokenRepo, deps.Encryptor)
		admin.GET("/tokens", tokenHandler.List)
		admin.POST("/tokens", tokenHandler.Create)
		admin.PATCH("/tokens/:id", tokenHandler.Update)
		admin.DELETE("/tokens/:id", tokenHandler.Delete)

		proxyHandler := handler.NewProxyHandler(deps.PoolRepo, deps.EndpointRepo, deps.Encryptor)
		admin.GET("/pools", proxyHandler.ListPools)
		admin.POST("/pools", proxyHandler.CreatePool)
		admin.POST("/pools/:id/members", proxyHandler.SetMembership)
		admin.GET("/endpoints", proxyHandler.ListEndpoints)
		admin.POST("/endpoints", proxyHandler.CreateEndpoint)
		admin.DELETE("/endpoints/:id", proxyHandler.DeleteEndpoint)

		bindingHandler := handler.NewBindingHandler(deps.BindingRepo, deps.BindingService)
		admin.GET("/bindings/:pool_id", bindingHandler.ListByPool)
		admin.POST("/bindings/override", bindingHandler.Override)
		admin.POST("/bindings/recompute", bindingHandler.Recompute)

		importsHandler := handler.NewImportsHandler(deps.ImportRepo, deps.ImportHandler)
		admin.GET("/imports", importsHandler.List)
		admin.POST("/imports", importsHandler.Create)

		jobsHandler := handler.NewJobsHandler(deps.JobRepo)
		admin.GET("/jobs", jobsHandler.List)
		admin.POST("/jobs/:id/retry", jobsHandler.Retry)
		admin.POST("/jobs/:id/cancel", jobsHandler.Cancel)

		hydrationRunsHandler := handler.NewHydrationRunsHandler(deps.HydrationRunRepo, deps.JobRepo)
		admin.GET("/hydration-runs", hydrationRunsHandler.List)
		admin.POST("/hydration-runs", hydrationRunsHandler.Create)

		configHandler := handler.NewConfigHandler(deps.SettingRepo)
		admin.GET("/settings", configHandler.ListSettings)
		admin.GET("/settings/:key", configHandler.GetSetting)
		admin.PUT("/settings/:key", configHandler.UpdateSetting)
		admin.GET("/settings/proxy-route-mode", configHandler.GetProxyRouteMode)

		backupHandler := handler.NewBackupHandler(deps.DB)
		admin.GET("/backup/export", backupHandler.Export)
		admin.POST("/backup/import", backupHandler.Import)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "code": "NOT_FOUND", "error": "no such route"})
	})

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run starts the HTTP server.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.router.Run(addr)
}
