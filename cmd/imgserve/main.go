package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pixivproxy/imgserve/internal/api"
	"github.com/pixivproxy/imgserve/internal/api/middleware"
	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/config"
	"github.com/pixivproxy/imgserve/internal/database"
	"github.com/pixivproxy/imgserve/internal/jobs"
	"github.com/pixivproxy/imgserve/internal/pixivapi"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
	"github.com/pixivproxy/imgserve/internal/service"
	"github.com/pixivproxy/imgserve/internal/version"
	"github.com/pixivproxy/imgserve/internal/worker"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("imgserve - %s\n\n", version.Short())
	fmt.Println("Usage: imgserve [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate .env.example configuration template")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the image-serving proxy and its embedded worker.")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel, getLogDir(), cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting imgserve",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	enc, err := secretbox.New([]byte(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("init secretbox: %w", err)
	}
	c := clock.Real{}

	// Repositories.
	imageRepo := repository.NewImageRepository(db)
	tagRepo := repository.NewTagRepository(db)
	importRepo := repository.NewImportRepository(db)
	tokenRepo := repository.NewPixivTokenRepository(db)
	poolRepo := repository.NewProxyPoolRepository(db)
	endpointRepo := repository.NewProxyEndpointRepository(db)
	bindingRepo := repository.NewTokenProxyBindingRepository(db)
	jobRepo := repository.NewJobRepository(db)
	hydrationRunRepo := repository.NewHydrationRunRepository(db)
	settingRepo := repository.NewRuntimeSettingRepository(db)
	userRepo := repository.NewUserRepository(db)
	keyRepo := repository.NewAPIKeyRepository(db)
	sessionRepo := repository.NewSessionRepository(db, logger)

	// Domain services.
	breaker := service.NewCircuitBreaker(5, 5*time.Minute)
	proxySelector := service.NewProxySelector(bindingRepo, endpointRepo, breaker, enc)
	bindingService := service.NewBindingService(bindingRepo, endpointRepo)
	tokenStrategy := service.NewTokenStrategy(tokenRepo)
	pixivClient := pixivapi.New(cfg.Pixiv.ClientID, cfg.Pixiv.ClientSecret, cfg.Pixiv.UserAgent,
		time.Duration(cfg.Pixiv.RequestTimeoutSeconds)*time.Second)
	tokenCache := service.NewTokenCache(pixivClient, tokenRepo, enc, c)
	picker := service.NewPickerService(imageRepo, settingRepo, c)

	const defaultPoolID = 1
	requestTimeout := time.Duration(cfg.Pixiv.RequestTimeoutSeconds) * time.Second

	hydrationHandler := service.NewHydrationHandler(
		tokenRepo, imageRepo, tagRepo, tokenStrategy, tokenCache, proxySelector,
		pixivClient, c, defaultPoolID, requestTimeout,
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		hydrationHandler.WithThrottle(service.NewRedisThrottle(redisClient))
		logger.Info("using redis token throttle", zap.String("addr", cfg.Redis.Addr))
	}
	importHandler := service.NewImportHandler(importRepo, jobRepo, c)
	probeHandler := service.NewProbeHandler(endpointRepo, breaker, enc, c, logger,
		"https://i.pximg.net/", requestTimeout)
	streamProxy := service.NewStreamProxy(imageRepo, endpointRepo, proxySelector, breaker, c, requestTimeout)

	dispatcher := jobs.NewDispatcher(jobRepo, hydrationRunRepo, imageRepo,
		hydrationHandler, importHandler, probeHandler, bindingService, c, logger)

	workerID := clock.NewID()
	scheduler := worker.NewScheduler(worker.DefaultConfig(workerID), jobRepo, dispatcher, c, logger)

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	probeHandler.Start(ctx, 5*time.Minute)
	defer func() {
		probeHandler.Stop()
		scheduler.Stop()
	}()

	authService := service.NewAuthService(keyRepo, userRepo, sessionRepo, logger)
	if err := authService.CreateDefaultAdmin(
		context.Background(),
		cfg.Security.DefaultAdmin.Username,
		cfg.Security.DefaultAdmin.Password,
	); err != nil {
		logger.Warn("failed to create default admin", zap.Error(err))
	}

	server := api.NewServer(api.ServerDeps{
		DB:               db,
		Logger:           logger,
		AuthService:      authService,
		ImageRepo:        imageRepo,
		TagRepo:          tagRepo,
		ImportRepo:       importRepo,
		TokenRepo:        tokenRepo,
		PoolRepo:         poolRepo,
		EndpointRepo:     endpointRepo,
		BindingRepo:      bindingRepo,
		JobRepo:          jobRepo,
		HydrationRunRepo: hydrationRunRepo,
		SettingRepo:      settingRepo,
		UserRepo:         userRepo,
		KeyRepo:          keyRepo,
		Picker:           picker,
		StreamProxy:      streamProxy,
		TokenStrategy:    tokenStrategy,
		BindingService:   bindingService,
		ImportHandler:    importHandler,
		Breaker:          breaker,
		Encryptor:        enc,
		DefaultPoolID:    defaultPoolID,
		RateLimit: &middleware.RateLimitConfig{
			Enabled:       cfg.RateLimit.Enabled,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			WindowSeconds: cfg.RateLimit.WindowSeconds,
		},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "imgserve.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("IMGSERVE_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}
