package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/noah-isme/auth-session-api/api/swagger"
	"github.com/noah-isme/auth-session-api/internal/events"
	"github.com/noah-isme/auth-session-api/internal/handler"
	internalmiddleware "github.com/noah-isme/auth-session-api/internal/middleware"
	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
	"github.com/noah-isme/auth-session-api/internal/service"
	"github.com/noah-isme/auth-session-api/internal/store"
	"github.com/noah-isme/auth-session-api/internal/token"
	"github.com/noah-isme/auth-session-api/pkg/cache"
	"github.com/noah-isme/auth-session-api/pkg/config"
	"github.com/noah-isme/auth-session-api/pkg/database"
	"github.com/noah-isme/auth-session-api/pkg/jobs"
	"github.com/noah-isme/auth-session-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/auth-session-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/auth-session-api/pkg/middleware/requestid"
	"github.com/noah-isme/auth-session-api/pkg/tracing"
)

const serviceName = "auth-session-api"

// @title Auth Session API
// @version 1.0.0
// @description Access/refresh token issuance, rotation and revocation
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logr.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	tokens, err := token.NewPair(cfg.JWT.AccessSecret, cfg.JWT.RefreshSecret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL, token.WithIssuer(cfg.JWT.Issuer))
	if err != nil {
		return fmt.Errorf("token codecs: %w", err)
	}

	probes := map[string]handler.ReadinessProbe{}

	var refreshStore store.RefreshTokenStore
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck
		refreshStore = store.NewRedisStore(client, cfg.Redis.KeyPrefix)
		probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		memory := store.NewMemoryStore()
		go memory.RunSweeper(ctx, cfg.Store.SweepInterval, logr)
		refreshStore = memory
	}

	var users interface {
		FindByUsername(ctx context.Context, username string) (*models.User, error)
		FindByID(ctx context.Context, id string) (*models.User, error)
	}
	switch cfg.Users.Source {
	case config.UserSourcePostgres:
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck
		users = repository.NewPostgresUserRepository(db)
		probes["postgres"] = db.PingContext
	default:
		seed, err := repository.DemoUsers(bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		users = repository.NewMemoryUserRepository(seed...)
		logr.Sugar().Infow("using in-memory user directory", "users", len(seed))
	}

	metrics := service.NewMetricsService()
	if err := metrics.TrackWhitelist(refreshStore); err != nil {
		return fmt.Errorf("register whitelist gauge: %w", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		kafka := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		defer kafka.Close() //nolint:errcheck
		dispatcher := events.NewDispatcher(kafka, jobs.QueueConfig{
			Workers:    cfg.Events.Workers,
			MaxRetries: cfg.Events.MaxRetries,
			Logger:     logr,
		})
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
		publisher = dispatcher
	}

	authSvc := service.NewAuthService(users, refreshStore, tokens, validator.New(), logr,
		service.WithMetrics(metrics),
		service.WithEvents(publisher),
	)
	userSvc := service.NewUserService(users, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	handler.Routes{
		APIPrefix: cfg.APIPrefix,
		Auth:      handler.NewAuthHandler(authSvc),
		User:      handler.NewUserHandler(userSvc),
		Metrics:   handler.NewMetricsHandler(metrics, probes),
		Guard:     internalmiddleware.JWT(authSvc),
	}.Register(r)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env, "store", cfg.Store.Backend, "users", cfg.Users.Source)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
