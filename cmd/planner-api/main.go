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

	_ "github.com/noah-isme/sma-planner-api/api/swagger"
	"github.com/noah-isme/sma-planner-api/internal/handler"
	"github.com/noah-isme/sma-planner-api/internal/middleware"
	"github.com/noah-isme/sma-planner-api/internal/models"
	"github.com/noah-isme/sma-planner-api/internal/repository"
	"github.com/noah-isme/sma-planner-api/internal/service"
	"github.com/noah-isme/sma-planner-api/pkg/cache"
	"github.com/noah-isme/sma-planner-api/pkg/config"
	"github.com/noah-isme/sma-planner-api/pkg/database"
	"github.com/noah-isme/sma-planner-api/pkg/jobs"
	"github.com/noah-isme/sma-planner-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-planner-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-planner-api/pkg/middleware/requestid"
)

// @title Lesson Planner API
// @version 1.0.0
// @description Yearly lesson planning grid: slots, double lessons, topic blocks and exports.
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without cache", zap.Error(err))
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	validate := validator.New()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Planner.CacheTTL, logr, cacheRepo.Enabled())

	lessonRepo := repository.NewLessonRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	topicRepo := repository.NewTopicRepository(db)
	templateRepo := repository.NewScheduleTemplateRepository(db)

	templateSvc := service.NewTemplateService(templateRepo, cacheSvc, validate, logr, models.ScheduleMode(cfg.Planner.DefaultMode), cfg.Planner.CacheTTL)
	plannerSvc := service.NewPlannerService(lessonRepo, subjectRepo, topicRepo, templateSvc, db, cacheSvc, metrics, validate, logr, service.PlannerConfig{
		PersistMode:       cfg.Planner.PersistMode,
		CopySuffix:        cfg.Planner.CopySuffix,
		CacheTTL:          cfg.Planner.CacheTTL,
		NotificationLimit: cfg.Planner.NotificationLimit,
	})
	exportSvc := service.NewExportService(plannerSvc, subjectRepo, topicRepo, logr, nil, nil)
	tokenSvc := service.NewTokenService(service.TokenConfig{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})

	var queue *jobs.Queue
	if cfg.Planner.PersistMode == config.PersistModeAsync {
		queue = jobs.NewQueue("planner-persist", plannerSvc.HandlePersistJob, jobs.QueueConfig{
			Workers:    cfg.Planner.WorkerConcurrency,
			MaxRetries: cfg.Planner.WorkerRetries,
			RetryDelay: cfg.Planner.WorkerRetryDelay,
			OnFailure:  plannerSvc.HandlePersistFailure,
			Logger:     logr,
		})
		queue.Start(context.Background())
		plannerSvc.UseQueue(queue)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(metrics, "/metrics", "/health", "/ready"))

	metricsHandler := handler.NewMetricsHandler(metrics, map[string]handler.Pinger{
		"postgres": db.PingContext,
		"redis":    cacheRepo.Ping,
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	if cfg.Auth.Enabled {
		api.Use(middleware.JWT(tokenSvc))
	} else {
		api.Use(middleware.Anonymous(cfg.Planner.DefaultOwner))
	}
	api.GET("/metrics/summary", metricsHandler.Summary)

	templateHandler := handler.NewTemplateHandler(templateSvc)
	api.GET("/planner/template", templateHandler.Get)
	api.PUT("/planner/template", templateHandler.Put)

	handler.NewPlannerHandler(plannerSvc, exportSvc).Register(api.Group("/planner/classes/:classId/years/:year"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("persist_mode", cfg.Planner.PersistMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
	if queue != nil {
		drained := make(chan struct{})
		go func() {
			queue.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			logr.Warn("shutdown timed out with lesson writes still queued")
		}
		queue.Stop()
	}
}
