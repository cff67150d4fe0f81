package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/swimbuddz/academy-api/api/swagger"
	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/handler"
	"github.com/swimbuddz/academy-api/internal/middleware"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/internal/repository"
	"github.com/swimbuddz/academy-api/internal/service"
	"github.com/swimbuddz/academy-api/pkg/cache"
	"github.com/swimbuddz/academy-api/pkg/config"
	"github.com/swimbuddz/academy-api/pkg/database"
	"github.com/swimbuddz/academy-api/pkg/jobs"
	"github.com/swimbuddz/academy-api/pkg/logger"
	corsmiddleware "github.com/swimbuddz/academy-api/pkg/middleware/cors"
	reqidmiddleware "github.com/swimbuddz/academy-api/pkg/middleware/requestid"
	"github.com/swimbuddz/academy-api/pkg/scheduler"
)

// @title SwimBuddz Academy API
// @version 1.0.0
// @description Academy enrollment and installment billing service
// @BasePath /api/v1
// @schemes http https

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Cache is read-side only; the service runs degraded without it.
		logr.Sugar().Warnw("redis unavailable, running without cache", "error", err)
		redisClient = nil
	}
	if !cfg.Cache.Enabled {
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	programRepo := repository.NewProgramRepository(db)
	cohortRepo := repository.NewCohortRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	installmentRepo := repository.NewInstallmentRepository(db)
	shiftLogRepo := repository.NewShiftLogRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Collaborator clients.
	clientCfg := func(baseURL string) client.Config {
		return client.Config{BaseURL: baseURL, APIKey: cfg.Collaborators.InternalAPIKey, Timeout: cfg.Collaborators.Timeout}
	}
	sessionsClient := client.NewSessions(clientCfg(cfg.Collaborators.SessionsURL), logr)
	walletClient := client.NewWallet(clientCfg(cfg.Collaborators.WalletURL), logr)
	paymentsClient := client.NewPayments(clientCfg(cfg.Collaborators.PaymentsURL), logr)
	membersClient := client.NewMembers(clientCfg(cfg.Collaborators.MembersURL), logr)
	mailerClient := client.NewMailer(clientCfg(cfg.Collaborators.MailerURL), logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	tokenSvc := service.NewTokenService(cfg.JWT.Secret)
	clock := scheduler.SystemClock{}

	enrollmentSvc := service.NewEnrollmentService(db, enrollmentRepo, installmentRepo, cohortRepo,
		clock, cfg.Billing.GraceWindow, metricsSvc, logr)
	cohortSvc := service.NewCohortService(cohortRepo, cacheRepo,
		cfg.Cache.DetailTTL, cfg.Cache.StatsTTL, metricsSvc, logr)
	timelineSvc := service.NewTimelineService(db, cohortRepo, enrollmentRepo, installmentRepo, shiftLogRepo,
		sessionsClient, membersClient, mailerClient, cacheRepo, clock,
		cfg.Collaborators.FrontendBaseURL, metricsSvc, logr)

	// Background notice queue.
	noticeQueue := jobs.NewQueue("billing-notices",
		service.DropoutNoticeHandler(enrollmentRepo, membersClient, mailerClient, cfg.Collaborators.AdminEmail, logr),
		jobs.QueueConfig{
			Workers:    cfg.Billing.WorkerConcurrency,
			MaxRetries: cfg.Billing.WorkerRetries,
			Logger:     logr,
		})
	noticeQueue.Start(ctx)
	defer noticeQueue.Stop()

	// Billing workers.
	complianceSvc := service.NewComplianceService(installmentRepo, enrollmentRepo, enrollmentSvc,
		noticeQueue, cfg.Billing.GraceWindow, logr)
	deductionSvc := service.NewDeductionService(installmentRepo, enrollmentRepo, enrollmentSvc,
		walletClient, paymentsClient, membersClient, mailerClient,
		cfg.Billing.DeductionWindow, cfg.Collaborators.FrontendBaseURL, metricsSvc, logr)
	reminderSvc := service.NewReminderService(installmentRepo, enrollmentRepo,
		walletClient, membersClient, mailerClient,
		cfg.Collaborators.FrontendBaseURL, metricsSvc, logr)

	sched := scheduler.New(clock, logr)
	sched.Register("installment-compliance", cfg.Billing.ComplianceInterval, complianceSvc.RunOnce)
	sched.Register("wallet-deduction", cfg.Billing.DeductionInterval, deductionSvc.RunOnce)
	sched.Register("installment-reminders", cfg.Billing.ReminderInterval, reminderSvc.RunOnce)
	sched.Start(ctx)
	defer sched.Stop()

	// Handlers.
	programHandler := handler.NewProgramHandler(programRepo)
	cohortHandler := handler.NewCohortHandler(cohortSvc, enrollmentSvc, timelineSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	api.GET("/programs", programHandler.List)
	api.GET("/programs/:id", programHandler.Get)
	api.GET("/cohorts/:id", cohortHandler.Get)
	api.GET("/cohorts/:id/enrollment-stats", cohortHandler.GetStats)

	member := api.Group("", middleware.JWT(tokenSvc))
	member.GET("/my-enrollments/:id", enrollmentHandler.GetMine)

	admin := api.Group("", middleware.JWT(tokenSvc), middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/cohorts/:id/enrollments", cohortHandler.ListEnrollments)
	admin.POST("/cohorts/:id/timeline-shifts/preview", cohortHandler.PreviewShift)
	admin.POST("/cohorts/:id/timeline-shifts", cohortHandler.ApplyShift)
	admin.GET("/cohorts/:id/timeline-shifts", cohortHandler.ListShifts)
	admin.GET("/admin/enrollments/:id", enrollmentHandler.Get)
	admin.POST("/admin/enrollments/:id/mark-paid", enrollmentHandler.MarkPaid)
	admin.POST("/admin/enrollments/:id/dropout-action", enrollmentHandler.DropoutAction)

	internal := api.Group("/internal", middleware.InternalKey(cfg.Collaborators.InternalAPIKey))
	internal.POST("/enrollments/:id/installment-plan", enrollmentHandler.EnsurePlan)
	internal.POST("/enrollments/:id/mark-paid", enrollmentHandler.MarkPaid)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
	if err := cacheRepo.Close(); err != nil {
		logr.Sugar().Warnw("cache close failed", "error", err)
	}
}
