// ==============================================================================
// KYC WORKFLOW SERVICE - cmd/workflow/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kycflow/internal/handler"
	"kycflow/internal/kyc"
	"kycflow/internal/kyc/rules"
	"kycflow/internal/middleware"
	"kycflow/internal/monitoring"
	"kycflow/internal/notification"
	"kycflow/internal/repository/memory"
	"kycflow/internal/repository/postgres"
	"kycflow/internal/scheduler"
	"kycflow/pkg/cache"
	"kycflow/pkg/config"
	"kycflow/pkg/logger"
	"kycflow/pkg/mailer"
	"kycflow/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const serviceName = "kyc-workflow"

func main() {
	cfg := config.Load()
	log := logger.New(serviceName, logger.WithLevel(logger.ParseLevel(cfg.Log.Level)))

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting KYC workflow service", map[string]interface{}{
		"port":    cfg.Server.Port,
		"storage": cfg.Workflow.Storage,
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// Rule table
	table := rules.Default()
	if cfg.Workflow.RulesFile != "" {
		loaded, err := rules.Load(cfg.Workflow.RulesFile)
		if err != nil {
			log.Fatal("Failed to load transition rules", map[string]interface{}{
				"file":  cfg.Workflow.RulesFile,
				"error": err.Error(),
			})
		}
		table = loaded
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(baseCtx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	redisCache := cache.NewRedisCacheFromClient(rdb)

	// Storage
	var (
		repo      kyc.Repository
		roleStore interface {
			kyc.RoleResolver
			kyc.RoleStore
		}
		readiness = map[string]handler.Pinger{"redis": redisCache}
	)
	switch cfg.Workflow.Storage {
	case "memory":
		log.Warn("Using in-memory storage; data is lost on restart", nil)
		repo = memory.NewKYCStore()
		roleStore = memory.NewUserRoleStore()
	default:
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pgRepo := postgres.NewKYCWorkflowRepository(db)
		repo = pgRepo
		roleStore = postgres.NewUserRoleRepository(db)
		readiness["postgres"] = pgRepo
	}

	// Instrumentation
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	workflowMetrics := monitoring.NewWorkflowMetrics(registry)

	// Notifications
	hub := notification.NewHub(log)
	smtp := mailer.New(mailer.Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
		UseTLS:   cfg.Email.SMTPUseTLS,
	})
	if !smtp.Enabled() {
		log.Warn("SMTP not configured; notifications go to the live feed only", nil)
	}
	notifier := notification.NewService(log, smtp, hub, notification.RecipientsFromConfig(cfg.Notification))

	// Workflow
	svc := kyc.NewWorkflowService(
		repo, table, notifier, notifier, log,
		kyc.OptionsFromConfig(cfg.Workflow),
		kyc.WithRoleResolver(roleStore),
		kyc.WithRoleStore(roleStore),
		kyc.WithMetricsCache(redisCache),
		kyc.WithInstrumentation(workflowMetrics),
	)

	sched := scheduler.NewScheduler(svc, scheduler.RedisLocker(redisCache), log, scheduler.Config{
		Schedule: cfg.Workflow.SweepSchedule,
		LockTTL:  cfg.Workflow.SweepLockTTL,
	})
	if err := sched.Start(); err != nil {
		log.Fatal("Failed to start sweep scheduler", map[string]interface{}{"error": err.Error()})
	}

	// HTTP
	r := mux.NewRouter()
	logging := middleware.NewLoggingMiddleware(log)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CorrelationID)
	r.Use(logging.Log)
	r.Use(logging.Recover)

	system := handler.NewSystemHandler(serviceName, readiness, log)
	r.HandleFunc("/health", system.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", system.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate)
	api.Use(middleware.NewRateLimiter(rdb, cfg.Server.RateLimit, cfg.Server.RateLimitWindow, log).Limit)

	idempotency := middleware.NewIdempotencyMiddleware(rdb, cfg.Server.IdempotencyTTL, log)
	workflowHandler := handler.NewWorkflowHandler(baseCtx, svc, sched, hub, validator.New(), log)
	workflowHandler.Register(api, idempotency.Handle)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("KYC workflow service started", map[string]interface{}{
			"address":        srv.Addr,
			"sweep_schedule": cfg.Workflow.SweepSchedule,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down KYC workflow service...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// websocket streams are hijacked and not tracked by Shutdown
	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := sched.Stop(ctx); err != nil {
		log.Error("Sweep did not finish before shutdown", map[string]interface{}{"error": err.Error()})
	}

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Abandoning in-flight notifications", nil)
	}

	log.Info("KYC workflow service stopped gracefully", nil)
}
