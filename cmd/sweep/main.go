// ==============================================================================
// KYC WORKFLOW SWEEP - cmd/sweep/main.go
// ==============================================================================
// Runs one SLA sweep and exits, for deployments that schedule it externally.
// ==============================================================================
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"kycflow/internal/kyc"
	"kycflow/internal/kyc/rules"
	"kycflow/internal/notification"
	"kycflow/internal/repository/postgres"
	"kycflow/internal/scheduler"
	"kycflow/pkg/cache"
	"kycflow/pkg/config"
	kyderrors "kycflow/pkg/errors"
	"kycflow/pkg/logger"
	"kycflow/pkg/mailer"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	noLock := flag.Bool("no-lock", false, "run without the Redis sweep lock")
	flag.Parse()

	cfg := config.Load()
	log := logger.New("kyc-sweep", logger.WithLevel(logger.ParseLevel(cfg.Log.Level)))

	if err := cfg.ValidateWorkflow(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if cfg.Workflow.Storage != "postgres" {
		log.Fatal("The sweep needs shared storage; set WORKFLOW_STORAGE=postgres", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Workflow.SweepLockTTL)
	defer cancel()

	table := rules.Default()
	if cfg.Workflow.RulesFile != "" {
		loaded, err := rules.Load(cfg.Workflow.RulesFile)
		if err != nil {
			log.Fatal("Failed to load transition rules", map[string]interface{}{"error": err.Error()})
		}
		table = loaded
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	roles := postgres.NewUserRoleRepository(db)
	smtp := mailer.New(mailer.Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
		UseTLS:   cfg.Email.SMTPUseTLS,
	})
	// no live feed from a one-shot process
	notifier := notification.NewService(log, smtp, nil, notification.RecipientsFromConfig(cfg.Notification))

	svc := kyc.NewWorkflowService(
		postgres.NewKYCWorkflowRepository(db), table, notifier, notifier, log,
		kyc.OptionsFromConfig(cfg.Workflow),
		kyc.WithRoleResolver(roles),
		kyc.WithRoleStore(roles),
	)

	var locker scheduler.Locker
	if !*noLock {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = scheduler.RedisLocker(cache.NewRedisCacheFromClient(rdb))
	}

	sched := scheduler.NewScheduler(svc, locker, log, scheduler.Config{LockTTL: cfg.Workflow.SweepLockTTL})
	report, err := sched.RunOnce(ctx)
	svc.Wait()

	switch {
	case errors.Is(err, kyderrors.ErrLockNotAcquired):
		log.Info("Another sweep is running; nothing to do", nil)
		return
	case err != nil:
		log.Error("KYC sweep failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
