// Package scheduler runs the KYC workflow sweep on a cron schedule. A Redis
// lock keeps replicas from sweeping at the same time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kycflow/internal/kyc"
	"kycflow/pkg/cache"
	kyderrors "kycflow/pkg/errors"
	"kycflow/pkg/logger"

	"github.com/robfig/cron/v3"
)

// DefaultLockKey is shared by every replica and by cmd/sweep.
const DefaultLockKey = "kyc:workflow:sweep"

// Sweeper is the part of kyc.WorkflowService the scheduler drives.
type Sweeper interface {
	RunScheduledSweep(ctx context.Context) (*kyc.SweepReport, error)
}

// Lock is a held distributed lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out the sweep lock. AcquireLock returns
// kyderrors.ErrLockNotAcquired when someone else holds it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type redisLocker struct {
	cache *cache.RedisCache
}

// RedisLocker adapts the shared Redis cache to Locker.
func RedisLocker(c *cache.RedisCache) Locker {
	return redisLocker{cache: c}
}

func (r redisLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l, err := r.cache.AcquireLock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return l, nil
}

type Config struct {
	Schedule string
	LockKey  string
	LockTTL  time.Duration
	// Timeout bounds one sweep. Zero means LockTTL.
	Timeout time.Duration
}

type Scheduler struct {
	sweeper Sweeper
	locker  Locker
	logger  logger.Logger
	cfg     Config
	cron    *cron.Cron

	mu      sync.Mutex
	last    *kyc.SweepReport
	lastErr error
}

// NewScheduler creates a scheduler. locker may be nil for single-instance
// deployments.
func NewScheduler(sweeper Sweeper, locker Locker, log logger.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 55 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.LockTTL
	}

	log = log.With(map[string]interface{}{"component": "scheduler"})
	cl := cronLogger{log: log}
	return &Scheduler{
		sweeper: sweeper,
		locker:  locker,
		logger:  log,
		cfg:     cfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the sweep and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("KYC sweep scheduler started", map[string]interface{}{
		"schedule": s.cfg.Schedule,
		"lock_key": s.cfg.LockKey,
	})
	return nil
}

// Stop stops scheduling and waits for a running sweep until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("KYC sweep scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, kyderrors.ErrLockNotAcquired) {
		s.logger.Error("Scheduled KYC sweep failed", map[string]interface{}{"error": err.Error()})
	}
}

// RunOnce runs a single sweep under the lock. It returns
// kyderrors.ErrLockNotAcquired when another instance is sweeping.
func (s *Scheduler) RunOnce(ctx context.Context) (*kyc.SweepReport, error) {
	if s.locker != nil {
		lock, err := s.locker.AcquireLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, kyderrors.ErrLockNotAcquired) {
				s.logger.Info("KYC sweep skipped, lock held elsewhere", map[string]interface{}{"lock_key": s.cfg.LockKey})
			}
			return nil, err
		}
		defer func() {
			// the sweep ctx may already be done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				s.logger.Warn("Failed to release sweep lock", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	report, err := s.sweeper.RunScheduledSweep(ctx)

	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.mu.Unlock()
	return report, err
}

// LastRun returns the most recent report and error, if any sweep ran.
func (s *Scheduler) LastRun() (*kyc.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// cronLogger routes cron's logging into logger.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, fields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := fields(keysAndValues)
	f["error"] = err.Error()
	c.log.Error(msg, f)
}

func fields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
