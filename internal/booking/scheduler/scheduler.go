package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-booking/internal/booking"
	"ms-booking/internal/config"
	"ms-booking/internal/logger"
	"ms-booking/internal/utils"
)

// runLockKey guards against concurrent sweeps when several instances run
// the scheduler. The transition table makes double-expiration harmless, so
// the lock only avoids wasted work.
const runLockKey = "booking:scheduler_lock"

type Expirer interface {
	Expire(ctx context.Context, bookingID, reason string) error
}

type CandidateSource interface {
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Scheduler sweeps pending, unpaid bookings past the grace period into
// expired. Each candidate goes through the state machine individually; one
// failure never stops the sweep.
type Scheduler struct {
	Source  CandidateSource
	Machine Expirer
	Redis   *redis.Client
	Cfg     config.SchedulerConfig
	Logger  *logger.Logger
}

func New(source CandidateSource, machine Expirer, redisClient *redis.Client, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		Source:  source,
		Machine: machine,
		Redis:   redisClient,
		Cfg:     cfg,
		Logger:  log,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Logger.Info("SCHEDULER", fmt.Sprintf("Expiration scheduler started (interval %s, grace period %s)", s.Cfg.Interval, s.Cfg.GracePeriod))

	ticker := time.NewTicker(s.Cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("SCHEDULER", "Expiration scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and reports how many bookings were
// expired, how many were skipped as already handled, and how many failed.
func (s *Scheduler) RunOnce(ctx context.Context) (expired, skipped, failed int) {
	runID := utils.GenerateRunID()

	if !s.acquireLock(ctx, runID) {
		s.Logger.LogScheduler(runID, "Another instance holds the run lock, skipping sweep")
		return 0, 0, 0
	}
	defer s.releaseLock(ctx, runID)

	cutoff := time.Now().UTC().Add(-s.Cfg.GracePeriod)
	ids, err := s.Source.FindExpiredPending(ctx, cutoff, s.Cfg.BatchLimit)
	if err != nil {
		s.Logger.Error("SCHEDULER", fmt.Sprintf("[%s] Failed to list expiration candidates: %v", runID, err))
		return 0, 0, 0
	}
	if len(ids) == 0 {
		return 0, 0, 0
	}
	s.Logger.LogScheduler(runID, fmt.Sprintf("Sweeping %d expiration candidates (cutoff %s)", len(ids), cutoff.Format(time.RFC3339)))

	var deadline time.Time
	if s.Cfg.SoftDeadline > 0 {
		deadline = time.Now().Add(s.Cfg.SoftDeadline)
	}

	reason := fmt.Sprintf("expired after %s grace period", s.Cfg.GracePeriod)
	for _, id := range ids {
		if !deadline.IsZero() && time.Now().After(deadline) {
			s.Logger.LogScheduler(runID, fmt.Sprintf("Soft deadline reached, %d candidates deferred to next sweep", len(ids)-expired-skipped-failed))
			break
		}

		err := s.Machine.Expire(ctx, id, reason)
		switch {
		case err == nil:
			expired++
		case isAlreadyHandled(err):
			// Confirmed, paid, or already expired since the candidate query
			// ran. Nothing to do.
			skipped++
		default:
			failed++
			s.Logger.Error("SCHEDULER", fmt.Sprintf("[%s] Failed to expire booking %s: %v", runID, id, err))
		}
	}

	s.Logger.LogScheduler(runID, fmt.Sprintf("Sweep done: %d expired, %d skipped, %d failed", expired, skipped, failed))
	return expired, skipped, failed
}

func isAlreadyHandled(err error) bool {
	var ite *booking.InvalidTransitionError
	var ve *booking.ValidationError
	return errors.As(err, &ite) || errors.As(err, &ve) || errors.Is(err, booking.ErrNotFound)
}

func (s *Scheduler) acquireLock(ctx context.Context, runID string) bool {
	if s.Redis == nil {
		return true
	}
	ok, err := s.Redis.SetNX(ctx, runLockKey, runID, s.Cfg.Interval).Result()
	if err != nil {
		// Redis being down must not stop expiration; run unlocked.
		s.Logger.Warn("SCHEDULER", fmt.Sprintf("Run lock unavailable, sweeping anyway: %v", err))
		return true
	}
	return ok
}

func (s *Scheduler) releaseLock(ctx context.Context, runID string) {
	if s.Redis == nil {
		return
	}
	val, err := s.Redis.Get(ctx, runLockKey).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		return
	}
	if val == runID {
		s.Redis.Del(ctx, runLockKey)
	}
}
