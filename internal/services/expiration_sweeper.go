package services

import (
	"context"
	"errors"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/utils"
	"gotow/pkg/logger"
	"gotow/pkg/metrics"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ExpirationSweeper cancels open requests whose expiry has passed. The
// conditional update re-checks status and expiry, so a request accepted
// between the scan and the cancel is left alone.
type ExpirationSweeper struct {
	requestRepo interfaces.RequestRepository
	requests    RequestService
	lock        CacheService
	config      SweeperConfig
	logger      *logger.Logger
	now         func() time.Time

	// lease is the last lease this instance acquired; only Run touches it.
	lease *DistributedLock
}

// NewExpirationSweeper builds a sweeper. lock may be nil, in which case every
// instance sweeps.
func NewExpirationSweeper(requestRepo interfaces.RequestRepository, requests RequestService, lock CacheService, config SweeperConfig, log *logger.Logger) *ExpirationSweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	return &ExpirationSweeper{
		requestRepo: requestRepo,
		requests:    requests,
		lock:        lock,
		config:      config,
		logger:      log.WithField("component", "expiration_sweeper"),
		now:         time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ExpirationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.config.Interval.String()).Info("Expiration sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.releaseLease()
			s.logger.Info("Expiration sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirationSweeper) tick(ctx context.Context) {
	if s.lock != nil {
		// The lease expires just before the next tick, so any instance can take
		// it then. It is only released early on shutdown.
		lease, err := s.lock.Lock(ctx, utils.CacheSweeperLockKey, s.config.Interval*9/10)
		if err == nil {
			s.lease = lease
		}
		switch {
		case errors.Is(err, ErrLockNotAcquired):
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		case err != nil:
			s.logger.WithError(err).Warn("Sweeper lease unavailable, sweeping anyway")
		}
	}

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.WithError(err).Warn("Sweep aborted")
	}
}

// releaseLease hands a still-held lease back so another instance sweeps on
// its next tick instead of waiting out the TTL.
func (s *ExpirationSweeper) releaseLease() {
	if s.lock == nil || s.lease == nil {
		return
	}
	lease := s.lease
	s.lease = nil
	if time.Since(lease.CreatedAt) >= lease.Expiration {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.lock.Unlock(ctx, lease); err != nil {
		s.logger.WithError(err).Warn("Failed to release sweeper lease")
	}
}

// SweepOnce runs one pass and returns how many requests it expired. Only a
// failed scan aborts the pass; per-request failures are logged and skipped.
func (s *ExpirationSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()

	expired, err := s.requestRepo.FindExpiredOpen(ctx, now, s.config.BatchSize)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		return 0, storeError("find expired requests", err)
	}

	count := 0
	for _, request := range expired {
		if ctx.Err() != nil {
			break
		}

		requestID := request.ID.Hex()
		_, err := s.requests.Cancel(ctx, CancelCommand{
			RequestID: requestID,
			ActorID:   models.CancelledBySystem,
			ActorRole: models.CancelledBySystem,
			Reason:    models.CancelReasonExpired,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// accepted or cancelled since the scan
				s.logger.WithRequestID(requestID).Debug("Skipping request no longer eligible for expiry")
				continue
			}
			s.logger.WithError(err).WithRequestID(requestID).Warn("Failed to expire request")
			continue
		}
		count++
	}

	metrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	metrics.SweptRequestsTotal.Add(float64(count))
	if count > 0 {
		s.logger.WithField("expired", count).Info("Expired stale requests")
	}
	return count, nil
}
