// Package scheduler runs the periodic reservation sweep, the monthly QR
// purge and campaign recovery.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/reservations"

	"go.uber.org/zap"
)

type Sweeper interface {
	SweepStaleReservations(ctx context.Context) (reservations.SweepResult, error)
	PurgeQRCodes(ctx context.Context, before time.Time) (int, error)
}

type Recoverer interface {
	Recover(ctx context.Context) error
}

type Config struct {
	// SweepAt is the daily sweep time in UTC, "HH:MM". Ignored when
	// SweepInterval is set.
	SweepAt          string
	SweepInterval    time.Duration
	QRPurge          bool
	RecoveryInterval time.Duration
	// Location decides which calendar month the purge belongs to.
	Location *time.Location
}

type Scheduler struct {
	cfg       Config
	sweepHour int
	sweepMin  int
	sweeper   Sweeper
	recoverer Recoverer
	log       *logger.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastPurge string
}

func New(cfg Config, sweeper Sweeper, recoverer Recoverer, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{cfg: cfg, sweeper: sweeper, recoverer: recoverer, log: log.Named("scheduler"), now: time.Now}
	if cfg.SweepInterval <= 0 {
		at, err := time.Parse("15:04", strings.TrimSpace(cfg.SweepAt))
		if err != nil {
			return nil, fmt.Errorf("sweep time %q: want HH:MM", cfg.SweepAt)
		}
		s.sweepHour, s.sweepMin = at.Hour(), at.Minute()
	}
	return s, nil
}

// NextSweep returns the first sweep time strictly after now.
func (s *Scheduler) NextSweep(now time.Time) time.Time {
	if s.cfg.SweepInterval > 0 {
		return now.Add(s.cfg.SweepInterval)
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.sweepHour, s.sweepMin, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunSweep marks stale reservations and, once per calendar month, purges
// QR codes of previous months. Errors are logged; the next tick retries.
func (s *Scheduler) RunSweep(ctx context.Context) {
	result, err := s.sweeper.SweepStaleReservations(ctx)
	if err != nil {
		s.log.Error("reservation sweep failed", zap.Error(err))
	} else {
		s.log.Info("reservation sweep done", zap.Int("updated_count", result.UpdatedCount))
	}

	if !s.cfg.QRPurge {
		return
	}
	month := s.now().In(s.cfg.Location).Format("2006-01")
	s.mu.Lock()
	due := s.lastPurge != month
	s.mu.Unlock()
	if !due {
		return
	}
	purged, err := s.sweeper.PurgeQRCodes(ctx, time.Time{})
	if err != nil {
		s.log.Error("qr purge failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastPurge = month
	s.mu.Unlock()
	s.log.Info("qr purge done", zap.String("month", month), zap.Int("purged", purged))
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	var recoverC <-chan time.Time
	if s.recoverer != nil && s.cfg.RecoveryInterval > 0 {
		ticker := time.NewTicker(s.cfg.RecoveryInterval)
		defer ticker.Stop()
		recoverC = ticker.C
	}

	next := s.NextSweep(s.now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	s.log.Info("scheduler started", zap.Time("next_sweep", next))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.RunSweep(ctx)
			next = s.NextSweep(s.now())
			timer.Reset(time.Until(next))
		case <-recoverC:
			if err := s.recoverer.Recover(ctx); err != nil {
				s.log.Warn("campaign recovery failed", zap.Error(err))
			}
		}
	}
}
