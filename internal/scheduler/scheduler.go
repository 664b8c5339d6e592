// Package scheduler runs periodic memory maintenance: confidence decay for
// memories that are never reinforced or recalled, and purging of memories
// that were deleted long enough ago.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/metrics"
)

// Store is the memory maintenance surface of the data layer.
type Store interface {
	DecayMemories(ctx context.Context, cutoff time.Time, factor, floor float64) (int64, error)
	PurgeDeletedMemories(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report is the outcome of one maintenance run.
type Report struct {
	Decayed int64
	Purged  int64
}

// Scheduler manages the maintenance cron job.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	cfg     config.MemoryConfig
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a scheduler for cfg.DecaySchedule. An empty schedule yields
// a scheduler whose Start and Stop do nothing but RunMaintenance still works.
func New(store Store, cfg config.MemoryConfig) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		store:   store,
		cfg:     cfg,
		timeout: 5 * time.Minute,
		now:     time.Now,
		log:     logging.Component("scheduler"),
	}
	if cfg.DecaySchedule == "" {
		return s, nil
	}
	if _, err := s.cron.AddFunc(cfg.DecaySchedule, s.runJob); err != nil {
		return nil, fmt.Errorf("invalid decay schedule %q: %w", cfg.DecaySchedule, err)
	}
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("schedule", s.cfg.DecaySchedule).Msg("memory maintenance scheduled")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunMaintenance(ctx); err != nil {
		s.log.Error().Err(err).Msg("memory maintenance failed")
	}
}

// RunMaintenance decays stale memories and purges old deletions once.
func (s *Scheduler) RunMaintenance(ctx context.Context) (Report, error) {
	var r Report
	now := s.now()

	if factor := DecayFactor(s.cfg.DecayHalfLife); factor < 1 {
		n, err := s.store.DecayMemories(ctx, now.Add(-24*time.Hour), factor, s.cfg.DecayFloor)
		if err != nil {
			return r, err
		}
		r.Decayed = n
	}

	if s.cfg.PurgeAfter > 0 {
		n, err := s.store.PurgeDeletedMemories(ctx, now.AddDate(0, 0, -s.cfg.PurgeAfter))
		if err != nil {
			return r, err
		}
		r.Purged = n
	}

	metrics.MemoryOperations.WithLabelValues("decay").Add(float64(r.Decayed))
	metrics.MemoryOperations.WithLabelValues("purge").Add(float64(r.Purged))
	s.log.Info().Int64("decayed", r.Decayed).Int64("purged", r.Purged).Msg("memory maintenance complete")
	return r, nil
}

// DecayFactor is the daily multiplier that halves confidence every
// halfLifeDays. A non-positive half life disables decay.
func DecayFactor(halfLifeDays int) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	return math.Pow(0.5, 1/float64(halfLifeDays))
}
