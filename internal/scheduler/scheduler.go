// Package scheduler runs periodic housekeeping: session history retention,
// acknowledged alert cleanup and log rotation.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/util"
)

// Store is the part of the history store the scheduler prunes.
type Store interface {
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)
	CleanOldAlerts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports what one maintenance run removed.
type Result struct {
	Sessions int64
	Alerts   int64
	Logs     int
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   *config.Config
	store Store
	now   func() time.Time
}

// NewScheduler creates a scheduler. store may be nil, in which case only
// logs are rotated.
func NewScheduler(cfg *config.Config, store Store) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Start runs maintenance immediately and then on the configured interval
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.GetTimers().HistoryPruneIntervalSec) * time.Second
	if interval <= 0 {
		log.Info().Str("component", "scheduler").Msg("maintenance disabled")
		<-ctx.Done()
		return
	}

	log.Info().Str("component", "scheduler").Dur("interval", interval).Msg("scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunMaintenance(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "scheduler").Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance performs one housekeeping pass. Retention settings are read
// on every run so runtime config changes apply.
func (s *Scheduler) RunMaintenance(ctx context.Context) Result {
	var res Result
	logger := log.With().Str("component", "scheduler").Logger()

	if s.store != nil {
		if days := s.cfg.GetDatabase().RetentionDays; days > 0 {
			cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

			n, err := s.store.PruneSessions(ctx, cutoff)
			if err != nil {
				logger.Warn().Err(err).Msg("session prune failed")
			}
			res.Sessions = n

			n, err = s.store.CleanOldAlerts(ctx, cutoff)
			if err != nil {
				logger.Warn().Err(err).Msg("alert cleanup failed")
			}
			res.Alerts = n
		}
	}

	logCfg := s.cfg.GetLogging()
	if logCfg.Directory != "" {
		res.Logs = util.CleanOldLogs(logCfg.Directory, logCfg.MaxBackups)
	}

	logger.Info().
		Int64("sessions_pruned", res.Sessions).
		Int64("alerts_cleaned", res.Alerts).
		Int("logs_removed", res.Logs).
		Msg("maintenance completed")
	return res
}
