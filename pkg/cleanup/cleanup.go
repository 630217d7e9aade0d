// Package cleanup runs the event-log retention job. The pipeline never
// deletes events; only this job does, and only past the configured
// retention horizon.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/crisisops/fixengine/pkg/store"
)

// sweepInterval is how often retention is enforced. Hourly is plenty;
// the horizon is measured in days.
const sweepInterval = time.Hour

// Service deletes event rows older than the retention horizon.
type Service struct {
	log       *store.EventLog
	retention time.Duration
	logger    *slog.Logger
}

// New creates the retention service. A zero retention disables it.
func New(log *store.EventLog, retention time.Duration, logger *slog.Logger) *Service {
	return &Service{
		log:       log,
		retention: retention,
		logger:    logger.With("component", "cleanup"),
	}
}

// Run sweeps until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	if s.retention <= 0 {
		s.logger.Info("Event retention disabled")
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	deleted, err := s.log.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("Retention sweep removed old events",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}
