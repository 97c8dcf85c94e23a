package pending

import (
	"context"
	"time"

	"ledgerchat/internal/logging"
)

const DefaultSweepInterval = time.Hour

// StartSweeper expires stale records in the background until ctx is done.
// Lookups expire lazily anyway; the sweep keeps dashboards and reports honest.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("sweep pending extractions")
				continue
			}
			if n > 0 {
				logger.Info().Int64("expired", n).Msg("expired stale pending extractions")
			}
		}
	}
}
