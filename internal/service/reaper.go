package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/queue"
)

// ParkedPurger drops provider callbacks that never matched a message.
// tracker.Tracker implements it.
type ParkedPurger interface {
	PurgeParked(ctx context.Context) (int, error)
}

// RunReaper returns expired leases to the queue every interval until ctx is
// done. Jobs whose worker died become eligible again with their attempt
// count unchanged. When parked is set, stale parked callbacks are purged on
// the same tick.
func RunReaper(ctx context.Context, q queue.Queue, parked ParkedPurger, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log = log.With().Str("component", "reaper").Logger()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		n, err := q.RequeueExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("requeue expired leases failed")
		} else {
			m.LeaseExpired(n)
			if n > 0 {
				log.Warn().Int("jobs", n).Msg("expired leases requeued")
			}
		}

		if parked == nil {
			continue
		}
		purged, err := parked.PurgeParked(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("purge parked callbacks failed")
			continue
		}
		if purged > 0 {
			log.Warn().Int("callbacks", purged).Msg("unmatched provider callbacks dropped")
		}
	}
}
