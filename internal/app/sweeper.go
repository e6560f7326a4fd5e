package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper runs the background reclamation passes on their own timers,
// independent of traffic.
type Sweeper struct {
	Limiter       *RateLimiter
	Membership    *Membership
	LimiterEvery  time.Duration
	RoomsEvery    time.Duration
	OnRoomsReaped func(n int)
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	limitTick := time.NewTicker(orDefault(s.LimiterEvery, time.Minute))
	defer limitTick.Stop()
	roomTick := time.NewTicker(orDefault(s.RoomsEvery, time.Minute))
	defer roomTick.Stop()

	log.Info().Str("module", "app.sweeper").Msg("started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.sweeper").Msg("stopped")
			return nil
		case <-limitTick.C:
			if s.Limiter == nil {
				continue
			}
			if n := s.Limiter.Sweep(); n > 0 {
				log.Debug().Str("module", "app.sweeper").Int("keys", n).Int("tracked", s.Limiter.Tracked()).Msg("rate records evicted")
			}
		case <-roomTick.C:
			if s.Membership == nil {
				continue
			}
			reclaimed := s.Membership.ReclaimIdle()
			if s.OnRoomsReaped != nil && len(reclaimed) > 0 {
				s.OnRoomsReaped(len(reclaimed))
			}
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
