package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler invokes the daily sweep once per calendar day at a fixed UTC
// hour.
type Scheduler struct {
	sweeper *Sweeper
	hourUTC int

	now func() time.Time
}

func NewScheduler(sweeper *Sweeper, hourUTC int) *Scheduler {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = 2
	}
	return &Scheduler{sweeper: sweeper, hourUTC: hourUTC, now: time.Now}
}

// Run blocks until ctx is canceled, firing the sweep at each day's
// scheduled time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.nextRun(s.now().UTC())
		wait := time.Until(next)
		log.Info().
			Time("nextRun", next).
			Dur("wait", wait).
			Msg("Expiration sweep scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		today := s.now().UTC().Format(DateFormat)
		s.sweeper.RunDailySweep(ctx, today)
	}
}

func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
