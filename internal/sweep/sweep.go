// Package sweep implements the nightly expiration batch: find every user
// whose entitlement expires today, preempt conflicting orchestrations, and
// fan out an EXPIRE transition per user.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/failure"
	"github.com/openbenefits/cardlife/internal/guard"
	"github.com/openbenefits/cardlife/internal/metrics"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/transition"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// DateFormat is the day-granularity date format used by expiration records.
const DateFormat = "2006-01-02"

const markerTTL = 48 * time.Hour

// Sweeper runs the daily expiration sweep.
type Sweeper struct {
	expirations store.ExpirationStore
	registry    *guard.Registry
	client      workflow.Client
	cache       store.Cache
	concurrency int

	now func() time.Time
}

// Config holds the sweeper's collaborators. Cache is optional; when set it
// carries a per-date run marker so overlapping deployments skip duplicate
// sweeps.
type Config struct {
	Expirations store.ExpirationStore
	Registry    *guard.Registry
	Client      workflow.Client
	Cache       store.Cache
	Concurrency int
}

func New(cfg Config) *Sweeper {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Sweeper{
		expirations: cfg.Expirations,
		registry:    cfg.Registry,
		client:      cfg.Client,
		cache:       cfg.Cache,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// RunDailySweep expires every user scheduled for today. The sweep is
// fire-and-forget per user: failures are isolated, logged, and observable
// only through the eventual state of each orchestration instance. A failed
// schedule query aborts the whole run; the next scheduled invocation
// retries it.
func (s *Sweeper) RunDailySweep(ctx context.Context, today string) {
	if s.alreadyRan(ctx, today) {
		log.Info().Str("date", today).Msg("Expiration sweep already ran for date, skipping")
		return
	}
	s.run(ctx, today)
}

// ForceDailySweep runs the sweep for the given date even when the run
// marker says it already happened. Used by operational reruns.
func (s *Sweeper) ForceDailySweep(ctx context.Context, today string) {
	s.run(ctx, today)
}

func (s *Sweeper) run(ctx context.Context, today string) {
	records, err := s.expirations.FindByDate(ctx, today)
	if err != nil {
		failure.Report(failure.Transient(err, "query expiration records"))
		metrics.Get().SweepRuns.WithLabelValues("aborted").Inc()
		return
	}
	log.Info().Str("date", today).Int("users", len(records)).Msg("Expiration sweep starting")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range records {
		userID := rec.UserID
		g.Go(func() error {
			s.expireUser(gctx, userID)
			return nil
		})
	}
	g.Wait()

	s.markRan(ctx, today)
	metrics.Get().SweepRuns.WithLabelValues("completed").Inc()
	log.Info().Str("date", today).Int("users", len(records)).Msg("Expiration sweep finished")
}

// expireUser preempts any in-flight orchestration for the user and starts
// the EXPIRE transition. Termination is best-effort: its failure never
// prevents the start attempt.
func (s *Sweeper) expireUser(ctx context.Context, userID string) {
	for _, target := range []card.Action{card.ActionActivate, card.ActionRevoke} {
		instanceID := guard.InstanceID(userID, target)
		if err := s.registry.Terminate(ctx, instanceID, guard.TerminationReason); err != nil {
			log.Warn().
				Err(err).
				Str("userId", userID).
				Str("instanceId", instanceID).
				Msg("Best-effort termination failed before expiration")
		}
	}

	req := card.TransitionRequest{
		UserID:      userID,
		Action:      card.ActionExpire,
		RequestedAt: s.now().UTC(),
	}
	instanceID := guard.InstanceID(userID, card.ActionExpire)
	err := s.client.StartNew(ctx, transition.OrchestratorName, instanceID, req)
	switch {
	case errors.Is(err, workflow.ErrInstanceRunning):
		metrics.Get().SweepUsers.WithLabelValues("in_progress").Inc()
		log.Info().Str("userId", userID).Msg("Expiration already in progress")
	case err != nil:
		metrics.Get().SweepUsers.WithLabelValues("start_failed").Inc()
		log.Error().Err(err).Str("userId", userID).Msg("Failed to start expiration orchestration")
	default:
		metrics.Get().SweepUsers.WithLabelValues("started").Inc()
	}
}

func (s *Sweeper) alreadyRan(ctx context.Context, today string) bool {
	if s.cache == nil {
		return false
	}
	ran, err := s.cache.Exists(ctx, markerKey(today))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check sweep run marker")
		return false
	}
	return ran
}

func (s *Sweeper) markRan(ctx context.Context, today string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, markerKey(today), "done", markerTTL); err != nil {
		log.Warn().Err(err).Msg("Failed to set sweep run marker")
	}
}

func markerKey(date string) string {
	return "sweep:" + date
}
