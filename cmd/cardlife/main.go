package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openbenefits/cardlife/internal/activity"
	"github.com/openbenefits/cardlife/internal/api"
	"github.com/openbenefits/cardlife/internal/config"
	"github.com/openbenefits/cardlife/internal/guard"
	"github.com/openbenefits/cardlife/internal/logging"
	"github.com/openbenefits/cardlife/internal/partner"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/store/memory"
	redisstore "github.com/openbenefits/cardlife/internal/store/redis"
	"github.com/openbenefits/cardlife/internal/store/sqlite"
	"github.com/openbenefits/cardlife/internal/sweep"
	"github.com/openbenefits/cardlife/internal/transition"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "cardlife",
	Short:   "cardlife - benefit card lifecycle orchestration service",
	Long:    `cardlife manages the lifecycle status of per-user benefit entitlement cards through resumable status transition orchestrations.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cardlife %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var sweepForce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep [date]",
	Short: "Run the expiration sweep once for the given date (default today) and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC().Format(sweep.DateFormat)
		if len(args) == 1 {
			parsed, err := time.Parse(sweep.DateFormat, args[0])
			if err != nil {
				return fmt.Errorf("invalid date %q: %w", args[0], err)
			}
			date = parsed.Format(sweep.DateFormat)
		}
		return runSweepOnce(date, sweepForce)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepForce, "force", false, "Run even if the sweep already ran for the date")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runtime struct {
	settings  *config.Settings
	documents *sqlite.Store
	journal   *workflow.SQLiteJournal
	cache     store.Cache
	cacheStop func() error
	host      *workflow.LocalHost
	registry  *guard.Registry
	sweeper   *sweep.Sweeper
}

// buildRuntime wires stores, cache, workflow host, and orchestrations.
func buildRuntime(ctx context.Context) (*runtime, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    settings.LogFormat,
		Level:     settings.LogLevel,
		Component: "cardlife",
	})

	documents, err := sqlite.Open(filepath.Join(settings.DataDir, "cards.db"))
	if err != nil {
		return nil, fmt.Errorf("open card store: %w", err)
	}

	journal, err := workflow.OpenSQLiteJournal(filepath.Join(settings.DataDir, "workflow.db"))
	if err != nil {
		documents.Close()
		return nil, fmt.Errorf("open workflow journal: %w", err)
	}

	var cache store.Cache
	cacheStop := func() error { return nil }
	if settings.RedisURL != "" {
		redisCache, err := redisstore.Connect(ctx, settings.RedisURL)
		if err != nil {
			documents.Close()
			journal.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = redisCache
		cacheStop = redisCache.Close
		log.Info().Str("url", settings.RedisURL).Msg("Redis cache connected")
	} else {
		cache = memory.NewCache()
		log.Info().Msg("No Redis configured, using in-memory cache")
	}

	host := workflow.NewLocalHost(journal, workflow.RetryPolicy{
		MaxAttempts:    settings.RetryMaxAttempts,
		InitialBackoff: settings.RetryInitialBackoff,
		MaxBackoff:     settings.RetryMaxBackoff,
	})

	partnerClient := partner.New(partner.Config{
		BaseURL:      settings.PartnerBaseURL,
		ClientID:     settings.PartnerClientID,
		ClientSecret: settings.PartnerClientSecret,
		Timeout:      settings.PartnerTimeout,
	}, cache)

	activity.Register(host, activity.Deps{
		Documents:   documents,
		Expirations: documents,
		Partner:     partnerClient,
	})
	host.RegisterOrchestrator(transition.OrchestratorName, transition.Orchestrator())

	registry := guard.New(host)
	sweeper := sweep.New(sweep.Config{
		Expirations: documents,
		Registry:    registry,
		Client:      host,
		Cache:       cache,
		Concurrency: settings.SweepConcurrency,
	})

	return &runtime{
		settings:  settings,
		documents: documents,
		journal:   journal,
		cache:     cache,
		cacheStop: cacheStop,
		host:      host,
		registry:  registry,
		sweeper:   sweeper,
	}, nil
}

func (r *runtime) close() {
	if err := r.cacheStop(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cache")
	}
	if err := r.journal.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close workflow journal")
	}
	if err := r.documents.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close card store")
	}
}

func runServer() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	// Resume orchestrations interrupted by the previous shutdown or crash.
	if err := rt.host.RecoverActive(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover active orchestrations")
	}

	scheduler := sweep.NewScheduler(rt.sweeper, rt.settings.SweepHourUTC)
	go scheduler.Run(ctx)

	handler := api.NewRouter(rt.documents, rt.documents, rt.registry, rt.host)
	server := &http.Server{
		Addr:         rt.settings.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", rt.settings.ListenAddr).Str("version", Version).Msg("cardlife server listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := rt.host.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Workflow host shutdown incomplete")
	}
}

// runSweepOnce supports operational reruns of a day's expiration sweep.
func runSweepOnce(date string, force bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.host.RecoverActive(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover active orchestrations")
	}

	if force {
		rt.sweeper.ForceDailySweep(ctx, date)
	} else {
		rt.sweeper.RunDailySweep(ctx, date)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return rt.host.Shutdown(shutdownCtx)
}
