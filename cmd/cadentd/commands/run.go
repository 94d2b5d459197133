package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/emberworks/cadent/config"
	"github.com/emberworks/cadent/credential"
	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/logger"
	"github.com/emberworks/cadent/metrics"
	"github.com/emberworks/cadent/queue"
	"github.com/emberworks/cadent/recurring"
	"github.com/emberworks/cadent/system"
)

// RunCmd runs the scheduler daemon in the foreground
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler daemon in foreground mode.

The daemon will:
- Claim and dispatch due jobs on a fixed tick with bounded concurrency
- Enqueue recurring system jobs (credential sweep, analytics sync,
  retention cleanup) when due
- Refresh expiring OAuth credentials proactively
- Serve Prometheus metrics when enabled
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Scheduler.Workers = workers
		}

		database, err := openDatabase(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		var sink metrics.Sink = metrics.NewNoopSink()
		if cfg.Metrics.Enabled {
			registry := prometheus.NewRegistry()
			sink = metrics.NewPrometheusSink(registry)
			go serveMetrics(cfg.Metrics.Listen, registry)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Credential subsystem
		key, err := cfg.Credentials.DecodeEncryptionKey()
		if err != nil {
			return err
		}
		cipher, err := credential.NewTokenCipher(key)
		if err != nil {
			return err
		}
		credStore := credential.NewStore(database, cipher)
		manager := credential.NewManager(credStore, credential.ManagerConfig{
			SafetyMargin:     cfg.Credentials.SafetyMargin(),
			ExpiryThreshold:  cfg.Credentials.ExpiryThreshold(),
			SweepWorkers:     cfg.Credentials.SweepWorkers,
			RefreshPerMinute: cfg.Credentials.RefreshPerMinute,
		}, sink, logger.Logger)

		// Job subsystem
		jobStore := queue.NewStore(database)
		registry := queue.NewRegistry()
		registry.Register(system.NewCredentialSweepHandler(manager))
		registry.Register(system.NewRetentionHandler(jobStore, cfg.Recurring.RetentionAge(), sink))

		backoff := queue.Backoff{
			Base: cfg.Scheduler.BackoffBase(),
			Cap:  cfg.Scheduler.BackoffCap(),
		}
		scheduler := queue.NewSchedulerWithContext(ctx, jobStore, registry, backoff, queue.SchedulerConfig{
			TickInterval:      cfg.Scheduler.TickInterval(),
			ClaimLimit:        cfg.Scheduler.ClaimLimit,
			Workers:           cfg.Scheduler.Workers,
			DefaultJobTimeout: cfg.Scheduler.DefaultJobTimeout(),
		}, sink, logger.Logger)

		// Recurring system jobs. The analytics sync definition is only
		// registered when an embedder has wired a fetcher; the
		// standalone daemon has no platform collaborators.
		runner := recurring.NewRunnerWithContext(ctx, recurring.NewStore(database), jobStore,
			recurring.RunnerConfig{TickInterval: cfg.Recurring.TickInterval()}, logger.Logger)
		defs := system.Definitions(
			cfg.Recurring.SweepEvery(),
			cfg.Recurring.AnalyticsHourUTC,
			time.Weekday(cfg.Recurring.RetentionWeekday),
			cfg.Recurring.RetentionHourUTC,
		)
		for _, def := range defs {
			if !registry.Has(def.JobType) {
				logger.Warnw("Skipping recurring definition without a registered handler",
					"definition_id", def.ID,
					"job_type", def.JobType)
				continue
			}
			if err := runner.Register(ctx, def); err != nil {
				return err
			}
		}

		if err := registry.Validate(system.JobTypeCredentialSweep, system.JobTypeRetention); err != nil {
			return err
		}

		if err := scheduler.Start(); err != nil {
			return err
		}
		runner.Start()

		// Hot reload for the knobs that can change without a restart
		if path := config.ConfigFilePath(); path != "" {
			watcher, err := config.NewWatcher(path, cfg)
			if err != nil {
				logger.Warnw("Config watcher unavailable", "error", err)
			} else {
				watcher.OnReload(func(old, new *config.Config) error {
					logger.Infow("Config changed; scheduler and storage settings apply on next restart")
					return nil
				})
				watcher.Start()
				defer watcher.Close()
			}
		}

		fmt.Println("cadent daemon started")
		fmt.Printf("  Database: %s\n", cfg.Storage.Path)
		fmt.Printf("  Workers: %d\n", scheduler.Workers())
		fmt.Printf("  Tick interval: %v\n", cfg.Scheduler.TickInterval())
		fmt.Printf("  Recurring definitions: %d\n", len(runner.Definitions()))
		if cfg.Metrics.Enabled {
			fmt.Printf("  Metrics: http://%s/metrics\n", cfg.Metrics.Listen)
		}
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		runner.Stop()
		scheduler.Stop()
		cancel()

		fmt.Println("cadent daemon stopped")
		return nil
	},
}

// serveMetrics exposes the Prometheus registry over HTTP
func serveMetrics(listen string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Errorw("Metrics endpoint failed", "listen", listen, "error", err)
	}
}

func init() {
	RunCmd.Flags().Int("workers", 0, "Override configured worker count")
}
