package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/keypool/internal/allocator"
	"github.com/user/keypool/internal/config"
	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/notify"
	"github.com/user/keypool/internal/observability"
	"github.com/user/keypool/internal/scheduler"
	"github.com/user/keypool/internal/server"
	"github.com/user/keypool/internal/store"
)

var version = "dev"

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keypool",
	Short: "keypool: keyspace coordinator for brute-force worker fleets",
	Long:  "Hands out non-overlapping keyspace ranges to registered workers, tracks their progress and records discovered keys.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the keypool coordinator",
	RunE:  runServer,
}

var (
	configPath          string
	bindAddr            string
	dataDir             string
	adminKey            string
	shutdownTimeout     = 5 * time.Second
	otelEnabled         bool
	otelEndpoint        string
	otelSampleRatio     = 1.0
	rateLimitEnabled    = true
	rateLimitReadRPS    = 50.0
	rateLimitReadBurst  = 100
	rateLimitWriteRPS   = 20.0
	rateLimitWriteBurst = 40
	schedulerInterval   = time.Second
	statsInterval       = 15 * time.Second
	overviewCacheTTL    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML pool configuration file")
	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the SQLite database")
	serverCmd.Flags().StringVar(&adminKey, "admin-key", "", "Admin API key (overrides admin_api_key and KEYPOOL_ADMIN_API_KEY)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().Float64Var(&otelSampleRatio, "otel-sample-ratio", 1.0, "Fraction of root traces to sample")
	serverCmd.Flags().BoolVar(&rateLimitEnabled, "rate-limit-enabled", true, "Enable per-client request rate limiting")
	serverCmd.Flags().Float64Var(&rateLimitReadRPS, "rate-limit-read-rps", 50, "Per-client sustained read requests/sec")
	serverCmd.Flags().IntVar(&rateLimitReadBurst, "rate-limit-read-burst", 100, "Per-client read burst")
	serverCmd.Flags().Float64Var(&rateLimitWriteRPS, "rate-limit-write-rps", 20, "Per-client sustained write requests/sec")
	serverCmd.Flags().IntVar(&rateLimitWriteBurst, "rate-limit-write-burst", 40, "Per-client write burst")
	serverCmd.Flags().DurationVar(&schedulerInterval, "scheduler-interval", time.Second, "Background tick cadence")
	serverCmd.Flags().DurationVar(&statsInterval, "stats-interval", 15*time.Second, "How often pool gauges are refreshed")
	serverCmd.Flags().DurationVar(&overviewCacheTTL, "overview-cache-ttl", 0, "Cache the stats overview for this long (overrides overview_cache_ttl; 0 keeps the file value)")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if adminKey != "" {
		opts.AdminAPIKey = adminKey
	}
	if overviewCacheTTL > 0 {
		opts.OverviewCacheTTL = overviewCacheTTL
	}
	if opts.AdminAPIKey == "" {
		slog.Warn("no admin key configured; admin routes will reject every request")
	}

	slog.Info("starting keypool server",
		"version", version,
		"bind", bindAddr,
		"data_dir", dataDir,
		"puzzle", opts.Puzzle,
		"range_start", opts.RangeStartHex,
		"range_end", opts.RangeEndHex,
		"chunk_size", opts.RangeChunkSize,
		"seed_puzzles", len(opts.SeedPuzzles),
		"worker_offline_after", opts.WorkerOfflineAfter,
		"overview_cache_ttl", opts.OverviewCacheTTL,
		"rate_limit_enabled", rateLimitEnabled,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(observability.TracerConfig{
		Enabled:     otelEnabled,
		Version:     version,
		Endpoint:    otelEndpoint,
		SampleRatio: otelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s := store.NewStore(db)

	m := metrics.New()

	var senders []notify.Sender
	if opts.TelegramBotToken != "" && opts.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(opts.TelegramBotToken, opts.TelegramChatID))
	}
	if opts.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(opts.WebhookURL, opts.WebhookSecret))
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{}, m, senders...)
	slog.Info("key-found notifications", "senders", dispatcher.Senders())

	engine := allocator.New(s, allocator.Options{
		MaxAttempts: opts.MaxAllocationAttempts,
		Seeds:       opts.SeedDefinitions(),
		Metrics:     m,
	})
	if err := engine.EnsureSeeded(cmd.Context()); err != nil {
		s.Close()
		return err
	}

	svc := coordinator.New(s, engine, coordinator.Config{
		DefaultPuzzle:     opts.Puzzle,
		OfflineAfter:      opts.WorkerOfflineAfter,
		ActiveRangesLimit: opts.ActiveRangesLimit,
		OverviewCacheTTL:  opts.OverviewCacheTTL,
		Notifier:          dispatcher,
		Metrics:           m,
	})

	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched := scheduler.New(svc, m, scheduler.Config{
		Interval:      schedulerInterval,
		StatsInterval: statsInterval,
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	srv := server.New(svc, m, server.Config{
		Bind:     bindAddr,
		AdminKey: opts.AdminAPIKey,
		RateLimit: server.RateLimitConfig{
			Enabled:    rateLimitEnabled,
			ReadRPS:    rateLimitReadRPS,
			ReadBurst:  rateLimitReadBurst,
			WriteRPS:   rateLimitWriteRPS,
			WriteBurst: rateLimitWriteBurst,
		},
	})
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	slog.Info("keypool server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-srvErr:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("stopping scheduler")
	schedCancel()
	<-schedDone

	slog.Info("flushing notifications")
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("notification flush incomplete", "error", err)
	}

	slog.Info("stopping store")
	s.Close()

	slog.Info("keypool server stopped")
	return nil
}
