package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/metrics"
)

// Config holds scheduler configuration.
type Config struct {
	Interval      time.Duration // base tick cadence (default 1s)
	StatsInterval time.Duration // refresh pool gauges (default 15s)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      1 * time.Second,
		StatsInterval: 15 * time.Second,
	}
}

// OverviewSource computes the pool statistics.
type OverviewSource interface {
	Overview(ctx context.Context) (*coordinator.Overview, error)
}

// Scheduler runs periodic maintenance tasks.
type Scheduler struct {
	source    OverviewSource
	metrics   *metrics.Collector
	config    Config
	lastStats time.Time
}

// New creates a new Scheduler.
func New(src OverviewSource, m *metrics.Collector, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.StatsInterval == 0 {
		config.StatsInterval = def.StatsInterval
	}
	return &Scheduler{source: src, metrics: m, config: config}
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.config.Interval, "stats_interval", s.config.StatsInterval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, force bool) {
	now := time.Now()
	if force || now.Sub(s.lastStats) >= s.config.StatsInterval {
		if err := s.refreshStats(ctx); err != nil {
			slog.Error("refresh pool stats", "error", err)
		}
		s.lastStats = now
	}
}

func (s *Scheduler) refreshStats(ctx context.Context) error {
	ov, err := s.source.Overview(ctx)
	if err != nil {
		return err
	}
	s.metrics.ResetPuzzles()
	for _, p := range ov.Puzzles {
		s.metrics.SetPuzzleSearched(p.Code, p.PercentageSearched)
	}
	s.metrics.SetFleet(ov.WorkersOnline, ov.TotalSpeedKeysPerSecond)
	slog.Debug("pool stats refreshed", "puzzles", len(ov.Puzzles), "workers_online", ov.WorkersOnline)
	return nil
}

// RunOnce executes a single scheduler tick. Useful for testing.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx, true)
}
