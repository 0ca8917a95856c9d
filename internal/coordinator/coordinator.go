// Package coordinator implements the worker-facing and admin operations of
// the pool on top of the store and the allocation engine. Transports call
// into a Service; they do not touch the store directly.
package coordinator

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/keypool/internal/allocator"
	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/notify"
	"github.com/user/keypool/internal/store"
)

// Config holds the service's tunables.
type Config struct {
	// DefaultPuzzle is recorded for clients that register without a hint.
	DefaultPuzzle string
	// OfflineAfter is how long a silent worker still counts as online.
	OfflineAfter time.Duration
	// ActiveRangesLimit caps the active range list in the overview.
	ActiveRangesLimit int
	// OverviewCacheTTL caches computed overviews. Zero disables caching.
	OverviewCacheTTL time.Duration

	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
}

// Service is the coordinator. It is safe for concurrent use.
type Service struct {
	store    *store.Store
	engine   *allocator.Engine
	cfg      Config
	notifier notify.Notifier
	metrics  *metrics.Collector
	tracer   trace.Tracer
	overview *cache.Cache
}

const overviewKey = "overview"

// New creates a Service.
func New(s *store.Store, engine *allocator.Engine, cfg Config) *Service {
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 2 * time.Minute
	}
	if cfg.ActiveRangesLimit <= 0 {
		cfg.ActiveRangesLimit = 25
	}
	svc := &Service{
		store:    s,
		engine:   engine,
		cfg:      cfg,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if svc.notifier == nil {
		svc.notifier = notify.Nop{}
	}
	if svc.tracer == nil {
		svc.tracer = otel.Tracer("keypool/coordinator")
	}
	if cfg.OverviewCacheTTL > 0 {
		svc.overview = cache.New(cfg.OverviewCacheTTL, 2*cfg.OverviewCacheTTL)
	}
	return svc
}

// RangeDescriptor is the work unit handed to a worker.
type RangeDescriptor struct {
	RangeID             string `json:"range_id"`
	Puzzle              string `json:"puzzle"`
	PrefixStart         string `json:"prefix_start"`
	PrefixEnd           string `json:"prefix_end"`
	RangeStart          string `json:"range_start"`
	RangeEnd            string `json:"range_end"`
	ChunkSize           int64  `json:"chunk_size"`
	TargetAddress       string `json:"target_address"`
	WorkloadStartSuffix string `json:"workload_start_suffix"`
	WorkloadEndSuffix   string `json:"workload_end_suffix"`
}

func describe(r *store.Range, p *store.Puzzle) *RangeDescriptor {
	d := &RangeDescriptor{
		RangeID:     r.ID,
		Puzzle:      r.Puzzle,
		PrefixStart: r.PrefixStart,
		PrefixEnd:   r.PrefixEnd,
		RangeStart:  r.RangeStartHex,
		RangeEnd:    r.RangeEndHex,
		ChunkSize:   r.ChunkSize,
	}
	if p != nil {
		d.TargetAddress = p.TargetAddress
		d.WorkloadStartSuffix = p.WorkloadStartSuffix
		d.WorkloadEndSuffix = p.WorkloadEndSuffix
	}
	return d
}

func describeAssignment(a *allocator.Assignment) *RangeDescriptor {
	if a == nil {
		return nil
	}
	return describe(&a.Range, &a.Puzzle)
}

// Authenticate resolves a client from its id and credential.
func (s *Service) Authenticate(ctx context.Context, clientID, token string) (*store.Client, error) {
	return s.store.AuthenticateClient(ctx, clientID, token)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) invalidateOverview() {
	if s.overview != nil {
		s.overview.Delete(overviewKey)
	}
}
