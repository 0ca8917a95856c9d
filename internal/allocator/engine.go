// Package allocator hands out disjoint chunks of puzzle keyspace to clients.
//
// The Engine serializes its own allocations with a mutex. That only bounds
// races inside one process; the range ledger's unique (puzzle, prefix_start)
// constraint is what keeps two engines, or two processes, from handing out
// the same chunk. A violation surfaces as a conflict and the engine draws
// again.
package allocator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/keypool/internal/keyspace"
	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/store"
)

// DefaultMaxAttempts bounds candidate generation per claim.
const DefaultMaxAttempts = 200

// Strategies reported on successful allocations.
const (
	StrategyRandom     = "random"
	StrategySequential = "sequential"
	StrategyFallback   = "fallback"
)

// Ledger is the persistence the engine needs. *store.Store implements it.
type Ledger interface {
	GetClient(ctx context.Context, id string) (*store.Client, error)
	GetRange(ctx context.Context, id string) (*store.Range, error)
	GetPuzzle(ctx context.Context, id string) (*store.Puzzle, error)
	ListEnabledPuzzles(ctx context.Context) ([]store.Puzzle, error)
	InsertPuzzlesIfEmpty(ctx context.Context, seeds []store.Puzzle) (int, error)
	GetOrCreateCursor(ctx context.Context, puzzleID, initial string) (*store.PoolCursor, error)
	AdvanceCursor(ctx context.Context, puzzleID, next string) (bool, error)
	RangeExists(ctx context.Context, puzzleID, prefixStart string) (bool, error)
	CreateAssignedRange(ctx context.Context, r store.Range, clientID string) (*store.Range, error)
}

// Options configures an Engine. Zero values pick the defaults.
type Options struct {
	MaxAttempts int
	// Seeds are inserted when no puzzle exists at all.
	Seeds []store.Puzzle
	// Rand drives weighted puzzle selection. Nil uses the runtime's
	// global generator.
	Rand *rand.Rand
	// Entropy feeds chunk index draws. Nil uses crypto/rand.
	Entropy io.Reader
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Assignment is the outcome of a successful claim.
type Assignment struct {
	Range  store.Range
	Puzzle store.Puzzle
	// Existing is true when the client already held this range.
	Existing bool
	Strategy string
	Attempts int
}

// Engine allocates ranges. It is safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	ledger      Ledger
	maxAttempts int
	seeds       []store.Puzzle
	draw        func() float64
	entropy     io.Reader
	metrics     *metrics.Collector
	tracer      trace.Tracer
}

// New creates an Engine over ledger.
func New(ledger Ledger, opts Options) *Engine {
	e := &Engine{
		ledger:      ledger,
		maxAttempts: opts.MaxAttempts,
		seeds:       opts.Seeds,
		draw:        rand.Float64,
		entropy:     opts.Entropy,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if opts.Rand != nil {
		e.draw = opts.Rand.Float64
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("keypool/allocator")
	}
	return e
}

// EnsureSeeded inserts the configured seed puzzles when the puzzle table is
// empty.
func (e *Engine) EnsureSeeded(ctx context.Context) error {
	n, err := e.ledger.InsertPuzzlesIfEmpty(ctx, e.seeds)
	if err != nil {
		return fmt.Errorf("seed puzzles: %w", err)
	}
	if n > 0 {
		slog.Info("seeded default puzzles", "count", n)
	}
	return nil
}

// AssignNextRange returns work for clientID. A client that still holds an
// assigned range gets that range back. A nil assignment with a nil error
// means no work is currently available.
func (e *Engine) AssignNextRange(ctx context.Context, clientID string) (*Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "allocator.AssignNextRange",
		trace.WithAttributes(attribute.String("client_id", clientID)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	defer func() { e.metrics.ObserveAllocation(time.Since(start)) }()

	a, err := e.assign(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if a == nil {
		span.SetAttributes(attribute.Bool("exhausted", true))
		return nil, nil
	}
	span.SetAttributes(
		attribute.String("puzzle", a.Puzzle.Code),
		attribute.String("strategy", a.Strategy),
		attribute.Int("attempts", a.Attempts),
		attribute.Bool("existing", a.Existing),
	)
	return a, nil
}

func (e *Engine) assign(ctx context.Context, clientID string) (*Assignment, error) {
	client, err := e.ledger.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if held, err := e.heldAssignment(ctx, client); err != nil || held != nil {
		return held, err
	}

	puzzles, err := e.ledger.ListEnabledPuzzles(ctx)
	if err != nil {
		return nil, err
	}
	if len(puzzles) == 0 {
		if err := e.EnsureSeeded(ctx); err != nil {
			return nil, err
		}
		if puzzles, err = e.ledger.ListEnabledPuzzles(ctx); err != nil {
			return nil, err
		}
	}
	puzzle := SelectPuzzle(puzzles, e.draw)
	if puzzle == nil {
		slog.Info("no enabled puzzles", "client_id", clientID)
		e.metrics.AllocationExhausted()
		return nil, nil
	}

	a, err := e.allocate(ctx, puzzle, clientID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		slog.Info("no allocatable range", "client_id", clientID, "puzzle", puzzle.Code)
		e.metrics.AllocationExhausted()
		return nil, nil
	}
	e.metrics.AllocationSucceeded(puzzle.Code, a.Strategy)
	slog.Debug("range assigned",
		"client_id", clientID, "puzzle", puzzle.Code, "range_id", a.Range.ID,
		"prefix_start", a.Range.PrefixStart, "prefix_end", a.Range.PrefixEnd,
		"strategy", a.Strategy, "attempts", a.Attempts)
	return a, nil
}

// heldAssignment returns the client's current range if it is still live.
func (e *Engine) heldAssignment(ctx context.Context, client *store.Client) (*Assignment, error) {
	if client.CurrentRangeID == nil {
		return nil, nil
	}
	r, err := e.ledger.GetRange(ctx, *client.CurrentRangeID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Status != store.RangeAssigned || !r.OwnedBy(client.ID) {
		return nil, nil
	}
	p, err := e.ledger.GetPuzzle(ctx, r.PuzzleID)
	if err != nil {
		return nil, err
	}
	return &Assignment{Range: *r, Puzzle: *p, Existing: true, Strategy: "held"}, nil
}

type generator func(ctx context.Context) (*keyspace.Chunk, error)

func (e *Engine) allocate(ctx context.Context, p *store.Puzzle, clientID string) (*Assignment, error) {
	b, err := BoundsOf(p)
	if err != nil {
		return nil, err
	}

	if !p.Randomized {
		return e.attempt(ctx, p, b, clientID, StrategySequential, e.maxAttempts, e.sequentialCandidate(p, b))
	}

	a, err := e.attempt(ctx, p, b, clientID, StrategyRandom, e.maxAttempts, e.randomCandidate(b))
	if err != nil || a != nil {
		return a, err
	}
	slog.Debug("random allocation exhausted, trying sequential", "puzzle", p.Code, "attempts", e.maxAttempts)
	return e.attempt(ctx, p, b, clientID, StrategyFallback, 1, e.sequentialCandidate(p, b))
}

// attempt generates and persists candidates until one sticks, the generator
// runs dry, or the budget is spent.
func (e *Engine) attempt(ctx context.Context, p *store.Puzzle, b Bounds, clientID, strategy string, budget int, gen generator) (*Assignment, error) {
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := gen(ctx)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return nil, nil
		}

		r, err := e.persist(ctx, p, b, chunk, clientID)
		if store.IsConflict(err) {
			e.metrics.AllocationConflict(p.Code)
			slog.Debug("allocation conflict", "puzzle", p.Code, "prefix_start", b.Format(chunk.Start), "attempt", i)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Assignment{Range: *r, Puzzle: *p, Strategy: strategy, Attempts: i}, nil
	}
	return nil, nil
}

func (e *Engine) persist(ctx context.Context, p *store.Puzzle, b Bounds, chunk *keyspace.Chunk, clientID string) (*store.Range, error) {
	start := b.Format(chunk.Start)
	exists, err := e.ledger.RangeExists(ctx, p.ID, start)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, store.NewConflictError("range %s/%s already allocated", p.Code, start)
	}
	end := b.Format(chunk.End)
	return e.ledger.CreateAssignedRange(ctx, store.Range{
		PuzzleID:      p.ID,
		Puzzle:        p.Code,
		PrefixStart:   start,
		PrefixEnd:     end,
		RangeStartHex: start + p.WorkloadStartSuffix,
		RangeEndHex:   end + p.WorkloadEndSuffix,
		ChunkSize:     SaturateInt64(chunk.Width()),
	}, clientID)
}

func (e *Engine) randomCandidate(b Bounds) generator {
	total := b.Total()
	return func(context.Context) (*keyspace.Chunk, error) {
		if total.Sign() <= 0 {
			return nil, nil
		}
		idx, err := keyspace.RandomIndex(e.entropy, total)
		if err != nil {
			return nil, fmt.Errorf("draw chunk index: %w", err)
		}
		c := keyspace.ChunkAt(b.Min, b.Max, b.ChunkSize, idx)
		return &c, nil
	}
}

// sequentialCandidate reads the pool cursor fresh on every call and
// advances it before the range is persisted. A candidate whose insert later
// fails leaves its slice skipped.
func (e *Engine) sequentialCandidate(p *store.Puzzle, b Bounds) generator {
	return func(ctx context.Context) (*keyspace.Chunk, error) {
		if b.Max.Cmp(b.Min) < 0 {
			return nil, nil
		}
		cur, err := e.ledger.GetOrCreateCursor(ctx, p.ID, b.Format(b.Min))
		if err != nil {
			return nil, err
		}
		next, err := keyspace.ParseHex(cur.NextPrefixHex)
		if err != nil {
			return nil, fmt.Errorf("puzzle %s cursor: %w", p.Code, err)
		}
		if next.Cmp(b.Min) < 0 {
			next.Set(b.Min)
		}
		if next.Cmp(b.Max) > 0 {
			return nil, nil
		}

		end := keyspace.ChunkEnd(next, b.Max, b.ChunkSize)
		after := new(big.Int).Add(end, big.NewInt(1))
		moved, err := e.ledger.AdvanceCursor(ctx, p.ID, b.formatCursor(after))
		if err != nil {
			return nil, err
		}
		if !moved {
			// Another allocator got here first. The unique constraint
			// decides which insert wins.
			slog.Debug("cursor advanced concurrently", "puzzle", p.Code, "cursor", cur.NextPrefixHex)
		}
		return &keyspace.Chunk{Start: next, End: end}, nil
	}
}
