package allocator

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/store"
)

// fakeLedger is an in-memory Ledger that can be told to report the first
// N candidates as already taken.
type fakeLedger struct {
	puzzle    store.Puzzle
	client    store.Client
	cursor    string
	taken     map[string]bool
	failFirst int

	existsCalls  int
	createCalls  int
	advanceCalls int
}

func newFakeLedger(p store.Puzzle) *fakeLedger {
	return &fakeLedger{
		puzzle: p,
		client: store.Client{ID: "c1", User: "alice"},
		taken:  map[string]bool{},
	}
}

func (f *fakeLedger) GetClient(context.Context, string) (*store.Client, error) {
	c := f.client
	return &c, nil
}

func (f *fakeLedger) GetRange(_ context.Context, id string) (*store.Range, error) {
	return nil, store.NewNotFoundError("range %q not found", id)
}

func (f *fakeLedger) GetPuzzle(context.Context, string) (*store.Puzzle, error) {
	p := f.puzzle
	return &p, nil
}

func (f *fakeLedger) ListEnabledPuzzles(context.Context) ([]store.Puzzle, error) {
	return []store.Puzzle{f.puzzle}, nil
}

func (f *fakeLedger) InsertPuzzlesIfEmpty(context.Context, []store.Puzzle) (int, error) {
	return 0, nil
}

func (f *fakeLedger) GetOrCreateCursor(_ context.Context, puzzleID, initial string) (*store.PoolCursor, error) {
	if f.cursor == "" {
		f.cursor = initial
	}
	return &store.PoolCursor{PuzzleID: puzzleID, NextPrefixHex: f.cursor}, nil
}

func (f *fakeLedger) AdvanceCursor(_ context.Context, _ string, next string) (bool, error) {
	f.advanceCalls++
	f.cursor = next
	return true, nil
}

func (f *fakeLedger) RangeExists(_ context.Context, _ string, prefixStart string) (bool, error) {
	f.existsCalls++
	if f.existsCalls <= f.failFirst {
		return true, nil
	}
	return f.taken[prefixStart], nil
}

func (f *fakeLedger) CreateAssignedRange(_ context.Context, r store.Range, clientID string) (*store.Range, error) {
	f.createCalls++
	if f.taken[r.PrefixStart] {
		return nil, store.NewConflictError("taken")
	}
	f.taken[r.PrefixStart] = true
	r.ID = "r1"
	r.Status = store.RangeAssigned
	r.AssignedToClientID = &clientID
	return &r, nil
}

func testPuzzle(randomized bool) store.Puzzle {
	return store.Puzzle{
		ID: "p1", Code: "T", Enabled: true, Randomized: randomized, Weight: 1,
		MinPrefixHex: "1000", MaxPrefixHex: "10FF", PrefixLength: 4, ChunkSize: 16,
	}
}

func TestConflictTriggersFreshDraw(t *testing.T) {
	f := newFakeLedger(testPuzzle(true))
	f.failFirst = 3
	m := metrics.New()
	e := New(f, Options{Entropy: bytes.NewReader(bytes.Repeat([]byte{0x05, 0x0A, 0x02, 0x0F}, 8)), Metrics: m})

	a, err := e.AssignNextRange(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 4, a.Attempts)
	assert.Equal(t, StrategyRandom, a.Strategy)
	assert.Equal(t, 4, f.existsCalls)
	assert.Equal(t, 1, f.createCalls)
	// Fourth draw is index 0x0F: 0x1000 + 15*16.
	assert.Equal(t, "10F0", a.Range.PrefixStart)
	assert.Equal(t, "10FF", a.Range.PrefixEnd)
}

func TestRandomExhaustionFallsBackToSequentialOnce(t *testing.T) {
	f := newFakeLedger(testPuzzle(true))
	f.failFirst = 1 << 30
	e := New(f, Options{MaxAttempts: 5})

	a, err := e.AssignNextRange(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Equal(t, 6, f.existsCalls, "5 random attempts plus one fallback")
	assert.Equal(t, 1, f.advanceCalls)
	assert.Equal(t, "1010", f.cursor)
}

func TestFallbackCanSucceed(t *testing.T) {
	f := newFakeLedger(testPuzzle(true))
	f.failFirst = 5
	e := New(f, Options{MaxAttempts: 5})

	a, err := e.AssignNextRange(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, StrategyFallback, a.Strategy)
	assert.Equal(t, "1000", a.Range.PrefixStart)
}

func TestSequentialConflictRereadsCursor(t *testing.T) {
	f := newFakeLedger(testPuzzle(false))
	f.taken["1000"] = true
	f.taken["1010"] = true
	e := New(f, Options{})

	a, err := e.AssignNextRange(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "1020", a.Range.PrefixStart)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, "1030", f.cursor)
}
