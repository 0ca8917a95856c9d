package allocator

import (
	"fmt"
	"math/big"

	"github.com/user/keypool/internal/keyspace"
	"github.com/user/keypool/internal/store"
)

// Bounds is the parsed numeric view of a puzzle's keyspace.
type Bounds struct {
	Min          *big.Int
	Max          *big.Int
	ChunkSize    int64
	PrefixLength int
}

// BoundsOf parses a puzzle's stored hex bounds.
func BoundsOf(p *store.Puzzle) (Bounds, error) {
	min, err := keyspace.ParseHex(p.MinPrefixHex)
	if err != nil {
		return Bounds{}, fmt.Errorf("puzzle %s min: %w", p.Code, err)
	}
	max, err := keyspace.ParseHex(p.MaxPrefixHex)
	if err != nil {
		return Bounds{}, fmt.Errorf("puzzle %s max: %w", p.Code, err)
	}
	chunk := p.ChunkSize
	if chunk < 1 {
		chunk = 1
	}
	return Bounds{Min: min, Max: max, ChunkSize: chunk, PrefixLength: p.EffectivePrefixLength()}, nil
}

// Total is the number of assignable chunks.
func (b Bounds) Total() *big.Int {
	return keyspace.TotalChunks(b.Min, b.Max, b.ChunkSize)
}

// Format renders a prefix at the puzzle's prefix length.
func (b Bounds) Format(v *big.Int) string {
	return keyspace.FormatHex(v, b.PrefixLength)
}

// formatCursor renders a cursor value without ever truncating it, so a
// cursor one past max stays larger than max.
func (b Bounds) formatCursor(v *big.Int) string {
	return keyspace.FormatHex(v, max(b.PrefixLength, keyspace.Width(v)))
}

// TotalAssignmentSlots sums the chunk counts of every puzzle, saturating at
// the largest int64.
func TotalAssignmentSlots(puzzles []store.Puzzle) int64 {
	total := new(big.Int)
	for i := range puzzles {
		b, err := BoundsOf(&puzzles[i])
		if err != nil {
			continue
		}
		total.Add(total, b.Total())
	}
	return SaturateInt64(total)
}

// SaturateInt64 converts v to int64, clamping at the int64 range.
func SaturateInt64(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	if v.Sign() < 0 {
		return -1 << 63
	}
	return 1<<63 - 1
}
