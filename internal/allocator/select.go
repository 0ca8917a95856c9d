package allocator

import "github.com/user/keypool/internal/store"

// MinWeight is the floor applied to every puzzle weight during selection.
const MinWeight = 0.01

// SelectPuzzle picks one puzzle. A single puzzle is returned as is; with
// several, each is chosen with probability proportional to its floored
// weight. draw must return values in [0, 1). The walk follows the slice
// order and the last puzzle absorbs rounding.
func SelectPuzzle(puzzles []store.Puzzle, draw func() float64) *store.Puzzle {
	switch len(puzzles) {
	case 0:
		return nil
	case 1:
		return &puzzles[0]
	}

	total := 0.0
	for i := range puzzles {
		total += max(puzzles[i].Weight, MinWeight)
	}
	roll := draw() * total
	cumulative := 0.0
	for i := range puzzles {
		cumulative += max(puzzles[i].Weight, MinWeight)
		if cumulative >= roll {
			return &puzzles[i]
		}
	}
	return &puzzles[len(puzzles)-1]
}
