package store

import (
	"context"
	"fmt"
)

// GetOrCreateCursor returns the pool cursor for a puzzle, creating it at
// initial when it does not exist yet.
func (s *Store) GetOrCreateCursor(ctx context.Context, puzzleID, initial string) (*PoolCursor, error) {
	_, err := s.writer.ExecContext(ctx,
		"INSERT OR IGNORE INTO pool_cursors (puzzle_id, next_prefix_hex, updated_at) VALUES (?, ?, ?)",
		puzzleID, initial, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("create cursor: %w", err)
	}

	var c PoolCursor
	var updatedAt string
	err = s.db.Write.QueryRowContext(ctx,
		"SELECT puzzle_id, next_prefix_hex, updated_at FROM pool_cursors WHERE puzzle_id = ?", puzzleID,
	).Scan(&c.PuzzleID, &c.NextPrefixHex, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// AdvanceCursor moves a puzzle's cursor forward to next. Values are
// upper-case hex compared with leading zeros stripped, so a longer digit
// string is larger. A move backwards is ignored and reported as false.
func (s *Store) AdvanceCursor(ctx context.Context, puzzleID, next string) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `
		UPDATE pool_cursors SET next_prefix_hex = ?, updated_at = ?
		WHERE puzzle_id = ?
		  AND (length(ltrim(next_prefix_hex, '0')) < length(ltrim(?, '0'))
		       OR (length(ltrim(next_prefix_hex, '0')) = length(ltrim(?, '0'))
		           AND ltrim(next_prefix_hex, '0') < ltrim(?, '0')))`,
		next, formatTime(s.now()), puzzleID, next, next, next)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
