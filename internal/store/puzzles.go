package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const puzzleColumns = `id, code, display_name, enabled, randomized, weight, target_address,
	min_prefix_hex, max_prefix_hex, prefix_length, chunk_size,
	workload_start_suffix, workload_end_suffix, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPuzzle(row rowScanner) (*Puzzle, error) {
	var p Puzzle
	var notes sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&p.ID, &p.Code, &p.DisplayName, &p.Enabled, &p.Randomized, &p.Weight, &p.TargetAddress,
		&p.MinPrefixHex, &p.MaxPrefixHex, &p.PrefixLength, &p.ChunkSize,
		&p.WorkloadStartSuffix, &p.WorkloadEndSuffix, &notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Notes = nullString(notes)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) queryPuzzles(ctx context.Context, where string) ([]Puzzle, error) {
	rows, err := s.db.Read.QueryContext(ctx,
		"SELECT "+puzzleColumns+" FROM puzzles "+where+" ORDER BY display_name, code")
	if err != nil {
		return nil, fmt.Errorf("list puzzles: %w", err)
	}
	defer rows.Close()

	puzzles := []Puzzle{}
	for rows.Next() {
		p, err := scanPuzzle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan puzzle: %w", err)
		}
		puzzles = append(puzzles, *p)
	}
	return puzzles, rows.Err()
}

// ListPuzzles returns every puzzle ordered by display name.
func (s *Store) ListPuzzles(ctx context.Context) ([]Puzzle, error) {
	return s.queryPuzzles(ctx, "")
}

// ListEnabledPuzzles returns the puzzles eligible for allocation, in the
// fixed order used by weighted selection.
func (s *Store) ListEnabledPuzzles(ctx context.Context) ([]Puzzle, error) {
	return s.queryPuzzles(ctx, "WHERE enabled = 1")
}

// CountPuzzles returns the number of stored puzzles, enabled or not.
func (s *Store) CountPuzzles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Read.QueryRowContext(ctx, "SELECT COUNT(*) FROM puzzles").Scan(&n); err != nil {
		return 0, fmt.Errorf("count puzzles: %w", err)
	}
	return n, nil
}

// GetPuzzleByCode looks a puzzle up by its code, case-insensitively.
func (s *Store) GetPuzzleByCode(ctx context.Context, code string) (*Puzzle, error) {
	row := s.db.Read.QueryRowContext(ctx,
		"SELECT "+puzzleColumns+" FROM puzzles WHERE code = ?", strings.ToUpper(strings.TrimSpace(code)))
	p, err := scanPuzzle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("puzzle %q not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("get puzzle: %w", err)
	}
	return p, nil
}

// GetPuzzle looks a puzzle up by ID.
func (s *Store) GetPuzzle(ctx context.Context, id string) (*Puzzle, error) {
	p, err := scanPuzzle(s.db.Read.QueryRowContext(ctx, "SELECT "+puzzleColumns+" FROM puzzles WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("puzzle %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get puzzle: %w", err)
	}
	return p, nil
}

// SavePuzzle inserts or replaces a puzzle keyed by code. The caller is
// responsible for validation. The stored row is returned.
func (s *Store) SavePuzzle(ctx context.Context, p Puzzle) (*Puzzle, error) {
	now := s.now()
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	if p.Code == "" {
		return nil, NewValidationError("puzzle code is required")
	}
	if p.ID == "" {
		p.ID = NewPuzzleID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO puzzles (`+puzzleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			display_name = excluded.display_name,
			enabled = excluded.enabled,
			randomized = excluded.randomized,
			weight = excluded.weight,
			target_address = excluded.target_address,
			min_prefix_hex = excluded.min_prefix_hex,
			max_prefix_hex = excluded.max_prefix_hex,
			prefix_length = excluded.prefix_length,
			chunk_size = excluded.chunk_size,
			workload_start_suffix = excluded.workload_start_suffix,
			workload_end_suffix = excluded.workload_end_suffix,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		p.ID, p.Code, p.DisplayName, boolToInt(p.Enabled), boolToInt(p.Randomized), p.Weight, p.TargetAddress,
		p.MinPrefixHex, p.MaxPrefixHex, p.PrefixLength, p.ChunkSize,
		p.WorkloadStartSuffix, p.WorkloadEndSuffix, stringPtrArg(p.Notes), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("save puzzle %s: %w", p.Code, err)
	}
	return s.GetPuzzleByCode(ctx, p.Code)
}

// DeletePuzzle removes a puzzle. Its ranges and cursor go with it.
func (s *Store) DeletePuzzle(ctx context.Context, code string) error {
	res, err := s.writer.ExecContext(ctx, "DELETE FROM puzzles WHERE code = ?", strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return fmt.Errorf("delete puzzle: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return NewNotFoundError("puzzle %q not found", code)
	}
	return nil
}

// InsertPuzzlesIfEmpty stores seeds only when the puzzle table is empty.
// It returns the number of puzzles inserted.
func (s *Store) InsertPuzzlesIfEmpty(ctx context.Context, seeds []Puzzle) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	inserted := 0
	now := s.now()
	err := s.writer.ExecuteTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM puzzles").Scan(&n); err != nil {
			return fmt.Errorf("count puzzles: %w", err)
		}
		if n > 0 {
			return nil
		}
		for _, p := range seeds {
			code := strings.ToUpper(strings.TrimSpace(p.Code))
			if code == "" {
				continue
			}
			id := p.ID
			if id == "" {
				id = NewPuzzleID()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO puzzles (`+puzzleColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, code, p.DisplayName, boolToInt(p.Enabled), boolToInt(p.Randomized), p.Weight, p.TargetAddress,
				p.MinPrefixHex, p.MaxPrefixHex, p.PrefixLength, p.ChunkSize,
				p.WorkloadStartSuffix, p.WorkloadEndSuffix, stringPtrArg(p.Notes), formatTime(now), formatTime(now),
			)
			if err != nil {
				return fmt.Errorf("seed puzzle %s: %w", code, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
