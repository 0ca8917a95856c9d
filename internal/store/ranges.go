package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

const rangeColumns = `r.id, r.puzzle_id, r.puzzle, r.prefix_start, r.prefix_end, r.range_start_hex, r.range_end_hex,
	r.chunk_size, r.status, r.assigned_to_client_id, r.assigned_at, r.completed_at, r.last_update_at,
	r.progress_percent, r.reported_speed`

func scanRange(row rowScanner, extra ...any) (*Range, error) {
	var r Range
	var assignedTo, assignedAt, completedAt, lastUpdate sql.NullString
	dest := []any{
		&r.ID, &r.PuzzleID, &r.Puzzle, &r.PrefixStart, &r.PrefixEnd, &r.RangeStartHex, &r.RangeEndHex,
		&r.ChunkSize, &r.Status, &assignedTo, &assignedAt, &completedAt, &lastUpdate,
		&r.ProgressPercent, &r.ReportedSpeed,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.AssignedToClientID = nullString(assignedTo)
	r.AssignedAt = parseNullTime(assignedAt)
	r.CompletedAt = parseNullTime(completedAt)
	r.LastUpdateAt = parseNullTime(lastUpdate)
	return &r, nil
}

func getRangeTx(ctx context.Context, tx *sql.Tx, id string) (*Range, error) {
	r, err := scanRange(tx.QueryRowContext(ctx, "SELECT "+rangeColumns+" FROM ranges r WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("range %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	return r, nil
}

// GetRange returns one range by ID.
func (s *Store) GetRange(ctx context.Context, id string) (*Range, error) {
	r, err := scanRange(s.db.Read.QueryRowContext(ctx, "SELECT "+rangeColumns+" FROM ranges r WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("range %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	return r, nil
}

// RangeExists reports whether a range already starts at prefixStart.
func (s *Store) RangeExists(ctx context.Context, puzzleID, prefixStart string) (bool, error) {
	var n int
	err := s.db.Write.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ranges WHERE puzzle_id = ? AND prefix_start = ?", puzzleID, prefixStart,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check range: %w", err)
	}
	return n > 0, nil
}

// HasRanges reports whether the ledger holds any range for the puzzle.
func (s *Store) HasRanges(ctx context.Context, puzzleID string) (bool, error) {
	var n int
	err := s.db.Read.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM ranges WHERE puzzle_id = ?)", puzzleID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check ranges: %w", err)
	}
	return n > 0, nil
}

// CreateAssignedRange persists a new range bound to clientID and points the
// client at it in the same transaction. A duplicate (puzzle, prefix_start)
// fails with a CONFLICT error and leaves nothing behind.
func (s *Store) CreateAssignedRange(ctx context.Context, r Range, clientID string) (*Range, error) {
	now := s.now()
	if r.ID == "" {
		r.ID = NewRangeID()
	}
	r.Status = RangeAssigned
	r.AssignedToClientID = &clientID
	r.AssignedAt = &now
	r.LastUpdateAt = &now
	r.ProgressPercent = 0
	r.ReportedSpeed = 0

	err := s.writer.ExecuteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ranges (id, puzzle_id, puzzle, prefix_start, prefix_end, range_start_hex, range_end_hex,
				chunk_size, status, assigned_to_client_id, assigned_at, last_update_at, progress_percent, reported_speed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			r.ID, r.PuzzleID, r.Puzzle, r.PrefixStart, r.PrefixEnd, r.RangeStartHex, r.RangeEndHex,
			r.ChunkSize, r.Status, clientID, formatTime(now), formatTime(now),
		)
		if err != nil {
			if isConstraintError(err) {
				return NewConflictError("range %s/%s already allocated", r.Puzzle, r.PrefixStart)
			}
			return fmt.Errorf("insert range: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE clients SET current_range_id = ?, puzzle = ?, status = ?, last_seen_at = ?
			WHERE id = ?`,
			r.ID, r.Puzzle, ClientScanning, formatTime(now), clientID,
		)
		if err != nil {
			return fmt.Errorf("bind client: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewNotFoundError("client %q not found", clientID)
		}

		if _, err := tx.ExecContext(ctx, "UPDATE puzzles SET updated_at = ? WHERE id = ?", formatTime(now), r.PuzzleID); err != nil {
			return fmt.Errorf("touch puzzle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ProgressUpdate is one progress report from the client holding a range.
type ProgressUpdate struct {
	ClientID        string
	RangeID         string
	ProgressPercent float64
	Speed           *float64
	CardsConnected  *int
	MarkComplete    bool
}

// ClampPercent bounds a progress value to [0,100]. NaN reads as 0.
func ClampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ApplyProgress records a progress report. When the report completes the
// range the client is released; otherwise it stays bound and scanning.
// It returns the updated range and whether this report completed it.
//
// A report for a range that is already completed leaves the range row
// untouched, refreshes the client's liveness and releases the client if it
// is still bound to that range. The returned range then has status
// completed and the flag is false.
func (s *Store) ApplyProgress(ctx context.Context, u ProgressUpdate) (*Range, bool, error) {
	now := s.now()
	pct := ClampPercent(u.ProgressPercent)
	completed := u.MarkComplete || pct >= 100

	var speed *float64
	if u.Speed != nil {
		v := math.Max(0, *u.Speed)
		speed = &v
	}
	var cards *int
	if u.CardsConnected != nil {
		v := max(0, *u.CardsConnected)
		cards = &v
	}

	var out *Range
	var finished bool
	err := s.writer.ExecuteTx(ctx, func(tx *sql.Tx) error {
		r, err := getRangeTx(ctx, tx, u.RangeID)
		if err != nil {
			return err
		}
		if !r.OwnedBy(u.ClientID) {
			return NewNotOwnedError("range %q is not assigned to this client", u.RangeID)
		}
		finished = r.Status == RangeCompleted
		if finished {
			_, err = tx.ExecContext(ctx, `
				UPDATE clients SET
					status = CASE WHEN current_range_id = ? THEN ? ELSE status END,
					current_range_id = CASE WHEN current_range_id = ? THEN NULL ELSE current_range_id END,
					last_seen_at = ?,
					speed_keys_per_second = COALESCE(?, speed_keys_per_second),
					cards_connected = COALESCE(?, cards_connected)
				WHERE id = ?`,
				r.ID, ClientCompleted, r.ID, formatTime(now), floatPtrArg(speed), intPtrArg(cards), u.ClientID,
			)
			if err != nil {
				return fmt.Errorf("update client: %w", err)
			}
			out = r
			return nil
		}

		r.LastUpdateAt = &now
		if speed != nil {
			r.ReportedSpeed = *speed
		}
		if completed {
			r.Status = RangeCompleted
			r.ProgressPercent = 100
			r.CompletedAt = &now
		} else {
			r.ProgressPercent = pct
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE ranges SET status = ?, progress_percent = ?, reported_speed = ?, last_update_at = ?, completed_at = ?
			WHERE id = ?`,
			r.Status, r.ProgressPercent, r.ReportedSpeed, formatTime(now), formatTimePtr(r.CompletedAt), r.ID,
		)
		if err != nil {
			return fmt.Errorf("update range: %w", err)
		}

		if completed {
			_, err = tx.ExecContext(ctx, `
				UPDATE clients SET current_range_id = NULL, status = ?, last_seen_at = ?,
					speed_keys_per_second = COALESCE(?, speed_keys_per_second),
					cards_connected = COALESCE(?, cards_connected)
				WHERE id = ?`,
				ClientCompleted, formatTime(now), floatPtrArg(speed), intPtrArg(cards), u.ClientID,
			)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE clients SET current_range_id = ?, puzzle = ?, status = ?, last_seen_at = ?,
					speed_keys_per_second = COALESCE(?, speed_keys_per_second),
					cards_connected = COALESCE(?, cards_connected)
				WHERE id = ?`,
				r.ID, r.Puzzle, ClientScanning, formatTime(now), floatPtrArg(speed), intPtrArg(cards), u.ClientID,
			)
		}
		if err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, completed && !finished, nil
}

// ActiveRange is an in-flight range joined with its holder's name.
type ActiveRange struct {
	Range
	ClientName string `json:"client_name"`
}

// ListActiveRanges returns ranges that are not completed, most recently
// updated first.
func (s *Store) ListActiveRanges(ctx context.Context, limit int) ([]ActiveRange, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT `+rangeColumns+`, COALESCE(NULLIF(c.worker_name, ''), c.user, '')
		FROM ranges r
		LEFT JOIN clients c ON c.id = r.assigned_to_client_id
		WHERE r.status != ?
		ORDER BY r.last_update_at DESC
		LIMIT ?`, RangeCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("list active ranges: %w", err)
	}
	defer rows.Close()

	out := []ActiveRange{}
	for rows.Next() {
		var name string
		r, err := scanRange(rows, &name)
		if err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		out = append(out, ActiveRange{Range: *r, ClientName: name})
	}
	return out, rows.Err()
}

// RangeCounts is the per-puzzle tally of the range ledger.
type RangeCounts struct {
	Completed  int64
	InProgress int64
}

// CountRangesByPuzzle tallies completed and in-progress ranges keyed by
// puzzle ID.
func (s *Store) CountRangesByPuzzle(ctx context.Context) (map[string]RangeCounts, error) {
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT puzzle_id,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM ranges
		GROUP BY puzzle_id`, RangeCompleted, RangeAssigned)
	if err != nil {
		return nil, fmt.Errorf("count ranges: %w", err)
	}
	defer rows.Close()

	counts := map[string]RangeCounts{}
	for rows.Next() {
		var id string
		var c RangeCounts
		if err := rows.Scan(&id, &c.Completed, &c.InProgress); err != nil {
			return nil, fmt.Errorf("scan range counts: %w", err)
		}
		counts[id] = c
	}
	return counts, rows.Err()
}

func floatPtrArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtrArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
