package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// RecordKeyFind appends a discovery event. When the event names a range,
// that range is forced to completed. The reporting client is released.
func (s *Store) RecordKeyFind(ctx context.Context, ev KeyFindEvent) (*KeyFindEvent, error) {
	if strings.TrimSpace(ev.PrivateKey) == "" {
		return nil, NewValidationError("private_key is required")
	}
	now := s.now()
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	ev.ReportedAt = now

	err := s.writer.ExecuteTx(ctx, func(tx *sql.Tx) error {
		if ev.RangeID != nil && *ev.RangeID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE ranges SET status = ?, progress_percent = 100, completed_at = ?, last_update_at = ?
				WHERE id = ?`,
				RangeCompleted, formatTime(now), formatTime(now), *ev.RangeID,
			)
			if err != nil {
				return fmt.Errorf("complete range: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Unknown range: keep the event, drop the reference.
				ev.RangeID = nil
			} else {
				// Any other holder of the range no longer has live work.
				_, err = tx.ExecContext(ctx, `
					UPDATE clients SET current_range_id = NULL, status = ?
					WHERE current_range_id = ? AND id != ?`,
					ClientIdle, *ev.RangeID, ev.ClientID,
				)
				if err != nil {
					return fmt.Errorf("release range holders: %w", err)
				}
			}
		} else {
			ev.RangeID = nil
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO key_find_events (id, client_id, range_id, puzzle, worker_name, user, private_key, reported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.ClientID, stringPtrArg(ev.RangeID), ev.Puzzle, ev.WorkerName, ev.User, ev.PrivateKey, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert key find: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET current_range_id = NULL, status = ?, last_seen_at = ?
			WHERE id = ?`,
			ClientCompleted, formatTime(now), ev.ClientID,
		)
		if err != nil {
			return fmt.Errorf("release client: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CountKeyFindsByPuzzle tallies discovery events keyed by upper-cased
// puzzle code.
func (s *Store) CountKeyFindsByPuzzle(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Read.QueryContext(ctx,
		"SELECT UPPER(TRIM(puzzle)), COUNT(*) FROM key_find_events GROUP BY UPPER(TRIM(puzzle))")
	if err != nil {
		return nil, fmt.Errorf("count key finds: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan key find count: %w", err)
		}
		counts[code] = n
	}
	return counts, rows.Err()
}

// ListKeyFinds returns the newest discovery events first.
func (s *Store) ListKeyFinds(ctx context.Context, limit int) ([]KeyFindEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT id, client_id, range_id, puzzle, worker_name, user, private_key, reported_at
		FROM key_find_events
		ORDER BY reported_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list key finds: %w", err)
	}
	defer rows.Close()

	events := []KeyFindEvent{}
	for rows.Next() {
		var ev KeyFindEvent
		var rangeID sql.NullString
		var reportedAt string
		if err := rows.Scan(&ev.ID, &ev.ClientID, &rangeID, &ev.Puzzle, &ev.WorkerName, &ev.User, &ev.PrivateKey, &reportedAt); err != nil {
			return nil, fmt.Errorf("scan key find: %w", err)
		}
		ev.RangeID = nullString(rangeID)
		ev.ReportedAt = parseTime(reportedAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
