package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const clientColumns = `c.id, c.user, c.worker_name, c.puzzle, c.application_type, c.cards_connected,
	c.gpu_info, c.client_version, c.api_key, c.status, c.speed_keys_per_second,
	c.registered_at, c.last_seen_at, c.current_range_id`

func scanClient(row rowScanner, extra ...any) (*Client, error) {
	var c Client
	var workerName, gpuInfo, version, currentRange sql.NullString
	var registeredAt, lastSeen string
	dest := []any{
		&c.ID, &c.User, &workerName, &c.Puzzle, &c.ApplicationType, &c.CardsConnected,
		&gpuInfo, &version, &c.APIKey, &c.Status, &c.SpeedKeysPerSecond,
		&registeredAt, &lastSeen, &currentRange,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.WorkerName = nullString(workerName)
	c.GPUInfo = nullString(gpuInfo)
	c.ClientVersion = nullString(version)
	c.CurrentRangeID = nullString(currentRange)
	c.RegisteredAt = parseTime(registeredAt)
	c.LastSeenAt = parseTime(lastSeen)
	return &c, nil
}

// CreateClient stores a newly registered client. ID, credential and
// timestamps are filled in when empty.
func (s *Store) CreateClient(ctx context.Context, c Client) (*Client, error) {
	if strings.TrimSpace(c.User) == "" {
		return nil, NewValidationError("user is required")
	}
	now := s.now()
	if c.ID == "" {
		c.ID = NewClientID()
	}
	if c.APIKey == "" {
		c.APIKey = NewAPIKey()
	}
	if c.Status == "" {
		c.Status = ClientIdle
	}
	if c.ApplicationType == "" {
		c.ApplicationType = AppUnknown
	}
	c.RegisteredAt = now
	c.LastSeenAt = now
	c.CurrentRangeID = nil

	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO clients (id, user, worker_name, puzzle, application_type, cards_connected, gpu_info,
			client_version, api_key, status, speed_keys_per_second, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.User, stringPtrArg(c.WorkerName), c.Puzzle, c.ApplicationType, c.CardsConnected, stringPtrArg(c.GPUInfo),
		stringPtrArg(c.ClientVersion), c.APIKey, c.Status, c.SpeedKeysPerSecond, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isConstraintError(err) {
			return nil, NewConflictError("client %q already exists", c.ID)
		}
		return nil, fmt.Errorf("insert client: %w", err)
	}
	return &c, nil
}

// GetClient returns one client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	c, err := scanClient(s.db.Write.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients c WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("client %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// AuthenticateClient returns the client when id and token both match
// exactly, and an UNAUTHORIZED error otherwise.
func (s *Store) AuthenticateClient(ctx context.Context, id, token string) (*Client, error) {
	if id == "" || token == "" {
		return nil, NewUnauthorizedError("missing client credentials")
	}
	c, err := s.GetClient(ctx, id)
	if IsNotFound(err) {
		return nil, NewUnauthorizedError("invalid client credentials")
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(c.APIKey), []byte(token)) != 1 {
		return nil, NewUnauthorizedError("invalid client credentials")
	}
	return c, nil
}

// TouchClient stamps last_seen_at.
func (s *Store) TouchClient(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, "UPDATE clients SET last_seen_at = ? WHERE id = ?", formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

// ClientWithRange is a client joined with the range it currently holds.
type ClientWithRange struct {
	Client
	CurrentRange *Range `json:"current_range,omitempty"`
}

// ListClients returns every client ordered by user, with its current range.
func (s *Store) ListClients(ctx context.Context) ([]ClientWithRange, error) {
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT `+clientColumns+`,
			r.id, r.prefix_start, r.prefix_end, r.status, r.progress_percent, r.reported_speed
		FROM clients c
		LEFT JOIN ranges r ON r.id = c.current_range_id
		ORDER BY c.user, c.registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	out := []ClientWithRange{}
	for rows.Next() {
		var rID, rStart, rEnd, rStatus sql.NullString
		var rProgress, rSpeed sql.NullFloat64
		c, err := scanClient(rows, &rID, &rStart, &rEnd, &rStatus, &rProgress, &rSpeed)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		cw := ClientWithRange{Client: *c}
		if rID.Valid {
			cw.CurrentRange = &Range{
				ID:              rID.String,
				PrefixStart:     rStart.String,
				PrefixEnd:       rEnd.String,
				Status:          rStatus.String,
				ProgressPercent: rProgress.Float64,
				ReportedSpeed:   rSpeed.Float64,
			}
		}
		out = append(out, cw)
	}
	return out, rows.Err()
}
