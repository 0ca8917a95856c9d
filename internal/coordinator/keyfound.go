package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/keypool/internal/notify"
	"github.com/user/keypool/internal/store"
)

// KeyFoundRequest reports a discovered key.
type KeyFoundRequest struct {
	RangeID    string `json:"range_id,omitempty"`
	Puzzle     string `json:"puzzle,omitempty"`
	PrivateKey string `json:"private_key"`
}

// KeyFoundResult acknowledges a recorded discovery.
type KeyFoundResult struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id"`
}

// RecordKeyFound stores the discovery, completes the named range and frees
// the client. Alerting happens afterwards and never affects the result.
func (s *Service) RecordKeyFound(ctx context.Context, c *store.Client, req KeyFoundRequest) (res *KeyFoundResult, err error) {
	ctx, span := s.startSpan(ctx, "RecordKeyFound",
		attribute.String("client_id", c.ID), attribute.String("range_id", req.RangeID))
	defer func() { endSpan(span, err) }()

	key := strings.TrimSpace(req.PrivateKey)
	if key == "" {
		return nil, store.NewValidationError("private_key is required")
	}

	var r *store.Range
	if req.RangeID != "" {
		r, err = s.store.GetRange(ctx, req.RangeID)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
		err = nil
	}
	puzzle := strings.TrimSpace(req.Puzzle)
	switch {
	case puzzle != "":
	case r != nil:
		puzzle = r.Puzzle
	default:
		puzzle = c.Puzzle
	}

	ev, err := s.store.RecordKeyFind(ctx, store.KeyFindEvent{
		ClientID:   c.ID,
		RangeID:    optional(req.RangeID),
		Puzzle:     puzzle,
		WorkerName: c.DisplayName(),
		User:       c.User,
		PrivateKey: key,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOverview()
	s.metrics.KeyFound(puzzle)
	slog.Info("key found", "client_id", c.ID, "event_id", ev.ID, "puzzle", puzzle, "range_id", req.RangeID)

	alert := notify.KeyFound{
		EventID:    ev.ID,
		Puzzle:     puzzle,
		Worker:     ev.WorkerName,
		User:       ev.User,
		ReportedAt: ev.ReportedAt,
	}
	if r != nil {
		alert.RangeID = r.ID
		alert.PrefixStart = r.PrefixStart
		alert.PrefixEnd = r.PrefixEnd
	}
	s.notifier.Notify(alert)

	return &KeyFoundResult{Accepted: true, EventID: ev.ID}, nil
}

// ListKeyFinds returns the discovery ledger, newest first.
func (s *Service) ListKeyFinds(ctx context.Context, limit int) ([]store.KeyFindEvent, error) {
	return s.store.ListKeyFinds(ctx, limit)
}
