package coordinator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/keypool/internal/store"
)

// Claim returns the caller's work: the range it already holds, a fresh one,
// or nil when nothing is available.
func (s *Service) Claim(ctx context.Context, clientID string) (d *RangeDescriptor, err error) {
	ctx, span := s.startSpan(ctx, "Claim", attribute.String("client_id", clientID))
	defer func() { endSpan(span, err) }()

	if err := s.store.TouchClient(ctx, clientID); err != nil {
		return nil, err
	}
	a, err := s.engine.AssignNextRange(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if a != nil && !a.Existing {
		s.invalidateOverview()
	}
	return describeAssignment(a), nil
}

// ReportRequest is a progress report for a held range.
type ReportRequest struct {
	RangeID            string   `json:"range_id"`
	ProgressPercent    float64  `json:"progress_percent"`
	SpeedKeysPerSecond *float64 `json:"speed_keys_per_second,omitempty"`
	CardsConnected     *int     `json:"cards_connected,omitempty"`
	MarkComplete       bool     `json:"mark_complete"`
}

// ReportResult echoes the reported range and, after a completion, the next
// one.
type ReportResult struct {
	CurrentRange *RangeDescriptor `json:"current_range"`
	NextRange    *RangeDescriptor `json:"next_range"`
	HasMoreWork  bool             `json:"has_more_work"`
	Completed    bool             `json:"completed"`
	Progress     float64          `json:"progress_percent"`
}

// ReportProgress records progress on a range the caller holds. Completing
// the range allocates the next one in the same call. A report for a range
// that is already completed, for example after a key find, changes nothing
// on the range and is answered like a completion.
func (s *Service) ReportProgress(ctx context.Context, clientID string, req ReportRequest) (res *ReportResult, err error) {
	ctx, span := s.startSpan(ctx, "ReportProgress",
		attribute.String("client_id", clientID), attribute.String("range_id", req.RangeID))
	defer func() { endSpan(span, err) }()

	if req.RangeID == "" {
		return nil, store.NewValidationError("range_id is required")
	}
	r, completed, err := s.store.ApplyProgress(ctx, store.ProgressUpdate{
		ClientID:        clientID,
		RangeID:         req.RangeID,
		ProgressPercent: req.ProgressPercent,
		Speed:           req.SpeedKeysPerSecond,
		CardsConnected:  req.CardsConnected,
		MarkComplete:    req.MarkComplete,
	})
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPuzzle(ctx, r.PuzzleID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	finished := r.Status == store.RangeCompleted
	res = &ReportResult{
		CurrentRange: describe(r, p),
		Completed:    finished,
		Progress:     r.ProgressPercent,
	}
	if !finished {
		return res, nil
	}

	if completed {
		s.invalidateOverview()
		s.metrics.RangeCompleted(r.Puzzle)
		slog.Info("range completed", "client_id", clientID, "range_id", r.ID, "puzzle", r.Puzzle,
			"prefix_start", r.PrefixStart, "prefix_end", r.PrefixEnd)
	} else {
		slog.Debug("report for completed range ignored", "client_id", clientID, "range_id", r.ID,
			"progress_percent", req.ProgressPercent)
	}

	next, err := s.engine.AssignNextRange(ctx, clientID)
	if err != nil {
		return nil, err
	}
	res.NextRange = describeAssignment(next)
	res.HasMoreWork = next != nil
	return res, nil
}
