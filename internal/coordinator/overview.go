package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/user/keypool/internal/allocator"
	"github.com/user/keypool/internal/store"
)

// PuzzleStats is one puzzle's progress.
type PuzzleStats struct {
	PuzzleID           string  `json:"puzzle_id"`
	Code               string  `json:"code"`
	DisplayName        string  `json:"display_name"`
	Enabled            bool    `json:"enabled"`
	Randomized         bool    `json:"randomized"`
	RangesTotal        int64   `json:"ranges_total"`
	RangesCompleted    int64   `json:"ranges_completed"`
	RangesInProgress   int64   `json:"ranges_in_progress"`
	PercentageSearched float64 `json:"percentage_searched"`
	KeysFound          int64   `json:"keys_found"`
}

// WorkerStats is one registered client as the dashboard sees it.
type WorkerStats struct {
	ClientID             string    `json:"client_id"`
	User                 string    `json:"user"`
	WorkerName           *string   `json:"worker_name,omitempty"`
	ApplicationType      string    `json:"application_type"`
	Puzzle               string    `json:"puzzle"`
	CardsConnected       int       `json:"cards_connected"`
	SpeedKeysPerSecond   float64   `json:"speed_keys_per_second"`
	LastSeenAt           time.Time `json:"last_seen_at"`
	Online               bool      `json:"online"`
	CurrentRange         *string   `json:"current_range,omitempty"`
	CurrentRangeProgress *float64  `json:"current_range_progress,omitempty"`
	Status               string    `json:"status"`
}

// RangeSummary is an in-flight range.
type RangeSummary struct {
	RangeID         string     `json:"range_id"`
	Puzzle          string     `json:"puzzle"`
	PrefixStart     string     `json:"prefix_start"`
	PrefixEnd       string     `json:"prefix_end"`
	ProgressPercent float64    `json:"progress_percent"`
	Status          string     `json:"status"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	LastUpdateAt    *time.Time `json:"last_update_at,omitempty"`
}

// Overview is the aggregate pool state.
type Overview struct {
	TotalSpeedKeysPerSecond float64        `json:"total_speed_keys_per_second"`
	WorkersOnline           int            `json:"workers_online"`
	TotalRanges             int64          `json:"total_ranges"`
	GeneratedAt             time.Time      `json:"generated_at"`
	Puzzles                 []PuzzleStats  `json:"puzzles"`
	Workers                 []WorkerStats  `json:"workers"`
	ActiveRanges            []RangeSummary `json:"active_ranges"`
}

// Overview computes the pool statistics. Results may be served from a short
// lived cache when one is configured.
func (s *Service) Overview(ctx context.Context) (ov *Overview, err error) {
	if s.overview != nil {
		if v, ok := s.overview.Get(overviewKey); ok {
			return v.(*Overview), nil
		}
	}

	ctx, span := s.startSpan(ctx, "Overview")
	defer func() { endSpan(span, err) }()

	ov, err = s.computeOverview(ctx)
	if err != nil {
		return nil, err
	}
	if s.overview != nil {
		s.overview.Set(overviewKey, ov, cache.DefaultExpiration)
	}
	return ov, nil
}

func (s *Service) computeOverview(ctx context.Context) (*Overview, error) {
	now := s.store.Now()

	puzzles, err := s.store.ListPuzzles(ctx)
	if err != nil {
		return nil, err
	}
	if len(puzzles) == 0 {
		if err := s.engine.EnsureSeeded(ctx); err != nil {
			return nil, err
		}
		if puzzles, err = s.store.ListPuzzles(ctx); err != nil {
			return nil, err
		}
	}

	rangeCounts, err := s.store.CountRangesByPuzzle(ctx)
	if err != nil {
		return nil, err
	}
	keyCounts, err := s.store.CountKeyFindsByPuzzle(ctx)
	if err != nil {
		return nil, err
	}
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListActiveRanges(ctx, s.cfg.ActiveRangesLimit)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		GeneratedAt:  now,
		TotalRanges:  allocator.TotalAssignmentSlots(puzzles),
		Puzzles:      make([]PuzzleStats, 0, len(puzzles)),
		Workers:      make([]WorkerStats, 0, len(clients)),
		ActiveRanges: make([]RangeSummary, 0, len(active)),
	}

	for i := range puzzles {
		p := &puzzles[i]
		counts := rangeCounts[p.ID]
		total := big.NewInt(0)
		if b, err := allocator.BoundsOf(p); err == nil {
			total = b.Total()
		}
		ov.Puzzles = append(ov.Puzzles, PuzzleStats{
			PuzzleID:           p.ID,
			Code:               p.Code,
			DisplayName:        p.DisplayName,
			Enabled:            p.Enabled,
			Randomized:         p.Randomized,
			RangesTotal:        allocator.SaturateInt64(total),
			RangesCompleted:    counts.Completed,
			RangesInProgress:   counts.InProgress,
			PercentageSearched: searchedPercent(counts.Completed, total),
			KeysFound:          keyCounts[strings.ToUpper(strings.TrimSpace(p.Code))],
		})
	}

	threshold := now.Add(-s.cfg.OfflineAfter)
	for _, c := range clients {
		online := !c.LastSeenAt.Before(threshold)
		if online {
			ov.WorkersOnline++
			ov.TotalSpeedKeysPerSecond += c.SpeedKeysPerSecond
		}
		w := WorkerStats{
			ClientID:           c.ID,
			User:               c.User,
			WorkerName:         c.WorkerName,
			ApplicationType:    c.ApplicationType,
			Puzzle:             c.Puzzle,
			CardsConnected:     c.CardsConnected,
			SpeedKeysPerSecond: c.SpeedKeysPerSecond,
			LastSeenAt:         c.LastSeenAt,
			Online:             online,
			Status:             c.Status,
		}
		if c.CurrentRange != nil {
			current := fmt.Sprintf("%s-%s", c.CurrentRange.PrefixStart, c.CurrentRange.PrefixEnd)
			progress := c.CurrentRange.ProgressPercent
			w.CurrentRange = &current
			w.CurrentRangeProgress = &progress
		}
		ov.Workers = append(ov.Workers, w)
	}

	for _, r := range active {
		ov.ActiveRanges = append(ov.ActiveRanges, RangeSummary{
			RangeID:         r.ID,
			Puzzle:          r.Puzzle,
			PrefixStart:     r.PrefixStart,
			PrefixEnd:       r.PrefixEnd,
			ProgressPercent: r.ProgressPercent,
			Status:          r.Status,
			AssignedTo:      r.ClientName,
			LastUpdateAt:    r.LastUpdateAt,
		})
	}
	return ov, nil
}

// searchedPercent is completed/total*100 clamped to [0,100]; 0 when the
// puzzle has no chunks.
func searchedPercent(completed int64, total *big.Int) float64 {
	if total == nil || total.Sign() <= 0 {
		return 0
	}
	pct, _ := new(big.Rat).SetFrac(big.NewInt(completed*100), total).Float64()
	return store.ClampPercent(pct)
}
