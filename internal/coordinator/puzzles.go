package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/keypool/internal/keyspace"
	"github.com/user/keypool/internal/store"
)

// PuzzleInput is an admin upsert. Blank strings and nil pointers keep the
// stored value; for a new puzzle they take the defaults.
type PuzzleInput struct {
	DisplayName         string   `json:"display_name,omitempty"`
	Enabled             *bool    `json:"enabled,omitempty"`
	Randomized          *bool    `json:"randomized,omitempty"`
	Weight              *float64 `json:"weight,omitempty"`
	TargetAddress       string   `json:"target_address,omitempty"`
	MinPrefixHex        string   `json:"min_prefix_hex,omitempty"`
	MaxPrefixHex        string   `json:"max_prefix_hex,omitempty"`
	PrefixLength        *int     `json:"prefix_length,omitempty"`
	ChunkSize           *int64   `json:"chunk_size,omitempty"`
	WorkloadStartSuffix string   `json:"workload_start_suffix,omitempty"`
	WorkloadEndSuffix   string   `json:"workload_end_suffix,omitempty"`
	Notes               string   `json:"notes,omitempty"`
}

// ListPuzzles returns every puzzle ordered by display name.
func (s *Service) ListPuzzles(ctx context.Context) ([]store.Puzzle, error) {
	return s.store.ListPuzzles(ctx)
}

// UpsertPuzzle creates or updates the puzzle with the given code. The
// request is validated in full before anything is written.
func (s *Service) UpsertPuzzle(ctx context.Context, code string, in PuzzleInput) (p *store.Puzzle, err error) {
	ctx, span := s.startSpan(ctx, "UpsertPuzzle", attribute.String("puzzle", code))
	defer func() { endSpan(span, err) }()

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, store.NewValidationError("puzzle code is required")
	}

	var current store.Puzzle
	existing, err := s.store.GetPuzzleByCode(ctx, code)
	switch {
	case err == nil:
		current = *existing
	case store.IsNotFound(err):
		current = store.Puzzle{Code: code, Enabled: true, Randomized: true, Weight: 1, ChunkSize: 4}
	default:
		return nil, err
	}

	next, err := mergePuzzle(current, in)
	if err != nil {
		return nil, err
	}
	if existing != nil && next.PrefixLength != existing.PrefixLength {
		used, err := s.store.HasRanges(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, store.NewValidationError("prefix_length cannot change from %d to %d once ranges exist",
				existing.PrefixLength, next.PrefixLength)
		}
	}
	saved, err := s.store.SavePuzzle(ctx, next)
	if err != nil {
		return nil, err
	}
	s.invalidateOverview()
	slog.Info("puzzle saved", "puzzle", saved.Code, "created", existing == nil,
		"min_prefix", saved.MinPrefixHex, "max_prefix", saved.MaxPrefixHex, "randomized", saved.Randomized)
	return saved, nil
}

// mergePuzzle applies in over p and returns the validated result. p is not
// modified.
func mergePuzzle(p store.Puzzle, in PuzzleInput) (store.Puzzle, error) {
	if v := strings.TrimSpace(in.DisplayName); v != "" {
		p.DisplayName = v
	}
	if v := strings.TrimSpace(in.TargetAddress); v != "" {
		p.TargetAddress = v
	}
	if v := keyspace.NormalizeHex(in.MinPrefixHex); v != "" {
		p.MinPrefixHex = v
	}
	if v := keyspace.NormalizeHex(in.MaxPrefixHex); v != "" {
		p.MaxPrefixHex = v
	}
	if p.MinPrefixHex == "" || p.MaxPrefixHex == "" {
		return p, store.NewValidationError("min and max prefix values are required")
	}
	if v := keyspace.NormalizeHex(in.WorkloadStartSuffix); v != "" {
		p.WorkloadStartSuffix = v
	}
	if v := keyspace.NormalizeHex(in.WorkloadEndSuffix); v != "" {
		p.WorkloadEndSuffix = v
	}
	if v := strings.TrimSpace(in.Notes); v != "" {
		p.Notes = &v
	}

	lo, err := keyspace.ParseHex(p.MinPrefixHex)
	if err != nil {
		return p, store.NewValidationError("min_prefix_hex: %v", err)
	}
	hi, err := keyspace.ParseHex(p.MaxPrefixHex)
	if err != nil {
		return p, store.NewValidationError("max_prefix_hex: %v", err)
	}
	if hi.Cmp(lo) < 0 {
		return p, store.NewValidationError("max prefix must be greater than or equal to min prefix")
	}
	for name, v := range map[string]string{
		"workload_start_suffix": p.WorkloadStartSuffix,
		"workload_end_suffix":   p.WorkloadEndSuffix,
	} {
		if v != "" && !keyspace.IsHex(v) {
			return p, store.NewValidationError("%s must be hex", name)
		}
	}

	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}
	if in.Randomized != nil {
		p.Randomized = *in.Randomized
	}
	if in.Weight != nil {
		p.Weight = *in.Weight
	}
	if p.Weight <= 0 {
		p.Weight = 1
	}
	if in.ChunkSize != nil {
		p.ChunkSize = *in.ChunkSize
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = 1
	}

	// A saved width only changes when set explicitly; ledger prefixes are
	// stored at that width.
	switch {
	case in.PrefixLength != nil && *in.PrefixLength > 0:
		p.PrefixLength = *in.PrefixLength
	case p.PrefixLength <= 0:
		p.PrefixLength = max(len(p.MinPrefixHex), len(p.MaxPrefixHex))
	}
	if p.PrefixLength < keyspace.Width(hi) {
		return p, store.NewValidationError("prefix_length %d is shorter than max prefix %s", p.PrefixLength, p.MaxPrefixHex)
	}
	p.MinPrefixHex = keyspace.FormatHex(lo, p.PrefixLength)
	p.MaxPrefixHex = keyspace.FormatHex(hi, p.PrefixLength)

	if p.DisplayName == "" {
		p.DisplayName = "Puzzle " + p.Code
	}
	return p, nil
}

// DeletePuzzle removes a puzzle with its ranges and cursor.
func (s *Service) DeletePuzzle(ctx context.Context, code string) (err error) {
	ctx, span := s.startSpan(ctx, "DeletePuzzle", attribute.String("puzzle", code))
	defer func() { endSpan(span, err) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return store.NewValidationError("puzzle code is required")
	}
	if err := s.store.DeletePuzzle(ctx, code); err != nil {
		return err
	}
	s.invalidateOverview()
	slog.Info("puzzle deleted", "puzzle", strings.ToUpper(code))
	return nil
}
