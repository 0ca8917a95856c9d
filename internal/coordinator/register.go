package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/keypool/internal/store"
)

// RegisterRequest describes a worker agent joining the pool.
type RegisterRequest struct {
	User            string `json:"user"`
	WorkerName      string `json:"worker_name,omitempty"`
	Puzzle          string `json:"puzzle,omitempty"`
	ApplicationType string `json:"application_type,omitempty"`
	CardsConnected  int    `json:"cards_connected"`
	GPUInfo         string `json:"gpu_info,omitempty"`
	ClientVersion   string `json:"client_version,omitempty"`
}

// RegisterResult carries the new credential and, when work was available,
// the first range.
type RegisterResult struct {
	ClientID      string           `json:"client_id"`
	ClientToken   string           `json:"client_token"`
	AssignedRange *RangeDescriptor `json:"assigned_range"`
}

// Register creates a client with a fresh credential and immediately tries to
// hand it a range.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (res *RegisterResult, err error) {
	ctx, span := s.startSpan(ctx, "Register", attribute.String("user", req.User))
	defer func() { endSpan(span, err) }()

	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, store.NewValidationError("user is required")
	}
	puzzle := strings.TrimSpace(req.Puzzle)
	if puzzle == "" {
		puzzle = s.cfg.DefaultPuzzle
	}

	c, err := s.store.CreateClient(ctx, store.Client{
		User:            user,
		WorkerName:      optional(req.WorkerName),
		Puzzle:          puzzle,
		ApplicationType: store.ParseApplicationType(req.ApplicationType),
		CardsConnected:  max(0, req.CardsConnected),
		GPUInfo:         optional(req.GPUInfo),
		ClientVersion:   optional(req.ClientVersion),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("client registered", "client_id", c.ID, "user", c.User, "worker", c.DisplayName(), "application_type", c.ApplicationType)

	// The client exists now; an allocation failure still returns its
	// credential so the agent can retry with a claim.
	a, allocErr := s.engine.AssignNextRange(ctx, c.ID)
	if allocErr != nil {
		slog.Error("initial allocation failed", "client_id", c.ID, "error", allocErr)
		a = nil
	}
	if a != nil {
		s.invalidateOverview()
	}
	return &RegisterResult{
		ClientID:      c.ID,
		ClientToken:   c.APIKey,
		AssignedRange: describeAssignment(a),
	}, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
