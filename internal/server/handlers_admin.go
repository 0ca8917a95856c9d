package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/user/keypool/internal/coordinator"
)

const maxPuzzleBody = 64 << 10

func (s *Server) handleListPuzzles(w http.ResponseWriter, r *http.Request) {
	puzzles, err := s.svc.ListPuzzles(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, puzzles)
}

func (s *Server) handleUpsertPuzzle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPuzzleBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body", "PARSE_ERROR")
		return
	}
	if len(body) > maxPuzzleBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large", "PARSE_ERROR")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	problems, err := validatePuzzleBody(body)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "puzzle does not match schema",
			"code":              "VALIDATION_ERROR",
			"validation_errors": problems,
		})
		return
	}

	var in coordinator.PuzzleInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	p, err := s.svc.UpsertPuzzle(r.Context(), chi.URLParam(r, "code"), in)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePuzzle(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.svc.DeletePuzzle(r.Context(), code); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "code": code})
}

func (s *Server) handleListKeyFinds(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "VALIDATION_ERROR")
			return
		}
		limit = min(n, 1000)
	}
	events, err := s.svc.ListKeyFinds(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
