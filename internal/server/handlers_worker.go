package server

import (
	"net/http"

	"github.com/user/keypool/internal/coordinator"
)

type claimRequest struct {
	ClientID string `json:"client_id"`
}

type reportRequest struct {
	ClientID string `json:"client_id"`
	coordinator.ReportRequest
}

type keyFoundRequest struct {
	ClientID string `json:"client_id"`
	coordinator.KeyFoundRequest
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.svc.Register(r.Context(), req)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	c := s.authenticateClient(w, r, req.ClientID)
	if c == nil {
		return
	}
	d, err := s.svc.Claim(r.Context(), c.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	c := s.authenticateClient(w, r, req.ClientID)
	if c == nil {
		return
	}
	res, err := s.svc.ReportProgress(r.Context(), c.ID, req.ReportRequest)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKeyFound(w http.ResponseWriter, r *http.Request) {
	var req keyFoundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	c := s.authenticateClient(w, r, req.ClientID)
	if c == nil {
		return
	}
	res, err := s.svc.RecordKeyFound(r.Context(), c, req.KeyFoundRequest)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.svc.Overview(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}
