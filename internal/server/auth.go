package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/user/keypool/internal/store"
)

const (
	headerClientToken = "X-Client-Token"
	headerClientID    = "X-Client-Id"
	headerAdminKey    = "X-Admin-Key"
)

// authenticateClient resolves the caller from the client id (body first,
// then X-Client-Id) and the X-Client-Token credential. On failure the
// response has been written and nil is returned.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request, bodyID string) *store.Client {
	token := strings.TrimSpace(r.Header.Get(headerClientToken))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing "+headerClientToken+" header", string(store.ErrorCodeUnauthorized))
		return nil
	}
	id := strings.TrimSpace(bodyID)
	if id == "" {
		id = strings.TrimSpace(r.Header.Get(headerClientID))
	}
	c, err := s.svc.Authenticate(r.Context(), id, token)
	if err != nil {
		writeStoreError(w, r, err)
		return nil
	}
	return c
}

// adminOnly requires X-Admin-Key to match the configured key exactly. With
// no key configured every request is refused.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(headerAdminKey)
		if s.adminKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin key required", string(store.ErrorCodeUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
