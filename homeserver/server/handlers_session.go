package server

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/homeserver/session"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/httpx"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

type sessionResponse struct {
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
	CreatedAtUs  int64    `json:"createdAtUs"`
}

func toSessionResponse(rec *session.Record) sessionResponse {
	caps := make([]string, len(rec.Capabilities))
	for i, c := range rec.Capabilities {
		caps[i] = c.String()
	}
	return sessionResponse{
		Owner:        rec.Owner.String(),
		Capabilities: caps,
		CreatedAtUs:  int64(rec.CreatedAt),
	}
}

// handleCreateSession verifies a POST body AuthToken and, on success,
// creates a session and sets the UUID and legacy cookies.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	authToken, err := token.Parse(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := token.Verify(authToken, s.clock.Now(), s.tokenWindow, s.replay); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.sessions.Create(r.Context(), authToken.Pubky, authToken.Capabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookies(w, rec)

	if err := httpx.WriteJSON(w, http.StatusOK, toSessionResponse(rec)); err != nil {
		s.logger.Errorf("request %s: write session response: %v", RequestID(r.Context()), err)
	}
}

func (s *Server) setSessionCookies(w http.ResponseWriter, rec *session.Record) {
	for _, name := range []string{rec.ID, rec.Owner.String()} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    rec.Secret,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.cookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.PublicKeyFromZ32(mux.Vars(r)["user"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	candidates, err := s.sessions.LookupCandidates(r.Context(), owner, requestCookieMap(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(candidates) == 0 {
		httpx.WriteError(w, http.StatusNotFound, "no matching session")
		return
	}

	if err := httpx.WriteJSON(w, http.StatusOK, toSessionResponse(candidates[0])); err != nil {
		s.logger.Errorf("request %s: write session response: %v", RequestID(r.Context()), err)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.PublicKeyFromZ32(mux.Vars(r)["user"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	candidates, err := s.sessions.LookupCandidates(r.Context(), owner, requestCookieMap(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(candidates) == 0 {
		s.writeError(w, r, pkgerr.New(pkgerr.KindAuthentication, "no matching session"))
		return
	}

	if err := s.sessions.SignoutAll(r.Context(), owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
