package server

import (
	"net/http"

	"github.com/pubky/pubky-homeserver/pkg/httpx"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// statusFor maps a pkgerr.Kind to its HTTP status exactly once, in one
// place, so every handler shares the same kind->status switch instead of
// re-deriving it.
func statusFor(kind pkgerr.Kind) int {
	switch kind {
	case pkgerr.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case pkgerr.KindAuthentication:
		return http.StatusUnauthorized
	case pkgerr.KindAuthorization:
		return http.StatusForbidden
	case pkgerr.KindNotFound, pkgerr.KindPkarrNotFound:
		return http.StatusNotFound
	case pkgerr.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case pkgerr.KindConflict:
		return http.StatusConflict
	case pkgerr.KindTransport, pkgerr.KindPkarrTransport:
		return http.StatusBadGateway
	case pkgerr.KindClientState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status/body, logging 500s (and only 500s — a
// 4xx is the caller's fault, not an operational event).
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := pkgerr.KindOf(err)
	if !ok {
		kind = pkgerr.KindInternal
	}
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Errorf("request %s: internal error: %v", RequestID(r.Context()), err)
		msg = "internal error"
	}
	httpx.WriteError(w, status, msg)
}
