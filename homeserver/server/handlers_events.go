package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pubky/pubky-homeserver/homeserver/events"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/httpx"
)

// handleEventsStream serves GET /events-stream?users=&cursors=&live=&reverse=&path=&limit=
// as a newline-delimited stream of "<kind>\t<pubky-url>\t<cursor>\t<hash-or-\"-\">"
// lines, flushed as they arrive.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	usersParam := q.Get("users")
	if usersParam == "" {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "users is required")
		return
	}
	userStrs := strings.Split(usersParam, ",")
	owners := make([]crypto.PublicKey, 0, len(userStrs))
	for _, u := range userStrs {
		owner, err := crypto.PublicKeyFromZ32(u)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		owners = append(owners, owner)
	}

	opts := events.SubscribeOptions{
		PathPrefix: q.Get("path"),
		Reverse:    q.Get("reverse") == "true",
		Live:       q.Get("live") == "true",
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		opts.Limit = limit
	}
	if cursorsParam := q.Get("cursors"); cursorsParam != "" {
		cursorStrs := strings.Split(cursorsParam, ",")
		if len(cursorStrs) != len(owners) {
			httpx.WriteError(w, http.StatusUnprocessableEntity, "cursors must have one entry per user")
			return
		}
		opts.Cursors = make(map[crypto.PublicKey]int64, len(owners))
		for i, c := range cursorStrs {
			cursor, err := strconv.ParseInt(c, 10, 64)
			if err != nil {
				httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid cursor")
				return
			}
			opts.Cursors[owners[i]] = cursor
		}
	}

	ch, err := s.events.Subscribe(r.Context(), owners, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	for e := range ch {
		if _, err := fmt.Fprintf(w, "%s\n", e.Line()); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}
