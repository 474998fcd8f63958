package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pubky/pubky-homeserver/homeserver/session"
	"github.com/pubky/pubky-homeserver/homeserver/store"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/httpx"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// handleResource dispatches PUT/GET/HEAD/DELETE on a resource path, and GET
// on a directory path (trailing slash) to listing.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromHost(r.Host)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path := r.URL.Path

	switch r.Method {
	case http.MethodPut:
		s.handlePut(w, r, owner, path)
	case http.MethodDelete:
		s.handleDelete(w, r, owner, path)
	case http.MethodGet, http.MethodHead:
		if strings.HasSuffix(path, "/") {
			s.handleList(w, r, owner, path)
			return
		}
		s.handleGet(w, r, owner, path, r.Method == http.MethodHead)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) requireCapability(r *http.Request, owner crypto.PublicKey, path string, action byte) error {
	cookies := requestCookieMap(r)
	_, ok, err := session.Authenticate(r.Context(), s.sessions, owner, cookies, path, action)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerr.New(pkgerr.KindAuthorization, "session lacks the capability required for this request")
	}
	return nil
}

func requestCookieMap(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

const forbiddenWritePrefixBody = "Writing to directories other than '/pub/' is forbidden"

func writeForbiddenWritePrefix(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	io.WriteString(w, forbiddenWritePrefixBody)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, owner crypto.PublicKey, path string) {
	if !strings.HasPrefix(path, store.WritablePrefix) {
		writeForbiddenWritePrefix(w)
		return
	}
	if err := s.requireCapability(r, owner, path, 'w'); err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	existed, err := s.store.Exists(r.Context(), owner, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if _, err := s.store.Put(r.Context(), owner, path, body, contentType); err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, owner crypto.PublicKey, path string) {
	if !strings.HasPrefix(path, store.WritablePrefix) {
		writeForbiddenWritePrefix(w)
		return
	}
	if err := s.requireCapability(r, owner, path, 'w'); err != nil {
		s.writeError(w, r, err)
		return
	}

	exists, err := s.store.Exists(r.Context(), owner, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		httpx.WriteError(w, http.StatusNotFound, "resource not found")
		return
	}

	if err := s.store.Delete(r.Context(), owner, path); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, owner crypto.PublicKey, path string, headOnly bool) {
	if strings.HasPrefix(path, store.WritablePrefix) {
		// Public reads under /pub/ need no session; anything else requires
		// one with an 'r' capability covering path.
	} else if err := s.requireCapability(r, owner, path, 'r'); err != nil {
		s.writeError(w, r, err)
		return
	}

	if headOnly {
		meta, err := s.store.Stats(r.Context(), owner, path)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeResourceHeaders(w, meta)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, meta, err := s.store.Get(r.Context(), owner, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResourceHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeResourceHeaders(w http.ResponseWriter, meta store.Meta) {
	h := w.Header()
	h.Set("Content-Length", strconv.FormatInt(meta.ContentLength, 10))
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	h.Set("ETag", fmt.Sprintf("%q", meta.ETag))
	h.Set("Last-Modified", strconv.FormatInt(meta.LastModifiedMs, 10))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, owner crypto.PublicKey, dir string) {
	if !strings.HasPrefix(dir, store.WritablePrefix) {
		if err := s.requireCapability(r, owner, dir, 'r'); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	q := r.URL.Query()
	opts := store.ListOptions{
		Cursor:  q.Get("cursor"),
		Reverse: q.Get("reverse") == "true",
		Shallow: q.Get("shallow") == "true",
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		opts.Limit = limit
	}

	entries, err := s.store.List(r.Context(), owner, dir, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, e := range entries {
		fmt.Fprintf(w, "pubky://%s%s\n", owner.String(), e.Path)
	}
}
