package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/homeserver/events"
	"github.com/pubky/pubky-homeserver/homeserver/session"
	"github.com/pubky/pubky-homeserver/homeserver/store"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	clk := clock.New(1)
	eventsLog := events.NewMemoryLog(clk)
	st := store.NewMemoryStore(0, clk, eventsLog)
	sessions := session.NewMemoryStore(clk)
	replay := token.NewReplayCache(clock.Timestamp(time.Hour.Microseconds()))
	logger := log.NewLogrusLogger(logrus.New())

	s := NewServer(Config{
		Store:    st,
		Sessions: sessions,
		Events:   eventsLog,
		Replay:   replay,
		Clock:    clk,
		Logger:   logger,
	})
	return s, kp
}

func hostFor(kp *crypto.Keypair) string {
	return kp.Public().String()
}

func createSession(t *testing.T, s *Server, kp *crypto.Keypair, clk *clock.Clock, capsStr string) []*http.Cookie {
	t.Helper()
	caps, err := token.ParseCapabilities(capsStr)
	require.NoError(t, err)

	raw, err := token.Sign(kp, clk.Now(), caps)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(string(raw)))
	req.Host = hostFor(kp)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return rec.Result().Cookies()
}

func attachCookies(req *http.Request, cookies []*http.Cookie) {
	for _, c := range cookies {
		req.AddCookie(c)
	}
}

func TestPutGetDeleteRoundtrip(t *testing.T) {
	s, kp := newTestServer(t)
	clk := clock.New(1)
	cookies := createSession(t, s, kp, clk, "/pub/:rw")

	putReq := httptest.NewRequest(http.MethodPut, "/pub/a.txt", strings.NewReader("hello"))
	putReq.Host = hostFor(kp)
	attachCookies(putReq, cookies)
	putRec := httptest.NewRecorder()
	s.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusCreated, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/pub/a.txt", nil)
	getReq.Host = hostFor(kp)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Equal(t, "hello", getRec.Body.String())

	putReq2 := httptest.NewRequest(http.MethodPut, "/pub/a.txt", strings.NewReader("world"))
	putReq2.Host = hostFor(kp)
	attachCookies(putReq2, cookies)
	putRec2 := httptest.NewRecorder()
	s.ServeHTTP(putRec2, putReq2)
	require.Equal(t, http.StatusOK, putRec2.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/pub/a.txt", nil)
	delReq.Host = hostFor(kp)
	attachCookies(delReq, cookies)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	getReq2 := httptest.NewRequest(http.MethodGet, "/pub/a.txt", nil)
	getReq2.Host = hostFor(kp)
	getRec2 := httptest.NewRecorder()
	s.ServeHTTP(getRec2, getReq2)
	require.Equal(t, http.StatusNotFound, getRec2.Code)
}

func TestCapabilityEnforcement(t *testing.T) {
	s, kp := newTestServer(t)
	clk := clock.New(1)
	cookies := createSession(t, s, kp, clk, "/pub/posts/:rw,/pub/foo.bar/file:r")

	put1 := httptest.NewRequest(http.MethodPut, "/pub/posts/a.txt", strings.NewReader("x"))
	put1.Host = hostFor(kp)
	attachCookies(put1, cookies)
	rec1 := httptest.NewRecorder()
	s.ServeHTTP(rec1, put1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	put2 := httptest.NewRequest(http.MethodPut, "/pub/other/a.txt", strings.NewReader("x"))
	put2.Host = hostFor(kp)
	attachCookies(put2, cookies)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, put2)
	require.Equal(t, http.StatusForbidden, rec2.Code)

	getOK := httptest.NewRequest(http.MethodGet, "/pub/foo.bar/file", nil)
	getOK.Host = hostFor(kp)
	attachCookies(getOK, cookies)
	recOK := httptest.NewRecorder()
	s.ServeHTTP(recOK, getOK)
	require.Equal(t, http.StatusNotFound, recOK.Code) // capability allowed, resource absent

	putForbidden := httptest.NewRequest(http.MethodPut, "/pub/foo.bar/file", strings.NewReader("x"))
	putForbidden.Host = hostFor(kp)
	attachCookies(putForbidden, cookies)
	recForbidden := httptest.NewRecorder()
	s.ServeHTTP(recForbidden, putForbidden)
	require.Equal(t, http.StatusForbidden, recForbidden.Code)

	putPriv := httptest.NewRequest(http.MethodPut, "/priv/x", strings.NewReader("x"))
	putPriv.Host = hostFor(kp)
	attachCookies(putPriv, cookies)
	recPriv := httptest.NewRecorder()
	s.ServeHTTP(recPriv, putPriv)
	require.Equal(t, http.StatusForbidden, recPriv.Code)
	require.Equal(t, forbiddenWritePrefixBody, recPriv.Body.String())
}

func TestListingUnderPubIsPublic(t *testing.T) {
	s, kp := newTestServer(t)
	clk := clock.New(1)
	cookies := createSession(t, s, kp, clk, "/pub/:rw")

	for _, name := range []string{"a.txt", "b.txt"} {
		req := httptest.NewRequest(http.MethodPut, "/pub/"+name, strings.NewReader("x"))
		req.Host = hostFor(kp)
		attachCookies(req, cookies)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/pub/", nil)
	listReq.Host = hostFor(kp)
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Contains(t, listRec.Body.String(), "pubky://"+kp.Public().String()+"/pub/a.txt")
	require.Contains(t, listRec.Body.String(), "pubky://"+kp.Public().String()+"/pub/b.txt")
}

func TestSessionGetAndDelete(t *testing.T) {
	s, kp := newTestServer(t)
	clk := clock.New(1)
	cookies := createSession(t, s, kp, clk, "/pub/:rw")

	getReq := httptest.NewRequest(http.MethodGet, "/session/"+kp.Public().String(), nil)
	attachCookies(getReq, cookies)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/session/"+kp.Public().String(), nil)
	attachCookies(delReq, cookies)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	getReq2 := httptest.NewRequest(http.MethodGet, "/session/"+kp.Public().String(), nil)
	attachCookies(getReq2, cookies)
	getRec2 := httptest.NewRecorder()
	s.ServeHTTP(getRec2, getReq2)
	require.Equal(t, http.StatusNotFound, getRec2.Code)
}

func TestEventsStreamFiniteReturnsWrittenEvents(t *testing.T) {
	s, kp := newTestServer(t)
	clk := clock.New(1)
	cookies := createSession(t, s, kp, clk, "/pub/:rw")

	putReq := httptest.NewRequest(http.MethodPut, "/pub/a.txt", strings.NewReader("x"))
	putReq.Host = hostFor(kp)
	attachCookies(putReq, cookies)
	putRec := httptest.NewRecorder()
	s.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusCreated, putRec.Code)

	streamReq := httptest.NewRequest(http.MethodGet, "/events-stream?users="+kp.Public().String(), nil)
	streamRec := httptest.NewRecorder()
	s.ServeHTTP(streamRec, streamReq)
	require.Equal(t, http.StatusOK, streamRec.Code)

	scanner := bufio.NewScanner(streamRec.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 1)
	require.True(t, strings.HasPrefix(lines[0], "PUT\t"))
	require.Contains(t, lines[0], "/pub/a.txt")
}

func TestEventsStreamRejectsMissingUsers(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/events-stream", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
