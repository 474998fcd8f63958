// Package server implements the homeserver's HTTP surface: resource
// PUT/GET/HEAD/DELETE/listing, session creation/lookup/signout, and the
// event-stream endpoint, wired on top of the store/session/events/auth
// packages.
package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/homeserver/events"
	"github.com/pubky/pubky-homeserver/homeserver/session"
	"github.com/pubky/pubky-homeserver/homeserver/store"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Config assembles a Server's dependencies. Only Store, Sessions, Events,
// Replay, Clock, and Logger are required; the rest have zero-value defaults.
type Config struct {
	Store   store.Store
	Sessions session.Store
	Events  events.Log
	Replay  *token.ReplayCache
	Clock   *clock.Clock
	Logger  log.Logger

	// TokenWindow is the ±skew tolerance applied to AuthToken verification.
	// Defaults to token.DefaultWindow.
	TokenWindow time.Duration

	// AllowedOrigins/AllowedHeaders configure CORS on public read
	// endpoints, mirroring the teacher's handlers.CORS wrapping.
	AllowedOrigins []string
	AllowedHeaders []string

	// PrometheusRegistry, if non-nil, receives per-handler request
	// counters/histograms. A nil registry disables instrumentation.
	PrometheusRegistry *prometheus.Registry

	// CookieSecure controls the Secure attribute on session cookies; it
	// should be true in any production deployment (HTTPS only) and false
	// only for local plain-HTTP development.
	CookieSecure bool
}

// Server is the homeserver's http.Handler.
type Server struct {
	store    store.Store
	sessions session.Store
	events   events.Log
	replay   *token.ReplayCache
	clock    *clock.Clock
	logger   log.Logger

	tokenWindow  time.Duration
	cookieSecure bool

	mux *mux.Router
}

// NewServer builds the router and returns a ready-to-serve Server.
func NewServer(cfg Config) *Server {
	window := cfg.TokenWindow
	if window == 0 {
		window = token.DefaultWindow
	}

	s := &Server{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		replay:       cfg.Replay,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		tokenWindow:  window,
		cookieSecure: cfg.CookieSecure,
	}

	instrument := instrumentFunc(cfg.PrometheusRegistry)

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	wrap := func(name string, h http.HandlerFunc) http.Handler {
		return withRequestContext(instrument(name, h))
	}
	wrapCORS := func(name string, h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if len(cfg.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(cfg.AllowedOrigins),
				handlers.AllowedHeaders(cfg.AllowedHeaders),
			)
			handler = cors(handler)
		}
		return withRequestContext(instrument(name, handler.ServeHTTP))
	}

	r.Handle("/session", wrap("session.create", s.handleCreateSession)).Methods(http.MethodPost)
	r.Handle("/session/{user}", wrap("session.get", s.handleGetSession)).Methods(http.MethodGet)
	r.Handle("/session/{user}", wrap("session.delete", s.handleDeleteSession)).Methods(http.MethodDelete)
	r.Handle("/events-stream", wrapCORS("events.stream", s.handleEventsStream)).Methods(http.MethodGet)

	// Catch-all: resource PUT/GET/HEAD/DELETE and directory listing, for
	// any path not matched above.
	r.PathPrefix("/").Handler(wrapCORS("resource", s.handleResource))

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withRequestContext stamps a request ID and resolved remote IP onto the
// request context before calling h, mirroring the teacher's
// handlerWithHeaders wrapper.
func withRequestContext(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := withRequestID(r.Context())
		if ip, err := parseRemoteIP(r); err == nil {
			ctx = withRemoteIP(ctx, ip)
		}
		h(w, r.WithContext(ctx))
	}
}

func parseRemoteIP(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return "", err
	}
	return host, nil
}

// instrumentFunc returns a decorator that curries request metrics by
// handler name, or a no-op decorator when registry is nil.
func instrumentFunc(registry *prometheus.Registry) func(name string, h http.HandlerFunc) http.HandlerFunc {
	if registry == nil {
		return func(_ string, h http.HandlerFunc) http.HandlerFunc { return h }
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeserver_http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"code", "method", "handler"})
	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homeserver_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"code", "method", "handler"})
	sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homeserver_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500, 1e5, 1e6},
	}, []string{"code", "method", "handler"})
	registry.MustRegister(requestCounter, durationHist, sizeHist)

	return func(name string, h http.HandlerFunc) http.HandlerFunc {
		return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": name}),
			promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": name}),
				promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": name}), h),
			),
		)
	}
}

// ownerFromHost resolves the owning user's PublicKey from a request's
// authority: either the canonical "_pubky.<pubkey>" transport form or the
// bare "<pubkey>" alternate form, port stripped.
func ownerFromHost(host string) (crypto.PublicKey, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "_pubky.")
	if host == "" {
		return crypto.PublicKey{}, pkgerr.New(pkgerr.KindInvalidInput, "request host does not name a user")
	}
	return crypto.PublicKeyFromZ32(host)
}
