// Package server assembles the bridge routes and middleware.
package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/voice-bridge/pkg/bridge/config"
	"github.com/vango-go/voice-bridge/pkg/bridge/handlers"
	"github.com/vango-go/voice-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/voice-bridge/pkg/bridge/metrics"
	"github.com/vango-go/voice-bridge/pkg/bridge/mw"
	"github.com/vango-go/voice-bridge/pkg/bridge/ratelimit"
	"github.com/vango-go/voice-bridge/pkg/bridge/relay"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
)

const (
	RouteHealth = "/healthz"
	RouteReady  = "/readyz"
	RouteStats  = "/travel/api/stats"
	RouteWS     = "/travel/ws"
	RouteMetric = "/metrics"
)

// Deps are built by the caller so their lifetimes outlive the server.
// Metrics may be nil.
type Deps struct {
	Manager   *session.Manager
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *slog.Logger
	mux     *http.ServeMux
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:               cfg.ConnectRPS,
			ConnectBurst:             cfg.ConnectBurst,
			MaxConnectionsPerAddress: cfg.MaxConnectionsPerIP,
		}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.deps.Metrics
	handle := func(route string, h http.Handler) {
		s.mux.Handle(route, m.Instrument(route, h))
	}

	handle(RouteHealth, handlers.HealthHandler{})
	handle(RouteReady, handlers.ReadyHandler{Lifecycle: s.deps.Lifecycle, Manager: s.deps.Manager})
	handle(RouteStats, handlers.StatsHandler{Manager: s.deps.Manager, Lifecycle: s.deps.Lifecycle})

	ws := relay.Handler{
		Manager:   s.deps.Manager,
		Limiter:   s.limiter,
		Lifecycle: s.deps.Lifecycle,
		Logger:    s.logger.With("component", "relay"),
		Config: relay.Config{
			AllowedOrigins:    s.cfg.AllowedOrigins(),
			TrustProxyHeaders: s.cfg.TrustProxyHeaders,
			MaxMessageBytes:   s.cfg.WSMaxMessageBytes,
			PingInterval:      s.cfg.WSPingInterval,
			ActivateTimeout:   s.cfg.ConnectTimeout + relay.DefaultWriteTimeout,
		},
	}
	if m != nil {
		ws.Observer = m
		s.mux.Handle(RouteMetric, m.Handler())
	}
	handle(RouteWS, ws)

	s.mux.HandleFunc("/", handlers.NotFound)
}

// Limiter is the connect limiter shared by the websocket route.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins(), h)
	h = mw.Recover(s.logger, h)
	h = mw.Trace(h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// HTTPServer wraps Handler with the configured timeouts. No write timeout is
// set because websocket connections are long lived.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}
