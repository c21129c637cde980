// Package server exposes the plugin runtime over an HTTP admin API with
// bearer-token auth and a websocket stream of lifecycle events.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/config"
	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin"
)

// Server is the admin HTTP server.
type Server struct {
	loader  *plugin.Loader
	cfg     config.ServerConfig
	auth    *authenticator
	metrics *metrics.Metrics
	log     *zerolog.Logger
	hub     *Hub
	router  *chi.Mux
	started time.Time
	now     func() time.Time

	httpServer  *http.Server
	unsubscribe func()
	stopHub     context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock sets the time source used for tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the server and starts its event hub. Call Shutdown to release
// it even if ListenAndServe is never called.
func New(loader *plugin.Loader, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		loader:  loader,
		cfg:     cfg,
		log:     logging.GetSubsystemLogger("server"),
		started: time.Now(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AuthEnabled() {
		s.auth = newAuthenticator(cfg, s.now)
	} else {
		s.log.Warn().Msg("admin API authentication disabled")
	}

	s.hub = NewHub(s.log)
	ctx, cancel := context.WithCancel(context.Background())
	s.stopHub = cancel
	go s.hub.Run(ctx)
	s.unsubscribe = loader.Subscribe(s.hub.PublishEvent)

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogger(s.log))
	r.Use(Recovery(s.log))
	r.Use(middleware.StripSlashes)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(authenticate(s.auth))

			r.Get("/events", s.hub.ServeWs)
			r.Post("/hooks/{event}", s.handleDispatch)

			r.Route("/plugins", func(r chi.Router) {
				r.Get("/", s.handleListPlugins)
				r.Get("/catalog", s.handleCatalog)
				r.Post("/scan", s.handleScan)
				r.Post("/load-all", s.handleLoadAll)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPlugin)
					r.Post("/load", s.handleLoad)
					r.Post("/unload", s.handleUnload)
					r.Post("/reload", s.handleReload)
					r.Get("/dependencies", s.handleDependencies)
					r.Get("/logs", s.handleLogs)
					r.Get("/permissions", s.handlePermissionSummary)
					r.Post("/permissions/check", s.handleCheckPermission)
					r.Get("/grants", s.handleListGrants)
					r.Post("/grants", s.handleCreateGrant)
				})
			})

			r.Route("/grants/{grantID}", func(r chi.Router) {
				r.Get("/", s.handleGetGrant)
				r.Post("/approve", s.handleApproveGrant)
				r.Post("/deny", s.handleDenyGrant)
				r.Post("/revoke", s.handleRevokeGrant)
			})

			r.Get("/audit", s.handleAudit)

			r.Route("/installations", func(r chi.Router) {
				r.Get("/", s.handleListInstallations)
				r.Post("/", s.handleInstall)
				r.Get("/{id}", s.handleGetInstallation)
				r.Patch("/{id}", s.handleUpdateInstallation)
				r.Delete("/{id}", s.handleUninstall)
			})

			r.Get("/updates", s.handleUpdates)

			r.Post("/registry/backup", s.handleBackup)
			r.Post("/registry/restore", s.handleRestore)
		})
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Bool("auth", s.auth != nil).Msg("admin API listening")

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and
// disconnects event stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.stopHub()
	return s.httpServer.Shutdown(ctx)
}
