// Package web exposes the ingestion core over a JSON HTTP API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/JonMunkholm/factingest/internal/config"
	"github.com/JonMunkholm/factingest/internal/core"
	"github.com/JonMunkholm/factingest/internal/dedup"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/templates"
	"github.com/JonMunkholm/factingest/internal/web/middleware"
)

// Ingester is the part of core.Service the handlers call.
type Ingester interface {
	Ingest(ctx context.Context, req core.IngestRequest) (*core.IngestResult, error)
	EnsureTable(ctx context.Context, id record.Identity) (string, error)
	EnsureColumns(ctx context.Context, table string, headers []string) ([]string, error)
	GetExistingColumns(ctx context.Context, table string) (map[string]struct{}, error)
	PreviewDedup(ctx context.Context, id record.Identity, shopID string, rows []record.Row, fields []string) dedup.Result
	FindBestTemplate(ctx context.Context, l templates.Lookup) (templates.Template, error)
	ListTemplates(ctx context.Context, f templates.Filter) ([]templates.Template, error)
	SaveTemplate(ctx context.Context, t templates.Template) (templates.Template, error)
	DetectHeaderChange(ctx context.Context, templateID string, columns []string) templates.HeaderChange
	LimiterStatus() core.LimiterStatus
}

// Pinger checks database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server of the ingestion service.
type Server struct {
	service Ingester
	db      Pinger
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a server. db may be nil, in which case /healthz only
// reports that the process is up.
func NewServer(service Ingester, db Pinger, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		db:      db,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	}
	if len(s.cfg.Server.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.cfg.Security))

		r.Get("/status", s.handleStatus)
		r.Post("/ingest", s.handleIngest)

		r.Post("/tables", s.handleEnsureTable)
		r.Get("/tables/{table}/columns", s.handleGetColumns)
		r.Post("/tables/{table}/columns", s.handleEnsureColumns)

		r.Post("/dedup/preview", s.handleDedupPreview)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleSaveTemplate)
		r.Get("/templates/best", s.handleBestTemplate)
		r.Post("/templates/{id}/header-change", s.handleHeaderChange)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with status. Encoding errors are logged since the
// header is already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	}
}
