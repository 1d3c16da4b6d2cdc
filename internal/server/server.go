package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"finsight-rag/internal/config"
	"finsight-rag/internal/ingest"
	"finsight-rag/internal/market"
	"finsight-rag/internal/rag"
	"finsight-rag/internal/retrieval"
)

// Deps are the services the handlers share. Core is the one retrieval
// core of the process.
type Deps struct {
	Core     *retrieval.Core
	Pipeline *ingest.Pipeline
	RAG      *rag.RAG
	Market   market.Provider
}

type Server struct {
	router chi.Router
	cfg    config.ServerConfig
	deps   Deps
}

func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if deps.Core == nil || deps.Pipeline == nil || deps.RAG == nil || deps.Market == nil {
		return nil, fmt.Errorf("server dependencies are incomplete")
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}

	s := &Server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Logger)...)
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/documents", s.handleDocuments)
	r.Post("/upload", s.handleUpload)
	r.Get("/search", s.handleSearch)
	r.Post("/ask", s.handleAsk)
	r.Route("/market", func(r chi.Router) {
		r.Get("/history", s.handleMarketHistory)
		r.Get("/quote", s.handleMarketQuote)
	})

	s.router = r
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}

func requestLogger(logger zerolog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.RemoteAddrHandler("ip"),
		hlog.MethodHandler("method"),
		hlog.URLHandler("url"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request")
		}),
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
