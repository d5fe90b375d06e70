// Package api serves the UI-facing HTTP surface of the credit and generation core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/adcraft/internal/admin"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/service"
)

const sessionHeader = "X-Session-ID"

// Deps are the collaborators behind the routes. Admin and Metrics are optional.
type Deps struct {
	Pricing    *pricing.Catalog
	Sessions   *credits.SessionStore
	Credits    *credits.Controller
	Accounts   *service.AccountService
	Generation *service.GenerationService
	History    *service.HistoryService
	Admin      *admin.Server
	Metrics    http.Handler
}

type Server struct {
	addr   string
	log    *slog.Logger
	deps   Deps
	router *chi.Mux
}

func NewServer(addr string, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:   addr,
		log:    log,
		deps:   deps,
		router: r,
	}

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Admin != nil {
		deps.Admin.Mount(r)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/accounts", s.handleEnsureAccount)
		v1.Post("/sessions", s.handleCreateSession)
		v1.Get("/sessions/{id}", s.handleGetSession)
		v1.Post("/sessions/{id}/refresh", s.handleRefreshSession)

		v1.Group(func(scoped chi.Router) {
			scoped.Use(s.sessionMiddleware)
			scoped.Post("/spend", s.handleSpend)
			scoped.Post("/generate/text", s.handleGenerateText)
			scoped.Post("/generate/text/stream", s.handleStreamText)
			scoped.Post("/generate/structured", s.handleGenerateStructured)
			scoped.Post("/generate/image", s.handleGenerateImage)
			scoped.Post("/generate/video", s.handleGenerateVideo)
			scoped.Post("/campaigns", s.handleCampaign)
			scoped.Post("/agents/run", s.handleRunAgent)
			scoped.Post("/account/bonus", s.handleClaimBonus)
			scoped.Post("/account/onboarding", s.handleCompleteOnboarding)
			scoped.Post("/account/upgrade", s.handleUpgrade)
			scoped.Get("/history", s.handleHistory)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Video generation and SSE streams write for longer than any fixed deadline.
		WriteTimeout: 0,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

type sessionKey struct{}

// sessionMiddleware resolves X-Session-ID to a live session.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(sessionHeader)
		if id == "" {
			s.writeError(w, nil, http.StatusUnauthorized, "missing "+sessionHeader)
			return
		}
		sess, ok := s.deps.Sessions.Get(id)
		if !ok {
			s.writeError(w, nil, http.StatusUnauthorized, "unknown session")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func sessionFrom(ctx context.Context) *credits.Session {
	sess, _ := ctx.Value(sessionKey{}).(*credits.Session)
	return sess
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
