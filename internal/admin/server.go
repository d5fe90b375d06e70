// Package admin serves operator endpoints and the payment provider webhook.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/service"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	maxWebhookBody      = 64 << 10
)

type Accounts interface {
	Get(ctx context.Context, id int64) (*models.Account, error)
	Credit(ctx context.Context, sess *credits.Session, id int64, amount int, plan *models.Plan, reason string) (int, error)
}

type Payments interface {
	HandleWebhook(ctx context.Context, payload []byte) error
	Packs() []pricing.Pack
}

type Server struct {
	username      string
	password      string
	webhookSecret string
	log           *slog.Logger
	accounts      Accounts
	payments      Payments
}

func NewServer(cfg config.Config, log *slog.Logger, accounts Accounts, payments Payments) *Server {
	return &Server{
		username:      cfg.AdminUsername,
		password:      cfg.AdminPassword,
		webhookSecret: cfg.WebhookSecret,
		log:           log,
		accounts:      accounts,
		payments:      payments,
	}
}

// Mount registers the webhook and the basic-auth protected admin routes.
func (s *Server) Mount(r chi.Router) {
	r.Post("/webhook/payments", s.handlePaymentWebhook)
	r.Route("/admin", func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/packs", s.handleListPacks)
		protected.Get("/accounts/{id}", s.handleGetAccount)
		protected.Post("/accounts/{id}/credit", s.handleCreditAccount)
	})
}

// AccountResponse is the JSON view of an account.
type AccountResponse struct {
	ID                  int64       `json:"id"`
	ExternalID          string      `json:"external_id"`
	Email               string      `json:"email,omitempty"`
	Plan                models.Plan `json:"plan"`
	Balance             int         `json:"balance"`
	PlanLimit           int         `json:"plan_limit"`
	OnboardingCompleted bool        `json:"onboarding_completed"`
	BonusClaimed        bool        `json:"bonus_claimed"`
	CreatedAt           time.Time   `json:"created_at"`
}

// NewAccountResponse renders an account for API clients.
func NewAccountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:                  a.ID,
		ExternalID:          a.ExternalID,
		Email:               a.Email,
		Plan:                a.Plan,
		Balance:             a.Balance,
		PlanLimit:           a.PlanLimit,
		OnboardingCompleted: a.OnboardingCompleted,
		BonusClaimed:        a.BonusClaimed,
		CreatedAt:           a.CreatedAt,
	}
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	account, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, credits.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewAccountResponse(account))
}

type creditRequest struct {
	Amount int          `json:"amount"`
	Plan   *models.Plan `json:"plan"`
	Reason string       `json:"reason"`
}

func (s *Server) handleCreditAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Amount < 0 {
		http.Error(w, "amount must not be negative", http.StatusBadRequest)
		return
	}
	reason := "admin"
	if strings.TrimSpace(req.Reason) != "" {
		reason = "admin:" + strings.TrimSpace(req.Reason)
	}

	balance, err := s.accounts.Credit(r.Context(), nil, id, req.Amount, req.Plan, reason)
	switch {
	case errors.Is(err, credits.ErrAccountNotFound):
		http.Error(w, "account not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrInvalidPlan), errors.Is(err, credits.ErrInvalidAmount):
		s.badRequest(w, err)
		return
	case err != nil:
		s.internalError(w, err)
		return
	}
	s.log.Info("admin credit", "account_id", id, "amount", req.Amount, "reason", reason)
	s.writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "balance": balance})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.payments.Packs())
}

// handlePaymentWebhook receives payment status updates. The provider signs
// requests with the shared secret header.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(webhookSecretHeader)
	if s.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.webhookSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), body); err != nil {
		s.log.Error("payment webhook", "err", err)
		if errors.Is(err, service.ErrInvalidWebhook) || errors.Is(err, pricing.ErrUnknownPack) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !equal(user, s.username) || !equal(pass, s.password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="adcraft"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
