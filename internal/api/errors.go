package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/orchestrator"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/service"
)

// errorResponse carries the balance view and pending notices so the client
// can render upgrade and retry prompts next to the error.
type errorResponse struct {
	Error   string               `json:"error"`
	Reason  string               `json:"reason,omitempty"`
	Balance *credits.BalanceView `json:"balance,omitempty"`
	Notices []credits.Notice     `json:"notices,omitempty"`
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, orchestrator.ErrCreditDeductionFailed), errors.Is(err, credits.ErrTransactionFailed):
		return http.StatusConflict
	case errors.Is(err, service.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidAction),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownAction),
		errors.Is(err, service.ErrPromptRequired),
		errors.Is(err, service.ErrUnsupportedKind),
		errors.Is(err, service.ErrUnsupportedText),
		errors.Is(err, service.ErrSchemaIsRequired),
		errors.Is(err, service.ErrTooManyTasks),
		errors.Is(err, service.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrEmptyResponse), errors.Is(err, service.ErrInvalidStrategy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrGenerationTransient):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrGenerationPermanent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(sess *credits.Session, err error, msg string) errorResponse {
	resp := errorResponse{Error: msg}
	if reason, ok := gateway.ReasonOf(err); ok {
		resp.Reason = string(reason)
	}
	if sess != nil {
		view := sess.View()
		resp.Balance = &view
		resp.Notices = sess.DrainNotices()
	}
	return resp
}

// writeError renders err, or msg when err is nil. Internal errors are logged
// and their text is not exposed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	var sess *credits.Session
	if r != nil {
		sess = sessionFrom(r.Context())
	}
	s.writeJSON(w, status, newErrorResponse(sess, nil, msg))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("api handler error", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, newErrorResponse(sessionFrom(r.Context()), err, msg))
}
