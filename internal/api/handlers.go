package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/adcraft/internal/admin"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/orchestrator"
	"github.com/digkill/adcraft/internal/service"
)

type sessionResponse struct {
	SessionID string              `json:"session_id"`
	AccountID int64               `json:"account_id"`
	Plan      models.Plan         `json:"plan,omitempty"`
	Balance   credits.BalanceView `json:"balance"`
	Notices   []credits.Notice    `json:"notices,omitempty"`
}

func newSessionResponse(sess *credits.Session) sessionResponse {
	return sessionResponse{
		SessionID: sess.ID,
		AccountID: sess.AccountID,
		Balance:   sess.View(),
		Notices:   sess.DrainNotices(),
	}
}

type ensureAccountRequest struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

func (s *Server) handleEnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExternalID == "" {
		s.writeError(w, r, http.StatusBadRequest, "external_id required")
		return
	}
	account, created, err := s.deps.Accounts.Ensure(r.Context(), req.ExternalID, req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, admin.NewAccountResponse(account))
}

type createSessionRequest struct {
	AccountID int64 `json:"account_id"`
}

// handleCreateSession opens a session whose cached balance starts at the
// authoritative ledger value.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	account, err := s.deps.Accounts.Get(r.Context(), req.AccountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sess := credits.NewSession(account.ID, account.Balance)
	s.deps.Sessions.Put(sess)
	s.log.Info("session opened", "session_id", sess.ID, "account_id", account.ID, "balance", account.Balance)

	resp := newSessionResponse(sess)
	resp.Plan = account.Plan
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err := s.deps.Credits.Refresh(r.Context(), sess); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

const (
	manualReason        = "manual"
	campaignPlanWarning = "The campaign strategy was created, but no assets could be generated from it."
)

type spendRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

type spendResponse struct {
	Success bool                `json:"success"`
	Balance credits.BalanceView `json:"balance"`
	Notices []credits.Notice    `json:"notices,omitempty"`
}

// handleSpend exposes the boolean spend contract: a declined spend is a
// successful request with success=false.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req spendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "amount must be positive")
		return
	}
	ok := s.deps.Credits.TrySpend(r.Context(), sess, req.Amount, s.spendReason(req.Reason))
	s.writeJSON(w, http.StatusOK, spendResponse{
		Success: ok,
		Balance: sess.View(),
		Notices: sess.DrainNotices(),
	})
}

// spendReason keeps reasons that name a priced action and files everything
// else under manualReason.
func (s *Server) spendReason(reason string) string {
	if s.deps.Pricing == nil {
		return manualReason
	}
	if _, err := s.deps.Pricing.Cost(reason); err != nil {
		return manualReason
	}
	return reason
}

type resultResponse struct {
	*orchestrator.Result
	Balance credits.BalanceView `json:"balance"`
	Notices []credits.Notice    `json:"notices,omitempty"`
}

func (s *Server) writeResult(w http.ResponseWriter, sess *credits.Session, res *orchestrator.Result) {
	inlineBlob(res.Artifact)
	s.writeJSON(w, http.StatusOK, resultResponse{Result: res, Balance: sess.View(), Notices: sess.DrainNotices()})
}

// inlineBlob exposes binary artifacts that were not stored as a data URL.
func inlineBlob(art *models.Artifact) {
	if art == nil || art.URL != "" || len(art.Bytes) == 0 {
		return
	}
	mime := art.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	art.URL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(art.Bytes)
}

func (s *Server) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.TextInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Generation.Text(r.Context(), sess, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeResult(w, sess, res)
}

func (s *Server) handleGenerateStructured(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.TextInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Generation.Structured(r.Context(), sess, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeResult(w, sess, res)
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.ImageInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Generation.Image(r.Context(), sess, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeResult(w, sess, res)
}

func (s *Server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.VideoInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Generation.Video(r.Context(), sess, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeResult(w, sess, res)
}

type chunkEvent struct {
	Text string `json:"text"`
}

// handleStreamText relays text chunks as SSE "chunk" events and ends with a
// "done" event carrying the result, or an "error" event.
func (s *Server) handleStreamText(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.TextInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sse := newSSEWriter(w)
	res, err := s.deps.Generation.StreamText(r.Context(), sess, in, func(text string) error {
		return sse.event("chunk", chunkEvent{Text: text})
	})
	if err != nil {
		s.streamError(sse, r, err)
		return
	}
	_ = sse.event("done", resultResponse{Result: res, Balance: sess.View(), Notices: sess.DrainNotices()})
}

type streamErrorEvent struct {
	errorResponse
	Status int `json:"status"`
}

func (s *Server) streamError(sse *sseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("api stream error", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	_ = sse.event("error", streamErrorEvent{errorResponse: newErrorResponse(sessionFrom(r.Context()), err, msg), Status: status})
}

type jobResponse struct {
	*orchestrator.JobResult
	Balance credits.BalanceView `json:"balance"`
	Notices []credits.Notice    `json:"notices,omitempty"`
}

// campaignResponse carries Error when the strategy was paid for but no
// assets could be planned from it.
type campaignResponse struct {
	*orchestrator.CampaignResult
	Error   string              `json:"error,omitempty"`
	Balance credits.BalanceView `json:"balance"`
	Notices []credits.Notice    `json:"notices,omitempty"`
}

func inlineJobBlobs(res *orchestrator.JobResult) {
	if res == nil {
		return
	}
	for _, state := range res.Items {
		inlineBlob(state.Artifact)
	}
}

// handleCampaign runs the strategy-then-assets flow. With Accept:
// text/event-stream each job snapshot is pushed as a "snapshot" event.
func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.CampaignInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		sse      *sseWriter
		onUpdate func(orchestrator.Snapshot)
	)
	if wantsEventStream(r) {
		sse = newSSEWriter(w)
		onUpdate = func(snap orchestrator.Snapshot) { _ = sse.event("snapshot", snap) }
	}

	res, err := s.deps.Generation.Campaign(r.Context(), sess, in, onUpdate)
	if res != nil {
		if res.Strategy != nil {
			inlineBlob(res.Strategy.Artifact)
		}
		inlineJobBlobs(res.Assets)
	}
	if err != nil && res == nil {
		if sse != nil {
			s.streamError(sse, r, err)
			return
		}
		s.fail(w, r, err)
		return
	}
	var planErr string
	if err != nil {
		// The strategy was paid for; it is returned with the planning error.
		s.log.Warn("campaign finished without assets", "session_id", sess.ID, "err", err)
		planErr = err.Error()
		sess.Notify(credits.NoticeWarning, campaignPlanWarning)
	}
	resp := campaignResponse{CampaignResult: res, Error: planErr, Balance: sess.View(), Notices: sess.DrainNotices()}
	if sse != nil {
		_ = sse.event("done", resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var in service.AgentInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		sse      *sseWriter
		onUpdate func(orchestrator.Snapshot)
	)
	if wantsEventStream(r) {
		sse = newSSEWriter(w)
		onUpdate = func(snap orchestrator.Snapshot) { _ = sse.event("snapshot", snap) }
	}

	res, err := s.deps.Generation.RunAgent(r.Context(), sess, in, onUpdate)
	if err != nil {
		if sse != nil {
			s.streamError(sse, r, err)
			return
		}
		s.fail(w, r, err)
		return
	}
	inlineJobBlobs(res)
	resp := jobResponse{JobResult: res, Balance: sess.View(), Notices: sess.DrainNotices()}
	if sse != nil {
		_ = sse.event("done", resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaimBonus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if _, err := s.deps.Accounts.ClaimBonus(r.Context(), sess, sess.AccountID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleCompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if _, err := s.deps.Accounts.CompleteOnboarding(r.Context(), sess, sess.AccountID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

type upgradeRequest struct {
	Plan models.Plan `json:"plan"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Accounts.Upgrade(r.Context(), sess, sess.AccountID, req.Plan); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := newSessionResponse(sess)
	resp.Plan = req.Plan
	s.writeJSON(w, http.StatusOK, resp)
}

type historyRecord struct {
	ID        string           `json:"id"`
	Kind      models.AssetType `json:"kind"`
	Action    string           `json:"action"`
	Prompt    string           `json:"prompt"`
	Content   string           `json:"content,omitempty"`
	BlobURL   string           `json:"blob_url,omitempty"`
	Cost      int              `json:"cost"`
	JobID     string           `json:"job_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.deps.History.List(r.Context(), sess.AccountID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]historyRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyRecord{
			ID:        rec.ID,
			Kind:      rec.Kind,
			Action:    rec.Action,
			Prompt:    rec.Prompt,
			Content:   rec.Content,
			BlobURL:   rec.BlobURL,
			Cost:      rec.Cost,
			JobID:     rec.JobID,
			CreatedAt: rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}
