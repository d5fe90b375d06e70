package credits

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/digkill/adcraft/internal/models"
)

// Controller is the only sanctioned way to reduce an account balance.
type Controller struct {
	ledger   Ledger
	log      *slog.Logger
	observer Observer
}

type Option func(*Controller)

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

func NewController(ledger Ledger, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		ledger: ledger,
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.observer == nil {
		c.observer = noopObserver{}
	}
	return c
}

// Spend charges req.Amount against the session's account.
//
// The cached balance is checked first and a shortfall is rejected without a
// ledger call. Otherwise the cached balance is decremented optimistically,
// the ledger debit is issued, and the cached balance is reconciled to the
// authoritative outcome whether the debit succeeded or not. A failed debit
// is never retried.
func (c *Controller) Spend(ctx context.Context, s *Session, req models.SpendRequest) error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	req.Reason = clampReason(req.Reason)

	if !s.reserve(req.Amount) {
		s.Notify(NoticeUpgrade, upgradeMessage)
		c.observer.SpendResolved(req.Reason, OutcomeFastReject, req.Amount)
		c.log.Info("spend rejected locally", "account_id", s.AccountID, "amount", req.Amount, "reason", req.Reason, "cached_balance", s.Balance())
		return &InsufficientError{Balance: s.Balance(), Requested: req.Amount}
	}

	balance, err := c.ledger.Debit(ctx, s.AccountID, req.Amount, req.Reason)
	if err == nil {
		s.Reconcile(balance)
		c.observer.SpendResolved(req.Reason, OutcomeCharged, req.Amount)
		c.log.Info("credits spent", "account_id", s.AccountID, "amount", req.Amount, "reason", req.Reason, "balance", balance)
		return nil
	}

	var insufficient *InsufficientError
	if errors.As(err, &insufficient) {
		s.Reconcile(insufficient.Balance)
		s.Notify(NoticeUpgrade, upgradeMessage)
		c.observer.SpendResolved(req.Reason, OutcomeInsufficient, req.Amount)
		c.log.Info("spend rejected by ledger", "account_id", s.AccountID, "amount", req.Amount, "reason", req.Reason, "balance", insufficient.Balance)
		return insufficient
	}

	c.settleAfterFailure(ctx, s)
	s.Notify(NoticeRetry, retryMessage)
	c.observer.SpendResolved(req.Reason, OutcomeTransactionFailed, req.Amount)
	c.log.Error("credit debit failed", "account_id", s.AccountID, "amount", req.Amount, "reason", req.Reason, "err", err)
	if errors.Is(err, ErrTransactionFailed) {
		return err
	}
	return &TransactionError{AccountID: s.AccountID, Err: err}
}

// Check is the fast-path half of Spend: it rejects a shortfall against the
// cached balance and surfaces the upgrade prompt, but reserves nothing.
func (c *Controller) Check(s *Session, req models.SpendRequest) error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if s.CanAfford(req.Amount) {
		return nil
	}
	s.Notify(NoticeUpgrade, upgradeMessage)
	c.observer.SpendResolved(req.Reason, OutcomeFastReject, req.Amount)
	return &InsufficientError{Balance: s.Balance(), Requested: req.Amount}
}

// TrySpend is Spend reduced to its success flag.
func (c *Controller) TrySpend(ctx context.Context, s *Session, amount int, reason string) bool {
	return c.Spend(ctx, s, models.SpendRequest{Amount: amount, Reason: reason}) == nil
}

// Refresh reconciles the session with the ledger.
func (c *Controller) Refresh(ctx context.Context, s *Session) error {
	balance, err := c.ledger.Balance(ctx, s.AccountID)
	if err != nil {
		return err
	}
	s.Reconcile(balance)
	return nil
}

// Grant credits the account and reconciles the session when one is given.
func (c *Controller) Grant(ctx context.Context, s *Session, accountID int64, amount int, plan *models.Plan, reason string) (int, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	reason = clampReason(reason)
	balance, err := c.ledger.Credit(ctx, accountID, amount, plan, reason)
	if err != nil {
		return 0, err
	}
	if s != nil && s.AccountID == accountID {
		s.Reconcile(balance)
	}
	c.log.Info("credits granted", "account_id", accountID, "amount", amount, "reason", reason, "balance", balance)
	return balance, nil
}

// settleAfterFailure reads the authoritative balance back; when that read
// fails too, the optimistic guess is simply undone.
func (c *Controller) settleAfterFailure(ctx context.Context, s *Session) {
	balance, err := c.ledger.Balance(ctx, s.AccountID)
	if err != nil {
		c.log.Warn("balance read-back failed", "account_id", s.AccountID, "err", err)
		s.rollback()
		return
	}
	s.Reconcile(balance)
}

// clampReason trims reason to what a ledger entry can hold.
func clampReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) <= MaxReasonLength {
		return reason
	}
	return string([]rune(reason)[:MaxReasonLength])
}
