package credits

import (
	"context"

	"github.com/digkill/adcraft/internal/models"
)

// MaxReasonLength is the longest entry reason a ledger stores, in characters.
const MaxReasonLength = 64

// Ledger is the authoritative balance store. It is the only writer of
// account balances and the sole serialization point between sessions.
type Ledger interface {
	// Debit atomically reads the balance, fails with *InsufficientError when it
	// is below amount, and otherwise writes and returns balance-amount.
	Debit(ctx context.Context, accountID int64, amount int, reason string) (int, error)

	// Credit adds amount and optionally switches the plan in the same unit.
	Credit(ctx context.Context, accountID int64, amount int, plan *models.Plan, reason string) (int, error)

	// Balance returns the current authoritative balance.
	Balance(ctx context.Context, accountID int64) (int, error)
}

// Observer receives spend outcomes, typically for metrics.
type Observer interface {
	SpendResolved(reason string, outcome Outcome, amount int)
}

type Outcome string

const (
	OutcomeCharged           Outcome = "charged"
	OutcomeFastReject        Outcome = "fast_reject"
	OutcomeInsufficient      Outcome = "insufficient"
	OutcomeTransactionFailed Outcome = "transaction_failed"
)

type noopObserver struct{}

func (noopObserver) SpendResolved(string, Outcome, int) {}
