package credits

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount       = errors.New("credits: amount must be positive")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrTransactionFailed   = errors.New("credits: transaction failed")
	ErrAccountNotFound     = errors.New("credits: account not found")
)

// InsufficientError is returned by ledgers when the floor check fails.
// Balance is the authoritative balance observed inside the transaction.
type InsufficientError struct {
	Balance   int
	Requested int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("credits: insufficient credits: balance=%d requested=%d", e.Balance, e.Requested)
}

func (e *InsufficientError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// TransactionError wraps a ledger failure that is not a floor-check failure.
type TransactionError struct {
	AccountID int64
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("credits: transaction failed: account=%d: %v", e.AccountID, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionFailed
}
