package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

// Flag names a one-time account flag.
type Flag string

const (
	FlagBonus      Flag = "bonus_claimed"
	FlagOnboarding Flag = "onboarding_completed"
)

func (f Flag) valid() bool {
	return f == FlagBonus || f == FlagOnboarding
}

// AccountRepository owns the accounts table. It is also the default Ledger:
// every balance mutation runs in one transaction that locks the account row.
type AccountRepository struct {
	db *sql.DB
}

var _ credits.Ledger = (*AccountRepository)(nil)

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, external_id, COALESCE(email, ''), plan, balance, plan_limit, onboarding_completed, bonus_claimed, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var a models.Account
	var onboarding, bonus int
	if err := row.Scan(&a.ID, &a.ExternalID, &a.Email, &a.Plan, &a.Balance, &a.PlanLimit, &onboarding, &bonus, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.OnboardingCompleted = onboarding != 0
	a.BonusClaimed = bonus != 0
	return &a, nil
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_id = ?`, externalID)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// Create inserts the account with its opening balance and the matching entry.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
INSERT INTO accounts (external_id, email, plan, balance, plan_limit)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, account.ExternalID, account.Email, account.Plan, account.Balance, account.PlanLimit)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := insertEntry(ctx, tx, id, account.Balance, account.Balance, "opening"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit account: %w", err)
	}
	account.ID = id
	return account, nil
}

// Ensure finds the account by external id or creates it from template.
// The bool reports whether a new row was inserted.
func (r *AccountRepository) Ensure(ctx context.Context, template models.Account) (*models.Account, bool, error) {
	account, err := r.FindByExternalID(ctx, template.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}
	created, err := r.Create(ctx, &template)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *AccountRepository) SetPlan(ctx context.Context, id int64, plan models.Plan, limit int) error {
	const query = `UPDATE accounts SET plan = ?, plan_limit = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, plan, limit, id); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

// ClaimFlag sets a one-time flag. It reports false when the flag was already set.
func (r *AccountRepository) ClaimFlag(ctx context.Context, id int64, flag Flag) (bool, error) {
	if !flag.valid() {
		return false, fmt.Errorf("unknown account flag %q", flag)
	}
	query := `UPDATE accounts SET ` + string(flag) + ` = 1, updated_at = NOW() WHERE id = ? AND ` + string(flag) + ` = 0`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", flag, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseFlag clears a flag whose credit could not be applied.
func (r *AccountRepository) ReleaseFlag(ctx context.Context, id int64, flag Flag) error {
	if !flag.valid() {
		return fmt.Errorf("unknown account flag %q", flag)
	}
	query := `UPDATE accounts SET ` + string(flag) + ` = 0, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("release %s: %w", flag, err)
	}
	return nil
}

// Debit locks the account row, checks the floor and writes the new balance.
func (r *AccountRepository) Debit(ctx context.Context, accountID int64, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	var after int
	err := r.inTx(ctx, accountID, func(tx *sql.Tx, balance int) error {
		if balance < amount {
			return &credits.InsufficientError{Balance: balance, Requested: amount}
		}
		after = balance - amount
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = NOW() WHERE id = ?`, after, accountID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return insertEntry(ctx, tx, accountID, -amount, after, reason)
	})
	return after, err
}

// Credit adds amount and, when plan is set, switches the plan in the same transaction.
func (r *AccountRepository) Credit(ctx context.Context, accountID int64, amount int, plan *models.Plan, reason string) (int, error) {
	if amount < 0 {
		return 0, credits.ErrInvalidAmount
	}
	var after int
	err := r.inTx(ctx, accountID, func(tx *sql.Tx, balance int) error {
		after = balance + amount
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = NOW() WHERE id = ?`, after, accountID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if plan != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET plan = ? WHERE id = ?`, *plan, accountID); err != nil {
				return fmt.Errorf("update plan: %w", err)
			}
		}
		return insertEntry(ctx, tx, accountID, amount, after, reason)
	})
	return after, err
}

func (r *AccountRepository) Balance(ctx context.Context, accountID int64) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, credits.ErrAccountNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// inTx runs fn with the account row locked. Floor-check and not-found errors
// pass through; everything else becomes a *credits.TransactionError.
func (r *AccountRepository) inTx(ctx context.Context, accountID int64, fn func(tx *sql.Tx, balance int) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &credits.TransactionError{AccountID: accountID, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback()

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ? FOR UPDATE`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credits.ErrAccountNotFound
		}
		return &credits.TransactionError{AccountID: accountID, Err: fmt.Errorf("lock account: %w", err)}
	}

	if err := fn(tx, balance); err != nil {
		var insufficient *credits.InsufficientError
		if errors.As(err, &insufficient) {
			return insufficient
		}
		return &credits.TransactionError{AccountID: accountID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &credits.TransactionError{AccountID: accountID, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID int64, delta, balanceAfter int, reason string) error {
	const query = `INSERT INTO credit_entries (account_id, delta, balance_after, reason) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, accountID, delta, balanceAfter, reason); err != nil {
		return fmt.Errorf("insert credit entry: %w", err)
	}
	return nil
}
