// Package ledger holds Ledger Store backends that live outside MySQL.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

// Entry is one balance mutation, newest last.
type Entry struct {
	AccountID    int64
	Delta        int
	BalanceAfter int
	Reason       string
	At           time.Time
}

// Memory is an in-process ledger guarded by a single mutex.
type Memory struct {
	mu       sync.Mutex
	accounts map[int64]*memoryAccount
	entries  []Entry
}

type memoryAccount struct {
	balance int
	plan    models.Plan
}

var (
	_ credits.Ledger = (*Memory)(nil)
	_ Provisioner    = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{accounts: make(map[int64]*memoryAccount)}
}

// Provision creates the account with an opening balance unless it already exists.
func (m *Memory) Provision(_ context.Context, accountID int64, balance int, plan models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; ok {
		return nil
	}
	m.accounts[accountID] = &memoryAccount{balance: balance, plan: plan}
	m.entries = append(m.entries, Entry{AccountID: accountID, Delta: balance, BalanceAfter: balance, Reason: "opening", At: time.Now().UTC()})
	return nil
}

func (m *Memory) Debit(_ context.Context, accountID int64, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, credits.ErrAccountNotFound
	}
	if acc.balance < amount {
		return acc.balance, &credits.InsufficientError{Balance: acc.balance, Requested: amount}
	}
	acc.balance -= amount
	m.entries = append(m.entries, Entry{AccountID: accountID, Delta: -amount, BalanceAfter: acc.balance, Reason: reason, At: time.Now().UTC()})
	return acc.balance, nil
}

func (m *Memory) Credit(_ context.Context, accountID int64, amount int, plan *models.Plan, reason string) (int, error) {
	if amount < 0 {
		return 0, credits.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, credits.ErrAccountNotFound
	}
	acc.balance += amount
	if plan != nil {
		acc.plan = *plan
	}
	m.entries = append(m.entries, Entry{AccountID: accountID, Delta: amount, BalanceAfter: acc.balance, Reason: reason, At: time.Now().UTC()})
	return acc.balance, nil
}

func (m *Memory) Balance(_ context.Context, accountID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, credits.ErrAccountNotFound
	}
	return acc.balance, nil
}

func (m *Memory) Plan(accountID int64) (models.Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return "", false
	}
	return acc.plan, true
}

// Entries returns a copy of the mutation log.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
