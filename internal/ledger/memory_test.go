package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

func newTestMemory(t *testing.T, balance int) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.Provision(context.Background(), 1, balance, models.PlanFreemium))
	return m
}

func TestMemory_DebitAndCredit(t *testing.T) {
	m := newTestMemory(t, 10)
	ctx := context.Background()

	bal, err := m.Debit(ctx, 1, 4, "text")
	require.NoError(t, err)
	assert.Equal(t, 6, bal)

	pro := models.PlanPro
	bal, err = m.Credit(ctx, 1, 100, &pro, "upgrade")
	require.NoError(t, err)
	assert.Equal(t, 106, bal)

	plan, ok := m.Plan(1)
	require.True(t, ok)
	assert.Equal(t, models.PlanPro, plan)

	entries := m.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "opening", entries[0].Reason)
	assert.Equal(t, -4, entries[1].Delta)
	assert.Equal(t, 106, entries[2].BalanceAfter)
}

func TestMemory_DebitInsufficient(t *testing.T) {
	m := newTestMemory(t, 3)

	bal, err := m.Debit(context.Background(), 1, 5, "image")
	require.Error(t, err)
	assert.True(t, errors.Is(err, credits.ErrInsufficientCredits))

	var ie *credits.InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 3, ie.Balance)
	assert.Equal(t, 5, ie.Requested)
	assert.Equal(t, 3, bal)

	got, err := m.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestMemory_UnknownAccount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Debit(ctx, 42, 1, "text")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
	_, err = m.Credit(ctx, 42, 1, nil, "bonus")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
	_, err = m.Balance(ctx, 42)
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestMemory_InvalidAmount(t *testing.T) {
	m := newTestMemory(t, 10)
	ctx := context.Background()

	_, err := m.Debit(ctx, 1, 0, "text")
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
	_, err = m.Credit(ctx, 1, -1, nil, "bonus")
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func TestMemory_ProvisionKeepsExistingBalance(t *testing.T) {
	m := newTestMemory(t, 10)
	ctx := context.Background()

	_, err := m.Debit(ctx, 1, 7, "text")
	require.NoError(t, err)
	require.NoError(t, m.Provision(ctx, 1, 10, models.PlanFreemium))

	bal, err := m.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, bal)
}

func TestMemory_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	m := newTestMemory(t, 50)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(ctx, 1, 3, "text"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	bal, err := m.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, ok)
	assert.Equal(t, 2, bal)
}
