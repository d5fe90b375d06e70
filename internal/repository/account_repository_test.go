//go:build integration

package repository

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/database"
	"github.com/digkill/adcraft/internal/models"
)

// Run with: MYSQL_DSN='user:pass@tcp(localhost:3306)/adcraft_test?parseTime=true' go test -tags integration ./internal/repository/

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}

func newTestAccount(t *testing.T, repo *AccountRepository, balance int) *models.Account {
	t.Helper()
	acc, created, err := repo.Ensure(context.Background(), models.Account{
		ExternalID: "test-" + uuid.NewString(),
		Plan:       models.PlanFreemium,
		Balance:    balance,
		PlanLimit:  50,
	})
	require.NoError(t, err)
	require.True(t, created)
	return acc
}

func TestAccountRepository_DebitCredit(t *testing.T) {
	repo := NewAccountRepository(newTestDB(t))
	ctx := context.Background()
	acc := newTestAccount(t, repo, 10)

	bal, err := repo.Debit(ctx, acc.ID, 4, "text")
	require.NoError(t, err)
	assert.Equal(t, 6, bal)

	_, err = repo.Debit(ctx, acc.ID, 7, "image")
	var insufficient *credits.InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 6, insufficient.Balance)

	pro := models.PlanPro
	bal, err = repo.Credit(ctx, acc.ID, 100, &pro, "upgrade")
	require.NoError(t, err)
	assert.Equal(t, 106, bal)

	got, err := repo.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, got.Plan)
	assert.Equal(t, 106, got.Balance)
}

func TestAccountRepository_UnknownAccount(t *testing.T) {
	repo := NewAccountRepository(newTestDB(t))

	_, err := repo.Debit(context.Background(), -1, 1, "text")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	_, err = repo.Balance(context.Background(), -1)
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestAccountRepository_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewAccountRepository(newTestDB(t))
	acc := newTestAccount(t, repo, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Debit(context.Background(), acc.ID, 3, "text"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	bal, err := repo.Balance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bal)
}

func TestAccountRepository_ClaimFlag(t *testing.T) {
	repo := NewAccountRepository(newTestDB(t))
	ctx := context.Background()
	acc := newTestAccount(t, repo, 0)

	ok, err := repo.ClaimFlag(ctx, acc.ID, FlagBonus)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimFlag(ctx, acc.ID, FlagBonus)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.ReleaseFlag(ctx, acc.ID, FlagBonus))
	ok, err = repo.ClaimFlag(ctx, acc.ID, FlagBonus)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.ClaimFlag(ctx, acc.ID, Flag("balance"))
	assert.Error(t, err)
}

func TestHistoryRepository_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	acc := newTestAccount(t, NewAccountRepository(db), 0)
	repo := NewHistoryRepository(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, action := range []string{"text", "image", "video"} {
		require.NoError(t, repo.Insert(ctx, models.HistoryRecord{
			ID:        uuid.NewString(),
			AccountID: acc.ID,
			Kind:      models.AssetText,
			Action:    action,
			Prompt:    "p",
			Cost:      1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	recs, err := repo.ListByAccount(ctx, acc.ID, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "video", recs[0].Action)
	assert.Equal(t, "image", recs[1].Action)
}

func TestPaymentRepository_DuplicateCharge(t *testing.T) {
	db := newTestDB(t)
	acc := newTestAccount(t, NewAccountRepository(db), 0)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	charge := "ch_" + uuid.NewString()

	p := &models.Payment{AccountID: acc.ID, Pack: "starter", Provider: "stripe", ProviderCharge: charge, Credits: 100, Amount: 900, Currency: "USD", Status: "pending"}
	require.NoError(t, repo.Create(ctx, p))
	assert.ErrorIs(t, repo.Create(ctx, &models.Payment{AccountID: acc.ID, Pack: "starter", Provider: "stripe", ProviderCharge: charge, Currency: "USD", Status: "pending"}), ErrDuplicatePayment)

	moved, err := repo.TransitionStatus(ctx, p.ID, "pending", "succeeded", "{}")
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = repo.TransitionStatus(ctx, p.ID, "pending", "succeeded", "{}")
	require.NoError(t, err)
	assert.False(t, moved)

	found, err := repo.FindByProviderCharge(ctx, "stripe", charge)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", found.Status)
}
