package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/pricing"
)

type memPayments struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{rows: map[int64]*models.Payment{}}
}

func (m *memPayments) Create(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memPayments) FindByProviderCharge(_ context.Context, provider, chargeID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Provider == provider && p.ProviderCharge == chargeID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPayments) UpdateStatus(_ context.Context, id int64, status, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].Status = status
	m.rows[id].RawPayload = payload
	return nil
}

func (m *memPayments) TransitionStatus(_ context.Context, id int64, from, to, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[id].Status != from {
		return false, nil
	}
	m.rows[id].Status = to
	m.rows[id].RawPayload = payload
	return true, nil
}

func webhook(t *testing.T, evt WebhookEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func TestPaymentService_CreditsPackOnce(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, 50)
	payments := newMemPayments()
	svc := NewPaymentService(discardLogger(), payments, f.accountSvc, f.catalog)
	evt := WebhookEvent{Provider: "stripe", ChargeID: "ch_1", AccountID: sess.AccountID, Pack: "starter", Status: PaymentSucceeded}

	require.NoError(t, svc.HandleWebhook(context.Background(), webhook(t, evt)))
	require.NoError(t, svc.HandleWebhook(context.Background(), webhook(t, evt)))

	assert.Equal(t, 150, f.balance(t, sess))
	require.Len(t, payments.rows, 1)
	assert.Equal(t, PaymentSucceeded, payments.rows[1].Status)
	assert.Equal(t, 900, payments.rows[1].Amount)
}

func TestPaymentService_PendingThenSucceeded(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, 0)
	payments := newMemPayments()
	svc := NewPaymentService(discardLogger(), payments, f.accountSvc, f.catalog)
	evt := WebhookEvent{Provider: "stripe", ChargeID: "ch_2", AccountID: sess.AccountID, Pack: "pro_monthly", Status: "processing"}

	require.NoError(t, svc.HandleWebhook(context.Background(), webhook(t, evt)))
	assert.Equal(t, 0, f.balance(t, sess))
	assert.Equal(t, "processing", payments.rows[1].Status)

	evt.Status = PaymentSucceeded
	require.NoError(t, svc.HandleWebhook(context.Background(), webhook(t, evt)))
	assert.Equal(t, 1000, f.balance(t, sess))

	acc, err := f.accountSvc.Get(context.Background(), sess.AccountID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, acc.Plan)

	// A late failure notice does not undo a settled payment.
	evt.Status = "failed"
	require.NoError(t, svc.HandleWebhook(context.Background(), webhook(t, evt)))
	assert.Equal(t, PaymentSucceeded, payments.rows[1].Status)
}

func TestPaymentService_RevertsWhenCreditFails(t *testing.T) {
	f := newFixture(t)
	payments := newMemPayments()
	svc := NewPaymentService(discardLogger(), payments, f.accountSvc, f.catalog)
	evt := WebhookEvent{Provider: "stripe", ChargeID: "ch_3", AccountID: 999, Pack: "starter", Status: PaymentSucceeded}

	err := svc.HandleWebhook(context.Background(), webhook(t, evt))

	require.Error(t, err)
	assert.Equal(t, PaymentPending, payments.rows[1].Status)
}

func TestPaymentService_RejectsBadPayloads(t *testing.T) {
	f := newFixture(t)
	svc := NewPaymentService(discardLogger(), newMemPayments(), f.accountSvc, f.catalog)

	assert.ErrorIs(t, svc.HandleWebhook(context.Background(), []byte("{")), ErrInvalidWebhook)
	assert.ErrorIs(t, svc.HandleWebhook(context.Background(), webhook(t, WebhookEvent{Provider: "stripe"})), ErrInvalidWebhook)
	assert.ErrorIs(t, svc.HandleWebhook(context.Background(), webhook(t, WebhookEvent{
		Provider: "stripe", ChargeID: "ch", AccountID: 1, Pack: "mega", Status: PaymentSucceeded,
	})), pricing.ErrUnknownPack)
}
