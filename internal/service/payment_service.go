package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/repository"
)

const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
)

var ErrInvalidWebhook = errors.New("invalid payment webhook")

type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error
	TransitionStatus(ctx context.Context, paymentID int64, from, to, payload string) (bool, error)
}

// Crediter applies a purchase to an account.
type Crediter interface {
	Credit(ctx context.Context, sess *credits.Session, id int64, amount int, plan *models.Plan, reason string) (int, error)
}

type PaymentService struct {
	log      *slog.Logger
	payments PaymentStore
	accounts Crediter
	catalog  *pricing.Catalog
}

func NewPaymentService(log *slog.Logger, payments PaymentStore, accounts Crediter, catalog *pricing.Catalog) *PaymentService {
	return &PaymentService{
		log:      log,
		payments: payments,
		accounts: accounts,
		catalog:  catalog,
	}
}

// WebhookEvent is the payment provider notification body.
type WebhookEvent struct {
	Provider  string `json:"provider"`
	ChargeID  string `json:"charge_id"`
	AccountID int64  `json:"account_id"`
	Pack      string `json:"pack"`
	Status    string `json:"status"`
}

func (e WebhookEvent) validate() error {
	switch {
	case e.Provider == "":
		return fmt.Errorf("%w: missing provider", ErrInvalidWebhook)
	case e.ChargeID == "":
		return fmt.Errorf("%w: missing charge id", ErrInvalidWebhook)
	case e.AccountID <= 0:
		return fmt.Errorf("%w: missing account id", ErrInvalidWebhook)
	case e.Status == "":
		return fmt.Errorf("%w: missing status", ErrInvalidWebhook)
	}
	return nil
}

// HandleWebhook records a payment status update and credits the pack once
// per provider charge when it succeeds.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte) error {
	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if err := evt.validate(); err != nil {
		return err
	}
	pack, err := s.catalog.Pack(evt.Pack)
	if err != nil {
		return err
	}

	pmt, err := s.findOrCreate(ctx, evt, pack)
	if err != nil {
		return err
	}
	if pmt.AccountID != evt.AccountID {
		return fmt.Errorf("%w: charge %s belongs to another account", ErrInvalidWebhook, evt.ChargeID)
	}
	if pmt.Status == PaymentSucceeded {
		return nil // already processed
	}

	if evt.Status != PaymentSucceeded {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Status, string(payload)); err != nil {
			return err
		}
		s.log.Info("payment status updated", "payment_id", pmt.ID, "status", evt.Status)
		return nil
	}

	moved, err := s.payments.TransitionStatus(ctx, pmt.ID, pmt.Status, PaymentSucceeded, string(payload))
	if err != nil {
		return err
	}
	if !moved {
		return nil // a concurrent delivery won
	}

	var plan *models.Plan
	if pack.Plan != "" {
		plan = &pack.Plan
	}
	balance, err := s.accounts.Credit(ctx, nil, pmt.AccountID, pack.Credits, plan, "purchase:"+pack.Name)
	if err != nil {
		if _, revertErr := s.payments.TransitionStatus(context.WithoutCancel(ctx), pmt.ID, PaymentSucceeded, pmt.Status, string(payload)); revertErr != nil {
			s.log.Error("failed to revert payment status", "payment_id", pmt.ID, "err", revertErr)
		}
		return fmt.Errorf("credit pack: %w", err)
	}
	s.log.Info("payment credited", "payment_id", pmt.ID, "account_id", pmt.AccountID, "pack", pack.Name, "credits", pack.Credits, "balance", balance)
	return nil
}

func (s *PaymentService) findOrCreate(ctx context.Context, evt WebhookEvent, pack pricing.Pack) (*models.Payment, error) {
	pmt, err := s.payments.FindByProviderCharge(ctx, evt.Provider, evt.ChargeID)
	if err != nil {
		return nil, err
	}
	if pmt != nil {
		return pmt, nil
	}

	pmt = &models.Payment{
		AccountID:      evt.AccountID,
		Pack:           pack.Name,
		Provider:       evt.Provider,
		ProviderCharge: evt.ChargeID,
		Credits:        pack.Credits,
		Amount:         pack.Price,
		Currency:       pack.Currency,
		Status:         PaymentPending,
	}
	err = s.payments.Create(ctx, pmt)
	if errors.Is(err, repository.ErrDuplicatePayment) {
		existing, findErr := s.payments.FindByProviderCharge(ctx, evt.Provider, evt.ChargeID)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return pmt, nil
}

// Packs lists the purchasable credit packs.
func (s *PaymentService) Packs() []pricing.Pack {
	return s.catalog.PackList()
}
