package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/ledger"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/repository"
)

var (
	ErrAlreadyClaimed = errors.New("one-time credit already claimed")
	ErrInvalidPlan    = errors.New("invalid plan")
)

// AccountStore is the accounts table as the account service sees it.
type AccountStore interface {
	Ensure(ctx context.Context, template models.Account) (*models.Account, bool, error)
	Get(ctx context.Context, id int64) (*models.Account, error)
	SetPlan(ctx context.Context, id int64, plan models.Plan, limit int) error
	ClaimFlag(ctx context.Context, id int64, flag repository.Flag) (bool, error)
	ReleaseFlag(ctx context.Context, id int64, flag repository.Flag) error
}

type AccountService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts AccountStore
	ledger   credits.Ledger
	credits  *credits.Controller
}

func NewAccountService(cfg config.Config, log *slog.Logger, accounts AccountStore, l credits.Ledger, controller *credits.Controller) *AccountService {
	return &AccountService{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		ledger:   l,
		credits:  controller,
	}
}

// Ensure finds or creates the account for externalID with the freemium
// opening balance. Ledgers kept outside MySQL are seeded on every call;
// seeding never overwrites an existing balance.
func (s *AccountService) Ensure(ctx context.Context, externalID, email string) (*models.Account, bool, error) {
	if externalID == "" {
		return nil, false, fmt.Errorf("external id is required")
	}
	account, created, err := s.accounts.Ensure(ctx, models.Account{
		ExternalID: externalID,
		Email:      email,
		Plan:       models.PlanFreemium,
		Balance:    s.cfg.FreemiumCredits,
		PlanLimit:  s.cfg.FreemiumLimit,
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure account: %w", err)
	}

	if p, ok := s.ledger.(ledger.Provisioner); ok {
		if err := p.Provision(ctx, account.ID, account.Balance, account.Plan); err != nil {
			return nil, false, fmt.Errorf("provision ledger: %w", err)
		}
	}
	if created {
		s.log.Info("account created", "account_id", account.ID, "external_id", externalID, "balance", account.Balance)
	}

	balance, err := s.ledger.Balance(ctx, account.ID)
	if err != nil {
		return nil, false, fmt.Errorf("read balance: %w", err)
	}
	account.Balance = balance
	return account, created, nil
}

// Get returns the account with its authoritative balance.
func (s *AccountService) Get(ctx context.Context, id int64) (*models.Account, error) {
	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	account.Balance = balance
	return account, nil
}

func (s *AccountService) Balance(ctx context.Context, id int64) (int, error) {
	return s.ledger.Balance(ctx, id)
}

// ClaimBonus grants the one-time bonus. sess may be nil.
func (s *AccountService) ClaimBonus(ctx context.Context, sess *credits.Session, id int64) (int, error) {
	return s.claim(ctx, sess, id, repository.FlagBonus, s.cfg.BonusCredits, "bonus")
}

// CompleteOnboarding grants the one-time onboarding credit. sess may be nil.
func (s *AccountService) CompleteOnboarding(ctx context.Context, sess *credits.Session, id int64) (int, error) {
	return s.claim(ctx, sess, id, repository.FlagOnboarding, s.cfg.OnboardingCredits, "onboarding")
}

// claim sets the flag first so concurrent claims cannot both credit, and
// clears it again when the credit does not go through.
func (s *AccountService) claim(ctx context.Context, sess *credits.Session, id int64, flag repository.Flag, amount int, reason string) (int, error) {
	ok, err := s.accounts.ClaimFlag(ctx, id, flag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrAlreadyClaimed
	}
	balance, err := s.credits.Grant(ctx, sess, id, amount, nil, reason)
	if err != nil {
		if releaseErr := s.accounts.ReleaseFlag(context.WithoutCancel(ctx), id, flag); releaseErr != nil {
			s.log.Error("failed to release account flag", "account_id", id, "flag", flag, "err", releaseErr)
		}
		return 0, fmt.Errorf("grant %s: %w", reason, err)
	}
	return balance, nil
}

// Upgrade switches the plan and grants the plan's credit allowance in the
// same ledger operation.
func (s *AccountService) Upgrade(ctx context.Context, sess *credits.Session, id int64, plan models.Plan) (int, error) {
	if !plan.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}
	amount := 0
	if plan == models.PlanPro {
		amount = s.cfg.ProCredits
	}
	return s.Credit(ctx, sess, id, amount, &plan, "upgrade:"+string(plan))
}

// Credit adds credits, optionally switching the plan. sess may be nil.
func (s *AccountService) Credit(ctx context.Context, sess *credits.Session, id int64, amount int, plan *models.Plan, reason string) (int, error) {
	if plan != nil && !plan.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPlan, *plan)
	}
	balance, err := s.credits.Grant(ctx, sess, id, amount, plan, reason)
	if err != nil {
		return 0, err
	}
	if plan != nil {
		if err := s.accounts.SetPlan(ctx, id, *plan, s.planLimit(*plan)); err != nil {
			return balance, err
		}
	}
	return balance, nil
}

func (s *AccountService) planLimit(plan models.Plan) int {
	if plan == models.PlanPro {
		return s.cfg.ProLimit
	}
	return s.cfg.FreemiumLimit
}
