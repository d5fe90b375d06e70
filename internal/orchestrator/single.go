package orchestrator

import (
	"context"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

// GenerateFunc produces one artifact. Long-running generations poll inside it;
// polling is part of generation and never charged separately.
type GenerateFunc func(ctx context.Context) (*models.Artifact, error)

// RunSingleShot generates once and charges a.Cost only after a non-empty
// result. When the charge fails the artifact is discarded and the returned
// error wraps ErrCreditDeductionFailed.
func (o *Orchestrator) RunSingleShot(ctx context.Context, s *credits.Session, a Action, generate GenerateFunc) (*Result, error) {
	o.enter(a.Name, StageValidating)
	if err := a.validate(); err != nil {
		return nil, o.fail(a.Name, OutcomeRejected, err)
	}
	if generate == nil {
		return nil, o.fail(a.Name, OutcomeRejected, ErrInvalidAction)
	}
	if err := o.spender.Check(s, models.SpendRequest{Amount: a.Cost, Reason: a.Name}); err != nil {
		return nil, o.fail(a.Name, OutcomeRejected, err)
	}

	o.enter(a.Name, StageGenerating)
	art, err := generate(ctx)
	if err != nil {
		o.log.Warn("generation failed", "account_id", s.AccountID, "action", a.Name, "err", err)
		return nil, o.fail(a.Name, OutcomeGenerationFailed, err)
	}
	if art.Empty() {
		return nil, o.fail(a.Name, OutcomeEmpty, ErrEmptyResponse)
	}
	if art.Kind == "" {
		art.Kind = a.Kind
	}

	if err := o.charge(ctx, s, a); err != nil {
		return nil, o.fail(a.Name, OutcomeChargeFailed, err)
	}

	res := &Result{Artifact: art, Cost: a.Cost}
	o.record(ctx, s, a, art, res)

	o.enter(a.Name, StageSettled)
	o.observer.ActionFinished(a.Name, OutcomeDelivered)
	o.log.Info("generation delivered", "account_id", s.AccountID, "action", a.Name, "cost", a.Cost, "balance", s.Balance())
	return res, nil
}
