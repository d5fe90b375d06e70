package orchestrator

import (
	"context"
	"fmt"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

// PlanFunc enumerates the priced asset items described by a paid strategy.
type PlanFunc func(strategy *models.Artifact) ([]Item, error)

type Campaign struct {
	ID       string
	Strategy Action
	Generate GenerateFunc
	Plan     PlanFunc
	OnUpdate func(Snapshot)
}

type CampaignResult struct {
	Strategy *Result    `json:"strategy"`
	Assets   *JobResult `json:"assets,omitempty"`
}

// RunCampaign charges the strategy step as a single-shot action and only then
// runs the asset items it describes as a sequential job. When planning fails
// the paid strategy is still returned alongside the error.
func (o *Orchestrator) RunCampaign(ctx context.Context, s *credits.Session, c Campaign) (*CampaignResult, error) {
	if c.Plan == nil {
		return nil, fmt.Errorf("%w: campaign has no planner", ErrInvalidAction)
	}
	strategy := c.Strategy
	strategy.JobID = c.ID

	res, err := o.RunSingleShot(ctx, s, strategy, c.Generate)
	if err != nil {
		return nil, err
	}
	out := &CampaignResult{Strategy: res}

	items, err := c.Plan(res.Artifact)
	if err != nil {
		o.log.Warn("campaign planning failed", "account_id", s.AccountID, "campaign_id", c.ID, "err", err)
		return out, fmt.Errorf("plan campaign assets: %w", err)
	}

	assets, err := o.RunSequentialJob(ctx, s, Job{ID: c.ID, Items: items, OnUpdate: c.OnUpdate})
	if err != nil {
		return out, err
	}
	out.Assets = assets
	return out, nil
}
