package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemGenerating ItemStatus = "generating"
	ItemGenerated  ItemStatus = "generated"
	ItemErrored    ItemStatus = "error"
)

const (
	ReasonJobPaused    = "insufficient credits — job paused"
	ReasonChargeFailed = "credit deduction failed"
)

// ItemState is the tagged status of one job item. Artifact is set only when
// Generated, Reason only when Errored.
type ItemState struct {
	Status   ItemStatus       `json:"status"`
	Artifact *models.Artifact `json:"artifact,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Warning  string           `json:"warning,omitempty"`
}

// Snapshot maps item id to its state. A snapshot is never mutated after it
// has been published.
type Snapshot map[string]ItemState

// Tracker holds the current snapshot of a job and replaces it wholesale on
// every transition.
type Tracker struct {
	mu       sync.Mutex
	current  Snapshot
	onUpdate func(Snapshot)
}

func NewTracker(ids []string, onUpdate func(Snapshot)) *Tracker {
	initial := make(Snapshot, len(ids))
	for _, id := range ids {
		initial[id] = ItemState{Status: ItemPending}
	}
	return &Tracker{current: initial, onUpdate: onUpdate}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) set(id string, state ItemState) {
	t.mu.Lock()
	next := make(Snapshot, len(t.current))
	for k, v := range t.current {
		next[k] = v
	}
	next[id] = state
	t.current = next
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(next)
	}
}

// Item is one priced sub-task of a sequential job.
type Item struct {
	ID       string
	Action   string
	Kind     models.AssetType
	Cost     int
	Prompt   string
	Generate GenerateFunc
}

type Job struct {
	ID    string
	Items []Item
	// OnUpdate receives every new snapshot.
	OnUpdate func(Snapshot)
}

type JobResult struct {
	JobID  string   `json:"job_id"`
	Order  []string `json:"order"`
	Items  Snapshot `json:"items"`
	Halted bool     `json:"halted"`
	// HaltedAt is the id of the item that stopped the job.
	HaltedAt string `json:"halted_at,omitempty"`
	Spent    int    `json:"spent"`
}

func (j *Job) validate() error {
	if len(j.Items) == 0 {
		return fmt.Errorf("%w: job has no items", ErrInvalidAction)
	}
	seen := make(map[string]struct{}, len(j.Items))
	for _, it := range j.Items {
		if it.ID == "" || it.Action == "" || it.Cost <= 0 || it.Generate == nil {
			return fmt.Errorf("%w: item %q is incomplete", ErrInvalidAction, it.ID)
		}
		if _, ok := seen[it.ID]; ok {
			return fmt.Errorf("%w: duplicate item %q", ErrInvalidAction, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

// RunSequentialJob processes items strictly one at a time in order.
//
// Before each item the cached balance is checked against its cost; a
// shortfall marks the item errored and halts the job, leaving the rest
// pending. A generation failure marks only that item errored and the job
// moves on. A failed charge after generation marks the item errored and
// halts, whatever the reason for the failure.
func (o *Orchestrator) RunSequentialJob(ctx context.Context, s *credits.Session, job Job) (*JobResult, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	order := make([]string, len(job.Items))
	for i, it := range job.Items {
		order[i] = it.ID
	}
	tracker := NewTracker(order, job.OnUpdate)
	result := &JobResult{JobID: job.ID, Order: order}

	halt := func(id string) {
		result.Halted = true
		result.HaltedAt = id
	}

	for _, it := range job.Items {
		if err := ctx.Err(); err != nil {
			o.log.Info("job abandoned", "job_id", job.ID, "next_item", it.ID, "err", err)
			halt(it.ID)
			break
		}

		a := Action{Name: it.Action, Kind: it.Kind, Cost: it.Cost, Prompt: it.Prompt, JobID: job.ID}
		if err := o.spender.Check(s, models.SpendRequest{Amount: it.Cost, Reason: it.Action}); err != nil {
			tracker.set(it.ID, ItemState{Status: ItemErrored, Reason: ReasonJobPaused})
			o.log.Info("job paused on credits", "job_id", job.ID, "item", it.ID, "cost", it.Cost, "balance", s.Balance())
			o.observer.ActionFinished(it.Action, OutcomeRejected)
			halt(it.ID)
			break
		}

		tracker.set(it.ID, ItemState{Status: ItemGenerating})
		o.enter(it.Action, StageGenerating)
		art, err := it.Generate(ctx)
		if err == nil && art.Empty() {
			err = ErrEmptyResponse
		}
		if err != nil {
			tracker.set(it.ID, ItemState{Status: ItemErrored, Reason: err.Error()})
			o.log.Warn("job item generation failed", "job_id", job.ID, "item", it.ID, "err", err)
			outcome := OutcomeGenerationFailed
			if errors.Is(err, ErrEmptyResponse) {
				outcome = OutcomeEmpty
			}
			o.fail(it.Action, outcome, err)
			continue
		}
		if art.Kind == "" {
			art.Kind = it.Kind
		}

		if err := o.charge(ctx, s, a); err != nil {
			reason := ReasonChargeFailed
			if errors.Is(err, credits.ErrInsufficientCredits) {
				reason = ReasonJobPaused
			}
			tracker.set(it.ID, ItemState{Status: ItemErrored, Reason: reason})
			o.fail(it.Action, OutcomeChargeFailed, err)
			halt(it.ID)
			break
		}
		result.Spent += it.Cost

		res := &Result{Artifact: art, Cost: it.Cost}
		o.record(ctx, s, a, art, res)
		tracker.set(it.ID, ItemState{Status: ItemGenerated, Artifact: art, Warning: res.Warning})
		o.enter(it.Action, StageSettled)
		o.observer.ActionFinished(it.Action, OutcomeDelivered)
	}

	result.Items = tracker.Snapshot()
	o.log.Info("job finished", "job_id", job.ID, "items", len(order), "spent", result.Spent, "halted", result.Halted, "balance", s.Balance())
	return result, nil
}
