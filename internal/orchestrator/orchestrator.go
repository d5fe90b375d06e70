// Package orchestrator sequences a generation call with its payment and its
// history record. The order is always Validate, Generate, Charge, Record: no
// path reaches the charge without a successful generation first.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/models"
)

type Stage string

const (
	StageIdle       Stage = "idle"
	StageValidating Stage = "validating"
	StageGenerating Stage = "generating"
	StageCharging   Stage = "charging"
	StageRecording  Stage = "recording"
	StageSettled    Stage = "settled"
)

var (
	ErrInvalidAction         = errors.New("orchestrator: invalid action")
	ErrCreditDeductionFailed = errors.New("orchestrator: credit deduction failed")
	ErrEmptyResponse         = errors.New("orchestrator: empty response, not charged")
)

const (
	recordWarning      = "The result was delivered but could not be saved to your history."
	interruptedWarning = "The generation stopped early. The text received so far was saved to your history."
)

// Spender is the Credit Controller as seen by orchestrators.
type Spender interface {
	Check(s *credits.Session, req models.SpendRequest) error
	Spend(ctx context.Context, s *credits.Session, req models.SpendRequest) error
}

// Recorder persists a delivered artifact. Its failure never undoes a charge.
type Recorder interface {
	Append(ctx context.Context, rec models.HistoryRecord, art *models.Artifact) error
}

// Alerter notifies operators about paid artifacts that were not persisted.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeRejected         Outcome = "rejected"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomeEmpty            Outcome = "empty"
	OutcomeChargeFailed     Outcome = "charge_failed"
	OutcomeInterrupted      Outcome = "interrupted"
)

// Observer receives stage transitions and outcomes, typically for metrics.
type Observer interface {
	StageEntered(action string, stage Stage)
	ActionFinished(action string, outcome Outcome)
	RecordFailed(action string)
}

type noopObserver struct{}

func (noopObserver) StageEntered(string, Stage)     {}
func (noopObserver) ActionFinished(string, Outcome) {}
func (noopObserver) RecordFailed(string)            {}

type noopAlerter struct{}

func (noopAlerter) Alert(context.Context, string) error { return nil }

// Action is one priced generation request.
type Action struct {
	// Name is the priced action; it doubles as the spend reason.
	Name   string
	Kind   models.AssetType
	Cost   int
	Prompt string
	JobID  string
}

func (a Action) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAction)
	}
	if a.Cost <= 0 {
		return fmt.Errorf("%w: cost must be positive", ErrInvalidAction)
	}
	return nil
}

// Result is a delivered, paid-for artifact.
type Result struct {
	Artifact *models.Artifact `json:"artifact"`
	Cost     int              `json:"cost"`
	RecordID string           `json:"record_id,omitempty"`
	Warning  string           `json:"warning,omitempty"`
}

type Orchestrator struct {
	spender  Spender
	recorder Recorder
	alerter  Alerter
	observer Observer
	log      *slog.Logger
	timeout  time.Duration
}

type Option func(*Orchestrator)

func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithRecordTimeout bounds the best-effort history write.
func WithRecordTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// New builds an Orchestrator. recorder may be nil, in which case nothing is persisted.
func New(spender Spender, recorder Recorder, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		spender:  spender,
		recorder: recorder,
		log:      log,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.alerter == nil {
		o.alerter = noopAlerter{}
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}
	return o
}

func (o *Orchestrator) enter(action string, stage Stage) {
	o.observer.StageEntered(action, stage)
}

// fail returns the action to Idle with err.
func (o *Orchestrator) fail(action string, outcome Outcome, err error) error {
	o.enter(action, StageIdle)
	o.observer.ActionFinished(action, outcome)
	return err
}

// charge issues the spend for a produced artifact and wraps any failure.
func (o *Orchestrator) charge(ctx context.Context, s *credits.Session, a Action) error {
	o.enter(a.Name, StageCharging)
	if err := o.spender.Spend(ctx, s, models.SpendRequest{Amount: a.Cost, Reason: a.Name}); err != nil {
		o.log.Warn("credit deduction failed, artifact discarded", "account_id", s.AccountID, "action", a.Name, "cost", a.Cost, "err", err)
		return fmt.Errorf("%w: %w", ErrCreditDeductionFailed, err)
	}
	return nil
}

// record persists a paid artifact. Failures are reported on the session and
// to operators; the charge stands.
func (o *Orchestrator) record(ctx context.Context, s *credits.Session, a Action, art *models.Artifact, res *Result) {
	if o.recorder == nil {
		return
	}
	o.enter(a.Name, StageRecording)

	rec := models.HistoryRecord{
		ID:        uuid.NewString(),
		AccountID: s.AccountID,
		Kind:      a.Kind,
		Action:    a.Name,
		Prompt:    a.Prompt,
		Content:   art.Text,
		BlobURL:   art.URL,
		Cost:      a.Cost,
		JobID:     a.JobID,
		CreatedAt: time.Now().UTC(),
	}

	// The client may already be gone; the record is written regardless.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if err := o.recorder.Append(writeCtx, rec, art); err != nil {
		o.observer.RecordFailed(a.Name)
		o.log.Error("failed to record generation", "account_id", s.AccountID, "action", a.Name, "cost", a.Cost, "err", err)
		s.Notify(credits.NoticeWarning, recordWarning)
		res.Warning = recordWarning

		msg := fmt.Sprintf("paid artifact not saved: account=%d action=%s cost=%d err=%v", s.AccountID, a.Name, a.Cost, err)
		if alertErr := o.alerter.Alert(writeCtx, msg); alertErr != nil {
			o.log.Error("failed to send alert", "err", alertErr)
		}
		return
	}
	res.RecordID = rec.ID
}
