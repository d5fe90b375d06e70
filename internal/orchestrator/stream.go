package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/models"
)

// OpenStreamFunc starts a streamed generation.
type OpenStreamFunc func(ctx context.Context) (gateway.Stream, error)

// EmitFunc delivers one chunk of paid text to the client.
type EmitFunc func(text string) error

// RunStream consumes a streamed generation and charges exactly once, when the
// first chunk with non-empty text arrives and before that chunk is emitted.
// A stream that never yields text is reported as ErrEmptyResponse and costs
// nothing.
//
// Once the charge has been made the stream no longer follows ctx: a client
// that goes away leaves the paid generation running for up to the record
// timeout, and the full text is still recorded.
func (o *Orchestrator) RunStream(ctx context.Context, s *credits.Session, a Action, open OpenStreamFunc, emit EmitFunc) (*Result, error) {
	o.enter(a.Name, StageValidating)
	if err := a.validate(); err != nil {
		return nil, o.fail(a.Name, OutcomeRejected, err)
	}
	if open == nil {
		return nil, o.fail(a.Name, OutcomeRejected, ErrInvalidAction)
	}
	if err := o.spender.Check(s, models.SpendRequest{Amount: a.Cost, Reason: a.Name}); err != nil {
		return nil, o.fail(a.Name, OutcomeRejected, err)
	}

	var charged atomic.Bool
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStream()
	stop := context.AfterFunc(ctx, func() {
		if !charged.Load() {
			cancelStream()
			return
		}
		time.AfterFunc(o.timeout, cancelStream)
	})
	defer stop()

	o.enter(a.Name, StageGenerating)
	stream, err := open(streamCtx)
	if err != nil {
		o.log.Warn("stream open failed", "account_id", s.AccountID, "action", a.Name, "err", err)
		return nil, o.fail(a.Name, OutcomeGenerationFailed, err)
	}
	defer stream.Close()

	var (
		text    strings.Builder
		finish  string
		emitErr error
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if charged.Load() {
				return nil, o.interrupted(ctx, s, a, text.String(), err)
			}
			o.log.Warn("stream failed", "account_id", s.AccountID, "action", a.Name, "err", err)
			return nil, o.fail(a.Name, OutcomeGenerationFailed, err)
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Text == "" {
			continue
		}

		if !charged.Load() {
			if err := o.charge(ctx, s, a); err != nil {
				return nil, o.fail(a.Name, OutcomeChargeFailed, err)
			}
			charged.Store(true)
			o.enter(a.Name, StageGenerating)
		}

		text.WriteString(chunk.Text)
		if emit != nil && emitErr == nil {
			// A departed client does not stop the generation it paid for.
			if emitErr = emit(chunk.Text); emitErr != nil {
				o.log.Info("stream client gone, draining", "account_id", s.AccountID, "action", a.Name, "err", emitErr)
			}
		}
	}

	if !charged.Load() {
		o.log.Warn("stream produced no text", "account_id", s.AccountID, "action", a.Name)
		return nil, o.fail(a.Name, OutcomeEmpty, ErrEmptyResponse)
	}

	art := &models.Artifact{Kind: a.Kind, Text: text.String(), FinishReason: finish}
	res := &Result{Artifact: art, Cost: a.Cost}
	o.record(ctx, s, a, art, res)

	o.enter(a.Name, StageSettled)
	o.observer.ActionFinished(a.Name, OutcomeDelivered)
	o.log.Info("stream delivered", "account_id", s.AccountID, "action", a.Name, "cost", a.Cost, "chars", text.Len())
	return res, nil
}

// interrupted records the text a paid stream produced before it broke. The
// charge stands; the error is still returned to the caller.
func (o *Orchestrator) interrupted(ctx context.Context, s *credits.Session, a Action, partial string, err error) error {
	o.log.Warn("stream interrupted after charge", "account_id", s.AccountID, "action", a.Name, "received", len(partial), "err", err)
	art := &models.Artifact{Kind: a.Kind, Text: partial, FinishReason: "INTERRUPTED"}
	o.record(ctx, s, a, art, &Result{Artifact: art, Cost: a.Cost})
	s.Notify(credits.NoticeWarning, interruptedWarning)
	return o.fail(a.Name, OutcomeInterrupted, err)
}
