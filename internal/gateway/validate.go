package gateway

import (
	"strings"

	"github.com/digkill/adcraft/internal/models"
)

// Verdict is the part of a decoded response that can signal a soft failure.
type Verdict struct {
	BlockReason  string
	FinishReason string
}

// Validate turns successful-looking responses that carry no usable result
// into permanent errors: safety blocks, non-normal stops, empty payloads.
func Validate(v Verdict, art *models.Artifact) error {
	if err := v.check(); err != nil {
		return err
	}
	if art.Empty() {
		return newError(ReasonEmpty, 0, "response has no usable payload")
	}
	return nil
}

// check covers the signals that are meaningful on a single stream chunk too.
func (v Verdict) check() error {
	if v.BlockReason != "" {
		return newError(ReasonSafetyBlock, 0, "content blocked: "+v.BlockReason)
	}
	switch strings.ToLower(v.FinishReason) {
	case "", "stop", "end_turn", "finish_reason_unspecified":
		return nil
	case "safety", "blocklist", "prohibited_content", "spii", "content_filter":
		return newError(ReasonSafetyBlock, 0, "content blocked: "+v.FinishReason)
	default:
		return newError(ReasonAbnormalStop, 0, "generation stopped: "+v.FinishReason)
	}
}
