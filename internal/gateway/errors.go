package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reason is the closed set of failure signals the Gateway can report.
type Reason string

const (
	ReasonQuota           Reason = "quota_exceeded"
	ReasonInvalidArgument Reason = "invalid_argument"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonSafetyBlock     Reason = "safety_block"
	ReasonMalformed       Reason = "malformed_response"
	ReasonEmpty           Reason = "empty_response"
	ReasonAbnormalStop    Reason = "abnormal_stop"
	ReasonOperationFailed Reason = "operation_failed"
	ReasonUnavailable     Reason = "unavailable"
	ReasonInternal        Reason = "internal"
	ReasonTimeout         Reason = "timeout"
	ReasonNetwork         Reason = "network"
)

// Class tells the retry wrapper what to do with an error.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

var (
	ErrGenerationTransient = errors.New("gateway: transient generation failure")
	ErrGenerationPermanent = errors.New("gateway: permanent generation failure")
)

// Error is the typed failure returned by the Gateway client.
type Error struct {
	Reason  Reason
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s (status=%d): %s", e.Reason, e.Status, msg)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Reason, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers test the class with errors.Is(err, ErrGenerationPermanent).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrGenerationTransient:
		return e.Reason.class() == ClassTransient
	case ErrGenerationPermanent:
		return e.Reason.class() == ClassPermanent
	}
	return false
}

func (r Reason) class() Class {
	switch r {
	case ReasonUnavailable, ReasonInternal, ReasonTimeout, ReasonNetwork:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

func newError(reason Reason, status int, msg string) *Error {
	return &Error{Reason: reason, Status: status, Message: msg}
}

// Classify maps an error to its retry class. Anything not recognised as a
// server-side or network condition is permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Reason.class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// ReasonOf extracts the failure reason, if err carries one.
func ReasonOf(err error) (Reason, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Reason, true
	}
	return "", false
}
