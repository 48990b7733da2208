// Package ingestion provides machine telemetry event validation.
package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for validation failures.
var (
	ErrNilEvent        = errors.New("event cannot be nil")
	ErrMissingEventID  = errors.New("eventId is required")
	ErrInvalidDuration = errors.New("durationMs must be between 0 and 6 hours")
	ErrEventInFuture   = errors.New("eventTime is too far in the future")
)

// Validator performs semantic validation of incoming machine events.
//
// Validation is pure: it never mutates the event and performs no store I/O.
// A missing ReceivedTime is NOT a rejection; the facade defaults it to "now"
// before coalescing.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks an event against the ingestion rules, in order:
//
//  1. eventId present and non-blank
//  2. 0 <= durationMs <= 6h (zero is a valid instantaneous cycle)
//  3. eventTime <= now + 15min (bounded clock skew allowance)
//
// The reference "now" is passed in so validation stays deterministic under
// test. Returns nil if valid, a sentinel error (possibly wrapped) otherwise.
func (v *Validator) Validate(event *MachineEvent, now time.Time) error {
	if event == nil {
		return ErrNilEvent
	}

	if strings.TrimSpace(event.EventID) == "" {
		return ErrMissingEventID
	}

	if event.DurationMs < 0 || event.DurationMs > MaxDurationMs {
		return fmt.Errorf("%w: got %d", ErrInvalidDuration, event.DurationMs)
	}

	if event.EventTime.After(now.Add(FutureSkewAllowance)) {
		return fmt.Errorf("%w: eventTime %s, now %s",
			ErrEventInFuture,
			event.EventTime.Format(time.RFC3339),
			now.Format(time.RFC3339),
		)
	}

	return nil
}

// ReasonForValidationError maps a validation error to its rejection reason.
// Unknown errors map to ReasonInternalError.
func ReasonForValidationError(err error) RejectionReason {
	switch {
	case errors.Is(err, ErrMissingEventID):
		return ReasonMissingEventID
	case errors.Is(err, ErrInvalidDuration):
		return ReasonInvalidDuration
	case errors.Is(err, ErrEventInFuture):
		return ReasonEventInFuture
	default:
		return ReasonInternalError
	}
}
