// Package ingestion provides machine telemetry event validation.
package ingestion

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_ValidEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()
	now := time.Now().UTC()

	event := &MachineEvent{
		EventID:     "EVT-001",
		MachineID:   "M1",
		FactoryID:   "F1",
		EventTime:   now.Add(-time.Minute),
		DurationMs:  1500,
		DefectCount: 2,
	}

	if err := validator.Validate(event, now); err != nil {
		t.Errorf("Validate() failed for valid event: %v", err)
	}
}

func TestValidate_NilEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	err := validator.Validate(nil, time.Now().UTC())
	if !errors.Is(err, ErrNilEvent) {
		t.Errorf("Validate(nil) = %v, want ErrNilEvent", err)
	}
}

func TestValidate_MissingEventID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()
	now := time.Now().UTC()

	for _, id := range []string{"", "   ", "\t"} {
		event := &MachineEvent{
			EventID:    id,
			MachineID:  "M1",
			EventTime:  now,
			DurationMs: 100,
		}

		if err := validator.Validate(event, now); !errors.Is(err, ErrMissingEventID) {
			t.Errorf("Validate() with eventId %q = %v, want ErrMissingEventID", id, err)
		}
	}
}

func TestValidate_DurationBounds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()
	now := time.Now().UTC()

	tests := []struct {
		name       string
		durationMs int64
		wantErr    bool
	}{
		{"zero duration is a valid instantaneous cycle", 0, false},
		{"positive duration within bounds", 3600000, false},
		{"exactly six hours is valid", MaxDurationMs, false},
		{"negative duration rejected", -1, true},
		{"over six hours rejected", MaxDurationMs + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &MachineEvent{
				EventID:    "EVT-001",
				EventTime:  now,
				DurationMs: tt.durationMs,
			}

			err := validator.Validate(event, now)
			if tt.wantErr && !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("Validate() = %v, want ErrInvalidDuration", err)
			}

			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidate_FutureSkew(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()
	now := time.Now().UTC()

	tests := []struct {
		name      string
		eventTime time.Time
		wantErr   bool
	}{
		{"past event accepted", now.Add(-time.Hour), false},
		{"event at now accepted", now, false},
		{"event within skew allowance accepted", now.Add(FutureSkewAllowance), false},
		{"event beyond skew allowance rejected", now.Add(FutureSkewAllowance + time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &MachineEvent{
				EventID:    "EVT-001",
				EventTime:  tt.eventTime,
				DurationMs: 100,
			}

			err := validator.Validate(event, now)
			if tt.wantErr && !errors.Is(err, ErrEventInFuture) {
				t.Errorf("Validate() = %v, want ErrEventInFuture", err)
			}

			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()
	now := time.Now().UTC()

	// An event that violates every rule reports the first failure only:
	// missing id before invalid duration before future time.
	event := &MachineEvent{
		EventID:    "",
		EventTime:  now.Add(time.Hour),
		DurationMs: -5,
	}

	if err := validator.Validate(event, now); !errors.Is(err, ErrMissingEventID) {
		t.Errorf("Validate() = %v, want ErrMissingEventID (first check wins)", err)
	}

	event.EventID = "EVT-001"

	if err := validator.Validate(event, now); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Validate() = %v, want ErrInvalidDuration (duration before future)", err)
	}
}

func TestReasonForValidationError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		err  error
		want RejectionReason
	}{
		{ErrMissingEventID, ReasonMissingEventID},
		{ErrInvalidDuration, ReasonInvalidDuration},
		{ErrEventInFuture, ReasonEventInFuture},
		{ErrNilEvent, ReasonInternalError},
		{errors.New("anything else"), ReasonInternalError},
	}

	for _, tt := range tests {
		if got := ReasonForValidationError(tt.err); got != tt.want {
			t.Errorf("ReasonForValidationError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
