// Package ingestion provides the machine telemetry domain models and the
// two-stage batch upsert engine.
package ingestion

import (
	"time"
)

type (
	// MachineEvent represents one reported machine cycle - Domain Model.
	//
	// Events are uniquely identified by EventID (externally assigned). The
	// same event may arrive multiple times (client retries) or out of order;
	// ReceivedTime is the conflict-resolution clock: the stored record always
	// reflects the state with the maximal ReceivedTime seen for its key.
	//
	// This is a pure domain model without JSON tags. The API layer uses
	// its own request type for JSON marshaling and maps to this domain type.
	MachineEvent struct {
		// EventID uniquely identifies this event (primary key, externally assigned).
		EventID string

		// MachineID identifies the reporting machine.
		MachineID string

		// FactoryID identifies the production line the machine belongs to.
		FactoryID string

		// EventTime is when the cycle occurred on the machine.
		// May lag arbitrarily behind arrival; must not lead "now" by more
		// than the future-skew allowance.
		EventTime time.Time

		// ReceivedTime is when the event reached the ingestion boundary.
		// Defaulted by the facade when the client omits it. Not part of the
		// payload for dedup comparison.
		ReceivedTime time.Time

		// DurationMs is the cycle duration in milliseconds (0..6h).
		DurationMs int64

		// DefectCount is the number of defects observed in this cycle.
		// UnknownDefectCount (-1) denotes "unknown" and is excluded from
		// defect aggregation.
		DefectCount int

		// Version is the optimistic-lock counter. Starts at 0 on insert and
		// increments on every persisted mutation. Managed by the store.
		Version int64

		// Persisted reports whether this value was loaded from the store.
		// Store reads set it; the engine uses it to decide between insert
		// and version-checked update paths.
		Persisted bool
	}

	// RejectionReason classifies why an event was not persisted.
	RejectionReason string

	// Rejection reports a single rejected event and its reason.
	Rejection struct {
		EventID string
		Reason  RejectionReason
	}

	// BatchResult tallies the outcome of one processBatch invocation.
	// Invariant: Accepted + Updated + Deduped + Rejected == len(input)
	// for every completed batch.
	BatchResult struct {
		Accepted   int
		Updated    int
		Deduped    int
		Rejected   int
		Rejections []Rejection
	}
)

const (
	// ReasonMissingEventID rejects events without a primary key.
	ReasonMissingEventID RejectionReason = "MISSING_EVENT_ID"

	// ReasonInvalidDuration rejects cycle durations outside 0..6h.
	ReasonInvalidDuration RejectionReason = "INVALID_DURATION"

	// ReasonEventInFuture rejects event times leading "now" by more than
	// the future-skew allowance.
	ReasonEventInFuture RejectionReason = "EVENT_IN_FUTURE"

	// ReasonConcurrencyFailure marks a row that lost the version race on
	// every fallback attempt.
	ReasonConcurrencyFailure RejectionReason = "CONCURRENCY_FAILURE"

	// ReasonInternalError marks a row that hit an unexpected store error.
	ReasonInternalError RejectionReason = "INTERNAL_ERROR"
)

const (
	// MaxDurationMs is the upper bound for a cycle duration (6 hours).
	MaxDurationMs = int64(6 * time.Hour / time.Millisecond)

	// FutureSkewAllowance is how far EventTime may lead "now" at ingestion.
	FutureSkewAllowance = 15 * time.Minute

	// UnknownDefectCount marks a cycle whose defect count was not observed.
	UnknownDefectCount = -1
)

// HasSamePayload reports whether two events carry the same payload.
//
// The payload is the subset of fields subject to equality comparison for
// dedup: durationMs, defectCount, eventTime, machineId, factoryId.
// ReceivedTime and Version are deliberately excluded.
func (e *MachineEvent) HasSamePayload(other *MachineEvent) bool {
	if other == nil {
		return false
	}

	return e.DurationMs == other.DurationMs &&
		e.DefectCount == other.DefectCount &&
		e.EventTime.Equal(other.EventTime) &&
		e.MachineID == other.MachineID &&
		e.FactoryID == other.FactoryID
}

// ApplyPayload copies the incoming event's payload fields and ReceivedTime
// onto e, preserving e's current Version (the store asserts it on write).
func (e *MachineEvent) ApplyPayload(incoming *MachineEvent) {
	e.DurationMs = incoming.DurationMs
	e.DefectCount = incoming.DefectCount
	e.EventTime = incoming.EventTime
	e.MachineID = incoming.MachineID
	e.FactoryID = incoming.FactoryID
	e.ReceivedTime = incoming.ReceivedTime
}

// AddRejection appends a rejection and bumps the Rejected counter.
func (r *BatchResult) AddRejection(eventID string, reason RejectionReason) {
	r.Rejected++
	r.Rejections = append(r.Rejections, Rejection{EventID: eventID, Reason: reason})
}

// ResetCounters zeroes the accepted/updated/deduped tallies while preserving
// accumulated rejections. Used when the optimistic bulk stage aborts and the
// per-row fallback reclassifies the whole winner set.
func (r *BatchResult) ResetCounters() {
	r.Accepted = 0
	r.Updated = 0
	r.Deduped = 0
}

// Total returns the number of input events accounted for by this result.
func (r *BatchResult) Total() int {
	return r.Accepted + r.Updated + r.Deduped + r.Rejected
}
