package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MaxRetries bounds per-row fallback attempts before a row is rejected
// with CONCURRENCY_FAILURE.
const MaxRetries = 3

// upsertOutcome classifies a successfully processed row.
type upsertOutcome int

const (
	outcomeAccepted upsertOutcome = iota
	outcomeUpdated
	outcomeDeduped
)

// Engine is the two-stage batch upsert writer and the ingestion facade.
//
// ProcessBatch validates and coalesces the input, then attempts an
// optimistic bulk upsert (stage A: one prefetch round trip, one atomic bulk
// write). If any row's version check fails, or the bulk write fails for any
// other reason, the whole winner set is reclassified row by row (stage B),
// each row inside its own store transaction, bounded by MaxRetries.
//
// Stage A is not safe against concurrent writers on the same key; that is
// why any conflict collapses the whole batch into stage B, where re-reading
// on every attempt enforces "max receivedTime wins".
type Engine struct {
	store     Store
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		validator: NewValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessBatch is the single public entry point of the ingestion pipeline.
//
// Each input event is validated; failures are reported as rejections and
// never reach the store. Survivors get a defaulted ReceivedTime, are
// coalesced to one winner per key, and flow through the two-stage upsert.
//
// The returned result always satisfies
// Accepted + Updated + Deduped + Rejected == len(events).
// Partial success is the norm; callers inspect counters and rejections.
func (e *Engine) ProcessBatch(ctx context.Context, events []*MachineEvent) *BatchResult {
	result := &BatchResult{}
	now := e.now()

	validated := make([]*MachineEvent, 0, len(events))

	for _, event := range events {
		if err := e.validator.Validate(event, now); err != nil {
			var eventID string
			if event != nil {
				eventID = event.EventID
			}

			result.AddRejection(eventID, ReasonForValidationError(err))

			continue
		}

		if event.ReceivedTime.IsZero() {
			event.ReceivedTime = now
		}

		validated = append(validated, event)
	}

	winners, inBatchDeduped := Coalesce(validated)
	result.Deduped += inBatchDeduped

	if len(winners) == 0 {
		return result
	}

	if err := e.bulkUpsert(ctx, winners, result); err != nil {
		e.logger.Warn("bulk upsert failed, falling back to per-row upserts",
			slog.Int("winners", len(winners)),
			slog.String("error", err.Error()),
		)

		// Stage A tallies are discarded wholesale; stage B re-derives the
		// classification from the same winner set. Rejections and the
		// in-batch dedup count survive the reset.
		result.ResetCounters()
		result.Deduped += inBatchDeduped

		e.fallbackUpsert(ctx, winners, result)
	}

	return result
}

// bulkUpsert is stage A: one prefetch, one classification pass, one atomic
// bulk write. Tallies are published into result only when the write commits.
func (e *Engine) bulkUpsert(ctx context.Context, winners []*MachineEvent, result *BatchResult) error {
	ids := make([]string, 0, len(winners))
	for _, w := range winners {
		ids = append(ids, w.EventID)
	}

	existing, err := e.store.FindAllByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("prefetch failed: %w", err)
	}

	var accepted, updated, deduped int

	staged := make([]*MachineEvent, 0, len(winners))

	for _, w := range winners {
		stored, found := existing[w.EventID]
		if !found {
			accepted++

			staged = append(staged, w)

			continue
		}

		switch {
		case !w.ReceivedTime.After(stored.ReceivedTime):
			deduped++ // stale delivery
		case w.HasSamePayload(stored):
			deduped++ // identical retry
		default:
			stored.ApplyPayload(w)
			updated++

			staged = append(staged, stored)
		}
	}

	if len(staged) > 0 {
		if err := e.store.SaveAll(ctx, staged); err != nil {
			return fmt.Errorf("bulk write failed: %w", err)
		}
	}

	result.Accepted += accepted
	result.Updated += updated
	result.Deduped += deduped

	return nil
}

// fallbackUpsert is stage B: strictly isolated per-row processing. One
// row's failure never affects another.
func (e *Engine) fallbackUpsert(ctx context.Context, winners []*MachineEvent, result *BatchResult) {
	for _, w := range winners {
		outcome, err := e.upsertWithRetry(ctx, w)
		if err != nil {
			reason := ReasonInternalError
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateEvent) {
				reason = ReasonConcurrencyFailure
			}

			e.logger.Error("per-row upsert failed",
				slog.String("event_id", w.EventID),
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()),
			)

			result.AddRejection(w.EventID, reason)

			continue
		}

		switch outcome {
		case outcomeAccepted:
			result.Accepted++
		case outcomeUpdated:
			result.Updated++
		case outcomeDeduped:
			result.Deduped++
		}
	}
}

// upsertWithRetry re-reads and re-applies conflict resolution on every
// attempt. Version conflicts and insert collisions are the work of a
// concurrent writer and warrant a retry; anything else aborts the row.
func (e *Engine) upsertWithRetry(ctx context.Context, w *MachineEvent) (upsertOutcome, error) {
	var lastErr error

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		outcome, err := e.attemptUpsert(ctx, w)
		if err == nil {
			return outcome, nil
		}

		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrDuplicateEvent) {
			return 0, err
		}

		lastErr = err

		e.logger.Debug("upsert attempt lost version race",
			slog.String("event_id", w.EventID),
			slog.Int("attempt", attempt),
		)
	}

	return 0, fmt.Errorf("retries exhausted after %d attempts: %w", MaxRetries, lastErr)
}

// attemptUpsert is a single stage-B attempt for one row.
func (e *Engine) attemptUpsert(ctx context.Context, w *MachineEvent) (upsertOutcome, error) {
	stored, found, err := e.store.FindByID(ctx, w.EventID)
	if err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}

	if !found {
		if err := e.store.SaveOne(ctx, w); err != nil {
			return 0, err
		}

		return outcomeAccepted, nil
	}

	if !w.ReceivedTime.After(stored.ReceivedTime) {
		return outcomeDeduped, nil
	}

	if w.HasSamePayload(stored) {
		return outcomeDeduped, nil
	}

	stored.ApplyPayload(w)

	if err := e.store.SaveOne(ctx, stored); err != nil {
		return 0, err
	}

	return outcomeUpdated, nil
}
