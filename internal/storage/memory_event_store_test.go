package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

func storedEvent(id, machineID, factoryID string, eventTime time.Time, defects int) *ingestion.MachineEvent {
	return &ingestion.MachineEvent{
		EventID:      id,
		MachineID:    machineID,
		FactoryID:    factoryID,
		EventTime:    eventTime,
		ReceivedTime: eventTime,
		DurationMs:   100,
		DefectCount:  defects,
	}
}

func TestMemoryEventStore_SaveOneAndFindByID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	event := storedEvent("EVT-001", "M1", "F1", now, 3)

	if err := store.SaveOne(ctx, event); err != nil {
		t.Fatalf("SaveOne() failed: %v", err)
	}

	if !event.Persisted || event.Version != 0 {
		t.Errorf("after insert: Persisted=%v Version=%d, want true, 0", event.Persisted, event.Version)
	}

	found, exists, err := store.FindByID(ctx, "EVT-001")
	if err != nil {
		t.Fatalf("FindByID() failed: %v", err)
	}

	if !exists || found.DefectCount != 3 || !found.Persisted {
		t.Errorf("FindByID() = %+v, exists=%v", found, exists)
	}

	// Mutating the returned copy must not affect stored state.
	found.DefectCount = 99

	again, _, _ := store.FindByID(ctx, "EVT-001")
	if again.DefectCount != 3 {
		t.Error("store returned a reference to internal state")
	}
}

func TestMemoryEventStore_FindByIDMissing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()

	found, exists, err := store.FindByID(context.Background(), "NOPE")
	if err != nil || exists || found != nil {
		t.Errorf("FindByID(missing) = %v, %v, %v, want nil, false, nil", found, exists, err)
	}
}

func TestMemoryEventStore_DuplicateInsert(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.SaveOne(ctx, storedEvent("EVT-001", "M1", "F1", now, 1)); err != nil {
		t.Fatalf("SaveOne() failed: %v", err)
	}

	err := store.SaveOne(ctx, storedEvent("EVT-001", "M1", "F1", now, 2))
	if !errors.Is(err, ingestion.ErrDuplicateEvent) {
		t.Errorf("second insert = %v, want ErrDuplicateEvent", err)
	}
}

func TestMemoryEventStore_VersionConflict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	event := storedEvent("EVT-001", "M1", "F1", now, 1)
	if err := store.SaveOne(ctx, event); err != nil {
		t.Fatalf("SaveOne() failed: %v", err)
	}

	// Two readers load version 0.
	first, _, _ := store.FindByID(ctx, "EVT-001")
	second, _, _ := store.FindByID(ctx, "EVT-001")

	first.DefectCount = 5
	if err := store.SaveOne(ctx, first); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	if first.Version != 1 {
		t.Errorf("first.Version = %d, want 1", first.Version)
	}

	// The second writer still carries version 0 and must lose.
	second.DefectCount = 7

	err := store.SaveOne(ctx, second)
	if !errors.Is(err, ingestion.ErrVersionConflict) {
		t.Errorf("stale update = %v, want ErrVersionConflict", err)
	}

	stored, _, _ := store.FindByID(ctx, "EVT-001")
	if stored.DefectCount != 5 {
		t.Errorf("stored DefectCount = %d, want 5", stored.DefectCount)
	}
}

func TestMemoryEventStore_UpdateOfMissingRow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()

	phantom := storedEvent("GONE", "M1", "F1", time.Now().UTC(), 1)
	phantom.Persisted = true

	err := store.SaveOne(context.Background(), phantom)
	if !errors.Is(err, ingestion.ErrVersionConflict) {
		t.Errorf("update of missing row = %v, want ErrVersionConflict", err)
	}
}

func TestMemoryEventStore_SaveAllAtomicity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.SaveOne(ctx, storedEvent("EXISTS", "M1", "F1", now, 1)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Second row collides; the first must not be written either.
	batch := []*ingestion.MachineEvent{
		storedEvent("NEW-001", "M1", "F1", now, 2),
		storedEvent("EXISTS", "M1", "F1", now, 3),
	}

	err := store.SaveAll(ctx, batch)
	if !errors.Is(err, ingestion.ErrDuplicateEvent) {
		t.Fatalf("SaveAll() = %v, want ErrDuplicateEvent", err)
	}

	if _, exists, _ := store.FindByID(ctx, "NEW-001"); exists {
		t.Error("SaveAll must be all-or-nothing: NEW-001 was written despite the failure")
	}

	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryEventStore_SaveAllNilEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()

	err := store.SaveAll(context.Background(), []*ingestion.MachineEvent{nil})
	if !errors.Is(err, ErrEventNil) {
		t.Errorf("SaveAll(nil event) = %v, want ErrEventNil", err)
	}
}

func TestMemoryEventStore_FindAllByIDs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"A", "B"} {
		if err := store.SaveOne(ctx, storedEvent(id, "M1", "F1", now, 1)); err != nil {
			t.Fatalf("seed %s failed: %v", id, err)
		}
	}

	result, err := store.FindAllByIDs(ctx, []string{"A", "B", "MISSING"})
	if err != nil {
		t.Fatalf("FindAllByIDs() failed: %v", err)
	}

	if len(result) != 2 {
		t.Errorf("FindAllByIDs() returned %d rows, want 2", len(result))
	}

	if _, exists := result["MISSING"]; exists {
		t.Error("missing keys must be absent from the map")
	}
}

func TestMemoryEventStore_FindByMachineAndRange(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seeds := []*ingestion.MachineEvent{
		storedEvent("R-1", "M1", "F1", base.Add(-time.Hour), 1), // before window
		storedEvent("R-2", "M1", "F1", base, 2),                 // start inclusive
		storedEvent("R-3", "M1", "F1", base.Add(30*time.Minute), 3),
		storedEvent("R-4", "M1", "F1", base.Add(time.Hour), 4), // end exclusive
		storedEvent("R-5", "M2", "F1", base, 5),                // other machine
	}
	if err := store.SaveAll(ctx, seeds); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	events, err := store.FindByMachineAndRange(ctx, "M1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FindByMachineAndRange() failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (half-open window)", len(events))
	}

	if events[0].EventID != "R-2" || events[1].EventID != "R-3" {
		t.Errorf("events out of order: %s, %s", events[0].EventID, events[1].EventID)
	}
}

func TestMemoryEventStore_TopDefectLines(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seeds := []*ingestion.MachineEvent{
		storedEvent("T-1", "M1", "F1", base, 5),
		storedEvent("T-2", "M1", "F1", base.Add(time.Minute), -1), // unknown count
		storedEvent("T-3", "M2", "F1", base, 9),
		storedEvent("T-4", "M3", "F2", base, 2),
	}
	if err := store.SaveAll(ctx, seeds); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	t.Run("grouped by machine without factory filter", func(t *testing.T) {
		lines, err := store.TopDefectLines(ctx, base, base.Add(time.Hour), "")
		if err != nil {
			t.Fatalf("TopDefectLines() failed: %v", err)
		}

		if len(lines) != 3 {
			t.Fatalf("got %d lines, want 3", len(lines))
		}

		if lines[0].LineID != "M2" || lines[0].TotalDefects != 9 {
			t.Errorf("lines[0] = %+v, want M2 with 9 defects", lines[0])
		}

		// M1: unknown count excluded from the sum but included in event count.
		for _, line := range lines {
			if line.LineID == "M1" {
				if line.TotalDefects != 5 || line.EventCount != 2 {
					t.Errorf("M1 = %+v, want 5 defects over 2 events", line)
				}
			}
		}
	})

	t.Run("factory filter groups by factory", func(t *testing.T) {
		lines, err := store.TopDefectLines(ctx, base, base.Add(time.Hour), "F1")
		if err != nil {
			t.Fatalf("TopDefectLines() failed: %v", err)
		}

		if len(lines) != 1 {
			t.Fatalf("got %d lines, want 1", len(lines))
		}

		if lines[0].LineID != "F1" || lines[0].TotalDefects != 14 || lines[0].EventCount != 3 {
			t.Errorf("lines[0] = %+v, want F1 with 14 defects over 3 events", lines[0])
		}
	})
}

func TestMemoryEventStore_SumKnownDefects(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seeds := []*ingestion.MachineEvent{
		storedEvent("S-1", "M1", "F1", now, 5),
		storedEvent("S-2", "M1", "F1", now, -1),
		storedEvent("S-3", "M2", "F1", now, 3),
	}
	if err := store.SaveAll(ctx, seeds); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	total, err := store.SumKnownDefects(ctx)
	if err != nil {
		t.Fatalf("SumKnownDefects() failed: %v", err)
	}

	if total != 8 {
		t.Errorf("SumKnownDefects() = %d, want 8 (unknown counts excluded)", total)
	}
}

func TestMemoryEventStore_ConcurrentWriters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	const writers = 20

	var (
		wg        sync.WaitGroup
		successes int32
		mu        sync.Mutex
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := store.SaveOne(ctx, storedEvent("RACE", "M1", "F1", now, 1)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent inserts: %d succeeded, want exactly 1", successes)
	}

	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}
