package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/fleetpulse-io/fleetpulse/internal/config"
	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

// setupEventStore starts a PostgreSQL container with migrations applied and
// returns a store backed by it.
func setupEventStore(ctx context.Context, t *testing.T) *EventStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewEventStore(&Connection{DB: testDB.Connection}, logger)
	require.NoError(t, err, "Failed to create event store")

	return store
}

func testEvent(id, machineID, factoryID string, eventTime time.Time, defects int) *ingestion.MachineEvent {
	return &ingestion.MachineEvent{
		EventID:      id,
		MachineID:    machineID,
		FactoryID:    factoryID,
		EventTime:    eventTime,
		ReceivedTime: eventTime,
		DurationMs:   1500,
		DefectCount:  defects,
	}
}

func TestEventStore_InsertAndFindByID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	event := testEvent("EVT-001", "M1", "F1", now, 3)

	require.NoError(t, store.SaveOne(ctx, event))
	assert.True(t, event.Persisted, "event should be marked persisted after insert")
	assert.Equal(t, int64(0), event.Version, "fresh insert should commit at version 0")

	found, exists, err := store.FindByID(ctx, "EVT-001")
	require.NoError(t, err)
	require.True(t, exists)

	assert.Equal(t, "M1", found.MachineID)
	assert.Equal(t, 3, found.DefectCount)
	assert.True(t, found.Persisted)
	assert.True(t, found.EventTime.Equal(now), "eventTime should survive the round trip")
}

func TestEventStore_FindByIDMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)

	found, exists, err := store.FindByID(ctx, "NOPE")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, found)
}

func TestEventStore_DuplicateInsert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveOne(ctx, testEvent("EVT-001", "M1", "F1", now, 1)))

	err := store.SaveOne(ctx, testEvent("EVT-001", "M1", "F1", now, 2))
	assert.ErrorIs(t, err, ingestion.ErrDuplicateEvent)
}

func TestEventStore_VersionCheckedUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.SaveOne(ctx, testEvent("EVT-001", "M1", "F1", now, 1)))

	// Two readers observe version 0.
	first, _, err := store.FindByID(ctx, "EVT-001")
	require.NoError(t, err)

	second, _, err := store.FindByID(ctx, "EVT-001")
	require.NoError(t, err)

	first.DefectCount = 5
	require.NoError(t, store.SaveOne(ctx, first))
	assert.Equal(t, int64(1), first.Version, "successful update should advance the in-memory version")

	// The second writer still carries version 0 and must lose.
	second.DefectCount = 7

	err = store.SaveOne(ctx, second)
	assert.ErrorIs(t, err, ingestion.ErrVersionConflict)

	stored, _, err := store.FindByID(ctx, "EVT-001")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.DefectCount, "losing writer must not overwrite the row")
	assert.Equal(t, int64(1), stored.Version)
}

func TestEventStore_SaveAllAtomicity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveOne(ctx, testEvent("EXISTS", "M1", "F1", now, 1)))

	// Second row collides on the primary key; the transaction must roll back
	// the first row too.
	batch := []*ingestion.MachineEvent{
		testEvent("NEW-001", "M1", "F1", now, 2),
		testEvent("EXISTS", "M1", "F1", now, 3),
	}

	err := store.SaveAll(ctx, batch)
	require.ErrorIs(t, err, ingestion.ErrDuplicateEvent)

	_, exists, err := store.FindByID(ctx, "NEW-001")
	require.NoError(t, err)
	assert.False(t, exists, "rolled-back row must not be visible")

	// Failed SaveAll must not mark rows persisted.
	assert.False(t, batch[0].Persisted)
}

func TestEventStore_SaveAllCommitsVersions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveOne(ctx, testEvent("OLD", "M1", "F1", now, 1)))

	stored, _, err := store.FindByID(ctx, "OLD")
	require.NoError(t, err)

	stored.DefectCount = 9
	fresh := testEvent("FRESH", "M2", "F1", now, 2)

	require.NoError(t, store.SaveAll(ctx, []*ingestion.MachineEvent{stored, fresh}))

	assert.Equal(t, int64(1), stored.Version, "update should advance to version 1")
	assert.True(t, fresh.Persisted)
	assert.Equal(t, int64(0), fresh.Version)

	reread, _, err := store.FindByID(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, 9, reread.DefectCount)
	assert.Equal(t, int64(1), reread.Version)
}

func TestEventStore_FindAllByIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveAll(ctx, []*ingestion.MachineEvent{
		testEvent("A", "M1", "F1", now, 1),
		testEvent("B", "M1", "F1", now, 2),
	}))

	result, err := store.FindAllByIDs(ctx, []string{"A", "B", "MISSING"})
	require.NoError(t, err)

	assert.Len(t, result, 2)
	assert.Contains(t, result, "A")
	assert.Contains(t, result, "B")
	assert.NotContains(t, result, "MISSING")

	empty, err := store.FindAllByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventStore_FindByMachineAndRange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveAll(ctx, []*ingestion.MachineEvent{
		testEvent("R-1", "M1", "F1", base.Add(-time.Hour), 1),
		testEvent("R-2", "M1", "F1", base, 2),
		testEvent("R-3", "M1", "F1", base.Add(30*time.Minute), 3),
		testEvent("R-4", "M1", "F1", base.Add(time.Hour), 4),
		testEvent("R-5", "M2", "F1", base, 5),
	}))

	events, err := store.FindByMachineAndRange(ctx, "M1", base, base.Add(time.Hour))
	require.NoError(t, err)

	// Half-open window: start inclusive, end exclusive, other machines out.
	require.Len(t, events, 2)
	assert.Equal(t, "R-2", events[0].EventID)
	assert.Equal(t, "R-3", events[1].EventID)
}

func TestEventStore_TopDefectLines(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveAll(ctx, []*ingestion.MachineEvent{
		testEvent("T-1", "M1", "F1", base, 5),
		testEvent("T-2", "M1", "F1", base.Add(time.Minute), -1),
		testEvent("T-3", "M2", "F1", base, 9),
		testEvent("T-4", "M3", "F2", base, 2),
	}))

	t.Run("grouped by machine without factory filter", func(t *testing.T) {
		lines, err := store.TopDefectLines(ctx, base, base.Add(time.Hour), "")
		require.NoError(t, err)
		require.Len(t, lines, 3)

		assert.Equal(t, "M2", lines[0].LineID)
		assert.Equal(t, int64(9), lines[0].TotalDefects)

		// Unknown defect counts contribute zero to the sum but count as events.
		assert.Equal(t, "M1", lines[1].LineID)
		assert.Equal(t, int64(5), lines[1].TotalDefects)
		assert.Equal(t, int64(2), lines[1].EventCount)
	})

	t.Run("factory filter groups by factory", func(t *testing.T) {
		lines, err := store.TopDefectLines(ctx, base, base.Add(time.Hour), "F1")
		require.NoError(t, err)
		require.Len(t, lines, 1)

		assert.Equal(t, "F1", lines[0].LineID)
		assert.Equal(t, int64(14), lines[0].TotalDefects)
		assert.Equal(t, int64(3), lines[0].EventCount)
	})
}

func TestEventStore_SumKnownDefects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveAll(ctx, []*ingestion.MachineEvent{
		testEvent("S-1", "M1", "F1", now, 5),
		testEvent("S-2", "M1", "F1", now, -1),
		testEvent("S-3", "M2", "F1", now, 3),
	}))

	total, err := store.SumKnownDefects(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
}

func TestEventStore_HealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)

	assert.NoError(t, store.HealthCheck(ctx))
}

func TestEventStore_EngineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupEventStore(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := ingestion.NewEngine(store, logger)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := engine.ProcessBatch(ctx, []*ingestion.MachineEvent{
		testEvent("E2E-1", "M1", "F1", now.Add(-time.Minute), 2),
		testEvent("E2E-2", "M1", "F1", now.Add(-time.Minute), 3),
	})

	assert.Equal(t, 2, first.Accepted)
	assert.Equal(t, 0, first.Rejected)

	// Replaying the same payload dedupes against the database.
	replay := engine.ProcessBatch(ctx, []*ingestion.MachineEvent{
		testEvent("E2E-1", "M1", "F1", now.Add(-time.Minute), 2),
	})

	assert.Equal(t, 0, replay.Accepted)
	assert.Equal(t, 1, replay.Deduped)

	// A newer revision updates the stored row and bumps the version.
	revised := testEvent("E2E-1", "M1", "F1", now.Add(-time.Minute), 6)
	revised.ReceivedTime = now

	update := engine.ProcessBatch(ctx, []*ingestion.MachineEvent{revised})

	assert.Equal(t, 1, update.Updated)

	stored, _, err := store.FindByID(ctx, "E2E-1")
	require.NoError(t, err)
	assert.Equal(t, 6, stored.DefectCount)
	assert.Equal(t, int64(1), stored.Version)
}
