// Package ingestion provides machine telemetry domain models and event persistence interfaces.
//
// This package defines the Store interface which represents what the domain needs
// for event persistence, following the Dependency Inversion Principle. Concrete
// implementations (PostgreSQL, in-memory) live in the internal/storage package.
package ingestion

import (
	"context"
	"errors"
	"time"
)

// Store errors surfaced to the upsert engine.
//
// The engine's control flow hinges on distinguishing these from generic
// infrastructure failures: a version conflict or duplicate key means a
// concurrent writer won a race and the row should be retried; anything else
// is an INTERNAL_ERROR.
var (
	// ErrVersionConflict indicates a version-checked write found the row's
	// stored version differs from the in-memory version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateEvent indicates an insert collided with an existing row
	// for the same eventId (concurrent insert race).
	ErrDuplicateEvent = errors.New("duplicate event")
)

// Store defines the interface for machine event persistence.
//
// The domain package defines this interface to specify what it needs for
// event storage, without depending on concrete implementations. This follows
// the Dependency Inversion Principle: high-level domain logic should not
// depend on low-level infrastructure details.
//
// Implementations must provide row-granular linearizability via
// version-checked writes: between two concurrent writers on the same
// eventId, exactly one succeeds per version step.
type Store interface {
	// FindByID retrieves a single event by its primary key.
	// Returns (nil, false, nil) when no row exists.
	// Loaded events have Persisted set.
	FindByID(ctx context.Context, eventID string) (*MachineEvent, bool, error)

	// FindAllByIDs retrieves the current stored records for a set of keys
	// in a single round trip. Missing keys are simply absent from the map.
	// Loaded events have Persisted set.
	FindAllByIDs(ctx context.Context, eventIDs []string) (map[string]*MachineEvent, error)

	// SaveAll performs a bulk insert-or-update with per-row version check,
	// atomically (all-or-nothing, one transaction).
	//
	// For each event: if Persisted is false the row must not exist yet
	// (a collision returns ErrDuplicateEvent); if Persisted is true the
	// stored version must equal event.Version (a mismatch returns
	// ErrVersionConflict). Any failure rolls back the whole call.
	//
	// On success every event's Version reflects the persisted value.
	SaveAll(ctx context.Context, events []*MachineEvent) error

	// SaveOne has the same semantics as SaveAll for a single row, inside
	// its own transaction. Never nests inside a caller-owned transaction:
	// the per-row fallback depends on each attempt committing or rolling
	// back independently.
	SaveOne(ctx context.Context, event *MachineEvent) error

	// FindByMachineAndRange returns events for a machine within the
	// half-open window [start, end), ordered by eventTime.
	FindByMachineAndRange(ctx context.Context, machineID string, start, end time.Time) ([]*MachineEvent, error)

	// TopDefectLines aggregates defects per line within [start, end),
	// summing defectCount only where defectCount >= 0, ordered by that sum
	// descending. When factoryID is non-empty, rows are filtered to that
	// factory and grouped by factoryId; otherwise grouped by machineId
	// (treated as line identifier).
	TopDefectLines(ctx context.Context, start, end time.Time, factoryID string) ([]*LineDefects, error)

	// SumKnownDefects returns the total defectCount across all stored
	// events where defectCount >= 0.
	SumKnownDefects(ctx context.Context) (int64, error)

	// HealthCheck verifies the storage backend is healthy and ready to
	// serve requests. Used by /ready and /health endpoints.
	HealthCheck(ctx context.Context) error
}

// LineDefects is one row of the per-line defect aggregation.
type LineDefects struct {
	// LineID is the grouping key: factoryId when the aggregation was
	// filtered to a factory, machineId otherwise.
	LineID string

	// TotalDefects sums defectCount over the line's events, ignoring
	// unknown (-1) counts.
	TotalDefects int64

	// EventCount is the number of events on the line in the window,
	// including those with unknown defect counts.
	EventCount int64
}
