package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

// Sentinel errors for event storage operations.
var (
	// ErrEventStoreFailed is returned when an event storage operation fails.
	ErrEventStoreFailed = errors.New("event storage failed")

	// ErrEventNil is returned when a nil event is passed to a write operation.
	ErrEventNil = errors.New("event cannot be nil")

	// EventStore implements ingestion.Store (compile-time assertion).
	_ ingestion.Store = (*EventStore)(nil)
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

const eventColumns = `event_id, machine_id, factory_id, event_time, received_time, duration_ms, defect_count, version`

// EventStore implements ingestion.Store with a PostgreSQL backend.
//
// Version semantics: inserts write version 0 and a primary-key collision
// surfaces as ingestion.ErrDuplicateEvent; updates are guarded with
// "WHERE event_id = $1 AND version = $2" and an affected-row count of zero
// surfaces as ingestion.ErrVersionConflict. This gives the upsert engine
// row-granular linearizability without row locks on the happy path.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore creates a PostgreSQL-backed machine event store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewEventStore(conn *Connection, logger *slog.Logger) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{conn: conn, logger: logger}, nil
}

// FindByID retrieves a single event by primary key.
func (s *EventStore) FindByID(ctx context.Context, eventID string) (*ingestion.MachineEvent, bool, error) {
	query := `SELECT ` + eventColumns + ` FROM machine_events WHERE event_id = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("%w: find by id: %w", ErrEventStoreFailed, err)
	}

	return event, true, nil
}

// FindAllByIDs retrieves the stored records for a set of keys in one round trip.
func (s *EventStore) FindAllByIDs(ctx context.Context, eventIDs []string) (map[string]*ingestion.MachineEvent, error) {
	result := make(map[string]*ingestion.MachineEvent, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + eventColumns + ` FROM machine_events WHERE event_id = ANY($1)`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: find all by ids: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrEventStoreFailed, err)
		}

		result[event.EventID] = event
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", ErrEventStoreFailed, err)
	}

	return result, nil
}

// SaveAll performs the bulk insert-or-update with per-row version check,
// atomically in a single transaction. Any insert collision or version
// mismatch rolls back the whole call.
func (s *EventStore) SaveAll(ctx context.Context, events []*ingestion.MachineEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	for _, event := range events {
		if err := s.writeEvent(ctx, tx, event); err != nil {
			if isDatabaseConnectionError(err) {
				s.logger.Error("database connection lost during bulk write",
					slog.Int("events", len(events)),
					slog.String("error", err.Error()),
				)
			}

			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrEventStoreFailed, err)
	}

	s.commitVersions(events)

	return nil
}

// SaveOne has SaveAll semantics for a single row, inside its own transaction.
// Stage-B fallback calls this once per attempt; each call commits or rolls
// back independently of any other row.
func (s *EventStore) SaveOne(ctx context.Context, event *ingestion.MachineEvent) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.writeEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrEventStoreFailed, err)
	}

	s.commitVersions([]*ingestion.MachineEvent{event})

	return nil
}

// writeEvent routes a single row to the insert or the version-checked
// update path based on whether it was loaded from the store.
func (s *EventStore) writeEvent(ctx context.Context, tx *sql.Tx, event *ingestion.MachineEvent) error {
	if event == nil {
		return ErrEventNil
	}

	if !event.Persisted {
		return s.insertEvent(ctx, tx, event)
	}

	return s.updateEvent(ctx, tx, event)
}

func (s *EventStore) insertEvent(ctx context.Context, tx *sql.Tx, event *ingestion.MachineEvent) error {
	query := `
		INSERT INTO machine_events
			(event_id, machine_id, factory_id, event_time, received_time, duration_ms, defect_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`

	_, err := tx.ExecContext(ctx, query,
		event.EventID,
		event.MachineID,
		event.FactoryID,
		event.EventTime,
		event.ReceivedTime,
		event.DurationMs,
		event.DefectCount,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: event %s", ingestion.ErrDuplicateEvent, event.EventID)
		}

		return fmt.Errorf("%w: insert event %s: %w", ErrEventStoreFailed, event.EventID, err)
	}

	return nil
}

func (s *EventStore) updateEvent(ctx context.Context, tx *sql.Tx, event *ingestion.MachineEvent) error {
	query := `
		UPDATE machine_events
		SET machine_id = $2,
			factory_id = $3,
			event_time = $4,
			received_time = $5,
			duration_ms = $6,
			defect_count = $7,
			version = version + 1,
			updated_at = NOW()
		WHERE event_id = $1 AND version = $8`

	result, err := tx.ExecContext(ctx, query,
		event.EventID,
		event.MachineID,
		event.FactoryID,
		event.EventTime,
		event.ReceivedTime,
		event.DurationMs,
		event.DefectCount,
		event.Version,
	)
	if err != nil {
		return fmt.Errorf("%w: update event %s: %w", ErrEventStoreFailed, event.EventID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrEventStoreFailed, err)
	}

	// Zero rows means a concurrent writer bumped the version since our read.
	if affected == 0 {
		return fmt.Errorf("%w: event %s at version %d", ingestion.ErrVersionConflict, event.EventID, event.Version)
	}

	return nil
}

// commitVersions reflects a successful write back onto the in-memory rows:
// fresh inserts become persisted at version 0, updates advance one step.
func (s *EventStore) commitVersions(events []*ingestion.MachineEvent) {
	for _, event := range events {
		if event.Persisted {
			event.Version++
		} else {
			event.Persisted = true
			event.Version = 0
		}
	}
}

// FindByMachineAndRange returns a machine's events within [start, end),
// ordered by eventTime.
func (s *EventStore) FindByMachineAndRange(
	ctx context.Context,
	machineID string,
	start, end time.Time,
) ([]*ingestion.MachineEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM machine_events
		WHERE machine_id = $1 AND event_time >= $2 AND event_time < $3
		ORDER BY event_time`

	rows, err := s.conn.QueryContext(ctx, query, machineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: find by machine and range: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ingestion.MachineEvent

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrEventStoreFailed, err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", ErrEventStoreFailed, err)
	}

	return events, nil
}

// TopDefectLines aggregates defects per line within [start, end). Unknown
// defect counts (-1) contribute zero to the sum but still count as events.
func (s *EventStore) TopDefectLines(
	ctx context.Context,
	start, end time.Time,
	factoryID string,
) ([]*ingestion.LineDefects, error) {
	groupColumn := "machine_id"
	args := []any{start, end}
	filter := ""

	if factoryID != "" {
		groupColumn = "factory_id"
		filter = " AND factory_id = $3"

		args = append(args, factoryID)
	}

	query := `SELECT ` + groupColumn + ` AS line_id,
			COALESCE(SUM(CASE WHEN defect_count >= 0 THEN defect_count ELSE 0 END), 0) AS total_defects,
			COUNT(*) AS event_count
		FROM machine_events
		WHERE event_time >= $1 AND event_time < $2` + filter + `
		GROUP BY ` + groupColumn + `
		ORDER BY total_defects DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: top defect lines: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var lines []*ingestion.LineDefects

	for rows.Next() {
		line := &ingestion.LineDefects{}
		if err := rows.Scan(&line.LineID, &line.TotalDefects, &line.EventCount); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrEventStoreFailed, err)
		}

		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", ErrEventStoreFailed, err)
	}

	return lines, nil
}

// SumKnownDefects totals defectCount across all rows where it is known.
func (s *EventStore) SumKnownDefects(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(SUM(defect_count), 0) FROM machine_events WHERE defect_count >= 0`

	var total int64
	if err := s.conn.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: sum known defects: %w", ErrEventStoreFailed, err)
	}

	return total, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// scanner abstracts *sql.Row and *sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one machine_events row into a domain event. Loaded events
// are marked Persisted so the engine routes them to the update path.
func scanEvent(row scanner) (*ingestion.MachineEvent, error) {
	event := &ingestion.MachineEvent{}

	err := row.Scan(
		&event.EventID,
		&event.MachineID,
		&event.FactoryID,
		&event.EventTime,
		&event.ReceivedTime,
		&event.DurationMs,
		&event.DefectCount,
		&event.Version,
	)
	if err != nil {
		return nil, err
	}

	event.Persisted = true

	return event, nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
