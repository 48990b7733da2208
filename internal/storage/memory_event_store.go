package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

// MemoryEventStore implements ingestion.Store (compile-time assertion).
var _ ingestion.Store = (*MemoryEventStore)(nil)

// MemoryEventStore provides thread-safe in-memory storage for machine events.
//
// It preserves the version-check semantics of the PostgreSQL store: inserts
// fail with ingestion.ErrDuplicateEvent when the key already exists, updates
// fail with ingestion.ErrVersionConflict when the stored version moved on.
// Used by unit tests and local runs without a database.
type MemoryEventStore struct {
	// events maps eventId to the stored record
	events map[string]*ingestion.MachineEvent
	// mutex protects concurrent access to events
	mutex sync.RWMutex
}

// NewMemoryEventStore creates a new thread-safe in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]*ingestion.MachineEvent),
	}
}

// FindByID retrieves an event by its primary key.
func (s *MemoryEventStore) FindByID(_ context.Context, eventID string) (*ingestion.MachineEvent, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	event, exists := s.events[eventID]
	if !exists {
		return nil, false, nil
	}

	return copyOf(event), true, nil
}

// FindAllByIDs retrieves the stored records for a set of keys.
func (s *MemoryEventStore) FindAllByIDs(
	_ context.Context,
	eventIDs []string,
) (map[string]*ingestion.MachineEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make(map[string]*ingestion.MachineEvent, len(eventIDs))

	for _, id := range eventIDs {
		if event, exists := s.events[id]; exists {
			result[id] = copyOf(event)
		}
	}

	return result, nil
}

// SaveAll writes all events or none. The version check for every row runs
// under one lock acquisition, matching the single-transaction atomicity of
// the PostgreSQL store.
func (s *MemoryEventStore) SaveAll(_ context.Context, events []*ingestion.MachineEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check all rows before mutating anything (all-or-nothing).
	for _, event := range events {
		if err := s.checkWrite(event); err != nil {
			return err
		}
	}

	for _, event := range events {
		s.applyWrite(event)
	}

	return nil
}

// SaveOne writes a single event with the same version-check semantics.
func (s *MemoryEventStore) SaveOne(_ context.Context, event *ingestion.MachineEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkWrite(event); err != nil {
		return err
	}

	s.applyWrite(event)

	return nil
}

// checkWrite validates one row against the store. Caller must hold the write lock.
func (s *MemoryEventStore) checkWrite(event *ingestion.MachineEvent) error {
	if event == nil {
		return ErrEventNil
	}

	stored, exists := s.events[event.EventID]

	if !event.Persisted {
		if exists {
			return fmt.Errorf("%w: event %s", ingestion.ErrDuplicateEvent, event.EventID)
		}

		return nil
	}

	if !exists || stored.Version != event.Version {
		return fmt.Errorf("%w: event %s at version %d", ingestion.ErrVersionConflict, event.EventID, event.Version)
	}

	return nil
}

// applyWrite commits one row. Caller must hold the write lock and have
// passed checkWrite for every row in the batch.
func (s *MemoryEventStore) applyWrite(event *ingestion.MachineEvent) {
	if event.Persisted {
		event.Version++
	} else {
		event.Persisted = true
		event.Version = 0
	}

	s.events[event.EventID] = copyOf(event)
}

// FindByMachineAndRange returns a machine's events within [start, end),
// ordered by eventTime.
func (s *MemoryEventStore) FindByMachineAndRange(
	_ context.Context,
	machineID string,
	start, end time.Time,
) ([]*ingestion.MachineEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var events []*ingestion.MachineEvent

	for _, event := range s.events {
		if event.MachineID != machineID {
			continue
		}

		if event.EventTime.Before(start) || !event.EventTime.Before(end) {
			continue
		}

		events = append(events, copyOf(event))
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})

	return events, nil
}

// TopDefectLines aggregates defects per line within [start, end).
func (s *MemoryEventStore) TopDefectLines(
	_ context.Context,
	start, end time.Time,
	factoryID string,
) ([]*ingestion.LineDefects, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	totals := make(map[string]*ingestion.LineDefects)

	for _, event := range s.events {
		if event.EventTime.Before(start) || !event.EventTime.Before(end) {
			continue
		}

		lineID := event.MachineID

		if factoryID != "" {
			if event.FactoryID != factoryID {
				continue
			}

			lineID = event.FactoryID
		}

		line, exists := totals[lineID]
		if !exists {
			line = &ingestion.LineDefects{LineID: lineID}
			totals[lineID] = line
		}

		line.EventCount++

		if event.DefectCount >= 0 {
			line.TotalDefects += int64(event.DefectCount)
		}
	}

	lines := make([]*ingestion.LineDefects, 0, len(totals))
	for _, line := range totals {
		lines = append(lines, line)
	}

	sort.Slice(lines, func(i, j int) bool {
		return lines[i].TotalDefects > lines[j].TotalDefects
	})

	return lines, nil
}

// SumKnownDefects totals defectCount across all rows where it is known.
func (s *MemoryEventStore) SumKnownDefects(_ context.Context) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var total int64

	for _, event := range s.events {
		if event.DefectCount >= 0 {
			total += int64(event.DefectCount)
		}
	}

	return total, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryEventStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of stored events.
func (s *MemoryEventStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.events)
}

// copyOf returns a copy to prevent external modification of stored state.
func copyOf(event *ingestion.MachineEvent) *ingestion.MachineEvent {
	eventCopy := *event

	return &eventCopy
}
