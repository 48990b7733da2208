// Package api provides HTTP API server implementation for the FleetPulse service.
package api

import (
	"time"
)

type (
	// EventRequest represents a single machine event in the payload of
	// POST /events/batch.
	//
	// This is separate from the domain model (ingestion.MachineEvent) to
	// decouple the API contract from internal domain types. Timestamps are
	// ISO8601; a missing receivedTime is stamped with the server clock by
	// the upsert engine. A missing defectCount means the sensor did not
	// report one and is stored as the unknown marker.
	EventRequest struct {
		EventID      string    `json:"eventId"`
		MachineID    string    `json:"machineId"`
		FactoryID    string    `json:"factoryId"`
		EventTime    time.Time `json:"eventTime"`
		ReceivedTime time.Time `json:"receivedTime,omitzero"`
		DurationMs   int64     `json:"durationMs"`
		DefectCount  *int      `json:"defectCount,omitempty"`
	}

	// BatchResponse represents the response for POST /events/batch.
	//
	// A batch request always returns 200 with per-event outcomes; individual
	// event failures are reported in the rejections list, never as an HTTP
	// error for the whole batch. The correlationId and timestamp fields are
	// FleetPulse extensions for observability.
	BatchResponse struct {
		Accepted      int                 `json:"accepted"`
		Deduped       int                 `json:"deduped"`
		Updated       int                 `json:"updated"`
		Rejected      int                 `json:"rejected"`
		Rejections    []RejectionResponse `json:"rejections"`
		CorrelationID string              `json:"correlationId"`
		Timestamp     string              `json:"timestamp"`
	}

	// RejectionResponse describes a single rejected event in the batch.
	RejectionResponse struct {
		EventID string `json:"eventId"`
		Reason  string `json:"reason"`
	}

	// MachineStatsResponse represents the response for GET /stats.
	MachineStatsResponse struct {
		MachineID     string  `json:"machineId"`
		Start         string  `json:"start"`
		End           string  `json:"end"`
		EventsCount   int     `json:"eventsCount"`
		DefectsCount  int64   `json:"defectsCount"`
		AvgDefectRate float64 `json:"avgDefectRate"`
		Status        string  `json:"status"`
	}

	// DefectLineResponse represents a single production line in the
	// GET /stats/top-defect-lines ranking. The endpoint returns a plain
	// array of these, ordered by totalDefects descending.
	DefectLineResponse struct {
		LineID         string  `json:"lineId"`
		TotalDefects   int64   `json:"totalDefects"`
		EventCount     int64   `json:"eventCount"`
		DefectsPercent float64 `json:"defectsPercent"`
	}
)
