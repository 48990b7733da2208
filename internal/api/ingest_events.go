package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetpulse-io/fleetpulse/internal/api/middleware"
	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

// handleEventBatch handles machine telemetry batch ingestion.
// POST /events/batch - Upsert a batch of machine events
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty event array
//
// Success response:
//   - 200 OK: Always, once the batch was processed. Per-event failures are
//     reported in the rejections list; the caller inspects counters.
func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	events, problem := s.parseEventBatchRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Run the two-stage upsert. ProcessBatch never fails the batch as a
	// whole; store failures surface as per-event rejections.
	result := s.engine.ProcessBatch(r.Context(), events)

	// Build and send response
	response := buildBatchResponse(correlationID, result)
	statusCode := s.sendBatchResponse(w, r, response)

	// Log success with duration
	duration := time.Since(startTime)
	s.logger.Info("Event batch processed",
		slog.String("correlation_id", correlationID),
		slog.Int("received", result.Total()),
		slog.Int("accepted", result.Accepted),
		slog.Int("deduped", result.Deduped),
		slog.Int("updated", result.Updated),
		slog.Int("rejected", result.Rejected),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	)
}

// parseEventBatchRequest parses and validates the HTTP request body.
// Decodes API request types and maps them to domain models.
// Returns parsed events or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Empty array check
func (s *Server) parseEventBatchRequest(r *http.Request) ([]*ingestion.MachineEvent, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var requests []EventRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&requests); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	// Empty request check
	if len(requests) == 0 {
		return nil, BadRequest("Event array cannot be empty")
	}

	// Map API requests to domain models
	events := make([]*ingestion.MachineEvent, len(requests))

	for i := range requests {
		events[i] = mapEventRequest(&requests[i])
	}

	return events, nil
}

// mapEventRequest maps an API request type to the domain model.
// This explicit mapping layer decouples the API contract from internal
// domain types.
//
// The mapping performs:
//   - Whitespace trimming on identifier fields
//   - Missing defectCount mapped to the unknown marker
//
// Validation is delegated to the domain layer (ingestion.Validator);
// the upsert engine rejects invalid events with a reason code instead of
// failing the request.
func mapEventRequest(req *EventRequest) *ingestion.MachineEvent {
	defectCount := ingestion.UnknownDefectCount
	if req.DefectCount != nil {
		defectCount = *req.DefectCount
	}

	return &ingestion.MachineEvent{
		EventID:      strings.TrimSpace(req.EventID),
		MachineID:    strings.TrimSpace(req.MachineID),
		FactoryID:    strings.TrimSpace(req.FactoryID),
		EventTime:    req.EventTime,
		ReceivedTime: req.ReceivedTime,
		DurationMs:   req.DurationMs,
		DefectCount:  defectCount,
	}
}

// buildBatchResponse maps an engine batch result to the API response shape.
func buildBatchResponse(correlationID string, result *ingestion.BatchResult) *BatchResponse {
	rejections := make([]RejectionResponse, 0, len(result.Rejections))
	for _, rejection := range result.Rejections {
		rejections = append(rejections, RejectionResponse{
			EventID: rejection.EventID,
			Reason:  string(rejection.Reason),
		})
	}

	return &BatchResponse{
		Accepted:      result.Accepted,
		Deduped:       result.Deduped,
		Updated:       result.Updated,
		Rejected:      result.Rejected,
		Rejections:    rejections,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// sendBatchResponse marshals and sends the batch response to the client.
// Returns the HTTP status code for logging purposes.
func (s *Server) sendBatchResponse(
	w http.ResponseWriter,
	r *http.Request,
	response *BatchResponse,
) int {
	// Marshal response (fail fast before headers)
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal batch response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return http.StatusInternalServerError
	}

	// Write headers and response body
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write batch response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
	}

	return http.StatusOK
}
