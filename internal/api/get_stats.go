package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetpulse-io/fleetpulse/internal/api/middleware"
)

// handleMachineStats handles machine health summary queries.
// GET /stats?machineId=&start=&end=
//
// Query parameters:
//   - machineId: required machine identifier
//   - start: required ISO8601 instant, window start (inclusive)
//   - end: required ISO8601 instant, window end (exclusive)
//
// Responses:
//   - 200 OK: machine health summary
//   - 400 Bad Request: missing or malformed parameters, or start >= end
func (s *Server) handleMachineStats(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	query := r.URL.Query()

	machineID := query.Get("machineId")
	if machineID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("machineId query parameter is required"))

		return
	}

	start, problem := parseTimeParam(query.Get("start"), "start")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	end, problem := parseTimeParam(query.Get("end"), "end")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if !start.Before(end) {
		WriteErrorResponse(w, r, s.logger, BadRequest("start must be before end"))

		return
	}

	summary, err := s.stats.MachineStats(r.Context(), machineID, start, end)
	if err != nil {
		s.logger.Error("Failed to compute machine stats",
			slog.String("correlation_id", correlationID),
			slog.String("machine_id", machineID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to compute machine stats"))

		return
	}

	response := MachineStatsResponse{
		MachineID:     summary.MachineID,
		Start:         summary.Start.UTC().Format(time.RFC3339),
		End:           summary.End.UTC().Format(time.RFC3339),
		EventsCount:   summary.EventsCount,
		DefectsCount:  summary.DefectsCount,
		AvgDefectRate: summary.AvgDefectRate,
		Status:        summary.Status,
	}

	s.writeJSONResponse(w, r, correlationID, response)
}

// parseTimeParam parses a required ISO8601 query parameter.
func parseTimeParam(value, name string) (time.Time, *ProblemDetail) {
	if value == "" {
		return time.Time{}, BadRequest(name + " query parameter is required")
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, BadRequest(name + " must be an ISO8601 instant: " + err.Error())
	}

	return t, nil
}

// writeJSONResponse marshals and writes a 200 JSON response.
func (s *Server) writeJSONResponse(
	w http.ResponseWriter,
	r *http.Request,
	correlationID string,
	response any,
) {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
