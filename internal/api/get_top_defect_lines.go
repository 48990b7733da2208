package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fleetpulse-io/fleetpulse/internal/api/middleware"
)

// handleTopDefectLines handles the production line defect ranking.
// GET /stats/top-defect-lines?from=&to=&limit=&factoryId=
//
// Query parameters:
//   - from: required ISO8601 instant, window start (inclusive)
//   - to: required ISO8601 instant, window end (exclusive)
//   - limit: optional positive integer, defaults to the stats policy limit
//   - factoryId: optional; when present the aggregation is filtered to that
//     factory and grouped by factoryId, otherwise grouped by machineId
//
// Responses:
//   - 200 OK: JSON array of line rankings, ordered by totalDefects descending
//   - 400 Bad Request: missing or malformed parameters
func (s *Server) handleTopDefectLines(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	query := r.URL.Query()

	from, problem := parseTimeParam(query.Get("from"), "from")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	to, problem := parseTimeParam(query.Get("to"), "to")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if !from.Before(to) {
		WriteErrorResponse(w, r, s.logger, BadRequest("from must be before to"))

		return
	}

	// limit is optional; 0 delegates the default to the stats policy
	limit := 0

	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a positive integer"))

			return
		}

		limit = parsed
	}

	factoryID := query.Get("factoryId")

	lines, err := s.stats.TopDefectLines(r.Context(), from, to, limit, factoryID)
	if err != nil {
		s.logger.Error("Failed to compute top defect lines",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to compute top defect lines"))

		return
	}

	// Plain array response; an empty window yields [] rather than null
	response := make([]DefectLineResponse, 0, len(lines))
	for _, line := range lines {
		response = append(response, DefectLineResponse{
			LineID:         line.LineID,
			TotalDefects:   line.TotalDefects,
			EventCount:     line.EventCount,
			DefectsPercent: line.DefectsPercent,
		})
	}

	s.writeJSONResponse(w, r, correlationID, response)
}
