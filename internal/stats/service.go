package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fleetpulse-io/fleetpulse/internal/ingestion"
)

// Health labels for machine summaries.
const (
	StatusHealthy = "Healthy"
	StatusWarning = "Warning"
)

const (
	rateDecimals    = 1
	percentDecimals = 2
)

type (
	// MachineStats is a machine health summary over a half-open window.
	MachineStats struct {
		MachineID   string
		Start       time.Time
		End         time.Time
		EventsCount int
		// DefectsCount sums defectCount over the window, ignoring unknown (-1).
		DefectsCount int64
		// AvgDefectRate is defects per hour over the floored window, rounded
		// half-up to 1 decimal.
		AvgDefectRate float64
		// Status is Healthy when the unrounded rate is below the policy
		// threshold, Warning otherwise.
		Status string
	}

	// DefectLine is one entry of the top-defect-lines ranking.
	DefectLine struct {
		LineID       string
		TotalDefects int64
		EventCount   int64
		// DefectsPercent is TotalDefects * 100 / EventCount, rounded half-up
		// to 2 decimals. Zero when the line has no events.
		DefectsPercent float64
	}

	// Service is the read-only analytics consumer of the event store.
	Service struct {
		store  ingestion.Store
		policy *Policy
		logger *slog.Logger
	}
)

// NewService creates a stats service over the given store and policy.
func NewService(store ingestion.Store, policy *Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// MachineStats computes a machine's health summary over [start, end).
//
// The rate denominator is the window length in hours, floored by the policy
// so that sub-hour windows do not inflate the rate. The health label is
// decided on the unrounded rate; only the reported rate is rounded.
func (s *Service) MachineStats(
	ctx context.Context,
	machineID string,
	start, end time.Time,
) (*MachineStats, error) {
	events, err := s.store.FindByMachineAndRange(ctx, machineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("machine stats query: %w", err)
	}

	var totalDefects int64

	for _, event := range events {
		if event.DefectCount >= 0 {
			totalDefects += int64(event.DefectCount)
		}
	}

	hours := end.Sub(start).Hours()
	if hours < s.policy.MinWindowHours {
		hours = s.policy.MinWindowHours
	}

	rate := float64(totalDefects) / hours

	status := StatusHealthy
	if rate >= s.policy.HealthyDefectRate {
		status = StatusWarning
	}

	s.logger.Debug("computed machine stats",
		slog.String("machine_id", machineID),
		slog.Int("events", len(events)),
		slog.Int64("defects", totalDefects),
		slog.String("status", status),
	)

	return &MachineStats{
		MachineID:     machineID,
		Start:         start,
		End:           end,
		EventsCount:   len(events),
		DefectsCount:  totalDefects,
		AvgDefectRate: roundHalfUp(rate, rateDecimals),
		Status:        status,
	}, nil
}

// TopDefectLines ranks lines by total defects over [start, end), truncated
// to limit (the policy default when limit is not positive). A non-empty
// factoryID filters the aggregation to that factory.
func (s *Service) TopDefectLines(
	ctx context.Context,
	start, end time.Time,
	limit int,
	factoryID string,
) ([]*DefectLine, error) {
	if limit <= 0 {
		limit = s.policy.TopLinesLimit
	}

	rows, err := s.store.TopDefectLines(ctx, start, end, factoryID)
	if err != nil {
		return nil, fmt.Errorf("top defect lines query: %w", err)
	}

	if len(rows) > limit {
		rows = rows[:limit]
	}

	lines := make([]*DefectLine, 0, len(rows))

	for _, row := range rows {
		var percent float64
		if row.EventCount > 0 {
			percent = roundHalfUp(float64(row.TotalDefects)*100/float64(row.EventCount), percentDecimals)
		}

		lines = append(lines, &DefectLine{
			LineID:         row.LineID,
			TotalDefects:   row.TotalDefects,
			EventCount:     row.EventCount,
			DefectsPercent: percent,
		})
	}

	return lines, nil
}

// roundHalfUp rounds x to the given number of decimals, ties away from zero.
func roundHalfUp(x float64, decimals int) float64 {
	shift := math.Pow(10, float64(decimals))

	return math.Round(x*shift) / shift
}
