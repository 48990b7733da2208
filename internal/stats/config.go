// Package stats provides read-only machine health and line defect analytics
// over the event store.
package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetpulse-io/fleetpulse/internal/config"
)

// Defaults inherited from fleet operations policy.
const (
	defaultHealthyDefectRate = 2.0
	defaultMinWindowHours    = 1.0
	defaultTopLinesLimit     = 10
)

// DefaultPolicyPath is the default location for the analytics policy file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultPolicyPath = ".fleetpulse.yaml"

// PolicyPathEnvVar is the environment variable name for a custom policy file path.
const PolicyPathEnvVar = "FLEETPULSE_POLICY_PATH"

// Sentinel errors for policy validation.
var (
	ErrInvalidDefectRate  = errors.New("healthy defect rate must be positive")
	ErrInvalidWindowFloor = errors.New("minimum window hours must be positive")
	ErrInvalidLimit       = errors.New("top lines limit must be positive")
)

// Policy holds the analytics thresholds that are policy decisions rather
// than behavior: the health label cutoff, the floor applied to a stats
// window when computing rates, and the default ranking size.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type Policy struct {
	// HealthyDefectRate is the exclusive upper bound on avgDefectRate for a
	// machine to be labeled Healthy.
	HealthyDefectRate float64 `yaml:"healthy_defect_rate"`

	// MinWindowHours floors the window length used as the rate denominator,
	// so short windows do not explode the rate.
	MinWindowHours float64 `yaml:"min_window_hours"`

	// TopLinesLimit is the default number of lines returned by the
	// top-defect ranking when the caller does not specify one.
	TopLinesLimit int `yaml:"top_lines_limit"`
}

// DefaultPolicy returns the built-in analytics policy.
func DefaultPolicy() *Policy {
	return &Policy{
		HealthyDefectRate: defaultHealthyDefectRate,
		MinWindowHours:    defaultMinWindowHours,
		TopLinesLimit:     defaultTopLinesLimit,
	}
}

// LoadPolicy loads the analytics policy, layering sources from lowest to
// highest precedence: built-in defaults, an optional YAML policy file, then
// environment variables.
//
// A missing policy file is not an error; invalid YAML logs a warning and
// keeps the defaults (graceful degradation, the analytics surface must not
// prevent the service from starting).
func LoadPolicy() *Policy {
	policy := DefaultPolicy()

	path := config.GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath)
	loadPolicyFile(policy, path)

	policy.HealthyDefectRate = config.GetEnvFloat("FLEETPULSE_HEALTHY_DEFECT_RATE", policy.HealthyDefectRate)
	policy.MinWindowHours = config.GetEnvFloat("FLEETPULSE_MIN_WINDOW_HOURS", policy.MinWindowHours)
	policy.TopLinesLimit = config.GetEnvInt("FLEETPULSE_TOP_LINES_LIMIT", policy.TopLinesLimit)

	return policy
}

// loadPolicyFile overlays values from a YAML file onto policy, if present.
func loadPolicyFile(policy *Policy, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Policy file not found, using defaults", slog.String("path", path))

			return
		}

		slog.Warn("Failed to read policy file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return
	}

	if len(data) == 0 {
		return
	}

	if err := yaml.Unmarshal(data, policy); err != nil {
		slog.Warn("Failed to parse policy file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		*policy = *DefaultPolicy()
	}
}

// Validate checks the policy values are usable.
func (p *Policy) Validate() error {
	if p.HealthyDefectRate <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidDefectRate, p.HealthyDefectRate)
	}

	if p.MinWindowHours <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWindowFloor, p.MinWindowHours)
	}

	if p.TopLinesLimit <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, p.TopLinesLimit)
	}

	return nil
}
