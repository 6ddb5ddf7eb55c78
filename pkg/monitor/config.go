package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the Tier-1 thresholds. All windows are durations measured
// against the monitor's clock.
type Config struct {
	// Interval between scheduled sweeps.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`

	// StuckAfter is how long a work order may stay in progress before it can
	// be considered stuck.
	StuckAfter time.Duration `yaml:"stuck_after" json:"stuck_after" validate:"gt=0"`

	// QuietWindow is the execution-log recency window for stuck detection.
	QuietWindow time.Duration `yaml:"quiet_window" json:"quiet_window" validate:"gt=0,ltefield=StuckAfter"`

	// OrphanAfter is how long a ready work order may stay unclaimed.
	OrphanAfter time.Duration `yaml:"orphan_after" json:"orphan_after" validate:"gt=0"`

	// SpiralMinSteps is the minimum number of tool steps before spiral
	// detection applies.
	SpiralMinSteps int `yaml:"spiral_min_steps" json:"spiral_min_steps" validate:"gte=1"`

	// SpiralReadOnlyRatio is the read-only share that must be exceeded.
	SpiralReadOnlyRatio float64 `yaml:"spiral_read_only_ratio" json:"spiral_read_only_ratio" validate:"gt=0,lt=1"`

	// ReadOnlyTools are tool names that inspect without mutating.
	ReadOnlyTools []string `yaml:"read_only_tools" json:"read_only_tools" validate:"dive,required"`

	// LogTail is how many execution-log rows detectors and correlation read.
	LogTail int `yaml:"log_tail" json:"log_tail" validate:"gte=1,lte=1000"`

	// CorrelationWindow bounds how old a failing log row may be to count
	// toward a correlation signature.
	CorrelationWindow time.Duration `yaml:"correlation_window" json:"correlation_window" validate:"gt=0"`

	// MinCorrelationSize is the number of distinct work orders a group needs
	// to escalate all its members.
	MinCorrelationSize int `yaml:"min_correlation_size" json:"min_correlation_size" validate:"gte=2"`

	// SignatureScripts are Starlark files defining signature(step).
	SignatureScripts []string `yaml:"signature_scripts" json:"signature_scripts"`

	// DetectorTimeout bounds a single detector run.
	DetectorTimeout time.Duration `yaml:"detector_timeout" json:"detector_timeout" validate:"gt=0"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		StuckAfter:          30 * time.Minute,
		QuietWindow:         10 * time.Minute,
		OrphanAfter:         10 * time.Minute,
		SpiralMinSteps:      10,
		SpiralReadOnlyRatio: 0.5,
		ReadOnlyTools:       DefaultReadOnlyTools(),
		LogTail:             50,
		CorrelationWindow:   time.Hour,
		MinCorrelationSize:  3,
		DetectorTimeout:     time.Minute,
	}
}

// DefaultReadOnlyTools lists the inspection tools agents commonly call.
func DefaultReadOnlyTools() []string {
	return []string{
		"read_file", "list_files", "list_directory", "search", "grep", "glob",
		"find", "cat", "ls", "view", "fetch", "get_work_order", "query",
		"search_code", "read_logs",
	}
}

var validate = validator.New()

// Validate checks the thresholds for consistency.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid monitor config: %w", err)
	}
	return nil
}

// readOnlySet builds a lookup of lowercase read-only tool names.
func (c Config) readOnlySet() map[string]bool {
	set := make(map[string]bool, len(c.ReadOnlyTools))
	for _, t := range c.ReadOnlyTools {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}
