package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("250ms", "2m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "json" or "console"
}

// ProgressConfig controls the textual progress indicator of task loops.
type ProgressConfig struct {
	Enabled    bool     `json:"enabled"`
	Width      int      `json:"width"`       // bar width in cells
	MasterOnly bool     `json:"master_only"` // only rank 0 draws its bar
	Refresh    Duration `json:"refresh"`     // minimum delay between redraws
}

// ClusterConfig describes how ranks find each other.
type ClusterConfig struct {
	Coordinator string   `json:"coordinator"`            // used when the launch environment names none
	DialTimeout Duration `json:"dial_timeout,omitempty"` // 0 waits for the coordinator forever
}

// LedgerConfig locates the run ledger.
type LedgerConfig struct {
	Path       string `json:"path,omitempty"` // empty disables the ledger
	FlushEvery int64  `json:"flush_every"`    // executed-count updates every N tasks
}

// RetryConfig is the task retry policy offered to payloads that opt in.
type RetryConfig struct {
	Enabled             bool     `json:"enabled"`
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
	BreakerThreshold    uint32   `json:"breaker_threshold"` // consecutive failures that open the breaker
}

// Config is the top-level configuration.
type Config struct {
	Log      LogConfig      `json:"log"`
	Progress ProgressConfig `json:"progress"`
	Cluster  ClusterConfig  `json:"cluster"`
	Ledger   LedgerConfig   `json:"ledger"`
	Retry    RetryConfig    `json:"retry"`
}
