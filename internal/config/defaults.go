package config

import "time"

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Progress: ProgressConfig{
			Enabled:    true,
			Width:      40,
			MasterOnly: true,
			Refresh:    Duration(200 * time.Millisecond),
		},
		Cluster: ClusterConfig{
			Coordinator: "127.0.0.1:47011",
		},
		Ledger: LedgerConfig{
			FlushEvery: 1000,
		},
		Retry: RetryConfig{
			Enabled:             false,
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
			BreakerThreshold:    5,
		},
	}
}
