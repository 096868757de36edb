package oplock

import "time"

// DefaultBreakTimeout is the Windows default for an unacknowledged break.
const DefaultBreakTimeout = 35 * time.Second

// Config controls grant and break behavior.
type Config struct {
	// Enabled turns oplocks on. When false every grant is None.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// LeasesEnabled turns SMB2.1+ leases on. When false lease create
	// contexts are ignored and the request is treated as a plain oplock.
	LeasesEnabled bool `mapstructure:"leases_enabled" yaml:"leases_enabled"`

	// BreakTimeout bounds the wait for a break acknowledgment.
	// Default: 35s
	BreakTimeout time.Duration `mapstructure:"break_timeout" yaml:"break_timeout" validate:"gte=0"`

	// CloseDrainTimeout bounds how long CloseRecord waits for in-flight
	// breaks on the record to finish.
	// Default: BreakTimeout
	CloseDrainTimeout time.Duration `mapstructure:"close_drain_timeout" yaml:"close_drain_timeout" validate:"gte=0"`
}

// DefaultConfig returns oplocks and leases enabled with the 35s timeout.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		LeasesEnabled:     true,
		BreakTimeout:      DefaultBreakTimeout,
		CloseDrainTimeout: DefaultBreakTimeout,
	}
}

// ApplyDefaults fills zero durations.
func (c *Config) ApplyDefaults() {
	if c.BreakTimeout <= 0 {
		c.BreakTimeout = DefaultBreakTimeout
	}
	if c.CloseDrainTimeout <= 0 {
		c.CloseDrainTimeout = c.BreakTimeout
	}
}
