package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/controlplane/api"
	"github.com/marmos91/dittolease/pkg/durable/sql"
	"github.com/marmos91/dittolease/pkg/oplock"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Booleans cannot be told apart from an explicit false, so the ones that
// default to true (oplock.enabled, api.enabled) are only set by
// GetDefaultConfig and the generated config file.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyOplockDefaults(&cfg.Oplock)
	applyDurableDefaults(&cfg.Durable)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *telemetry.Config) {
	def := telemetry.DefaultConfig()

	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = def.ServiceVersion
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	// 0 would drop every trace, which nobody asks for by omission.
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = def.Profiling.Endpoint
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = def.Profiling.ProfileTypes
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyAPIDefaults(cfg *api.APIConfig) {
	cfg.ApplyDefaults()
}

func applyOplockDefaults(cfg *oplock.Config) {
	cfg.ApplyDefaults()
}

func applyDurableDefaults(cfg *DurableConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DurableBackendMemory
	}

	switch cfg.Backend {
	case DurableBackendBadger:
		if cfg.Path == "" {
			cfg.Path = filepath.Join(getConfigDir(), "durable")
		}
	case DurableBackendSQLite:
		if cfg.Path == "" {
			cfg.Path = filepath.Join(getConfigDir(), "durable.db")
		}
	case DurableBackendPostgres:
		sc := sql.Config{Type: sql.DatabaseTypePostgres, Postgres: cfg.Postgres}
		sc.ApplyDefaults()
		cfg.Postgres = sc.Postgres
	}
}

// GetDefaultConfig returns a Config with all default values applied:
// oplocks and leases on, status API on, metrics and tracing off, durable
// handles kept in memory.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Telemetry: telemetry.DefaultConfig(),
		API:       api.APIConfig{Enabled: true},
		Oplock:    oplock.DefaultConfig(),
		Durable:   DurableConfig{Backend: DurableBackendMemory},
	}

	ApplyDefaults(cfg)
	return cfg
}
