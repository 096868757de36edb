package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidAPIPort(t *testing.T) {
	for _, port := range []int{-1, 70000} {
		cfg := GetDefaultConfig()
		cfg.API.Port = port

		if err := Validate(cfg); err == nil {
			t.Errorf("Expected validation error for port %d", port)
		}
	}
}

func TestValidate_ShortJWTSecret(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.JWTSecret = "too-short"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for short JWT secret")
	}
	if !strings.Contains(err.Error(), "JWTSecret") {
		t.Errorf("Expected error naming JWTSecret, got: %v", err)
	}

	cfg.API.JWTSecret = strings.Repeat("s", 32)
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected 32-char secret to pass, got: %v", err)
	}
}

func TestValidate_TelemetryEnabledWithoutEndpoint(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for telemetry enabled without endpoint")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "telemetry.endpoint") {
		t.Errorf("Expected error about telemetry endpoint, got: %v", err)
	}
}

func TestValidate_TelemetrySampleRate(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.SampleRate = 1.5

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for sample rate out of range")
	}
}

func TestValidate_ProfilingEnabledWithoutEndpoint(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.Profiling.Enabled = true
	cfg.Telemetry.Profiling.Endpoint = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for profiling enabled without endpoint")
	}
}

func TestValidate_NegativeBreakTimeout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Oplock.BreakTimeout = -time.Second

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for negative break timeout")
	}
}

func TestValidate_Durable(t *testing.T) {
	tests := []struct {
		name    string
		durable DurableConfig
		wantErr string
	}{
		{"Memory", DurableConfig{Backend: DurableBackendMemory}, ""},
		{"UnknownBackend", DurableConfig{Backend: "etcd"}, "oneof"},
		{"BadgerWithoutPath", DurableConfig{Backend: DurableBackendBadger}, "requires path"},
		{"SQLiteWithoutPath", DurableConfig{Backend: DurableBackendSQLite}, "requires path"},
		{"SQLite", DurableConfig{Backend: DurableBackendSQLite, Path: "/tmp/durable.db"}, ""},
		{"PostgresWithoutHost", DurableConfig{Backend: DurableBackendPostgres}, "postgres host is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Durable = tt.durable

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	for _, level := range []string{"info", "INFO", "debug", "DEBUG", "warn", "WARN", "error", "ERROR"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level

		if err := Validate(cfg); err != nil {
			t.Errorf("Validation failed for level %q: %v", level, err)
		}
		if cfg.Logging.Level != level {
			t.Errorf("Expected level to remain %q after validation, got %q", level, cfg.Logging.Level)
		}
	}

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected ApplyDefaults to normalize 'info' to 'INFO', got %q", cfg.Logging.Level)
	}
}
