package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marmos91/dittolease/pkg/durable"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if configPath != GetDefaultConfigPath() {
		t.Errorf("Expected %s, got %s", GetDefaultConfigPath(), configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	for _, section := range []string{
		"# dittolease configuration file",
		"logging:",
		"telemetry:",
		"metrics:",
		"api:",
		"oplock:",
		"durable:",
		"shutdown_timeout:",
	} {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfigToPath_AlreadyExists(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "custom", "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("First InitConfigToPath failed: %v", err)
	}

	err := InitConfigToPath(configPath, false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}

	if err := InitConfigToPath(configPath, true); err != nil {
		t.Fatalf("InitConfigToPath with force failed: %v", err)
	}
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Failed to stat recreated config: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("Recreated config file is empty")
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected INFO log level in generated config, got %q", cfg.Logging.Level)
	}
	if !cfg.Oplock.Enabled || !cfg.API.Enabled {
		t.Error("Expected oplocks and API enabled in generated config")
	}
	if cfg.Oplock.BreakTimeout != 35*time.Second {
		t.Errorf("Expected 35s break timeout in generated config, got %v", cfg.Oplock.BreakTimeout)
	}
}

func TestSchema(t *testing.T) {
	out, err := Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	if doc["title"] != "dittolease Configuration" {
		t.Errorf("Unexpected schema title %v", doc["title"])
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatal("Schema has no properties")
	}
	for _, key := range []string{"logging", "oplock", "durable", "api", "shutdown_timeout"} {
		if _, ok := props[key]; !ok {
			t.Errorf("Schema missing property %q", key)
		}
	}
}

func TestCreateDurableStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  DurableConfig
	}{
		{"Memory", DurableConfig{Backend: DurableBackendMemory}},
		{"Badger", DurableConfig{Backend: DurableBackendBadger, Path: filepath.Join(dir, "badger")}},
		{"SQLite", DurableConfig{Backend: DurableBackendSQLite, Path: filepath.Join(dir, "durable.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := CreateDurableStore(tt.cfg)
			if err != nil {
				t.Fatalf("CreateDurableStore failed: %v", err)
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			h := &durable.Handle{SessionID: 1, FileID: 2, FileKey: "/a", CreatedAt: time.Now().UTC()}
			if err := store.Put(ctx, h); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := store.Get(ctx, h.Key())
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.FileKey != "/a" {
				t.Errorf("Expected file key '/a', got %q", got.FileKey)
			}
		})
	}
}

func TestCreateDurableStore_UnknownBackend(t *testing.T) {
	if _, err := CreateDurableStore(DurableConfig{Backend: "etcd"}); err == nil {
		t.Fatal("Expected error for unknown backend")
	}
}
