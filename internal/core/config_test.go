package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSONConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "t", "owner_user_ids": [7]},
		"classifier": {"api_key": "k", "model": "m", "timeout": "45s"},
		"storage": {"path": "./db"},
		"batch": {"flush_every": "30s", "destinations": [-100]},
		"discovery": {"batch_size": 5},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "min_level": "", "rate_per_sec": 0}}
	}`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Discovery.BatchSize != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
  owner_user_ids: [7, 8]
classifier:
  api_key: "k"
  model: "m"
storage:
  path: "./db"
batch:
  destinations: [-100, -200]
discovery:
  max_age: "24h"
  prompt_file: "./data/prompt_discovery.txt"
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    min_level: ""
    rate_per_sec: 0
`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || len(cfg.Batch.Destinations) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Discovery.PromptFile != "./data/prompt_discovery.txt" {
		t.Fatalf("discovery prompt file = %q", cfg.Discovery.PromptFile)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "t", "tokkken": "typo"}}`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}

	yamlPath := writeConfig(t, "config.yaml", "telegram:\n  token: t\n  tokkken: typo\n")
	if _, err := NewConfigManager(yamlPath).Load(); err == nil {
		t.Fatal("expected unknown-field error for yaml")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty token must not validate")
	}
	cfg.Telegram.Token = "t"
	cfg.Batch.FlushEvery = "not-a-duration"
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad duration must not validate")
	}
	cfg.Batch.FlushEvery = "30s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := parseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := parseDurationField("x", "-3s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := parseDurationOrDefault("x", "", 42); err != nil || d != 42 {
		t.Fatalf("default = %v, %v", d, err)
	}
}
