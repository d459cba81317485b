package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
running:
  port: 9090
redis:
  addr: "redis:6379"
  presenceTTL: 2m
kafka:
  brokers: ["k1:9092", "k2:9092"]
session:
  maxSessions: 5
  inactivityTimeout: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Running.Port != 9090 {
		t.Fatalf("port = %d", cfg.Running.Port)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.PresenceTTL != 2*time.Minute {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Session.MaxSessions != 5 || cfg.Session.InactivityTimeout != 90*time.Second {
		t.Fatalf("session = %+v", cfg.Session)
	}
	// 文件里没写的取默认值
	if cfg.Kafka.Topic != "doc-ops" || cfg.Kafka.Workers != 4 {
		t.Fatalf("kafka defaults = %+v", cfg.Kafka)
	}
	if cfg.Session.MaxAge != 24*time.Hour || cfg.Session.ChatHistory != 100 || cfg.Session.SnapshotChat != 50 {
		t.Fatalf("session defaults = %+v", cfg.Session)
	}
	if cfg.Transform.Timeout != 30*time.Second || cfg.Transform.MaxConcurrent != 8 {
		t.Fatalf("transform defaults = %+v", cfg.Transform)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "running:\n  port: 9090\n")
	t.Setenv("LIVECOLLAB_RUNNING_PORT", "7070")
	t.Setenv("LIVECOLLAB_AUTH_SECRET", "s3cret")
	t.Setenv("LIVECOLLAB_TRANSFORM_URL", "http://transform:8000/run")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Running.Port != 7070 {
		t.Fatalf("port = %d, want env value", cfg.Running.Port)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Fatalf("secret = %q", cfg.Auth.Secret)
	}
	if cfg.Transform.URL != "http://transform:8000/run" {
		t.Fatalf("transform url = %q", cfg.Transform.URL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
