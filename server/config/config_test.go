package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/analysis"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Stream.FlushThreshold != 10 || cfg.Stream.FlushInterval != time.Second {
		t.Fatalf("unexpected stream defaults %+v", cfg.Stream)
	}
	if cfg.Pipeline.Window != analysis.DefaultWindowConfig() || cfg.Pipeline.RealtimeChunk != 100 {
		t.Fatalf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Database.Driver)
	}
	if err := cfg.ValidateConfig(zap.NewNop()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
pipeline:
  window:
    window_size: 40
    overlap: 20
  thresholds:
    acceleration: 0.8
stream:
  flush_interval: 500ms
kafka:
  brokers: ["kafka:9092"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("STREAM_FLUSH_THRESHOLD", "25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("env should override file: port %d", cfg.Server.Port)
	}
	if cfg.Pipeline.Window.Size != 40 || cfg.Pipeline.Window.Overlap != 20 {
		t.Fatalf("window not read from file: %+v", cfg.Pipeline.Window)
	}
	if cfg.Pipeline.Thresholds.Acceleration != 0.8 || cfg.Pipeline.Thresholds.Braking != -0.5 {
		t.Fatalf("thresholds not overlaid: %+v", cfg.Pipeline.Thresholds)
	}
	if cfg.Stream.FlushInterval != 500*time.Millisecond || cfg.Stream.FlushThreshold != 25 {
		t.Fatalf("unexpected stream config %+v", cfg.Stream)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.TripTopic != "trip.completed" {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidateConfigAggregates(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Pipeline.Window = analysis.WindowConfig{Size: 10, Overlap: 10}
	cfg.Database.Driver = "postgres"

	err := cfg.ValidateConfig(zap.NewNop())
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(ce.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", ce.Problems)
	}
	if !errors.Is(err, analysis.ErrInvalidConfig) {
		t.Fatal("ConfigError should match ErrInvalidConfig")
	}
	if !strings.Contains(err.Error(), "overlap") {
		t.Fatalf("window problem missing from %q", err.Error())
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	if _, err := cfg.NewLogger(); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
