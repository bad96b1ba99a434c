package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caflabs/packd/pkg/catalog"
)

// writeConfig writes a YAML config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
worker_id: 2
chain_mode: testnet
s3:
  bucket: uploads
database:
  type: sqlite
  sqlite:
    path: /tmp/packd-test.db
`

func TestLoad_MinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WorkerID != 2 {
		t.Errorf("WorkerID = %d, want 2", cfg.WorkerID)
	}
	if cfg.ChainMode != "testnet" {
		t.Errorf("ChainMode = %q", cfg.ChainMode)
	}
	if cfg.S3.Bucket != "uploads" {
		t.Errorf("S3.Bucket = %q", cfg.S3.Bucket)
	}

	// Defaults fill everything not specified.
	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Packing.MaxContainerSizeGB != DefaultMaxContainerSizeGB {
		t.Errorf("MaxContainerSizeGB = %v", cfg.Packing.MaxContainerSizeGB)
	}
	if cfg.Packing.InactivityTimeout != DefaultInactivityTimeout {
		t.Errorf("InactivityTimeout = %v", cfg.Packing.InactivityTimeout)
	}
	if cfg.Packing.BatchLimit != DefaultBatchLimit {
		t.Errorf("BatchLimit = %d", cfg.Packing.BatchLimit)
	}
	if cfg.AMQP.Prefetch != 1 {
		t.Errorf("AMQP.Prefetch = %d", cfg.AMQP.Prefetch)
	}
	if cfg.Facade.DownloadTimeout != DefaultDownloadTimeout {
		t.Errorf("DownloadTimeout = %v", cfg.Facade.DownloadTimeout)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Metrics.Port = %d", cfg.Metrics.Port)
	}
	if cfg.Database.Type != catalog.DatabaseTypeSQLite {
		t.Errorf("Database.Type = %q", cfg.Database.Type)
	}
}

func TestLoad_DurationStrings(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
packing:
  inactivity_timeout: 90s
  copy_timeout: 2m
amqp:
  reconnect_delay: 10s
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Packing.InactivityTimeout != 90*time.Second {
		t.Errorf("InactivityTimeout = %v, want 90s", cfg.Packing.InactivityTimeout)
	}
	if cfg.Packing.CopyTimeout != 2*time.Minute {
		t.Errorf("CopyTimeout = %v, want 2m", cfg.Packing.CopyTimeout)
	}
	if cfg.AMQP.ReconnectDelay != 10*time.Second {
		t.Errorf("ReconnectDelay = %v, want 10s", cfg.AMQP.ReconnectDelay)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PACKD_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load(writeConfig(t, minimalConfig+`
logging:
  level: INFO
  format: text
  output: stdout
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Logging.Level = %q, want DEBUG from environment", cfg.Logging.Level)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			"invalid chain mode",
			strings.Replace(minimalConfig, "testnet", "devnet", 1),
			"oneof",
		},
		{
			"budget over hard cap",
			minimalConfig + "\npacking:\n  max_container_size_gb: 33\n",
			"lte",
		},
		{
			"negative worker id",
			strings.Replace(minimalConfig, "worker_id: 2", "worker_id: -1", 1),
			"gte",
		},
		{
			"bad log level",
			minimalConfig + "\nlogging:\n  level: TRACE\n  format: text\n  output: stdout\n",
			"oneof",
		},
		{
			"metrics port out of range",
			minimalConfig + "\nmetrics:\n  enabled: true\n  port: 70000\n",
			"max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("error %q does not mention %q", err, tt.wantIn)
			}
		})
	}
}

func TestLoad_MissingBucket(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(minimalConfig, "bucket: uploads", "bucket: \"\"", 1)))
	if err == nil {
		t.Fatal("expected error for missing S3 bucket")
	}
}

func TestValidate_DefaultsNeedOnlyBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.S3.Bucket = "uploads"

	if err := Validate(cfg); err != nil {
		t.Errorf("default config with bucket failed validation: %v", err)
	}
}

func TestApplyDefaults_CacheDirFollowsTempDir(t *testing.T) {
	cfg := &Config{}
	cfg.Packing.TempDir = "/var/spool/packd"
	ApplyDefaults(cfg)

	if cfg.Facade.CacheDir != filepath.Join("/var/spool/packd", "packd-cache") {
		t.Errorf("CacheDir = %q", cfg.Facade.CacheDir)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "worker_id: [not: valid"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
