package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Signal.Threshold != 10 {
		t.Errorf("default threshold = %d, want 10", cfg.Signal.Threshold)
	}
	if !cfg.Commit.AutoSchemaChange {
		t.Errorf("auto schema change should default on")
	}
	if cfg.Storage.Path == "" {
		t.Errorf("resolve must derive storage path from data dir")
	}
	if cfg.LedgerPath() != filepath.Join(cfg.DataDir, "ledger.db") {
		t.Errorf("ledger path = %s", cfg.LedgerPath())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown storage type must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Storage.Type = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("s3 without bucket must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Signal.Threshold = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero threshold must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Commit.HashBucketNum = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative bucket count must fail validation")
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	content := `
data_dir: /var/lib/tidemark
commit:
  auto_schema_change: false
  logically_drop_column: true
  hash_bucket_num: 4
signal:
  threshold: 5
storage:
  type: s3
  s3:
    bucket: tidemark-data
    region: eu-west-1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/tidemark" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Commit.AutoSchemaChange {
		t.Errorf("auto_schema_change not overridden")
	}
	if !cfg.Commit.LogicallyDropColumn || cfg.Commit.HashBucketNum != 4 {
		t.Errorf("commit section = %+v", cfg.Commit)
	}
	if cfg.Signal.Threshold != 5 {
		t.Errorf("threshold = %d", cfg.Signal.Threshold)
	}
	if cfg.Storage.S3.Bucket != "tidemark-data" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("s3 section = %+v", cfg.Storage.S3)
	}
	// Unset fields keep their defaults.
	if cfg.Signal.BufferSize != 64 {
		t.Errorf("buffer size = %d, want default 64", cfg.Signal.BufferSize)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("unsupported extension must fail")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TIDEMARK_DATA_DIR", "/env/data")
	t.Setenv("TIDEMARK_COMMIT_AUTO_SCHEMA_CHANGE", "false")
	t.Setenv("TIDEMARK_COMMIT_BOUNDED", "1")
	t.Setenv("TIDEMARK_SIGNAL_THRESHOLD", "7")
	t.Setenv("TIDEMARK_STORAGE_TYPE", "s3")
	t.Setenv("TIDEMARK_S3_BUCKET", "env-bucket")
	t.Setenv("TIDEMARK_S3_USE_PATH_STYLE", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/env/data" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.Commit.AutoSchemaChange {
		t.Errorf("auto schema change not disabled by env")
	}
	if !cfg.Commit.Bounded {
		t.Errorf("bounded not enabled by env")
	}
	if cfg.Signal.Threshold != 7 {
		t.Errorf("threshold = %d", cfg.Signal.Threshold)
	}
	if cfg.Storage.Type != "s3" || cfg.Storage.S3.Bucket != "env-bucket" || !cfg.Storage.S3.UsePathStyle {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}
