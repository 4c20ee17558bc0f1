// Package config provides unified configuration for Tidemark services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the commit core and its daemon.
type Config struct {
	// DataDir is the base directory for ledger and table data
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Commit coordinator configuration
	Commit CommitConfig `json:"commit" yaml:"commit"`

	// Signal (compaction notification) configuration
	Signal SignalConfig `json:"signal" yaml:"signal"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// CommitConfig holds commit coordinator configuration.
type CommitConfig struct {
	// AutoSchemaChange enables automatic table creation and schema evolution
	AutoSchemaChange bool `json:"auto_schema_change" yaml:"auto_schema_change"`

	// LogicallyDropColumn marks vanished columns dropped instead of failing
	LogicallyDropColumn bool `json:"logically_drop_column" yaml:"logically_drop_column"`

	// HashBucketNum is the hash bucket count for new primary-keyed tables
	HashBucketNum int `json:"hash_bucket_num" yaml:"hash_bucket_num"`

	// Bounded merges each batch into one version per partition
	Bounded bool `json:"bounded" yaml:"bounded"`

	// MaxRetries bounds version-conflict retries per partition append
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// SignalConfig holds compaction signal configuration.
type SignalConfig struct {
	// Threshold is the version distance since last compaction that triggers
	// a notification
	Threshold int64 `json:"threshold" yaml:"threshold"`

	// BufferSize is the per-subscriber notification channel capacity
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tidemark",
		Commit: CommitConfig{
			AutoSchemaChange:    true,
			LogicallyDropColumn: false,
			HashBucketNum:       0,
			Bounded:             false,
			MaxRetries:          3,
		},
		Signal: SignalConfig{
			Threshold:  10,
			BufferSize: 64,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tidemark"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "tables")
	}
}

// LedgerPath returns the path to the ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Signal.Threshold < 1 {
		return fmt.Errorf("signal.threshold must be at least 1, got %d", c.Signal.Threshold)
	}

	if c.Commit.HashBucketNum < 0 {
		return fmt.Errorf("commit.hash_bucket_num must not be negative, got %d", c.Commit.HashBucketNum)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TIDEMARK_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIDEMARK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Commit configuration
	if v := os.Getenv("TIDEMARK_COMMIT_AUTO_SCHEMA_CHANGE"); v != "" {
		cfg.Commit.AutoSchemaChange = v == "true" || v == "1"
	}
	if v := os.Getenv("TIDEMARK_COMMIT_LOGICALLY_DROP_COLUMN"); v != "" {
		cfg.Commit.LogicallyDropColumn = v == "true" || v == "1"
	}
	if v := os.Getenv("TIDEMARK_COMMIT_HASH_BUCKET_NUM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Commit.HashBucketNum)
	}
	if v := os.Getenv("TIDEMARK_COMMIT_BOUNDED"); v != "" {
		cfg.Commit.Bounded = v == "true" || v == "1"
	}
	if v := os.Getenv("TIDEMARK_COMMIT_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Commit.MaxRetries)
	}

	// Signal configuration
	if v := os.Getenv("TIDEMARK_SIGNAL_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Signal.Threshold)
	}
	if v := os.Getenv("TIDEMARK_SIGNAL_BUFFER_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Signal.BufferSize)
	}

	// Storage configuration
	if v := os.Getenv("TIDEMARK_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TIDEMARK_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TIDEMARK_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TIDEMARK_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TIDEMARK_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TIDEMARK_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
