// Package config provides unified configuration for the rollup services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeMaintain Mode = "maintain"
	ModeAudit    Mode = "audit"
	ModeServe    Mode = "serve"
)

// BatchMode selects which customers a batch reconcile recomputes.
type BatchMode string

const (
	BatchModeIncremental BatchMode = "incremental"
	BatchModeFull        BatchMode = "full"
)

// Config holds the unified configuration for all rollup services.
type Config struct {
	// Mode specifies which services to run: all, maintain, audit, serve
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Log        LogConfig        `json:"log" yaml:"log"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	GRPC       GRPCConfig       `json:"grpc" yaml:"grpc"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
	Quarantine QuarantineConfig `json:"quarantine" yaml:"quarantine"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Mode is "development" or "production"
	Mode string `json:"mode" yaml:"mode"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// PolicyConfig holds the inclusion policy.
type PolicyConfig struct {
	// CountedStatuses lists the order statuses that contribute to total_spent
	CountedStatuses []string `json:"counted_statuses" yaml:"counted_statuses"`

	// RequireExisting makes writes to a missing aggregate fail with NOT_FOUND
	RequireExisting bool `json:"require_existing" yaml:"require_existing"`
}

// EventsConfig holds event-driven maintainer configuration.
type EventsConfig struct {
	Enabled      bool               `json:"enabled" yaml:"enabled"`
	Lanes        int                `json:"lanes" yaml:"lanes"`
	PollInterval time.Duration      `json:"poll_interval" yaml:"poll_interval"`
	PageSize     int                `json:"page_size" yaml:"page_size"`
	ApplyTimeout time.Duration      `json:"apply_timeout" yaml:"apply_timeout"`
	MaxRetries   int                `json:"max_retries" yaml:"max_retries"`
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`
}

// BackpressureConfig holds the maintainer backpressure thresholds.
type BackpressureConfig struct {
	// FailureThreshold is the failure rate above which passes pause (default: 0.5)
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// WindowDuration is the sliding window for tracking failures (default: 1m)
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`

	// MinAttempts is the number of attempts in the window before pausing is considered
	MinAttempts int `json:"min_attempts" yaml:"min_attempts"`
}

// BatchConfig holds batch maintainer configuration.
type BatchConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Mode        BatchMode     `json:"mode" yaml:"mode"`
	Parallelism int           `json:"parallelism" yaml:"parallelism"`
}

// AuditConfig holds consistency checker configuration.
type AuditConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Epsilon is the tolerated drift, as decimal text (e.g. "0.00")
	Epsilon  string `json:"epsilon" yaml:"epsilon"`
	PageSize int    `json:"page_size" yaml:"page_size"`
}

// StorageConfig holds snapshot object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// SnapshotConfig holds periodic snapshot export configuration.
type SnapshotConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Keep is how many exports retention leaves in place (0 keeps all)
	Keep int `json:"keep" yaml:"keep"`
}

// QuarantineConfig holds quarantine journal configuration.
type QuarantineConfig struct {
	Dir             string `json:"dir" yaml:"dir"`
	MaxSegmentBytes int64  `json:"max_segment_bytes" yaml:"max_segment_bytes"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/rollup",
		Log: LogConfig{
			Mode: "development",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Policy: PolicyConfig{
			CountedStatuses: []string{"pending", "shipped", "delivered"},
		},
		Events: EventsConfig{
			Enabled:      true,
			Lanes:        8,
			PollInterval: time.Second,
			PageSize:     500,
			ApplyTimeout: 5 * time.Second,
			MaxRetries:   5,
			Backpressure: BackpressureConfig{
				FailureThreshold: 0.5,
				WindowDuration:   time.Minute,
				MinAttempts:      20,
			},
		},
		Batch: BatchConfig{
			Enabled:     false,
			Interval:    5 * time.Minute,
			Mode:        BatchModeIncremental,
			Parallelism: 4,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
			Epsilon:  "0.00",
			PageSize: 200,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Snapshot: SnapshotConfig{
			Enabled:  false,
			Interval: time.Hour,
			Keep:     24,
		},
		Quarantine: QuarantineConfig{
			MaxSegmentBytes: 16 * 1024 * 1024,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/rollup"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Quarantine.Dir == "" {
		c.Quarantine.Dir = filepath.Join(c.DataDir, "quarantine")
	}
}

// AggregatePath returns the path to the aggregate database.
func (c *Config) AggregatePath() string {
	return filepath.Join(c.DataDir, "aggregates.db")
}

// LedgerPath returns the path to the ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeMaintain, ModeAudit, ModeServe:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, maintain, audit, or serve)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.Policy.CountedStatuses) == 0 {
		return fmt.Errorf("policy.counted_statuses must not be empty")
	}

	if c.Events.Lanes < 1 || c.Events.Lanes > 256 {
		return fmt.Errorf("events.lanes must be between 1 and 256, got %d", c.Events.Lanes)
	}
	if c.Events.PageSize < 1 {
		return fmt.Errorf("events.page_size must be positive, got %d", c.Events.PageSize)
	}
	if c.Events.ApplyTimeout <= 0 {
		return fmt.Errorf("events.apply_timeout must be positive")
	}
	if c.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must not be negative, got %d", c.Events.MaxRetries)
	}
	if c.Events.PollInterval <= 0 {
		return fmt.Errorf("events.poll_interval must be positive")
	}

	if c.Batch.Mode != BatchModeIncremental && c.Batch.Mode != BatchModeFull {
		return fmt.Errorf("invalid batch mode: %s (must be incremental or full)", c.Batch.Mode)
	}
	if c.Batch.Parallelism < 1 {
		return fmt.Errorf("batch.parallelism must be positive, got %d", c.Batch.Parallelism)
	}
	if c.Batch.Enabled && c.Batch.Interval <= 0 {
		return fmt.Errorf("batch.interval must be positive when batch is enabled")
	}

	if c.Audit.Enabled && c.Audit.Interval <= 0 {
		return fmt.Errorf("audit.interval must be positive when audit is enabled")
	}
	if c.Audit.PageSize < 1 {
		return fmt.Errorf("audit.page_size must be positive, got %d", c.Audit.PageSize)
	}

	if c.Snapshot.Enabled && c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive when snapshots are enabled")
	}
	if c.Snapshot.Keep < 0 {
		return fmt.Errorf("snapshot.keep must not be negative, got %d", c.Snapshot.Keep)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// ShouldRunMaintainers returns true if the maintainers should run.
func (c *Config) ShouldRunMaintainers() bool {
	return c.Mode == ModeAll || c.Mode == ModeMaintain
}

// ShouldRunAudit returns true if the audit daemon should run.
func (c *Config) ShouldRunAudit() bool {
	return (c.Mode == ModeAll || c.Mode == ModeAudit) && c.Audit.Enabled
}

// ShouldServe returns true if the HTTP and gRPC servers should run.
func (c *Config) ShouldServe() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
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
// Environment variables use the ROLLUP_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ROLLUP_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("ROLLUP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ROLLUP_LOG_MODE"); v != "" {
		cfg.Log.Mode = v
	}

	if v := os.Getenv("ROLLUP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ROLLUP_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("ROLLUP_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}

	if v := os.Getenv("ROLLUP_POLICY_COUNTED_STATUSES"); v != "" {
		cfg.Policy.CountedStatuses = splitList(v)
	}
	if v := os.Getenv("ROLLUP_POLICY_REQUIRE_EXISTING"); v != "" {
		cfg.Policy.RequireExisting = parseBool(v)
	}

	if v := os.Getenv("ROLLUP_EVENTS_ENABLED"); v != "" {
		cfg.Events.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROLLUP_EVENTS_LANES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Events.Lanes = n
		}
	}
	if v := os.Getenv("ROLLUP_EVENTS_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Events.PollInterval = d
		}
	}
	if v := os.Getenv("ROLLUP_EVENTS_APPLY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Events.ApplyTimeout = d
		}
	}
	if v := os.Getenv("ROLLUP_EVENTS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Events.MaxRetries = n
		}
	}

	if v := os.Getenv("ROLLUP_BATCH_ENABLED"); v != "" {
		cfg.Batch.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROLLUP_BATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.Interval = d
		}
	}
	if v := os.Getenv("ROLLUP_BATCH_MODE"); v != "" {
		cfg.Batch.Mode = BatchMode(v)
	}
	if v := os.Getenv("ROLLUP_BATCH_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Parallelism = n
		}
	}

	if v := os.Getenv("ROLLUP_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROLLUP_AUDIT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Audit.Interval = d
		}
	}
	if v := os.Getenv("ROLLUP_AUDIT_EPSILON"); v != "" {
		cfg.Audit.Epsilon = v
	}

	if v := os.Getenv("ROLLUP_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ROLLUP_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ROLLUP_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ROLLUP_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ROLLUP_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	if v := os.Getenv("ROLLUP_SNAPSHOT_ENABLED"); v != "" {
		cfg.Snapshot.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROLLUP_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = d
		}
	}
	if v := os.Getenv("ROLLUP_SNAPSHOT_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.Keep = n
		}
	}

	if v := os.Getenv("ROLLUP_QUARANTINE_DIR"); v != "" {
		cfg.Quarantine.Dir = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Quarantine.Dir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
