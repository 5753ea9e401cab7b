// Package config provides the unified configuration of the anchor service.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	// DataDir is the base directory for the queue file and the default SQLite database
	DataDir string `yaml:"data_dir"`

	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Retry      RetryConfig      `yaml:"retry"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Audit      AuditConfig      `yaml:"audit"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig holds the admin/producer API configuration.
type HTTPConfig struct {
	Addr          string              `yaml:"addr"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	AccessControl AccessControlConfig `yaml:"access_control"`

	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the TCP peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// AccessControlConfig filters API clients by address. Entries are single IPs
// or CIDR ranges; deny rules win over allow rules and an empty allow list
// admits everyone not denied.
type AccessControlConfig struct {
	AllowedIPs []string `yaml:"allowed_ips"`
	DeniedIPs  []string `yaml:"denied_ips"`
}

// RateLimitConfig configures the approximate per-client request limiter.
type RateLimitConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Window             time.Duration `yaml:"window"`
	Max                int           `yaml:"max"`
	SkipSuccessful     bool          `yaml:"skip_successful"`
	SkipFailedRequests bool          `yaml:"skip_failed"`
}

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig configures the durable sync job queue. A zero MaxAttempts
// follows Retry.MaxRetries; any other value must equal it.
type QueueConfig struct {
	// Backend is "bolt" or "redis"
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	RedisURL      string        `yaml:"redis_url"`
	Prefix        string        `yaml:"prefix"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxStalled    int           `yaml:"max_stalled"`
	KeepCompleted int           `yaml:"keep_completed"`
	KeepFailed    int           `yaml:"keep_failed"`
}

// WorkerConfig configures the bounded worker pool.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig configures the ledger gateway.
type LedgerConfig struct {
	// Mode is "mock" or "http"
	Mode            string           `yaml:"mode"`
	Endpoint        string           `yaml:"endpoint"`
	Channel         string           `yaml:"channel"`
	Chaincode       string           `yaml:"chaincode"`
	Function        string           `yaml:"function"`
	Token           string           `yaml:"token"`
	Timeout         time.Duration    `yaml:"timeout"`
	QPS             float64          `yaml:"qps"`
	Burst           int              `yaml:"burst"`
	ConnectAttempts int              `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration    `yaml:"connect_backoff"`
	Mock            MockLedgerConfig `yaml:"mock"`
}

// MockLedgerConfig configures the reference gateway.
type MockLedgerConfig struct {
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate float64       `yaml:"failure_rate"`
	Seed        int64         `yaml:"seed"`
}

// RetryConfig configures the retry ceiling and the failed-event sweep.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// SweepInterval enables a periodic retry sweep; zero leaves it to operators
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ReconcilerConfig configures stall detection and retention housekeeping.
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AuditConfig configures the asynchronous audit writer.
type AuditConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/anchor",
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
			RateLimit: RateLimitConfig{
				Enabled: true,
				Window:  15 * time.Minute,
				Max:     100,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
		},
		Queue: QueueConfig{
			Backend:       "bolt",
			Prefix:        "anchor",
			BackoffBase:   5 * time.Second,
			BackoffMax:    10 * time.Minute,
			LeaseDuration: 30 * time.Second,
			MaxStalled:    1,
			KeepCompleted: 100,
			KeepFailed:    5000,
		},
		Worker: WorkerConfig{
			Concurrency:     5,
			PollInterval:    time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Mode:            "mock",
			Channel:         "herbchannel",
			Chaincode:       "herbtrace",
			Function:        "RecordCollectionEvent",
			Timeout:         30 * time.Second,
			ConnectAttempts: 5,
			ConnectBackoff:  time.Second,
			Mock: MockLedgerConfig{
				MinLatency:  100 * time.Millisecond,
				MaxLatency:  500 * time.Millisecond,
				FailureRate: 0.05,
			},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
		},
		Reconciler: ReconcilerConfig{
			Interval: 10 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize:   256,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Resolve fills paths derived from DataDir and a zero queue max_attempts.
func (c *Config) Resolve() {
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.DataDir, "queue.db")
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = filepath.Join(c.DataDir, "events.db")
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = c.Retry.MaxRetries
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	switch c.Queue.Backend {
	case "bolt":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue path is required for the bolt backend")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be >= 1")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue backoff_base must be positive")
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue lease_duration must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry max_retries must be >= 1")
	}
	if c.Queue.MaxAttempts != c.Retry.MaxRetries {
		return fmt.Errorf("queue max_attempts (%d) must equal retry max_retries (%d)", c.Queue.MaxAttempts, c.Retry.MaxRetries)
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validAddrRule(p) {
			return fmt.Errorf("http trusted_proxies entry %q is not an IP or CIDR", p)
		}
	}

	switch c.Ledger.Mode {
	case "mock":
		if c.Ledger.Mock.FailureRate < 0 || c.Ledger.Mock.FailureRate > 1 {
			return fmt.Errorf("ledger mock failure_rate must be within [0,1]")
		}
	case "http":
		if c.Ledger.Endpoint == "" {
			return fmt.Errorf("ledger endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("unsupported ledger mode: %q", c.Ledger.Mode)
	}
	if c.Ledger.Chaincode == "" {
		return fmt.Errorf("ledger chaincode is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return cfg, nil
}

// Load reads an optional file, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variables with the ANCHOR_ prefix.
func LoadFromEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}

	str("ANCHOR_DATA_DIR", &cfg.DataDir)
	str("ANCHOR_LOG_LEVEL", &cfg.Log.Level)
	if v := os.Getenv("ANCHOR_LOG_JSON"); v != "" {
		cfg.Log.JSON = v == "true" || v == "1"
	}
	str("ANCHOR_HTTP_ADDR", &cfg.HTTP.Addr)
	if v := os.Getenv("ANCHOR_HTTP_ALLOWED_IPS"); v != "" {
		cfg.HTTP.AccessControl.AllowedIPs = splitList(v)
	}
	if v := os.Getenv("ANCHOR_HTTP_DENIED_IPS"); v != "" {
		cfg.HTTP.AccessControl.DeniedIPs = splitList(v)
	}
	if v := os.Getenv("ANCHOR_HTTP_TRUSTED_PROXIES"); v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}

	str("ANCHOR_DB_DRIVER", &cfg.Database.Driver)
	str("ANCHOR_DB_DSN", &cfg.Database.DSN)

	str("ANCHOR_QUEUE_BACKEND", &cfg.Queue.Backend)
	str("ANCHOR_QUEUE_PATH", &cfg.Queue.Path)
	str("ANCHOR_QUEUE_URL", &cfg.Queue.RedisURL)
	num("ANCHOR_QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	dur("ANCHOR_QUEUE_BACKOFF_BASE", &cfg.Queue.BackoffBase)
	dur("ANCHOR_QUEUE_LEASE_DURATION", &cfg.Queue.LeaseDuration)

	num("ANCHOR_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	dur("ANCHOR_WORKER_SHUTDOWN_TIMEOUT", &cfg.Worker.ShutdownTimeout)

	str("ANCHOR_LEDGER_MODE", &cfg.Ledger.Mode)
	str("ANCHOR_LEDGER_ENDPOINT", &cfg.Ledger.Endpoint)
	str("ANCHOR_LEDGER_CHANNEL", &cfg.Ledger.Channel)
	str("ANCHOR_LEDGER_CHAINCODE", &cfg.Ledger.Chaincode)
	str("ANCHOR_LEDGER_TOKEN", &cfg.Ledger.Token)
	float("ANCHOR_LEDGER_MOCK_FAILURE_RATE", &cfg.Ledger.Mock.FailureRate)

	num("ANCHOR_RETRY_MAX_RETRIES", &cfg.Retry.MaxRetries)
	dur("ANCHOR_RETRY_SWEEP_INTERVAL", &cfg.Retry.SweepInterval)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validAddrRule(rule string) bool {
	if strings.Contains(rule, "/") {
		_, _, err := net.ParseCIDR(rule)
		return err == nil
	}
	return net.ParseIP(rule) != nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnsureDirectories creates the data directory.
func (c *Config) EnsureDirectories() error {
	if c.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", c.DataDir, err)
	}
	return nil
}
