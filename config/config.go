package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/hooks/listeners"
	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerConfig holds server-specific configurations.
type ServerConfig struct {
	HTTPAddress     string    `yaml:"http_address"`
	GRPCAddress     string    `yaml:"grpc_address"`
	ShutdownTimeout string    `yaml:"shutdown_timeout"`
	Workers         int       `yaml:"workers"`
	TLS             TLSConfig `yaml:"tls"`
}

// EngineConfig holds the ledger engine settings.
type EngineConfig struct {
	DataDir          string `yaml:"data_dir"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	SnapshotInterval string `yaml:"snapshot_interval"` // "off" disables periodic snapshots
	SnapshotOnClose  bool   `yaml:"snapshot_on_close"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// AuthConfig configures who may call the serving layer.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Admins    []string `yaml:"admins"`
	JWTSecret string   `yaml:"jwt_secret"` // empty disables bearer tokens
	TokenTTL  string   `yaml:"token_ttl"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	SystemInterval   string `yaml:"system_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// BackupConfig holds defaults for online and offline backups.
type BackupConfig struct {
	Compression string          `yaml:"compression"`
	Dir         string          `yaml:"dir"` // local archive directory when S3 is not configured
	S3          backup.S3Config `yaml:"s3"`
}

// HooksConfig enables the built-in listeners.
type HooksConfig struct {
	ActivityMetrics        bool                       `yaml:"activity_metrics"`
	RegistrationAlertEvery uint64                     `yaml:"registration_alert_every"`
	TradeLimits            []listeners.TradeLimitRule `yaml:"trade_limits"`
	EnforceTradeLimits     bool                       `yaml:"enforce_trade_limits"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Auth    AuthConfig    `yaml:"auth"`
	Debug   DebugConfig   `yaml:"debug"`
	Tracing TracingConfig `yaml:"tracing"`
	Backup  BackupConfig  `yaml:"backup"`
	Hooks   HooksConfig   `yaml:"hooks"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// SnapshotIntervalDuration resolves engine.snapshot_interval. "off" yields a
// negative duration, which the engine reads as disabled.
func (c EngineConfig) SnapshotIntervalDuration(logger *slog.Logger) time.Duration {
	if c.SnapshotInterval == "off" {
		return -1
	}
	return ParseDuration(c.SnapshotInterval, 600*time.Second, logger)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddress:     "0.0.0.0:3000",
			GRPCAddress:     "0.0.0.0:50051",
			ShutdownTimeout: "10s",
			Workers:         0,
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Engine: EngineConfig{
			DataDir:          "./data",
			QueueCapacity:    10_000,
			SnapshotInterval: "600s",
			SnapshotOnClose:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusledger.log",
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: "12h",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
			SystemInterval:   "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Backup: BackupConfig{
			Compression: "zstd",
			Dir:         "./backups",
		},
	}
}

// Load reads configuration from an io.Reader on top of Default.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("config: engine.data_dir must be set")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("config: engine.queue_capacity must be positive, got %d", c.Engine.QueueCapacity)
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("config: tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: auth.jwt_secret must be at least 16 bytes")
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
