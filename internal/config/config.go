package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Scanner() ScannerConfig
	Bridge() BridgeConfig
	Capability() CapabilityConfig
	Runtime() RuntimeConfig
	Profiles() ProfilesConfig

	// CLI flag overrides
	SetLoggerLevel(level string)
	SetCapabilityDir(dir string)
	SetProfilesDir(dir string)
	SetScannerConcurrency(n int)
	SetBridgeEnabled(bool)
	SetRuntimeDryRun(bool)
}

// Config holds the entire application configuration. Access goes through the
// Interface getters; the exported fields exist so viper can unmarshal into
// them and tests can build fixtures.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	ScannerCfg    ScannerConfig    `mapstructure:"scanner" yaml:"scanner"`
	BridgeCfg     BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	CapabilityCfg CapabilityConfig `mapstructure:"capability" yaml:"capability"`
	RuntimeCfg    RuntimeConfig    `mapstructure:"runtime" yaml:"runtime"`
	ProfilesCfg   ProfilesConfig   `mapstructure:"profiles" yaml:"profiles"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Scanner() ScannerConfig       { return c.ScannerCfg }
func (c *Config) Bridge() BridgeConfig         { return c.BridgeCfg }
func (c *Config) Capability() CapabilityConfig { return c.CapabilityCfg }
func (c *Config) Runtime() RuntimeConfig       { return c.RuntimeCfg }
func (c *Config) Profiles() ProfilesConfig     { return c.ProfilesCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetLoggerLevel(level string)  { c.LoggerCfg.Level = level }
func (c *Config) SetCapabilityDir(dir string)  { c.CapabilityCfg.Dir = dir }
func (c *Config) SetProfilesDir(dir string)    { c.ProfilesCfg.Dir = dir }
func (c *Config) SetScannerConcurrency(n int)  { c.ScannerCfg.Concurrency = n }
func (c *Config) SetBridgeEnabled(b bool)      { c.BridgeCfg.Enabled = b }
func (c *Config) SetRuntimeDryRun(b bool)      { c.RuntimeCfg.DryRun = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the audit database connection details. The audit
// trail is optional; with Enabled false sigil runs without persistence.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// ScannerConfig tunes the memory region scanner.
type ScannerConfig struct {
	Concurrency     int     `mapstructure:"concurrency" yaml:"concurrency"`
	DefaultMaxHits  int     `mapstructure:"default_max_hits" yaml:"default_max_hits"`
	ChunksPerSecond float64 `mapstructure:"chunks_per_second" yaml:"chunks_per_second"`
	WritableOnly    bool    `mapstructure:"writable_only" yaml:"writable_only"`
}

// BridgeConfig holds the connection settings for the external mutation
// service.
type BridgeConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// CapabilityConfig locates the persisted capability maps.
type CapabilityConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RuntimeConfig tunes the runtime adapter.
type RuntimeConfig struct {
	FreezeInterval time.Duration `mapstructure:"freeze_interval" yaml:"freeze_interval"`
	DryRun         bool          `mapstructure:"dry_run" yaml:"dry_run"`
}

// ProfilesConfig locates the trainer profile documents.
type ProfilesConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sigil")
	v.SetDefault("logger.log_file", "sigil.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.url", "")

	// -- Scanner --
	v.SetDefault("scanner.concurrency", 4)
	v.SetDefault("scanner.default_max_hits", 10000)
	v.SetDefault("scanner.chunks_per_second", 0.0)
	v.SetDefault("scanner.writable_only", true)

	// -- Bridge --
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.endpoint", "127.0.0.1:48620")
	v.SetDefault("bridge.dial_timeout", "5s")

	// -- Capability --
	v.SetDefault("capability.dir", "capability-maps")

	// -- Runtime --
	v.SetDefault("runtime.freeze_interval", "250ms")
	v.SetDefault("runtime.dry_run", false)

	// -- Profiles --
	v.SetDefault("profiles.dir", "profiles")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "SIGIL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ScannerCfg.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be a positive integer")
	}
	if c.ScannerCfg.ChunksPerSecond < 0 {
		return fmt.Errorf("scanner.chunks_per_second cannot be negative")
	}
	if c.RuntimeCfg.FreezeInterval <= 0 {
		return fmt.Errorf("runtime.freeze_interval must be a positive duration")
	}
	if c.DatabaseCfg.Enabled && c.DatabaseCfg.URL == "" {
		return fmt.Errorf("database.url is required when database.enabled is true. Set SIGIL_DATABASE_URL")
	}
	if err := c.BridgeCfg.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the bridge settings.
func (b *BridgeConfig) Validate() error {
	if !b.Enabled {
		return nil
	}
	if b.Endpoint == "" {
		return fmt.Errorf("endpoint is required when the bridge is enabled")
	}
	if b.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be a positive duration")
	}
	return nil
}
