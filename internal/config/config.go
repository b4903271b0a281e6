// Package config provides configuration management for the debugger
// bridge: environment variables, an optional config file, and documented
// defaults, loaded through viper.
//
// Grounded on internal/common/config/config.go's Load/LoadWithPath shape:
// set defaults first, layer environment variables with a service-specific
// prefix, then an optional YAML file, then unmarshal into a typed struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/session"
	"github.com/spf13/viper"
)

// Config holds every configuration section the bridge process needs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Debugger  DebuggerConfig  `mapstructure:"debugger"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Extension ExtensionConfig `mapstructure:"extension"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the extension-callback HTTP listener.
type ServerConfig struct {
	// Host is always bound literally; the loopback requirement is
	// reinforced by this default, not only by the per-request check.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DebuggerConfig mirrors debugger.Config's tunables for config-file/env
// loading.
type DebuggerConfig struct {
	Path                   string `mapstructure:"path"`
	CommandTimeoutSeconds  int    `mapstructure:"commandTimeoutSeconds"`
	StartupDelayMillis     int    `mapstructure:"startupDelayMillis"`
	ShutdownGraceSeconds   int    `mapstructure:"shutdownGraceSeconds"`
	SymbolServerTimeoutSec int    `mapstructure:"symbolServerTimeoutSeconds"`
	SymbolServerRetries    int    `mapstructure:"symbolServerRetries"`
}

// ProcessorConfig mirrors processor.Config's tunables.
type ProcessorConfig struct {
	CommandTimeoutSeconds int `mapstructure:"commandTimeoutSeconds"`
	HeartbeatIntervalSecs int `mapstructure:"heartbeatIntervalSeconds"`
	QueueCapacity         int `mapstructure:"queueCapacity"`
}

// CacheConfig mirrors cache.Config's tunables.
type CacheConfig struct {
	MaxMemoryMB             int     `mapstructure:"maxMemoryMB"`
	MaxResults              int     `mapstructure:"maxResults"`
	MemoryPressureThreshold float64 `mapstructure:"memoryPressureThreshold"`
}

// RecoveryConfig mirrors recovery.Config's tunables.
type RecoveryConfig struct {
	CancellationTimeoutSeconds int `mapstructure:"cancellationTimeoutSeconds"`
	RestartDelaySeconds        int `mapstructure:"restartDelaySeconds"`
	HealthCheckIntervalSeconds int `mapstructure:"healthCheckIntervalSeconds"`
	MaxRecoveryAttempts        int `mapstructure:"maxRecoveryAttempts"`
	RecoveryCooldownSeconds    int `mapstructure:"recoveryAttemptCooldownSeconds"`
}

// ExtensionConfig controls the extension-callback surface.
type ExtensionConfig struct {
	TokenTTLSeconds      int `mapstructure:"tokenTTLSeconds"`
	RequestDeadlineSecs  int `mapstructure:"requestDeadlineSeconds"`
}

// LoggingConfig controls the A3 logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ToSessionConfig converts the flat, marshalling-friendly config sections
// into the time.Duration-typed Config each pipeline component actually
// runs with.
func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		Debugger: debugger.Config{
			DebuggerPath:        c.Debugger.Path,
			CommandTimeout:      time.Duration(c.Debugger.CommandTimeoutSeconds) * time.Second,
			StartupDelay:        time.Duration(c.Debugger.StartupDelayMillis) * time.Millisecond,
			ShutdownGrace:       time.Duration(c.Debugger.ShutdownGraceSeconds) * time.Second,
			SymbolServerTimeout: time.Duration(c.Debugger.SymbolServerTimeoutSec) * time.Second,
			SymbolServerRetries: c.Debugger.SymbolServerRetries,
		},
		Processor: processor.Config{
			CommandTimeout:    time.Duration(c.Processor.CommandTimeoutSeconds) * time.Second,
			HeartbeatInterval: time.Duration(c.Processor.HeartbeatIntervalSecs) * time.Second,
			QueueCapacity:     c.Processor.QueueCapacity,
		},
		Cache: cache.Config{
			MaxMemoryBytes:          int64(c.Cache.MaxMemoryMB) * 1024 * 1024,
			MaxResults:              c.Cache.MaxResults,
			MemoryPressureThreshold: c.Cache.MemoryPressureThreshold,
		},
		Recovery: recovery.Config{
			CancellationTimeout:     time.Duration(c.Recovery.CancellationTimeoutSeconds) * time.Second,
			RestartDelay:            time.Duration(c.Recovery.RestartDelaySeconds) * time.Second,
			HealthCheckInterval:     time.Duration(c.Recovery.HealthCheckIntervalSeconds) * time.Second,
			MaxRecoveryAttempts:     c.Recovery.MaxRecoveryAttempts,
			RecoveryAttemptCooldown: time.Duration(c.Recovery.RecoveryCooldownSeconds) * time.Second,
		},
	}
}

const envPrefix = "BRIDGE"

// Load reads configuration from environment variables (prefixed BRIDGE_),
// an optional ./config.yaml or /etc/bridge/config.yaml, and documented
// defaults, in that descending precedence (environment wins over the file,
// the file wins over the defaults).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an additional config file search directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// The *Seconds/*Millis fields above are deliberately left as plain ints
// (rather than time.Duration) since viper's YAML/env decoding of durations
// from plain integers is error-prone across formats; ToSessionConfig
// converts them to the component Config structs that do use time.Duration.

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9222)

	v.SetDefault("debugger.path", "")
	v.SetDefault("debugger.commandTimeoutSeconds", 180)
	v.SetDefault("debugger.startupDelayMillis", 0)
	v.SetDefault("debugger.shutdownGraceSeconds", 2)
	v.SetDefault("debugger.symbolServerTimeoutSeconds", 10)
	v.SetDefault("debugger.symbolServerRetries", 1)

	v.SetDefault("processor.commandTimeoutSeconds", 180)
	v.SetDefault("processor.heartbeatIntervalSeconds", 10)
	v.SetDefault("processor.queueCapacity", 100)

	v.SetDefault("cache.maxMemoryMB", 100)
	v.SetDefault("cache.maxResults", 1000)
	v.SetDefault("cache.memoryPressureThreshold", 0.8)

	v.SetDefault("recovery.cancellationTimeoutSeconds", 5)
	v.SetDefault("recovery.restartDelaySeconds", 2)
	v.SetDefault("recovery.healthCheckIntervalSeconds", 60)
	v.SetDefault("recovery.maxRecoveryAttempts", 3)
	v.SetDefault("recovery.recoveryAttemptCooldownSeconds", 300)

	v.SetDefault("extension.tokenTTLSeconds", 300)
	v.SetDefault("extension.requestDeadlineSeconds", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
