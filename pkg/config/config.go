// Package config loads and validates the daemon configuration.
//
// Sources, highest precedence first: environment variables (VDISKD_*), a
// YAML or TOML configuration file, built-in defaults. The appliance
// usually runs with no file at all and everything on defaults plus the
// channel address from the kernel command line.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	// Logging controls diagnostic output.
	Logging LoggingConfig `mapstructure:"logging"`

	// Channel selects the host communication channel.
	Channel ChannelConfig `mapstructure:"channel"`

	// Daemon holds dispatch-loop settings.
	Daemon DaemonConfig `mapstructure:"daemon"`

	// Journal configures the optional per-call journal.
	Journal JournalConfig `mapstructure:"journal"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls the daemon's diagnostic stream.
type LoggingConfig struct {
	// Level is the minimum level emitted: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ChannelConfig selects the channel to the host library.
type ChannelConfig struct {
	// Listen is the channel address: tcp:host:port, unix:/path,
	// vsock:port or serial:/dev/path.
	Listen string `mapstructure:"listen" validate:"required"`
}

// DaemonConfig holds dispatch-loop settings.
type DaemonConfig struct {
	// Root confines all path arguments, normally the mount point of the
	// inspected disk.
	Root string `mapstructure:"root" validate:"required"`

	// CallsPerSecond rate-limits incoming calls; 0 disables limiting.
	CallsPerSecond uint `mapstructure:"calls_per_second"`

	// CallBurst is the limiter's burst capacity; 0 means equal to
	// CallsPerSecond.
	CallBurst uint `mapstructure:"call_burst"`
}

// JournalConfig configures the badger-backed call journal.
type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the journal database directory. Required when enabled.
	Path string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Listen is the HTTP address for /metrics. Required when enabled.
	Listen string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// Load reads configuration from an optional file and the environment,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VDISKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
