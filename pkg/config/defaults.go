package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Built-in defaults. The channel default matches the virtio-serial port
// name the appliance kernel exposes by default.
const (
	DefaultLogLevel = "INFO"
	DefaultChannel  = "serial:/dev/virtio-ports/org.vdiskd.channel.0"
	DefaultRoot     = "/sysroot"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("channel.listen", DefaultChannel)
	v.SetDefault("daemon.root", DefaultRoot)
	v.SetDefault("daemon.calls_per_second", 0)
	v.SetDefault("daemon.call_burst", 0)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
}

// ApplyDefaults normalizes values after unmarshalling: log levels are
// accepted in any case but stored uppercase, and an unset burst follows
// the sustained rate.
func ApplyDefaults(cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Daemon.CallBurst == 0 {
		cfg.Daemon.CallBurst = cfg.Daemon.CallsPerSecond
	}
}
