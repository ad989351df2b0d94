package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration via struct tags plus the rules that
// cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

var channelSchemes = []string{"tcp", "unix", "vsock", "serial"}

func validateCustomRules(cfg *Config) error {
	scheme, _, ok := strings.Cut(cfg.Channel.Listen, ":")
	if !ok {
		return fmt.Errorf("channel.listen: %q has no scheme", cfg.Channel.Listen)
	}
	valid := false
	for _, s := range channelSchemes {
		if scheme == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("channel.listen: unknown scheme %q (want one of %s)",
			scheme, strings.Join(channelSchemes, ", "))
	}

	if cfg.Daemon.CallsPerSecond == 0 && cfg.Daemon.CallBurst > 0 {
		return fmt.Errorf("daemon.call_burst: set without daemon.calls_per_second")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
