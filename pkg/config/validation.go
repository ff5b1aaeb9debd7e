package config

import (
	"fmt"
	"net/netip"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for rules that
// cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	for i, iface := range cfg.Server.Interfaces {
		if _, err := netip.ParseAddr(iface); err != nil {
			return fmt.Errorf("server.interfaces[%d]: %q is not an IP address", i, iface)
		}
	}

	if cfg.Server.TLS.ClientCAFile != "" && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls: client_ca_file is set but tls is not enabled")
	}

	names := make(map[string]bool)
	for i, pv := range cfg.PVs {
		if names[pv.Name] {
			return fmt.Errorf("pvs[%d]: duplicate pv name %q", i, pv.Name)
		}
		names[pv.Name] = true
	}

	// Address lists and ports are checked against the server's own rules
	if _, err := cfg.ServerConfig(); err != nil {
		return err
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
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
