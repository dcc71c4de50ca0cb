package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
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
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	info, err := os.Stat(cfg.Server.Home)
	if err != nil {
		return fmt.Errorf("server.home: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("server.home: %s is not a directory", cfg.Server.Home)
	}

	if cfg.Metrics.Enabled && cfg.Server.Ports.Contains(cfg.Metrics.Port) {
		return fmt.Errorf("metrics.port: %d lies inside the worker port range %s", cfg.Metrics.Port, cfg.Server.Ports)
	}

	return nil
}

// formatValidationError converts validator errors into one message per
// failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	var result *multierror.Error
	for _, e := range validationErrs {
		result = multierror.Append(result, fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value()))
	}
	if len(validationErrs) == 1 {
		return result.Errors[0]
	}
	return result.ErrorOrNil()
}
