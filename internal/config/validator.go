package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the sidecar's validation rules. Must
// be called before validating a Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts time.ParseDuration strings.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSigning(); err != nil {
		return err
	}
	return c.validateReplayBackend()
}

// validateSigning ensures exactly one signing source, or an explicit
// unsigned opt-in.
func (c *Config) validateSigning() error {
	hasKeyring := c.Keyring.Path != ""
	hasStatic := c.Keyring.StaticKey != ""

	if hasKeyring && hasStatic {
		return errors.New("keyring: specify path OR static_key, not both")
	}
	if !hasKeyring && !hasStatic && !c.Keyring.AllowUnsigned {
		return errors.New("keyring: path or static_key required unless allow_unsigned is set")
	}
	return nil
}

// validateReplayBackend ensures the selected backend has its connection
// settings.
func (c *Config) validateReplayBackend() error {
	switch c.Replay.Backend {
	case "redis":
		if c.Replay.RedisAddr == "" {
			return errors.New("replay: redis_addr required for the redis backend")
		}
	case "postgres":
		if c.Replay.PostgresDSN == "" {
			return errors.New("replay: postgres_dsn required for the postgres backend")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to actionable
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a message for one validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"30s\" or \"5m\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
