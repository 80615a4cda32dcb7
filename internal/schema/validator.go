package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// categoryPattern defines the valid format for threat categories.
// Categories are lowercase, start with a letter, and use dots or
// underscores as separators. Examples: "ddos", "port_scan",
// "web.sql_injection".
var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator checks incoming observations against the canonical schema
// before they reach the decision path.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds the timestamp bounds.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given bounds.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("category_format", func(fl validator.FieldLevel) bool {
		return categoryPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate checks an observation's fields and timestamp bounds. A zero
// timestamp is allowed; the engine stamps it at decision time.
func (v *Validator) Validate(obs *ThreatObservation) error {
	if err := v.validate.Struct(obs); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if obs.Timestamp.IsZero() {
		return nil
	}

	now := time.Now().UTC()
	if obs.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", obs.Timestamp, v.maxAge)
	}
	if obs.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", obs.Timestamp, v.maxFuture)
	}
	return nil
}

// ValidCategory reports whether a category string matches the required
// format.
func ValidCategory(category string) bool {
	return categoryPattern.MatchString(category)
}
