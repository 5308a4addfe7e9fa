package config

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// Validate checks the whole configuration and reports every problem at once.
func (c LoopauthConfig) Validate() error {
	var errs ValidationErrors

	c.Provider.validate(&errs)
	c.Callback.validate(&errs)

	if err := ValidateOneOf("credentials.backend", c.Credentials.Backend, []string{BackendFile, BackendKeyring}); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	if c.Timeouts.Exchange < 0 {
		errs.Add("timeouts.exchange", "must not be negative", c.Timeouts.Exchange)
	}
	if c.Timeouts.Login < 0 {
		errs.Add("timeouts.login", "must not be negative", c.Timeouts.Login)
	}

	if errs.HasErrors() {
		return errors.WithHint(errs, "Edit config.yaml in the loopauth config directory (see --config).")
	}
	return nil
}

func (p ProviderConfig) validate(errs *ValidationErrors) {
	if p.HasClientSecretFile() {
		return
	}
	if strings.TrimSpace(p.ClientID) == "" {
		errs.Add("provider", "requires clientSecretFile or clientID with authURL and tokenURL")
		return
	}
	if strings.TrimSpace(p.AuthURL) == "" {
		errs.Add("provider.authURL", "is required when clientID is set")
	}
	if strings.TrimSpace(p.TokenURL) == "" {
		errs.Add("provider.tokenURL", "is required when clientID is set")
	}
}

func (cb CallbackConfig) validate(errs *ValidationErrors) {
	if len(cb.Ports) == 0 {
		errs.Add("callback.ports", "must list at least one port")
	}
	seen := make(map[int]bool, len(cb.Ports))
	for _, port := range cb.Ports {
		if port < 1 || port > 65535 {
			errs.Add("callback.ports", fmt.Sprintf("port %d is outside 1-65535", port), port)
			continue
		}
		if seen[port] {
			errs.Add("callback.ports", fmt.Sprintf("port %d is listed twice", port), port)
		}
		seen[port] = true
	}
	if cb.Path != "" && !strings.HasPrefix(cb.Path, "/") {
		errs.Add("callback.path", "must start with /", cb.Path)
	}
}
