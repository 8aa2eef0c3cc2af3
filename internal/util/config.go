package util

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// PrepareConfig fills zero-valued fields from their `default` tags and then checks the
// `validate` tags. config must be a non-nil pointer to a struct.
func PrepareConfig(config any) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}
	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}
	return ValidateConfig(config)
}

// ValidateConfig checks the `validate` tags of config and flattens validator errors into
// one readable message.
func ValidateConfig(config any) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}
	if err := validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			msgs := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fieldErr.Namespace(), fieldErr.Tag()))
			}
			return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
