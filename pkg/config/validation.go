package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a Config against its struct tags, modeled on the
// validator.v10 usage for configuration structs.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// formatValidationErrors renders validator.ValidationErrors into a single
// human-readable line per failing field.
func formatValidationErrors(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag())
	}
	return msg
}
