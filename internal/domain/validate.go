package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = validator.New()

	gitRefPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,199}$`)
	resourcePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)
	gitURLPattern   = regexp.MustCompile(`^(?:(?:https?|ssh|git)://[^\s'"]+|[A-Za-z0-9_.-]+@[A-Za-z0-9_.-]+:[^\s'"]+)$`)
)

func init() {
	_ = validate.RegisterValidation("gitref", func(fl validator.FieldLevel) bool {
		ref := fl.Field().String()
		return gitRefPattern.MatchString(ref) && !strings.Contains(ref, "..")
	})
	_ = validate.RegisterValidation("resource", func(fl validator.FieldLevel) bool {
		return resourcePattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("giturl", func(fl validator.FieldLevel) bool {
		return gitURLPattern.MatchString(fl.Field().String())
	})
}

// Validate checks struct tags on v. Failures wrap ErrValidation and name the
// offending fields.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}
