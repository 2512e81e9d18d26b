package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("key"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks that cfg is usable. Errors name the offending config keys.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("%s %s", key, describe(fe)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if spec, ok := lookupSpec(strings.TrimPrefix(fe.Namespace(), "Config.")); ok {
			return fmt.Sprintf("is required (set it with `paperdesk config set %s` or %s)", spec.key, spec.env)
		}
		return "is required"
	case "url":
		return "must be an absolute URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "max":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
