// Package validation wraps go-playground/validator with dbanative's custom tags
// and field-level error reporting.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dbanative/dbanative/internal/core"
)

var (
	validate = newValidator()

	profileNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("protocol", func(fl validator.FieldLevel) bool {
		_, err := core.ParseProtocol(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("override", func(fl validator.FieldLevel) bool {
		_, err := core.ParseOverride(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("profilename", func(fl validator.FieldLevel) bool {
		return profileNameRe.MatchString(fl.Field().String())
	})
	return v
}

// FieldError is one failed constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors holds every failed constraint of one struct.
type Errors struct {
	Errors []FieldError `json:"errors"`
}

func (v *Errors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// IsValidationError checks if an error came from Struct.
func IsValidationError(err error) bool {
	var v *Errors
	return errors.As(err, &v)
}

// Struct validates s against its `validate` tags.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating %T: %w", s, err)
	}
	out := &Errors{}
	for _, e := range fieldErrs {
		out.Errors = append(out.Errors, FieldError{
			Field:   fieldPath(e),
			Message: message(e),
		})
	}
	return out
}

// fieldPath drops the root struct name: "GlobalConfig.Broker.Address" -> "broker.address".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		parts[i] = toSnakeCase(p)
	}
	return strings.Join(parts, ".")
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("must be at least %s characters", e.Param())
		}
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("must be at most %s characters", e.Param())
		}
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "protocol":
		return fmt.Sprintf("unknown protocol %q", e.Value())
	case "override":
		return fmt.Sprintf("invalid override %q (want inherit|true|false)", e.Value())
	case "profilename":
		return "may contain only letters, digits, '.', '_' and '-', and must start with a letter or digit"
	case "hostname_rfc1123", "hostname":
		return "must be a valid host name"
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case. Index suffixes
// such as "[2]" pass through unchanged.
func toSnakeCase(s string) string {
	var result strings.Builder
	prevLower := false
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			if prevLower {
				result.WriteByte('_')
			}
			result.WriteByte(byte(r + 'a' - 'A'))
			prevLower = false
			continue
		}
		result.WriteRune(r)
		prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
	}
	return result.String()
}
