package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"odds/internal/types"
)

// Validator wraps go-playground/validator with the ODDS tags:
//
//	climate_var  a downscalable variable (pr, tasmax, tasmin, tasmean)
//	dods_url     an http(s) URL whose path contains /dodsC/ or /fileServer/
type Validator struct {
	v      *validator.Validate
	logger *slog.Logger
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "climate_var", func(fl validator.FieldLevel) bool {
		return types.Variable(fl.Field().String()).Valid()
	})
	mustRegister(v, "dods_url", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return false
		}
		return strings.Contains(s, "/dodsC/") || strings.Contains(s, "/fileServer/")
	})
	return &Validator{v: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidateStruct runs the struct's validate tags. Failures are reported as a
// validation_invalid_field error (validation_missing_required_field when
// every failure is a missing required value) with the failed fields in the
// details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request could not be validated", err)
	}

	fields := make([]ValidationError, 0, len(verrs))
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		}
	}

	if len(missing) == len(fields) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"Please fill: "+strings.Join(missing, ", "), err, map[string]any{"missing": missing, "fields": fields})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
		fields[0].Message, err, map[string]any{"fields": fields})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "latitude", "longitude":
		return fmt.Sprintf("%s must be a valid %s", fe.Field(), fe.Tag())
	case "climate_var":
		return fe.Field() + " must be one of pr, tasmax, tasmin, tasmean"
	case "dods_url":
		return fe.Field() + " must be a THREDDS OPeNDAP or fileServer URL"
	default:
		return fmt.Sprintf("%s failed the %s check", fe.Field(), fe.Tag())
	}
}
