package app

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// requestValidate checks decoded request bodies. Field names in errors are
// the JSON names.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())
	requestValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// decodeAndValidate decodes a JSON body into target and validates it.
// Errors are DomainErrors ready for mapError.
func decodeAndValidate(r *http.Request, target any) error {
	if err := decodeBody(r, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil).wrap(err)
	}
	return validateStruct(target)
}

func validateStruct(target any) error {
	err := requestValidate.Struct(target)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	details := make([]fieldError, 0, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		names = append(names, fe.Field())
	}
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid fields: "+strings.Join(names, ", "), details)
}
