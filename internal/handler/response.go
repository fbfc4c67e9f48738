package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// validate is the singleton validator instance
var validate = validator.New()

func init() {
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an APIError response.
func writeError(w http.ResponseWriter, apiErr APIError) {
	if apiErr.retryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, apiErr.HTTPStatusCode, map[string]APIError{"error": apiErr})
}

// writeServiceError maps err and writes it, logging the failures that are not
// the client's fault.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	apiErr := mapError(err)
	if apiErr.HTTPStatusCode >= http.StatusInternalServerError {
		logger.Warn().Err(err).Int("status", apiErr.HTTPStatusCode).Msg("request failed")
	}
	writeError(w, apiErr)
}

// invalidRequest builds a 400 response body.
func invalidRequest(msg string) APIError {
	return APIError{
		Code:           "InvalidRequest",
		Message:        msg,
		HTTPStatusCode: http.StatusBadRequest,
	}
}

// decodeRequest decodes a JSON body into v and validates its struct tags.
func decodeRequest(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag", e.Field(), e.Tag())
	}
	return err
}
