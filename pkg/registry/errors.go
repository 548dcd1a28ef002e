package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrQuotaExceeded matches an APIError raised because the registry already
// holds the maximum number of versions for the extension.
var ErrQuotaExceeded = errors.New("extension version quota exceeded")

// quotaPrefix is how the registry words the version quantity limit
const quotaPrefix = "Extension versions quantity limit"

// ConstraintViolation is one schema problem reported by a validation
type ConstraintViolation struct {
	Path              string `json:"path,omitempty"`
	Message           string `json:"message"`
	ParameterLocation string `json:"parameterLocation,omitempty"`
	Location          string `json:"location,omitempty"`
}

// APIError is a structured error returned by the registry
type APIError struct {
	StatusCode int
	Code       int                   `json:"code"`
	Message    string                `json:"message"`
	Violations []ConstraintViolation `json:"constraintViolations,omitempty"`
	// Detail is the raw error object as sent by the registry
	Detail json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
	if len(e.Violations) > 0 {
		parts := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			if v.Path != "" {
				parts = append(parts, v.Path+": "+v.Message)
			} else {
				parts = append(parts, v.Message)
			}
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return msg
}

// IsQuotaExceeded reports whether the error is the version quantity limit
func (e *APIError) IsQuotaExceeded() bool {
	return strings.HasPrefix(e.Message, quotaPrefix)
}

// Is lets errors.Is(err, ErrQuotaExceeded) match quota errors
func (e *APIError) Is(target error) bool {
	return target == ErrQuotaExceeded && e.IsQuotaExceeded()
}

// DetailOf extracts the registry's raw detail payload from err, if any
func DetailOf(err error) json.RawMessage {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return nil
}

type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error) > 0 {
		if err := json.Unmarshal(env.Error, apiErr); err == nil {
			apiErr.Detail = env.Error
			return apiErr
		}
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d", status)
	}
	return apiErr
}
