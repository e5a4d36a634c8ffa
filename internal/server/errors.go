package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"leadez/internal/domain"
	"leadez/internal/repo"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"store_unavailable"`
	Message string         `json:"message" example:"record store unavailable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"batch_size\"}"`
}

// apiError is the {"error":{code,message,details}} envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// sentinelStatus maps wrapped sentinels to a status and code, first match wins.
var sentinelStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "cancelled"},
}

// useErrorEnvelope routes huma's own errors (validation, parsing) through apiError.
func useErrorEnvelope() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ce.Field})
	}
	for _, m := range sentinelStatus {
		if errors.Is(err, m.err) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
	}
	// Repo input checks return plain errors.
	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusRequestEntityTooLarge:
		return "body_too_large"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func statusOf(err huma.StatusError) int {
	if e, ok := err.(interface{ GetStatus() int }); ok {
		return e.GetStatus()
	}
	return http.StatusInternalServerError
}

// respondStatusError writes err outside huma, from chi middleware.
func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(err)
}
