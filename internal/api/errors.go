package api

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/validation"
)

// APIError represents a structured API error with HTTP status code.
type APIError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	FieldError map[string]string      `json:"field_errors,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(code int, message string, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Common error constructors
func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

func NotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Context: map[string]interface{}{"id": id},
	}
}

func ValidationError(message string, fieldErrors map[string]string) *APIError {
	return &APIError{
		Code:       http.StatusBadRequest,
		Message:    message,
		FieldError: fieldErrors,
	}
}

// ValidationFailed turns a failed validation result into a 400.
func ValidationFailed(res *validation.ValidationResult) *APIError {
	fields := make(map[string]string, len(res.Errors))
	for _, e := range res.Errors {
		fields[e.Field] = e.Message
	}
	return ValidationError("Validation failed", fields)
}

func InternalError(message, details string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message, details)
}

func ConflictError(message, details string) *APIError {
	return NewAPIError(http.StatusConflict, message, details)
}

// FromError maps a service error to its HTTP form. The user-facing reason
// (capacity reason, validation summary) becomes the details.
func FromError(err error) *APIError {
	reason := errdefs.Reason(err)
	switch {
	case errdefs.IsNotFound(err):
		return NewAPIError(http.StatusNotFound, "Resource not found", reason)
	case errdefs.IsResourceExhausted(err):
		return NewAPIError(http.StatusConflict, "Insufficient capacity", "insufficient capacity: "+reason)
	case errdefs.IsInvalidArgument(err):
		return NewAPIError(http.StatusBadRequest, "Bad request", reason)
	case errdefs.IsFailedPrecondition(err):
		return NewAPIError(http.StatusConflict, "Conflict", reason)
	case errdefs.IsDaemonCallFailed(err):
		return NewAPIError(http.StatusBadGateway, "Host daemon error", reason)
	case errdefs.IsHealthCheckTimeout(err):
		return NewAPIError(http.StatusGatewayTimeout, "Health check timed out", reason)
	default:
		return InternalError("Internal server error", err.Error())
	}
}

// NewHTTPErrorHandler returns the Echo error handler. Allocation conflicts
// and other 5xx answers are logged at error level.
func NewHTTPErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(err error, c echo.Context) {
		// Don't send response if already sent
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			apiErr = &APIError{
				Code:    he.Code,
				Message: getHTTPMessage(he.Code),
				Details: fmt.Sprintf("%v", he.Message),
			}
		case errors.As(err, &apiErr):
		default:
			apiErr = FromError(err)
		}

		if apiErr.Code >= http.StatusInternalServerError {
			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", apiErr.Code),
				zap.Error(err),
			}
			if errdefs.IsAllocationConflict(err) {
				logger.Error("allocation invariant violated", fields...)
			} else {
				logger.Error("request failed", fields...)
			}
		}

		// Don't expose internal errors in production
		if apiErr.Code == http.StatusInternalServerError && !c.Echo().Debug {
			apiErr = &APIError{Code: apiErr.Code, Message: apiErr.Message, Details: "An internal error occurred. Please try again later."}
		}

		if err := c.JSON(apiErr.Code, apiErr); err != nil {
			logger.Warn("failed to write error response", zap.Error(err))
		}
	}
}

// getHTTPMessage returns a user-friendly message for HTTP status codes.
func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusForbidden:           "Forbidden",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusConflict:            "Conflict",
		http.StatusUnprocessableEntity: "Unprocessable entity",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
		http.StatusGatewayTimeout:      "Gateway timeout",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
