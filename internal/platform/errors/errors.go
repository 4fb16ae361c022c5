// Package errors provides unified error handling for the consumer-and-broadcast tier.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Transient bus errors (1xxx) — connectivity hiccups the caller should retry.
	ErrCodeBusUnavailable ErrorCode = "BUS_1001"
	ErrCodeBusTimeout     ErrorCode = "BUS_1002"

	// Protocol errors (2xxx) — malformed wire payloads.
	ErrCodeMalformedEnvelope ErrorCode = "PROTO_2001"
	ErrCodeUnknownEventKind  ErrorCode = "PROTO_2002"

	// Contract errors (3xxx) — payload parses but violates a domain invariant.
	ErrCodeInvalidInput  ErrorCode = "CONTRACT_3001"
	ErrCodeOutOfRange    ErrorCode = "CONTRACT_3002"
	ErrCodeNotFound      ErrorCode = "CONTRACT_3003"
	ErrCodeAlreadyExists ErrorCode = "CONTRACT_3004"
	ErrCodeConflict      ErrorCode = "CONTRACT_3005"

	// Downstream errors (4xxx) — a collaborator the tier depends on failed.
	ErrCodeDownstreamUnavailable ErrorCode = "DOWNSTREAM_4001"
	ErrCodeRateLimitExceeded     ErrorCode = "DOWNSTREAM_4002"

	// Config-fatal errors (5xxx) — the process cannot continue.
	ErrCodeConfigInvalid ErrorCode = "FATAL_5001"
	ErrCodeStartupFailed ErrorCode = "FATAL_5002"

	// Internal / uncategorized (9xxx)
	ErrCodeInternal ErrorCode = "INTERNAL_9001"
	ErrCodeTimeout  ErrorCode = "INTERNAL_9002"
)

// Category buckets an error into the consumer-tier taxonomy so callers can
// decide retry/log/propagate without type-switching on driver errors.
type Category string

const (
	CategoryTransientBus Category = "transient_bus"
	CategoryProtocol     Category = "protocol"
	CategoryContract     Category = "contract"
	CategoryDownstream   Category = "downstream"
	CategoryConfigFatal  Category = "config_fatal"
	CategoryUnknown      Category = "unknown"
)

// ServiceError represents a structured error with code, category, message and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Category   Category               `json:"category"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, category Category, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Category:   category,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, category Category, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Category:   category,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Transient bus errors

func BusUnavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeBusUnavailable, CategoryTransientBus, "bus operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func BusTimeout(operation string) *ServiceError {
	return New(ErrCodeBusTimeout, CategoryTransientBus, "bus operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Protocol errors

func MalformedEnvelope(reason string, err error) *ServiceError {
	return Wrap(ErrCodeMalformedEnvelope, CategoryProtocol, "malformed event envelope", http.StatusBadRequest, err).
		WithDetails("reason", reason)
}

func UnknownEventKind(kind string) *ServiceError {
	return New(ErrCodeUnknownEventKind, CategoryProtocol, "unrecognized event kind", http.StatusUnprocessableEntity).
		WithDetails("kind", kind)
}

// Contract errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, CategoryContract, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, CategoryContract, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, CategoryContract, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, CategoryContract, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, CategoryContract, message, http.StatusConflict)
}

// Downstream errors

func DownstreamUnavailable(service string, err error) *ServiceError {
	return Wrap(ErrCodeDownstreamUnavailable, CategoryDownstream, "downstream collaborator unavailable", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, CategoryDownstream, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Config-fatal errors

func ConfigInvalid(field, reason string) *ServiceError {
	return New(ErrCodeConfigInvalid, CategoryConfigFatal, "invalid configuration", http.StatusInternalServerError).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func StartupFailed(component string, err error) *ServiceError {
	return Wrap(ErrCodeStartupFailed, CategoryConfigFatal, "component failed to start", http.StatusInternalServerError, err).
		WithDetails("component", component)
}

// Internal / uncategorized

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, CategoryUnknown, message, http.StatusInternalServerError, err)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, CategoryUnknown, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Classify buckets any error into the consumer-tier taxonomy. ServiceErrors
// report their own category; unwrapped stdlib errors are classified by
// inspecting well-known shapes (deadline/network timeouts) and otherwise
// fall back to CategoryUnknown so callers still have a safe default to log
// under rather than panicking on a type switch.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransientBus
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTransientBus
		}
		return CategoryDownstream
	}
	return CategoryUnknown
}
