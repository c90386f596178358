package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrTimeout            = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	ErrTransport             = NewError("TRANSPORT_ERROR", "stream store call failed", http.StatusBadGateway)
	ErrMalformedEnvelope     = NewError("MALFORMED_ENVELOPE", "malformed message envelope", http.StatusUnprocessableEntity)
	ErrUnhandledMessageType  = NewError("UNHANDLED_MESSAGE_TYPE", "no handler registered for message type", http.StatusNotImplemented)
	ErrCorrelationTimeout    = NewError("CORRELATION_TIMEOUT", "no response received before timeout", http.StatusGatewayTimeout)
	ErrCorrelationCancelled  = NewError("CORRELATION_CANCELLED", "request was cancelled", http.StatusConflict)
	ErrGroupCapacityExceeded = NewError("GROUP_CAPACITY_EXCEEDED", "consumer group member capacity exceeded", http.StatusConflict)
	ErrRemote                = NewError("REMOTE_ERROR", "remote handler failed", http.StatusBadGateway)
	ErrGroupExists           = NewError("GROUP_EXISTS", "consumer group already exists", http.StatusConflict)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so sentinel comparisons survive WithCause/WithDetail copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	switch e.Code {
	case ErrValidation.Code, ErrNotFound.Code, ErrMalformedEnvelope.Code, ErrGroupCapacityExceeded.Code, ErrGroupExists.Code:
		return false
	}
	return true
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	switch e.Code {
	case ErrValidation.Code, ErrNotFound.Code, ErrGroupCapacityExceeded.Code:
		return true
	}
	return false
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

// Transport wraps a failed store call with the operation, stream key and shard it targeted.
func Transport(op, stream, shard string, cause error) *Error {
	return ErrTransport.WithCause(cause).
		WithDetail("operation", op).
		WithDetail("stream", stream).
		WithDetail("shard", shard)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsTransport(err error) bool {
	return hasCode(err, ErrTransport.Code)
}

func IsMalformedEnvelope(err error) bool {
	return hasCode(err, ErrMalformedEnvelope.Code)
}

func IsUnhandledMessageType(err error) bool {
	return hasCode(err, ErrUnhandledMessageType.Code)
}

func IsCorrelationTimeout(err error) bool {
	return hasCode(err, ErrCorrelationTimeout.Code)
}

func IsCorrelationCancelled(err error) bool {
	return hasCode(err, ErrCorrelationCancelled.Code)
}

func IsGroupCapacityExceeded(err error) bool {
	return hasCode(err, ErrGroupCapacityExceeded.Code)
}

func IsRemote(err error) bool {
	return hasCode(err, ErrRemote.Code)
}

func IsGroupExists(err error) bool {
	return hasCode(err, ErrGroupExists.Code)
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		// If it's not our error type, wrap it
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
