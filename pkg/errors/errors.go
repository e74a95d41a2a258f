package errors

import (
	"errors"
	"fmt"
	"net/http"

	"stagelink/internal/core/domain"
)

// ErrorCode is the stable code surfaced to clients over HTTP and signaling.
type ErrorCode string

const (
	ErrCodeInvalidConfig            ErrorCode = "INVALID_CONFIG"
	ErrCodeRoomAtCapacity           ErrorCode = "ROOM_AT_CAPACITY"
	ErrCodeStreamerConflict         ErrorCode = "STREAMER_CONFLICT"
	ErrCodeIncompatibleCapabilities ErrorCode = "INCOMPATIBLE_CAPABILITIES"
	ErrCodeNotFound                 ErrorCode = "NOT_FOUND"
	ErrCodeTimeout                  ErrorCode = "TIMEOUT"
	ErrCodeEngineFailure            ErrorCode = "ENGINE_FAILURE"
	ErrCodeProtocolViolation        ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeUnauthorized             ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// AppError is an application error with a stable code and HTTP mapping.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

// FromDomain translates a domain sentinel into an AppError suitable for
// client delivery. Unknown errors map to INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidConfig):
		return Wrap(err, ErrCodeInvalidConfig, "invalid room configuration", http.StatusBadRequest)
	case errors.Is(err, domain.ErrRoomAtCapacity):
		return Wrap(err, ErrCodeRoomAtCapacity, "room is at viewer capacity", http.StatusConflict)
	case errors.Is(err, domain.ErrStreamerConflict):
		return Wrap(err, ErrCodeStreamerConflict, "room already has an active streamer", http.StatusConflict)
	case errors.Is(err, domain.ErrIncompatibleCapabilities):
		return Wrap(err, ErrCodeIncompatibleCapabilities, "receiver cannot decode producer format", http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrRoomNotFound):
		return Wrap(err, ErrCodeNotFound, "room not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionNotFound):
		return Wrap(err, ErrCodeNotFound, "session not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrHandleNotFound):
		return Wrap(err, ErrCodeNotFound, "media handle not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrTimeout):
		e := Wrap(err, ErrCodeTimeout, "media engine operation timed out", http.StatusGatewayTimeout)
		e.Retryable = true
		return e
	case errors.Is(err, domain.ErrEngineFailure):
		e := Wrap(err, ErrCodeEngineFailure, "media engine call failed", http.StatusBadGateway)
		e.Retryable = true
		return e
	case errors.Is(err, domain.ErrProtocolViolation):
		return Wrap(err, ErrCodeProtocolViolation, "message out of order or malformed", http.StatusBadRequest)
	default:
		return Wrap(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
