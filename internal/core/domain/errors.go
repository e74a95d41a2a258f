package domain

import "errors"

var (
	ErrInvalidConfig            = errors.New("invalid room configuration")
	ErrRoomAtCapacity           = errors.New("room at viewer capacity")
	ErrStreamerConflict         = errors.New("room already has an active streamer")
	ErrIncompatibleCapabilities = errors.New("receiver capabilities cannot decode producer format")
	ErrRoomNotFound             = errors.New("room not found")
	ErrSessionNotFound          = errors.New("session not found")
	ErrHandleNotFound           = errors.New("media handle not found")
	ErrTimeout                  = errors.New("media engine operation timed out")
	ErrEngineFailure            = errors.New("media engine call failed")
	ErrProtocolViolation        = errors.New("signaling message out of order or malformed")
)

// Retryable reports whether a client may retry the same request after this
// error. Validation and conflict errors are final for that request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrEngineFailure)
}
