package core

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionUnavailable = errors.New("session is no longer open")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotParticipant     = errors.New("not a participant of this session")
	ErrChannelClosed      = errors.New("signal channel closed")
)

type MediaErrorReason string

const (
	MediaPermissionDenied MediaErrorReason = "permission-denied"
	MediaNoDevice         MediaErrorReason = "no-device"
	MediaOther            MediaErrorReason = "other"
)

// MediaAccessError is returned when local capture cannot be acquired.
type MediaAccessError struct {
	Reason MediaErrorReason
	Err    error
}

func (e *MediaAccessError) Error() string {
	switch e.Reason {
	case MediaPermissionDenied:
		return "Camera/mic permission denied. Please allow access and try again."
	case MediaNoDevice:
		return "No camera or microphone found on this device."
	}
	if e.Err != nil {
		return fmt.Sprintf("Could not access camera/microphone: %v", e.Err)
	}
	return "Could not access camera/microphone."
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// Wire codes for store errors crossing the HTTP API.
var errorCodes = []struct {
	code string
	err  error
}{
	{"session_not_found", ErrSessionNotFound},
	{"session_unavailable", ErrSessionUnavailable},
	{"invalid_transition", ErrInvalidTransition},
	{"not_participant", ErrNotParticipant},
}

// ErrorCode returns the wire code of a known error, or "".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// ErrorFromCode maps a wire code back to its sentinel, or nil.
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
