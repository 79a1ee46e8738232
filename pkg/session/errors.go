package session

import (
	"errors"
	"fmt"
)

// Error represents a session lifecycle error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes session errors.
type ErrorType string

const (
	// ErrCredentialUnavailable means issuance failed; fatal unless the
	// caller retries.
	ErrCredentialUnavailable ErrorType = "credential_unavailable"

	// ErrAuthRejected means the endpoint rejected the credential. The stored
	// credential is invalidated before the next connect attempt.
	ErrAuthRejected ErrorType = "auth_rejected"

	// ErrConnectionLost means the connection errored or closed abnormally;
	// it triggers bounded reconnection.
	ErrConnectionLost ErrorType = "connection_lost"

	// ErrSendFailed is a transient send failure; it does not tear down the
	// session.
	ErrSendFailed ErrorType = "send_failed"

	// ErrReconnectExhausted means the attempt cap was reached; the manager
	// moves to Closed.
	ErrReconnectExhausted ErrorType = "reconnect_exhausted"

	// ErrInvalidState means an operation was called in a state that does not
	// permit it.
	ErrInvalidState ErrorType = "invalid_state"
)

// NewCredentialUnavailableError creates a credential issuance error.
func NewCredentialUnavailableError(message string, underlying error) *Error {
	return &Error{Type: ErrCredentialUnavailable, Message: message, Err: underlying}
}

// NewAuthRejectedError creates an authentication rejection error.
func NewAuthRejectedError(message string) *Error {
	return &Error{Type: ErrAuthRejected, Message: message}
}

// NewConnectionLostError creates an abnormal disconnect error.
func NewConnectionLostError(message string, underlying error) *Error {
	return &Error{Type: ErrConnectionLost, Message: message, Err: underlying}
}

// NewSendFailedError creates a transient send failure error.
func NewSendFailedError(underlying error) *Error {
	return &Error{Type: ErrSendFailed, Message: "send failed", Err: underlying}
}

// NewReconnectExhaustedError creates an attempts-exhausted error.
func NewReconnectExhaustedError(attempts int, lastErr error) *Error {
	return &Error{
		Type:    ErrReconnectExhausted,
		Message: fmt.Sprintf("gave up after %d reconnect attempts", attempts),
		Err:     lastErr,
	}
}

// NewInvalidStateError creates an invalid state error.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// IsRetryable reports whether the manager retries this error locally.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrConnectionLost, ErrSendFailed, ErrAuthRejected:
		return true
	default:
		return false
	}
}

// IsAuthRejected reports whether err is an authentication rejection.
func IsAuthRejected(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == ErrAuthRejected
}
