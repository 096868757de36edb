package oplock

import "fmt"

// ============================================================================
// Error Codes
// ============================================================================

// ErrorCode classifies oplock errors.
type ErrorCode int

const (
	ErrCodeGrantDenied ErrorCode = iota + 1
	ErrCodeKeyCollision
	ErrCodeTargetClosing
	ErrCodeBreakAborted
	ErrCodeReconnectDenied
	ErrCodeInvalidTransition
	ErrCodeInvalidAck
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeGrantDenied:
		return "GrantDenied"
	case ErrCodeKeyCollision:
		return "KeyCollision"
	case ErrCodeTargetClosing:
		return "TargetClosing"
	case ErrCodeBreakAborted:
		return "BreakAborted"
	case ErrCodeReconnectDenied:
		return "ReconnectDenied"
	case ErrCodeInvalidTransition:
		return "InvalidTransition"
	case ErrCodeInvalidAck:
		return "InvalidAck"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error is the error type returned by the oplock package.
//
// errors.Is matches on Code. KeyCollision and TargetClosing errors also
// match ErrGrantDenied.
type Error struct {
	Code    ErrorCode
	Message string
	FileKey string
}

func (e *Error) Error() string {
	if e.FileKey != "" {
		return fmt.Sprintf("%s: %s (file %q)", e.Code, e.Message, e.FileKey)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is implements errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == ErrCodeGrantDenied &&
		(e.Code == ErrCodeKeyCollision || e.Code == ErrCodeTargetClosing)
}

// Sentinels for errors.Is.
var (
	ErrGrantDenied       = &Error{Code: ErrCodeGrantDenied, Message: "grant denied"}
	ErrKeyCollision      = &Error{Code: ErrCodeKeyCollision, Message: "lease key bound to another file"}
	ErrTargetClosing     = &Error{Code: ErrCodeTargetClosing, Message: "file is closing"}
	ErrBreakAborted      = &Error{Code: ErrCodeBreakAborted, Message: "record closed during break"}
	ErrReconnectDenied   = &Error{Code: ErrCodeReconnectDenied, Message: "durable reconnect denied"}
	ErrInvalidTransition = &Error{Code: ErrCodeInvalidTransition, Message: "invalid source level"}
	ErrInvalidAck        = &Error{Code: ErrCodeInvalidAck, Message: "invalid break acknowledgment"}
)

// ============================================================================
// Factories
// ============================================================================

// NewKeyCollisionError reports a lease key already bound to another file.
func NewKeyCollisionError(key LeaseKey, fileKey, boundTo string) *Error {
	return &Error{
		Code:    ErrCodeKeyCollision,
		Message: fmt.Sprintf("lease key %s is bound to %q", key, boundTo),
		FileKey: fileKey,
	}
}

// NewTargetClosingError reports a grant against a delete-pending or closing
// file.
func NewTargetClosingError(fileKey, why string) *Error {
	return &Error{
		Code:    ErrCodeTargetClosing,
		Message: why,
		FileKey: fileKey,
	}
}

// NewBreakAbortedError reports a downgrade whose record was closed.
func NewBreakAbortedError(fileKey string, t Transition) *Error {
	return &Error{
		Code:    ErrCodeBreakAborted,
		Message: fmt.Sprintf("%s aborted: record closing", t),
		FileKey: fileKey,
	}
}

// NewReconnectDeniedError reports a failed durable reconnect check.
func NewReconnectDeniedError(fileKey, reason string) *Error {
	return &Error{
		Code:    ErrCodeReconnectDenied,
		Message: reason,
		FileKey: fileKey,
	}
}

// NewInvalidTransitionError reports a transition whose source level does
// not match the record.
func NewInvalidTransitionError(fileKey string, t Transition, from string) *Error {
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("%s not valid from %s", t, from),
		FileKey: fileKey,
	}
}

// NewInvalidAckError reports an acknowledgment that matches no pending
// break or exceeds the break target.
func NewInvalidAckError(fileKey, reason string) *Error {
	return &Error{
		Code:    ErrCodeInvalidAck,
		Message: reason,
		FileKey: fileKey,
	}
}
