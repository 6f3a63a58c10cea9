package frame

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable identifier for protocol failures, used in logs and
// stats keys.
type ErrorCode uint16

const (
	ErrCodeUnknown ErrorCode = 0

	// stream desynchronization
	ErrCodeFrameTooLarge  ErrorCode = 1001
	ErrCodeBadLength      ErrorCode = 1002
	ErrCodeShortBody      ErrorCode = 1003
	ErrCodeNestingTooDeep ErrorCode = 1004

	// per message
	ErrCodeShortFrame      ErrorCode = 2001
	ErrCodeTruncatedNested ErrorCode = 2002
	ErrCodeShortMessage    ErrorCode = 2003
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeFrameTooLarge:
		return "frame_too_large"
	case ErrCodeBadLength:
		return "bad_length"
	case ErrCodeShortBody:
		return "short_body"
	case ErrCodeNestingTooDeep:
		return "nesting_too_deep"
	case ErrCodeTruncatedNested:
		return "truncated_nested"
	case ErrCodeShortFrame:
		return "short_frame"
	case ErrCodeShortMessage:
		return "short_message"
	default:
		return "unknown"
	}
}

// ProtocolError is the error type returned by the frame and dispatch layers.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("protocol error (%s)", e.Code)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Msg)
}

func NewError(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolError unwraps err looking for a *ProtocolError.
func IsProtocolError(err error) (*ProtocolError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsStreamCorruption reports whether err means the byte stream it came from
// can no longer be trusted to be aligned on frame boundaries.
func IsStreamCorruption(err error) bool {
	pe, ok := IsProtocolError(err)
	if !ok {
		return false
	}
	switch pe.Code {
	case ErrCodeFrameTooLarge, ErrCodeBadLength, ErrCodeShortBody, ErrCodeNestingTooDeep:
		return true
	}
	return false
}
