package cbdr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-cbdr/internal/dma"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

// Error represents a structured command ring error
type Error struct {
	Op     string    // Operation that failed (e.g., "OPEN", "UPDATE_RSS")
	Ring   int       // Ring ID (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Status uint16    // Device status (ErrCodeDeviceRejected only)
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Ring >= 0 {
		parts = append(parts, fmt.Sprintf("ring=%d", e.Ring))
	}

	if e.Code == ErrCodeDeviceRejected {
		parts = append(parts, fmt.Sprintf("status=0x%04x", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("cbdr: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("cbdr: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeAllocation      ErrorCode = "allocation failed"
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeRingFull        ErrorCode = "ring full"
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeDeviceRejected  ErrorCode = "device rejected command"
	ErrCodeClosed          ErrorCode = "ring closed"
	ErrCodeCanceled        ErrorCode = "canceled"
	ErrCodeIOError         ErrorCode = "I/O error"
)

// Sentinels for errors.Is
var (
	ErrAllocation      = &Error{Ring: -1, Code: ErrCodeAllocation}
	ErrInvalidArgument = &Error{Ring: -1, Code: ErrCodeInvalidArgument}
	ErrRingFull        = &Error{Ring: -1, Code: ErrCodeRingFull}
	ErrTimeout         = &Error{Ring: -1, Code: ErrCodeTimeout}
	ErrDeviceRejected  = &Error{Ring: -1, Code: ErrCodeDeviceRejected}
	ErrClosed          = &Error{Ring: -1, Code: ErrCodeClosed}
	ErrCanceled        = &Error{Ring: -1, Code: ErrCodeCanceled}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Ring: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewRingError creates a new ring-specific error
func NewRingError(op string, ringID int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Ring: ringID,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an error from the ring, codec or allocator layers
func WrapError(op string, ringID int, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ce *Error
	if errors.As(inner, &ce) {
		return &Error{
			Op:     op,
			Ring:   ringID,
			Code:   ce.Code,
			Status: ce.Status,
			Msg:    ce.Msg,
			Inner:  ce.Inner,
		}
	}

	e := &Error{
		Op:    op,
		Ring:  ringID,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
	var se *ring.StatusError
	if errors.As(inner, &se) {
		e.Status = se.Status
	}
	return e
}

// mapErrorToCode maps internal errors to error codes
func mapErrorToCode(err error) ErrorCode {
	var se *ring.StatusError
	switch {
	case errors.As(err, &se):
		return ErrCodeDeviceRejected
	case errors.Is(err, ring.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ring.ErrRingFull):
		return ErrCodeRingFull
	case errors.Is(err, ring.ErrClosed), errors.Is(err, dma.ErrPoolClosed):
		return ErrCodeClosed
	case errors.Is(err, ring.ErrAllocation), errors.Is(err, dma.ErrNoMemory):
		return ErrCodeAllocation
	case errors.Is(err, ntmp.ErrInvalidArgument),
		errors.Is(err, ring.ErrInvalidRequest),
		errors.Is(err, ring.ErrInvalidConfig),
		errors.Is(err, ring.ErrSlotIndex),
		errors.Is(err, dma.ErrInvalidSize):
		return ErrCodeInvalidArgument
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCanceled
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// StatusOf returns the device status carried by a rejected-command error
func StatusOf(err error) (uint16, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.Code == ErrCodeDeviceRejected {
		return ce.Status, true
	}
	var se *ring.StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
