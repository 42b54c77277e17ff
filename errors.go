package iohammer

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured exerciser error with device coordinates
// and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "submit", "poll", "alloc")
	Queue  int           // Hardware queue (-1 if not applicable)
	LBA    uint64        // Start LBA of the offending request (if any)
	Blocks uint32        // Block count of the offending request (if any)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Blocks > 0 {
		parts = append(parts, fmt.Sprintf("lba=%#x", e.LBA))
		parts = append(parts, fmt.Sprintf("nlb=%d", e.Blocks))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("iohammer: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("iohammer: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeAllocFailed       ErrorCode = "allocation failed"
	ErrCodeSubmitFailed      ErrorCode = "submission failed"
	ErrCodeDeviceError       ErrorCode = "device error"
	ErrCodeStallTimeout      ErrorCode = "stall timeout"
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates an error pinned to a queue and request range
func NewQueueError(op string, queue int, lba uint64, blocks uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Queue:  queue,
		LBA:    lba,
		Blocks: blocks,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with exerciser context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ie, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Queue:  ie.Queue,
			LBA:    ie.LBA,
			Blocks: ie.Blocks,
			Code:   ie.Code,
			Errno:  ie.Errno,
			Msg:    ie.Msg,
			Inner:  ie.Inner,
		}
	}

	// Map common syscall errors to exerciser error codes
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to exerciser error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENXIO, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EINVAL, syscall.E2BIG, syscall.ERANGE:
		return ErrCodeInvalidParameters
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeAllocFailed
	case syscall.ETIMEDOUT:
		return ErrCodeStallTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
