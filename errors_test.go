package iohammer

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	// Test basic error creation
	err := NewError("setup", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "setup" {
		t.Errorf("Expected Op=setup, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "iohammer: invalid queue depth (op=setup)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestQueueError(t *testing.T) {
	err := NewQueueError("poll", 3, 0x1000, 8, ErrCodeDeviceError, "device error 0x281")

	expected := "iohammer: device error 0x281 (op=poll queue=3 lba=0x1000 nlb=8)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOENT
	err := WrapError("open", inner)

	if err.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected Code=ErrCodeDeviceNotFound, got %s", err.Code)
	}

	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("open", nil) != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestWrapStructuredError(t *testing.T) {
	inner := NewQueueError("submit", 2, 0x40, 4, ErrCodeSubmitFailed, "queue full")
	err := WrapError("run", inner)

	if err.Op != "run" {
		t.Errorf("Expected Op=run, got %s", err.Op)
	}
	if err.Queue != 2 || err.LBA != 0x40 || err.Blocks != 4 {
		t.Errorf("Wrapping should preserve queue coordinates, got queue=%d lba=%#x nlb=%d",
			err.Queue, err.LBA, err.Blocks)
	}
	if err.Code != ErrCodeSubmitFailed {
		t.Errorf("Wrapping should preserve the code, got %s", err.Code)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("poll", ErrCodeStallTimeout, "no completion for 60s")

	if !IsCode(err, ErrCodeStallTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	// Test with nil error
	if IsCode(nil, ErrCodeStallTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	// Create error with errno via WrapError
	err := WrapError("read", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	// Test with nil error
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.ENXIO, ErrCodeDeviceNotFound},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.ENOMEM, ErrCodeAllocFailed},
		{syscall.ETIMEDOUT, ErrCodeStallTimeout},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
