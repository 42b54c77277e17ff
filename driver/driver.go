// Package driver defines the contract between the exerciser and a
// block-storage driver.
//
// The exerciser consumes a narrow capability set: open a device, learn its
// limits, allocate I/O buffers, submit asynchronous reads and writes to a
// hardware queue, and poll their completions without blocking. Driver
// implementations live in the subpackages (memdev, filedev, uringdev);
// external drivers only need to satisfy Device.
package driver

import "time"

// Info describes the capacity and limits granted by a driver at open time.
type Info struct {
	// Name identifies the device for diagnostics (path, PCI name, ...)
	Name string

	// QueueCount is the number of hardware queues available
	QueueCount int

	// QueueSize is the number of entries per queue; the usable depth for
	// outstanding requests is QueueSize-1
	QueueSize int

	// BlockSize is the logical block size in bytes
	BlockSize int

	// BlockCount is the number of addressable blocks
	BlockCount uint64

	// MaxBlocksPerIO is the largest contiguous transfer one request may carry
	MaxBlocksPerIO uint32

	// PhysPageBlocks is the block granularity of one physical page;
	// transfer sizes must be a multiple of it
	PhysPageBlocks uint32
}

// Status is the outcome variant of a non-blocking poll.
type Status int

const (
	// StatusPending means the request has not completed yet
	StatusPending Status = iota

	// StatusComplete means the request finished successfully
	StatusComplete

	// StatusError means the device failed the request
	StatusError
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Completion is the result of polling a request. Code is a device-specific
// error code, meaningful only when Status is StatusError.
type Completion struct {
	Status Status
	Code   int
}

// Request is an opaque handle for one in-flight request. It becomes
// invalid the moment Poll reports StatusComplete or StatusError, so
// callers must capture everything they need from their own bookkeeping
// before polling.
type Request interface{}

// Device is the capability set consumed by the exerciser.
//
// Submitted buffers are lent to the device for the lifetime of one
// request; the device must not retain them past the poll that reports the
// request complete or failed. Poll must never block beyond the given hint
// (a zero hint means return immediately).
type Device interface {
	// Info reports the device's capacity and limits.
	Info() Info

	// Alloc returns an I/O buffer of the given byte size, suitable for
	// passing to SubmitRead/SubmitWrite on this device.
	Alloc(size int) ([]byte, error)

	// Free releases a buffer obtained from Alloc.
	Free(buf []byte) error

	// SubmitRead queues one read of blocks logical blocks starting at lba
	// on the given hardware queue. The data lands in buf.
	SubmitRead(queue int, buf []byte, lba uint64, blocks uint32) (Request, error)

	// SubmitWrite queues one write of blocks logical blocks starting at
	// lba on the given hardware queue, sourced from buf.
	SubmitWrite(queue int, buf []byte, lba uint64, blocks uint32) (Request, error)

	// Poll checks one request without blocking beyond hint.
	Poll(req Request, hint time.Duration) Completion

	// Close releases the device.
	Close() error
}
