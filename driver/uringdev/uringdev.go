//go:build linux

// Package uringdev implements the device contract over io_uring. One
// ring serves each hardware queue, so submissions from different queues
// ride independent submission rings and completions are harvested
// without blocking.
package uringdev

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	"github.com/blkio-dev/iohammer/driver"
)

const alignment = 4096

// Options configures an io_uring device.
type Options struct {
	// Path of the backing file or block device (required)
	Path string

	// QueueCount is the number of rings to create (default 4)
	QueueCount int

	// QueueSize is the number of entries per ring (default 64)
	QueueSize int

	// BlockSize in bytes (default 4096, must be a power of two)
	BlockSize int

	// Size creates or truncates a regular file to this many bytes; zero
	// keeps the existing size
	Size int64

	// Direct opens the file with O_DIRECT
	Direct bool

	// MaxBlocksPerIO caps one transfer (default 64)
	MaxBlocksPerIO uint32
}

func (o *Options) applyDefaults() {
	if o.QueueCount == 0 {
		o.QueueCount = 4
	}
	if o.QueueSize == 0 {
		o.QueueSize = 64
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.MaxBlocksPerIO == 0 {
		o.MaxBlocksPerIO = 64
	}
}

type request struct {
	ring   *iouring.IOURing
	fd     int
	write  bool
	buf    []byte
	offset uint64
	moved  int

	ch    chan iouring.Result
	done  atomic.Bool
	final driver.Completion
}

// advance records a CQE transfer count and reports whether the request
// has moved its full length.
func (r *request) advance(n int) bool {
	r.moved += n
	return r.moved >= len(r.buf)
}

// prep builds the SQE for whatever part of the transfer is still
// outstanding.
func (r *request) prep() iouring.PrepRequest {
	off := r.offset + uint64(r.moved)
	if r.write {
		return iouring.Pwrite(r.fd, r.buf[r.moved:], off)
	}
	return iouring.Pread(r.fd, r.buf[r.moved:], off)
}

func (r *request) finish(c driver.Completion) driver.Completion {
	r.final = c
	r.done.Store(true)
	return c
}

// Device is an io_uring backed driver.Device.
type Device struct {
	fd     int
	info   driver.Info
	direct bool
	rings  []*iouring.IOURing
	closed atomic.Bool
}

// Open opens the backing file and creates one ring per queue.
func Open(opts Options) (*Device, error) {
	opts.applyDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("uringdev: Path is required")
	}
	if opts.BlockSize&(opts.BlockSize-1) != 0 {
		return nil, fmt.Errorf("uringdev: block size %d not a power of two", opts.BlockSize)
	}

	flags := unix.O_RDWR
	if opts.Size > 0 {
		flags |= unix.O_CREAT
	}
	if opts.Direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(opts.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("uringdev: open %s: %w", opts.Path, err)
	}

	if opts.Size > 0 {
		if err := unix.Ftruncate(fd, opts.Size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("uringdev: truncate %s to %d: %w", opts.Path, opts.Size, err)
		}
	}

	size, err := deviceSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uringdev: size of %s: %w", opts.Path, err)
	}
	if size < int64(opts.BlockSize) {
		unix.Close(fd)
		return nil, fmt.Errorf("uringdev: %s smaller than one block", opts.Path)
	}

	physPageBlocks := uint32(1)
	if opts.Direct && opts.BlockSize < alignment {
		physPageBlocks = uint32(alignment / opts.BlockSize)
	}

	d := &Device{
		fd:     fd,
		direct: opts.Direct,
		info: driver.Info{
			Name:           opts.Path,
			QueueCount:     opts.QueueCount,
			QueueSize:      opts.QueueSize,
			BlockSize:      opts.BlockSize,
			BlockCount:     uint64(size) / uint64(opts.BlockSize),
			MaxBlocksPerIO: opts.MaxBlocksPerIO,
			PhysPageBlocks: physPageBlocks,
		},
		rings: make([]*iouring.IOURing, opts.QueueCount),
	}

	for q := range d.rings {
		ring, err := iouring.New(uint(opts.QueueSize))
		if err != nil {
			for _, r := range d.rings[:q] {
				r.Close()
			}
			unix.Close(fd)
			return nil, fmt.Errorf("uringdev: create ring %d: %w", q, err)
		}
		d.rings[q] = ring
	}
	return d, nil
}

func deviceSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			return 0, err
		}
		return int64(size), nil
	}
	return st.Size, nil
}

// Info implements the driver.Device interface
func (d *Device) Info() driver.Info {
	return d.info
}

// Alloc implements the driver.Device interface. Buffers are page-aligned
// so they remain valid for O_DIRECT transfers.
func (d *Device) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("uringdev: invalid buffer size %d", size)
	}
	raw := make([]byte, size+alignment)
	shift := alignedShift(raw)
	return raw[shift : shift+size : shift+size], nil
}

// Free implements the driver.Device interface
func (d *Device) Free(buf []byte) error {
	return nil
}

// SubmitRead implements the driver.Device interface
func (d *Device) SubmitRead(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	return d.submit(queue, buf, lba, blocks, false)
}

// SubmitWrite implements the driver.Device interface
func (d *Device) SubmitWrite(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	return d.submit(queue, buf, lba, blocks, true)
}

func (d *Device) submit(queue int, buf []byte, lba uint64, blocks uint32, write bool) (driver.Request, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("uringdev: device closed")
	}
	if queue < 0 || queue >= len(d.rings) {
		return nil, fmt.Errorf("uringdev: queue %d out of range", queue)
	}
	if blocks == 0 || blocks > d.info.MaxBlocksPerIO {
		return nil, fmt.Errorf("uringdev: invalid transfer size %d", blocks)
	}
	if lba+uint64(blocks) > d.info.BlockCount {
		return nil, fmt.Errorf("uringdev: range %#x+%d beyond device end", lba, blocks)
	}
	length := int(blocks) * d.info.BlockSize
	if len(buf) < length {
		return nil, fmt.Errorf("uringdev: buffer too small for %d blocks", blocks)
	}

	req := &request{
		ring:   d.rings[queue],
		fd:     d.fd,
		write:  write,
		buf:    buf[:length],
		offset: lba * uint64(d.info.BlockSize),
		ch:     make(chan iouring.Result, 1),
	}
	if _, err := req.ring.SubmitRequest(req.prep(), req.ch); err != nil {
		return nil, fmt.Errorf("uringdev: submit on queue %d: %w", queue, err)
	}
	return req, nil
}

// Poll implements the driver.Device interface. Buffered files may
// complete a CQE short of the requested length; the remainder is
// resubmitted transparently and the request stays pending until every
// byte has moved.
func (d *Device) Poll(r driver.Request, hint time.Duration) driver.Completion {
	req := r.(*request)
	if req.done.Load() {
		return req.final
	}

	var res iouring.Result
	if hint > 0 {
		select {
		case res = <-req.ch:
		case <-time.After(hint):
			return driver.Completion{Status: driver.StatusPending}
		}
	} else {
		select {
		case res = <-req.ch:
		default:
			return driver.Completion{Status: driver.StatusPending}
		}
	}

	n, err := res.ReturnInt()
	if err != nil {
		code := int(unix.EIO)
		if errno, ok := err.(unix.Errno); ok {
			code = int(errno)
		}
		return req.finish(driver.Completion{Status: driver.StatusError, Code: code})
	}
	if n <= 0 {
		// A zero-length CQE on a sized transfer is an unexpected end of
		// file, not progress.
		return req.finish(driver.Completion{Status: driver.StatusError, Code: int(unix.EIO)})
	}
	if !req.advance(n) {
		if _, err := req.ring.SubmitRequest(req.prep(), req.ch); err != nil {
			return req.finish(driver.Completion{Status: driver.StatusError, Code: int(unix.EIO)})
		}
		return driver.Completion{Status: driver.StatusPending}
	}
	return req.finish(driver.Completion{Status: driver.StatusComplete})
}

// Close implements the driver.Device interface
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	var firstErr error
	for _, ring := range d.rings {
		if err := ring.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func alignedShift(raw []byte) int {
	rem := int(uintptr(unsafe.Pointer(&raw[0])) & (alignment - 1))
	if rem == 0 {
		return 0
	}
	return alignment - rem
}

// Compile-time interface check
var _ driver.Device = (*Device)(nil)
