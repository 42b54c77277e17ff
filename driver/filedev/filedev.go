// Package filedev implements the device contract on top of a regular
// file or a kernel block device, using positioned reads and writes. Each
// hardware queue is emulated by a worker goroutine issuing pread/pwrite,
// so completions arrive asynchronously like on real queued hardware.
package filedev

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/blkio-dev/iohammer/driver"
)

const alignment = 4096

// Options configures a file-backed device.
type Options struct {
	// Path of the backing file or block device (required)
	Path string

	// QueueCount is the number of emulated queues (default 4)
	QueueCount int

	// QueueSize is the number of entries per queue (default 64)
	QueueSize int

	// BlockSize in bytes (default 4096, must be a power of two)
	BlockSize int

	// Size creates or truncates a regular file to this many bytes; zero
	// keeps the existing size
	Size int64

	// Direct opens the file with O_DIRECT and hands out page-aligned
	// buffers
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
	write  bool
	buf    []byte
	offset int64
	length int

	// 0 = pending, 1 = complete, negative = -errno
	state atomic.Int64
}

// Device is a file-backed driver.Device.
type Device struct {
	fd     int
	info   driver.Info
	direct bool
	queues []chan *request

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// Open opens or creates the backing file and starts the queue workers.
func Open(opts Options) (*Device, error) {
	opts.applyDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("filedev: Path is required")
	}
	if opts.BlockSize&(opts.BlockSize-1) != 0 {
		return nil, fmt.Errorf("filedev: block size %d not a power of two", opts.BlockSize)
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
		return nil, fmt.Errorf("filedev: open %s: %w", opts.Path, err)
	}

	if opts.Size > 0 {
		if err := unix.Ftruncate(fd, opts.Size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("filedev: truncate %s to %d: %w", opts.Path, opts.Size, err)
		}
	}

	size, err := deviceSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("filedev: size of %s: %w", opts.Path, err)
	}
	if size < int64(opts.BlockSize) {
		unix.Close(fd)
		return nil, fmt.Errorf("filedev: %s smaller than one block", opts.Path)
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
		queues: make([]chan *request, opts.QueueCount),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, ctx = errgroup.WithContext(ctx)
	for q := range d.queues {
		d.queues[q] = make(chan *request, opts.QueueSize-1)
		ch := d.queues[q]
		d.group.Go(func() error {
			return d.serve(ctx, ch)
		})
	}
	return d, nil
}

// deviceSize works for both regular files and block devices.
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

func (d *Device) serve(ctx context.Context, ch chan *request) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-ch:
			d.complete(req)
		}
	}
}

func (d *Device) complete(req *request) {
	buf := req.buf[:req.length]
	var (
		done int
		err  error
	)
	for done < req.length && err == nil {
		var n int
		if req.write {
			n, err = unix.Pwrite(d.fd, buf[done:], req.offset+int64(done))
		} else {
			n, err = unix.Pread(d.fd, buf[done:], req.offset+int64(done))
		}
		if err == unix.EINTR {
			err = nil
			continue
		}
		if n == 0 && err == nil {
			err = unix.EIO
		}
		done += n
	}
	if err != nil {
		errno, ok := err.(unix.Errno)
		if !ok {
			errno = unix.EIO
		}
		req.state.Store(-int64(errno))
		return
	}
	req.state.Store(1)
}

// Info implements the driver.Device interface
func (d *Device) Info() driver.Info {
	return d.info
}

// Alloc implements the driver.Device interface. In direct mode buffers
// are aligned to the page size, as O_DIRECT requires.
func (d *Device) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("filedev: invalid buffer size %d", size)
	}
	if !d.direct {
		return make([]byte, size), nil
	}
	raw := make([]byte, size+alignment)
	shift := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (alignment - 1)); rem != 0 {
		shift = alignment - rem
	}
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
		return nil, fmt.Errorf("filedev: device closed")
	}
	if queue < 0 || queue >= len(d.queues) {
		return nil, fmt.Errorf("filedev: queue %d out of range", queue)
	}
	if blocks == 0 || blocks > d.info.MaxBlocksPerIO {
		return nil, fmt.Errorf("filedev: invalid transfer size %d", blocks)
	}
	if lba+uint64(blocks) > d.info.BlockCount {
		return nil, fmt.Errorf("filedev: range %#x+%d beyond device end", lba, blocks)
	}
	length := int(blocks) * d.info.BlockSize
	if len(buf) < length {
		return nil, fmt.Errorf("filedev: buffer too small for %d blocks", blocks)
	}

	req := &request{
		write:  write,
		buf:    buf,
		offset: int64(lba) * int64(d.info.BlockSize),
		length: length,
	}
	select {
	case d.queues[queue] <- req:
		return req, nil
	default:
		return nil, fmt.Errorf("filedev: queue %d full", queue)
	}
}

// Poll implements the driver.Device interface
func (d *Device) Poll(r driver.Request, hint time.Duration) driver.Completion {
	req := r.(*request)
	state := req.state.Load()
	if state == 0 && hint > 0 {
		deadline := time.Now().Add(hint)
		for state == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Microsecond)
			state = req.state.Load()
		}
	}
	switch {
	case state == 0:
		return driver.Completion{Status: driver.StatusPending}
	case state < 0:
		return driver.Completion{Status: driver.StatusError, Code: int(-state)}
	default:
		return driver.Completion{Status: driver.StatusComplete}
	}
}

// Close implements the driver.Device interface
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.cancel()
	if err := d.group.Wait(); err != nil {
		unix.Close(d.fd)
		return err
	}
	return unix.Close(d.fd)
}

// Compile-time interface check
var _ driver.Device = (*Device)(nil)
