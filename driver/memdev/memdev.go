// Package memdev implements an in-memory block device with real
// asynchronous completion semantics. Each hardware queue is served by its
// own worker goroutine, so submissions genuinely complete out of band and
// polls observe pending states, which makes memdev useful both as a test
// double and as a traffic baseline with no hardware in the path.
package memdev

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blkio-dev/iohammer/driver"
)

// Options configures a memory device.
type Options struct {
	// Name for diagnostics (default "memdev")
	Name string

	// QueueCount is the number of hardware queues (default 4)
	QueueCount int

	// QueueSize is the number of entries per queue (default 64)
	QueueSize int

	// BlockSize in bytes (default 4096)
	BlockSize int

	// BlockCount is the device capacity in blocks (required)
	BlockCount uint64

	// MaxBlocksPerIO caps one transfer (default 64)
	MaxBlocksPerIO uint32

	// PhysPageBlocks is the transfer granularity (default 1)
	PhysPageBlocks uint32

	// CompletionDelay is how long each request sits in the queue before
	// its data moves, to exercise pending polls (default 0)
	CompletionDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "memdev"
	}
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
	if o.PhysPageBlocks == 0 {
		o.PhysPageBlocks = 1
	}
}

type request struct {
	write  bool
	buf    []byte
	lba    uint64
	blocks uint32

	// 0 = pending, 1 = complete, negative = error code
	state atomic.Int64
}

// Device is an in-memory driver.Device.
type Device struct {
	opts   Options
	info   driver.Info
	data   []byte
	queues []chan *request

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// New creates a memory device and starts its queue workers.
func New(opts Options) (*Device, error) {
	opts.applyDefaults()
	if opts.BlockCount == 0 {
		return nil, fmt.Errorf("memdev: BlockCount is required")
	}
	if opts.BlockSize%8 != 0 {
		return nil, fmt.Errorf("memdev: block size %d not a multiple of 8", opts.BlockSize)
	}

	d := &Device{
		opts: opts,
		info: driver.Info{
			Name:           opts.Name,
			QueueCount:     opts.QueueCount,
			QueueSize:      opts.QueueSize,
			BlockSize:      opts.BlockSize,
			BlockCount:     opts.BlockCount,
			MaxBlocksPerIO: opts.MaxBlocksPerIO,
			PhysPageBlocks: opts.PhysPageBlocks,
		},
		data:   make([]byte, opts.BlockCount*uint64(opts.BlockSize)),
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

// serve completes requests for one queue in submission order.
func (d *Device) serve(ctx context.Context, ch chan *request) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-ch:
			if d.opts.CompletionDelay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d.opts.CompletionDelay):
				}
			}
			d.complete(req)
		}
	}
}

func (d *Device) complete(req *request) {
	bs := uint64(d.info.BlockSize)
	off := req.lba * bs
	n := uint64(req.blocks) * bs
	if req.write {
		copy(d.data[off:off+n], req.buf[:n])
	} else {
		copy(req.buf[:n], d.data[off:off+n])
	}
	req.state.Store(1)
}

// Info implements the driver.Device interface
func (d *Device) Info() driver.Info {
	return d.info
}

// Alloc implements the driver.Device interface
func (d *Device) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memdev: invalid buffer size %d", size)
	}
	return make([]byte, size), nil
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
		return nil, fmt.Errorf("memdev: device closed")
	}
	if queue < 0 || queue >= len(d.queues) {
		return nil, fmt.Errorf("memdev: queue %d out of range", queue)
	}
	if blocks == 0 || blocks > d.info.MaxBlocksPerIO {
		return nil, fmt.Errorf("memdev: invalid transfer size %d", blocks)
	}
	if lba+uint64(blocks) > d.info.BlockCount {
		return nil, fmt.Errorf("memdev: range %#x+%d beyond device end", lba, blocks)
	}
	if uint64(len(buf)) < uint64(blocks)*uint64(d.info.BlockSize) {
		return nil, fmt.Errorf("memdev: buffer too small for %d blocks", blocks)
	}

	req := &request{write: write, buf: buf, lba: lba, blocks: blocks}
	select {
	case d.queues[queue] <- req:
		return req, nil
	default:
		return nil, fmt.Errorf("memdev: queue %d full", queue)
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
		return err
	}
	d.data = nil
	return nil
}

// Compile-time interface check
var _ driver.Device = (*Device)(nil)
