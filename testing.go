package iohammer

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/blkio-dev/iohammer/driver"
)

// MockDevice provides an in-memory implementation of driver.Device for
// testing. It tracks method calls and offers fault injection hooks so
// tests can exercise error paths, pending polls, stalls, and data
// corruption without real hardware.
type MockDevice struct {
	info   driver.Info
	data   []byte
	closed bool

	// Fault injection (set before the run)
	pendingPolls int
	allocLimit   *int
	failSubmit   *uint64
	errorAt      *uint64
	errorCode    int
	hangAt       *uint64
	corruptAt    *uint64
	corruptWord  uint32

	// Method call tracking
	mu           sync.Mutex
	readSubmits  int
	writeSubmits int
	polls        int
	allocs       int
	frees        int
}

type mockRequest struct {
	write       bool
	buf         []byte
	lba         uint64
	blocks      uint32
	pendingLeft int
	hang        bool
	code        int
	done        bool
}

// NewMockDevice creates a mock device with the given geometry and zeroed
// backing storage.
func NewMockDevice(blockCount uint64, blockSize int) *MockDevice {
	return &MockDevice{
		info: driver.Info{
			Name:           "mock",
			QueueCount:     4,
			QueueSize:      64,
			BlockSize:      blockSize,
			BlockCount:     blockCount,
			MaxBlocksPerIO: 64,
			PhysPageBlocks: 1,
		},
		data: make([]byte, blockCount*uint64(blockSize)),
	}
}

// SetInfo overrides the advertised device geometry. The backing storage
// keeps its original size.
func (m *MockDevice) SetInfo(info driver.Info) {
	m.info = info
}

// SetPendingPolls makes every request report pending this many times
// before resolving.
func (m *MockDevice) SetPendingPolls(n int) {
	m.pendingPolls = n
}

// FailAllocAfter makes every Alloc call past the first n fail.
func (m *MockDevice) FailAllocAfter(n int) {
	m.allocLimit = &n
}

// FailSubmitAt makes any submission starting at lba return an error.
func (m *MockDevice) FailSubmitAt(lba uint64) {
	m.failSubmit = &lba
}

// ErrorAtLBA makes any request starting at lba complete with the given
// device error code.
func (m *MockDevice) ErrorAtLBA(lba uint64, code int) {
	m.errorAt = &lba
	m.errorCode = code
}

// HangAtLBA makes any request starting at lba report pending forever.
func (m *MockDevice) HangAtLBA(lba uint64) {
	m.hangAt = &lba
}

// CorruptWordAt flips one bit of the given word whenever a read covers
// lba, after the data is copied into the caller's buffer.
func (m *MockDevice) CorruptWordAt(lba uint64, word uint32) {
	m.corruptAt = &lba
	m.corruptWord = word
}

// Info implements the driver.Device interface
func (m *MockDevice) Info() driver.Info {
	return m.info
}

// Alloc implements the driver.Device interface
func (m *MockDevice) Alloc(size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("device closed")
	}
	if m.allocLimit != nil && m.allocs >= *m.allocLimit {
		return nil, fmt.Errorf("injected alloc failure")
	}
	m.allocs++
	return make([]byte, size), nil
}

// Free implements the driver.Device interface
func (m *MockDevice) Free(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frees++
	return nil
}

// SubmitRead implements the driver.Device interface
func (m *MockDevice) SubmitRead(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	return m.submit(queue, buf, lba, blocks, false)
}

// SubmitWrite implements the driver.Device interface
func (m *MockDevice) SubmitWrite(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	return m.submit(queue, buf, lba, blocks, true)
}

func (m *MockDevice) submit(queue int, buf []byte, lba uint64, blocks uint32, write bool) (driver.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("device closed")
	}
	if queue < 0 || queue >= m.info.QueueCount {
		return nil, fmt.Errorf("queue %d out of range", queue)
	}
	if lba+uint64(blocks) > m.info.BlockCount {
		return nil, fmt.Errorf("range %#x+%d beyond device end", lba, blocks)
	}

	if write {
		m.writeSubmits++
	} else {
		m.readSubmits++
	}

	if m.failSubmit != nil && *m.failSubmit == lba {
		return nil, fmt.Errorf("injected submit failure at lba %#x", lba)
	}

	req := &mockRequest{
		write:       write,
		buf:         buf,
		lba:         lba,
		blocks:      blocks,
		pendingLeft: m.pendingPolls,
	}
	if m.hangAt != nil && *m.hangAt == lba {
		req.hang = true
	}
	if m.errorAt != nil && *m.errorAt == lba {
		req.code = m.errorCode
	}
	return req, nil
}

// Poll implements the driver.Device interface
func (m *MockDevice) Poll(req driver.Request, hint time.Duration) driver.Completion {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	r := req.(*mockRequest)
	if r.done {
		panic("poll after terminal completion")
	}
	if r.hang {
		return driver.Completion{Status: driver.StatusPending}
	}
	if r.pendingLeft > 0 {
		r.pendingLeft--
		return driver.Completion{Status: driver.StatusPending}
	}
	r.done = true
	if r.code != 0 {
		return driver.Completion{Status: driver.StatusError, Code: r.code}
	}

	bs := uint64(m.info.BlockSize)
	off := r.lba * bs
	n := uint64(r.blocks) * bs
	if r.write {
		copy(m.data[off:off+n], r.buf[:n])
	} else {
		copy(r.buf[:n], m.data[off:off+n])
		if m.corruptAt != nil && *m.corruptAt >= r.lba && *m.corruptAt < r.lba+uint64(r.blocks) {
			woff := (*m.corruptAt-r.lba)*bs + uint64(m.corruptWord)*8
			w := binary.LittleEndian.Uint64(r.buf[woff:])
			binary.LittleEndian.PutUint64(r.buf[woff:], w^1)
		}
	}
	return driver.Completion{Status: driver.StatusComplete}
}

// Close implements the driver.Device interface
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Testing utility methods

// WriteBlocks stores raw data directly into the backing storage,
// bypassing the queue machinery.
func (m *MockDevice) WriteBlocks(lba uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := lba * uint64(m.info.BlockSize)
	copy(m.data[off:], data)
}

// ReadBlocks copies raw data out of the backing storage.
func (m *MockDevice) ReadBlocks(lba uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := lba * uint64(m.info.BlockSize)
	out := make([]byte, n*m.info.BlockSize)
	copy(out, m.data[off:])
	return out
}

// CallCounts returns the number of times each method has been called
func (m *MockDevice) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"submit_read":  m.readSubmits,
		"submit_write": m.writeSubmits,
		"poll":         m.polls,
		"alloc":        m.allocs,
		"free":         m.frees,
	}
}

// IsClosed returns true if the device has been closed
func (m *MockDevice) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time interface check
var _ driver.Device = (*MockDevice)(nil)
