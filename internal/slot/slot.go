// Package slot owns the fixed grid of I/O slots the scheduler drives.
//
// A slot pairs one pre-allocated buffer with at most one in-flight
// request. The grid is a queues×depth arena with stable row-major indices;
// lookups never allocate.
package slot

import (
	"fmt"

	"github.com/blkio-dev/iohammer/driver"
)

// State is the lifecycle position of a slot.
type State int

const (
	// Free means the slot holds no request and may be submitted into
	Free State = iota

	// Submitted means the slot's request is in flight
	Submitted
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Submitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Slot is one cell of the grid. Buf is attached once at run setup and
// belongs to the slot for the whole run.
type Slot struct {
	Queue int
	Depth int
	Buf   []byte

	state  State
	req    driver.Request
	lba    uint64
	blocks uint32
}

// State returns the slot's lifecycle state.
func (s *Slot) State() State { return s.state }

// Request returns the in-flight request handle, nil when Free.
func (s *Slot) Request() driver.Request { return s.req }

// LBA returns the start LBA of the bound request.
func (s *Slot) LBA() uint64 { return s.lba }

// Blocks returns the block count of the bound request.
func (s *Slot) Blocks() uint32 { return s.blocks }

// Bind transitions the slot Free→Submitted. Binding a non-free slot is a
// scheduler bug, reported as an error so the run can abort instead of
// double-submitting.
func (s *Slot) Bind(req driver.Request, lba uint64, blocks uint32) error {
	if s.state != Free {
		return fmt.Errorf("slot q%d.%d: bind while %s", s.Queue, s.Depth, s.state)
	}
	s.state = Submitted
	s.req = req
	s.lba = lba
	s.blocks = blocks
	return nil
}

// Release returns the slot to Free after its completion was observed.
func (s *Slot) Release() {
	s.state = Free
	s.req = nil
	s.lba = 0
	s.blocks = 0
}

// Grid is the fixed queues×depth slot arena.
type Grid struct {
	queues int
	depth  int
	slots  []Slot
}

// NewGrid creates a grid of queues×depth free slots.
func NewGrid(queues, depth int) *Grid {
	g := &Grid{
		queues: queues,
		depth:  depth,
		slots:  make([]Slot, queues*depth),
	}
	for q := 0; q < queues; q++ {
		for d := 0; d < depth; d++ {
			s := g.Slot(q, d)
			s.Queue = q
			s.Depth = d
		}
	}
	return g
}

// Slot is a pure grid lookup; it never allocates.
func (g *Grid) Slot(queue, depth int) *Slot {
	return &g.slots[queue*g.depth+depth]
}

// Index returns the row-major index of a slot, stable for the grid's lifetime.
func (g *Grid) Index(queue, depth int) int {
	return queue*g.depth + depth
}

// Queues returns the queue dimension of the grid.
func (g *Grid) Queues() int { return g.queues }

// Depth returns the depth dimension of the grid.
func (g *Grid) Depth() int { return g.depth }

// Len returns the total slot count.
func (g *Grid) Len() int { return len(g.slots) }

// AttachBuffers binds one pre-allocated buffer to each slot in row-major
// order. len(bufs) must equal Len().
func (g *Grid) AttachBuffers(bufs [][]byte) error {
	if len(bufs) != len(g.slots) {
		return fmt.Errorf("grid: %d buffers for %d slots", len(bufs), len(g.slots))
	}
	for i := range g.slots {
		g.slots[i].Buf = bufs[i]
	}
	return nil
}
