// Package sched implements the submission/completion scheduler that keeps
// the slot grid saturated.
//
// One goroutine owns the whole run: it scans the queues×depth grid in
// row-major, wrap-around order, submitting new requests into free slots
// and polling submitted ones without blocking. A pending poll moves the
// scan to the next queue rather than spinning on a stalled one, so forward
// progress is attempted on some queue every iteration. A data mismatch
// degrades the run to a bounded drain: nothing new is submitted, blocks
// never issued are abandoned, and outstanding hardware I/O completes
// cleanly.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/blkio-dev/iohammer/driver"
	"github.com/blkio-dev/iohammer/internal/constants"
	"github.com/blkio-dev/iohammer/internal/dump"
	"github.com/blkio-dev/iohammer/internal/pattern"
	"github.com/blkio-dev/iohammer/internal/slot"
)

// Logger is the narrow logging surface the scheduler needs.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Observer receives scheduling events for metrics collection.
type Observer interface {
	ObserveSubmit(write bool, blocks uint32, bytes uint64)
	ObserveComplete(write bool, blocks uint32, bytes uint64, latencyNs uint64)
	ObservePending()
	ObserveMismatch()
}

// Config describes one run. The caller owns device open/close and buffer
// allocation; every slot in Grid must already carry a buffer of at least
// BlocksPerIO blocks.
type Config struct {
	Device  driver.Device
	Grid    *slot.Grid
	Pattern *pattern.Pattern
	Dumper  *dump.Dumper // nil disables progress dumps

	Write     bool
	Prefilled bool // write buffers already hold the fixed pattern

	StartLBA    uint64
	BlockCount  uint64
	BlocksPerIO uint32

	DumpInterval time.Duration
	StallTimeout time.Duration

	Logger   Logger
	Observer Observer
}

// Result summarizes a finished run.
type Result struct {
	Mismatches      int
	Mismatch        *pattern.Mismatch
	CompletedBlocks uint64
	AbandonedBlocks uint64
}

// DeviceError is a fatal device-reported completion failure.
type DeviceError struct {
	Queue  int
	LBA    uint64
	Blocks uint32
	Code   int
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %#x on q%d lba=%#x nlb=%d", e.Code, e.Queue, e.LBA, e.Blocks)
}

// SubmitError is a fatal submission failure.
type SubmitError struct {
	Queue  int
	LBA    uint64
	Blocks uint32
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit q%d lba=%#x nlb=%d failed: %v", e.Queue, e.LBA, e.Blocks, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// StallError reports that no successful completion was observed for longer
// than the configured stall timeout; the device is treated as hung.
type StallError struct {
	LBA    uint64
	Blocks uint32
	Waited time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("no completion for %v waiting on lba=%#x nlb=%d", e.Waited, e.LBA, e.Blocks)
}

// run tracks the mutable state of one grid scan.
type run struct {
	cfg       Config
	blockSize int

	submitRemaining   uint64
	completeRemaining uint64
	nextLBA           uint64

	dumpBudget int
	lastDump   time.Time
	// lastComplete refreshes only on successful completions, never on
	// submissions: the timeout exists to catch a hung device, not a slow one.
	lastComplete time.Time

	submittedAt []time.Time

	res Result
}

// Run drives the grid until every requested block is accounted for, either
// completed or abandoned during a mismatch drain. A cancelled context is a
// fatal abort, as is any submission failure, device error, or stall.
func Run(ctx context.Context, cfg Config) (Result, error) {
	r := &run{
		cfg:               cfg,
		blockSize:         cfg.Device.Info().BlockSize,
		submitRemaining:   cfg.BlockCount,
		completeRemaining: cfg.BlockCount,
		nextLBA:           cfg.StartLBA,
		lastDump:          time.Now(),
		lastComplete:      time.Now(),
		submittedAt:       make([]time.Time, cfg.Grid.Len()),
	}
	if cfg.Dumper != nil && cfg.DumpInterval > 0 {
		r.dumpBudget = constants.DumpBudgetOnStart
	}

	queues, depth := cfg.Grid.Queues(), cfg.Grid.Depth()
	q, d := 0, 0

	for r.completeRemaining > 0 {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}

		s := cfg.Grid.Slot(q, d)

		if s.State() == slot.Free {
			if r.submitRemaining > 0 {
				if r.res.Mismatches == 0 {
					if err := r.submit(s); err != nil {
						return r.res, err
					}
				} else {
					// A mismatch stops new submissions. The blocks that
					// were never issued are abandoned, not completed, so
					// the drain can terminate.
					r.res.AbandonedBlocks += r.submitRemaining
					r.completeRemaining -= r.submitRemaining
					r.submitRemaining = 0
				}
			}
			if d++; d >= depth {
				d = 0
				if q++; q >= queues {
					q = 0
				}
			}
			continue
		}

		// The completion invalidates the request handle, so capture the
		// slot's binding before polling.
		buf, lba, blocks := s.Buf, s.LBA(), s.Blocks()

		switch c := cfg.Device.Poll(s.Request(), 0); c.Status {
		case driver.StatusPending:
			if cfg.Observer != nil {
				cfg.Observer.ObservePending()
			}
			if cfg.StallTimeout > 0 {
				if waited := time.Since(r.lastComplete); waited > cfg.StallTimeout {
					return r.res, &StallError{LBA: lba, Blocks: blocks, Waited: waited}
				}
			}
			// Move on to another queue instead of spinning here.
			if q++; q >= queues {
				q = 0
			}

		case driver.StatusError:
			return r.res, &DeviceError{Queue: q, LBA: lba, Blocks: blocks, Code: c.Code}

		case driver.StatusComplete:
			r.complete(s, buf, lba, blocks)
			// The slot is free again; the same iteration of the scan may
			// submit straight back into it.
		}
	}

	return r.res, nil
}

// submit fills (for writes), dumps, and issues one request into a free slot.
func (r *run) submit(s *slot.Slot) error {
	cfg := r.cfg

	n := cfg.BlocksPerIO
	if uint64(n) > r.submitRemaining {
		n = uint32(r.submitRemaining)
	}
	lba := r.nextLBA
	buf := s.Buf[:int(n)*r.blockSize]

	var req driver.Request
	var err error
	if cfg.Write {
		if !cfg.Prefilled {
			cfg.Pattern.Fill(buf, lba, n)
		}
		r.dumpBlocks(buf, lba, n)
		if cfg.Logger != nil {
			cfg.Logger.Debugf("@W q%d.%d lba=%#x nlb=%d", s.Queue, s.Depth, lba, n)
		}
		req, err = cfg.Device.SubmitWrite(s.Queue, buf, lba, n)
	} else {
		if cfg.Logger != nil {
			cfg.Logger.Debugf("@R q%d.%d lba=%#x nlb=%d", s.Queue, s.Depth, lba, n)
		}
		req, err = cfg.Device.SubmitRead(s.Queue, buf, lba, n)
	}
	if err != nil {
		return &SubmitError{Queue: s.Queue, LBA: lba, Blocks: n, Err: err}
	}
	if err := s.Bind(req, lba, n); err != nil {
		return err
	}

	r.submittedAt[cfg.Grid.Index(s.Queue, s.Depth)] = time.Now()
	r.nextLBA += uint64(n)
	r.submitRemaining -= uint64(n)

	if cfg.Observer != nil {
		cfg.Observer.ObserveSubmit(cfg.Write, n, uint64(n)*uint64(r.blockSize))
	}
	return nil
}

// complete books one successful completion and, for reads, verifies the
// returned data unless a mismatch was already recorded.
func (r *run) complete(s *slot.Slot, buf []byte, lba uint64, blocks uint32) {
	cfg := r.cfg

	if cfg.Logger != nil {
		cfg.Logger.Debugf("@C q%d.%d lba=%#x nlb=%d", s.Queue, s.Depth, lba, blocks)
	}

	r.completeRemaining -= uint64(blocks)
	r.res.CompletedBlocks += uint64(blocks)

	if cfg.Observer != nil {
		lat := time.Since(r.submittedAt[cfg.Grid.Index(s.Queue, s.Depth)])
		cfg.Observer.ObserveComplete(cfg.Write, blocks, uint64(blocks)*uint64(r.blockSize), uint64(lat.Nanoseconds()))
	}

	s.Release()

	now := time.Now()
	r.lastComplete = now
	if cfg.DumpInterval > 0 && now.Sub(r.lastDump) > cfg.DumpInterval {
		r.lastDump = now
		r.dumpBudget++
	}

	if cfg.Write || r.res.Mismatches > 0 {
		return
	}

	r.dumpBlocks(buf[:int(blocks)*r.blockSize], lba, blocks)

	if mm := cfg.Pattern.Verify(buf[:int(blocks)*r.blockSize], lba, blocks); mm != nil {
		if cfg.Dumper != nil {
			off := int(mm.LBA-lba) * r.blockSize
			cfg.Dumper.Block(buf[off:off+r.blockSize], mm.LBA)
		}
		if cfg.Logger != nil {
			cfg.Logger.Printf("ERROR: data mismatch at LBA %#x offset %#x exp %#016x obs %#016x",
				mm.LBA, mm.Offset, mm.Expected, mm.Observed)
		}
		r.res.Mismatches++
		r.res.Mismatch = mm
		if cfg.Observer != nil {
			cfg.Observer.ObserveMismatch()
		}
	}
}

// dumpBlocks renders up to the remaining dump budget of blocks from buf.
func (r *run) dumpBlocks(buf []byte, lba uint64, blocks uint32) {
	if r.cfg.Dumper == nil || r.dumpBudget <= 0 {
		return
	}
	for b := uint32(0); b < blocks; b++ {
		r.cfg.Dumper.Block(buf[int(b)*r.blockSize:(int(b)+1)*r.blockSize], lba+uint64(b))
		r.dumpBudget--
		if r.dumpBudget == 0 {
			break
		}
	}
}
