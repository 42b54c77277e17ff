// Package iohammer drives sustained asynchronous read or write traffic
// across the hardware queues of a block device and, for reads, verifies
// the returned data against an expected pattern.
package iohammer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/blkio-dev/iohammer/driver"
	"github.com/blkio-dev/iohammer/internal/dump"
	"github.com/blkio-dev/iohammer/internal/logging"
	"github.com/blkio-dev/iohammer/internal/pattern"
	"github.com/blkio-dev/iohammer/internal/sched"
	"github.com/blkio-dev/iohammer/internal/slot"
)

// Logger is the minimal logging surface the run loop uses.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Mismatch describes the first data verification failure of a run.
type Mismatch struct {
	LBA      uint64 // block containing the bad word
	Offset   uint64 // byte offset of the word within its block
	Expected uint64
	Observed uint64
}

// Report summarizes a completed run.
type Report struct {
	RunID   uuid.UUID
	Job     Job
	Device  driver.Info
	Elapsed time.Duration

	// Mismatches is the number of recorded verification failures: zero or
	// one, since the first mismatch stops verification for the rest of
	// the run.
	Mismatches int
	Mismatch   *Mismatch

	CompletedBlocks uint64
	AbandonedBlocks uint64

	Metrics MetricsSnapshot
}

// Options contains optional run collaborators.
type Options struct {
	// Logger for progress and debug messages (if nil, the default
	// structured logger is used)
	Logger Logger

	// Observer for metrics collection (if nil, the report's built-in
	// metrics are recorded)
	Observer Observer

	// DumpWriter receives progress and mismatch block dumps
	// (if nil, os.Stdout)
	DumpWriter io.Writer
}

// Run drives one job against an already-open device until every requested
// block is accounted for.
//
// The returned error is nil even when data mismatches were recorded; the
// mismatch count lives in the report. A non-nil error means the run
// aborted: invalid configuration, allocation failure, submission failure,
// device error, or stall timeout.
func Run(ctx context.Context, dev driver.Device, job Job, options *Options) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}

	start := time.Now()
	info := dev.Info()

	job.Normalize(info)
	if err := job.Validate(info); err != nil {
		return nil, err
	}

	runID := uuid.New()
	log := logging.Default().WithRun(runID.String())
	log.Info("starting run",
		"device", info.Name,
		"direction", string(job.Direction),
		"queues", fmt.Sprintf("%d/%d", job.QueueCount, info.QueueCount),
		"depth", fmt.Sprintf("%d/%d", job.QueueDepth, info.QueueSize-1),
		"blocks", job.BlockCount,
		"block_size", info.BlockSize,
		"blocks_per_io", fmt.Sprintf("%d/%d", job.BlocksPerIO, info.MaxBlocksPerIO),
		"lba_first", job.StartLBA,
		"pattern", fmt.Sprintf("%#x", job.Pattern),
		"pattern_inc", fmt.Sprintf("%#x", job.PatternInc))

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	var runLogger Logger = log
	if options.Logger != nil {
		runLogger = options.Logger
	}

	// Allocate one buffer per slot up front; the slot pool owns them for
	// the whole run.
	grid := slot.NewGrid(job.QueueCount, job.QueueDepth)
	bufSize := int(job.BlocksPerIO) * info.BlockSize
	bufs := make([][]byte, 0, grid.Len())
	freeBufs := func() {
		for _, b := range bufs {
			dev.Free(b)
		}
	}
	for i := 0; i < grid.Len(); i++ {
		b, err := dev.Alloc(bufSize)
		if err != nil {
			log.WithSlot(i/job.QueueDepth, i%job.QueueDepth).WithError(err).
				Error("buffer allocation failed", "bytes", bufSize)
			freeBufs()
			return nil, &Error{
				Op:    "alloc",
				Queue: -1,
				Code:  ErrCodeAllocFailed,
				Msg:   fmt.Sprintf("alloc %#x bytes: %v", bufSize, err),
				Inner: err,
			}
		}
		bufs = append(bufs, b)
	}
	defer freeBufs()
	if err := grid.AttachBuffers(bufs); err != nil {
		return nil, NewError("setup", ErrCodeInvalidParameters, err.Error())
	}

	pat := pattern.New(job.Pattern, job.PatternInc, job.StartLBA, info.BlockSize)

	// A fixed pattern never changes per LBA, so fill every buffer once and
	// skip the per-submission fill.
	prefilled := false
	if job.Direction == DirectionWrite && job.PatternInc == 0 {
		for _, b := range bufs {
			pat.Fill(b, job.StartLBA, job.BlocksPerIO)
		}
		prefilled = true
	}

	dumpWriter := options.DumpWriter
	if dumpWriter == nil {
		dumpWriter = os.Stdout
	}

	res, err := sched.Run(ctx, sched.Config{
		Device:       dev,
		Grid:         grid,
		Pattern:      pat,
		Dumper:       dump.New(dumpWriter, info.BlockSize),
		Write:        job.Direction == DirectionWrite,
		Prefilled:    prefilled,
		StartLBA:     job.StartLBA,
		BlockCount:   job.BlockCount,
		BlocksPerIO:  job.BlocksPerIO,
		DumpInterval: job.DumpInterval,
		StallTimeout: job.StallTimeout,
		Logger:       runLogger,
		Observer:     observer,
	})
	metrics.Stop()
	if err != nil {
		return nil, classifyRunError(err)
	}

	report := &Report{
		RunID:           runID,
		Job:             job,
		Device:          info,
		Elapsed:         time.Since(start),
		Mismatches:      res.Mismatches,
		CompletedBlocks: res.CompletedBlocks,
		AbandonedBlocks: res.AbandonedBlocks,
		Metrics:         metrics.Snapshot(),
	}
	if res.Mismatch != nil {
		report.Mismatch = &Mismatch{
			LBA:      res.Mismatch.LBA,
			Offset:   res.Mismatch.Offset,
			Expected: res.Mismatch.Expected,
			Observed: res.Mismatch.Observed,
		}
		log.WithLBA(res.Mismatch.LBA).Warn("data mismatch recorded",
			"offset", fmt.Sprintf("%#x", res.Mismatch.Offset),
			"expected", fmt.Sprintf("%#016x", res.Mismatch.Expected),
			"observed", fmt.Sprintf("%#016x", res.Mismatch.Observed))
	}

	log.Info("run complete",
		"elapsed", report.Elapsed,
		"completed_blocks", report.CompletedBlocks,
		"abandoned_blocks", report.AbandonedBlocks,
		"mismatches", report.Mismatches)

	return report, nil
}

// classifyRunError maps scheduler failures onto the structured error
// taxonomy.
func classifyRunError(err error) error {
	var de *sched.DeviceError
	if errors.As(err, &de) {
		e := NewQueueError("poll", de.Queue, de.LBA, de.Blocks, ErrCodeDeviceError,
			fmt.Sprintf("device error %#x", de.Code))
		e.Inner = err
		return e
	}

	var se *sched.SubmitError
	if errors.As(err, &se) {
		e := NewQueueError("submit", se.Queue, se.LBA, se.Blocks, ErrCodeSubmitFailed, se.Err.Error())
		e.Inner = err
		return e
	}

	var ste *sched.StallError
	if errors.As(err, &ste) {
		e := NewQueueError("poll", -1, ste.LBA, ste.Blocks, ErrCodeStallTimeout,
			fmt.Sprintf("no completion for %v", ste.Waited))
		e.Inner = err
		return e
	}

	return WrapError("run", err)
}
