package sched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blkio-dev/iohammer/driver"
	"github.com/blkio-dev/iohammer/internal/dump"
	"github.com/blkio-dev/iohammer/internal/pattern"
	"github.com/blkio-dev/iohammer/internal/slot"
)

// fakeDevice is a synchronous in-memory device with fault hooks.
type fakeDevice struct {
	info driver.Info
	data []byte

	pendingPolls int           // polls each request reports pending before resolving
	delay        time.Duration // wall-clock time each request stays pending
	failSubmitAt *uint64       // submissions at this LBA fail
	errorAt      *uint64       // requests at this LBA complete with a device error
	hangAt       *uint64       // requests at this LBA never complete
	slowAt       *uint64       // the request at this LBA takes slowDelay instead of delay
	slowDelay    time.Duration

	readSubmits  int
	writeSubmits int
	pendingSeen  int
	slowHeld     time.Duration // how long the slow request stayed outstanding
}

type fakeRequest struct {
	write     bool
	buf       []byte
	lba       uint64
	blocks    uint32
	pending   int
	hang      bool
	slow      bool
	errCode   int
	done      bool
	submitted time.Time
	readyAt   time.Time
}

func newFakeDevice(blockCount uint64, blockSize int) *fakeDevice {
	return &fakeDevice{
		info: driver.Info{
			Name:           "fake",
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

func (f *fakeDevice) Info() driver.Info { return f.info }

func (f *fakeDevice) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }

func (f *fakeDevice) Free(buf []byte) error { return nil }

func (f *fakeDevice) SubmitRead(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	f.readSubmits++
	return f.submit(buf, lba, blocks, false)
}

func (f *fakeDevice) SubmitWrite(queue int, buf []byte, lba uint64, blocks uint32) (driver.Request, error) {
	f.writeSubmits++
	return f.submit(buf, lba, blocks, true)
}

func (f *fakeDevice) submit(buf []byte, lba uint64, blocks uint32, write bool) (driver.Request, error) {
	if f.failSubmitAt != nil && *f.failSubmitAt == lba {
		return nil, fmt.Errorf("injected submit failure")
	}
	now := time.Now()
	req := &fakeRequest{
		write: write, buf: buf, lba: lba, blocks: blocks,
		pending: f.pendingPolls, submitted: now,
	}
	if f.delay > 0 {
		req.readyAt = now.Add(f.delay)
	}
	if f.slowAt != nil && *f.slowAt == lba {
		req.slow = true
		req.readyAt = now.Add(f.slowDelay)
	}
	if f.hangAt != nil && *f.hangAt == lba {
		req.hang = true
	}
	if f.errorAt != nil && *f.errorAt == lba {
		req.errCode = 0x281
	}
	return req, nil
}

func (f *fakeDevice) Poll(r driver.Request, hint time.Duration) driver.Completion {
	req := r.(*fakeRequest)
	if req.done {
		panic("poll after terminal completion")
	}
	if req.hang {
		f.pendingSeen++
		return driver.Completion{Status: driver.StatusPending}
	}
	if req.pending > 0 {
		req.pending--
		f.pendingSeen++
		return driver.Completion{Status: driver.StatusPending}
	}
	if !req.readyAt.IsZero() && time.Now().Before(req.readyAt) {
		f.pendingSeen++
		return driver.Completion{Status: driver.StatusPending}
	}
	req.done = true
	if req.slow {
		f.slowHeld = time.Since(req.submitted)
	}
	if req.errCode != 0 {
		return driver.Completion{Status: driver.StatusError, Code: req.errCode}
	}
	bs := uint64(f.info.BlockSize)
	off := req.lba * bs
	n := uint64(req.blocks) * bs
	if req.write {
		copy(f.data[off:off+n], req.buf[:n])
	} else {
		copy(req.buf[:n], f.data[off:off+n])
	}
	return driver.Completion{Status: driver.StatusComplete}
}

func (f *fakeDevice) Close() error { return nil }

// countingObserver tallies scheduling events.
type countingObserver struct {
	submits, completes, pendings, mismatches int
	submittedBlocks, completedBlocks         uint64
}

func (o *countingObserver) ObserveSubmit(write bool, blocks uint32, bytes uint64) {
	o.submits++
	o.submittedBlocks += uint64(blocks)
}

func (o *countingObserver) ObserveComplete(write bool, blocks uint32, bytes uint64, latencyNs uint64) {
	o.completes++
	o.completedBlocks += uint64(blocks)
}

func (o *countingObserver) ObservePending()  { o.pendings++ }
func (o *countingObserver) ObserveMismatch() { o.mismatches++ }

func newTestGrid(t *testing.T, queues, depth int, bufBytes int) *slot.Grid {
	t.Helper()
	g := slot.NewGrid(queues, depth)
	bufs := make([][]byte, g.Len())
	for i := range bufs {
		bufs[i] = make([]byte, bufBytes)
	}
	if err := g.AttachBuffers(bufs); err != nil {
		t.Fatalf("AttachBuffers failed: %v", err)
	}
	return g
}

const testBlockSize = 512

func TestWriteRunCompletesAllBlocks(t *testing.T) {
	dev := newFakeDevice(256, testBlockSize)
	pat := pattern.New(0xABCD, 1, 0, testBlockSize)
	grid := newTestGrid(t, 2, 4, 8*testBlockSize)
	obs := &countingObserver{}

	// 100 is not a multiple of 8, so the last request is short
	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  100,
		BlocksPerIO: 8,
		Observer:    obs,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.CompletedBlocks != 100 || res.AbandonedBlocks != 0 || res.Mismatches != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if dev.writeSubmits != 13 {
		t.Errorf("expected 13 write submissions (12x8 + 1x4), got %d", dev.writeSubmits)
	}
	if obs.submits != 13 || obs.completes != 13 {
		t.Errorf("observer saw %d submits and %d completes, want 13 each", obs.submits, obs.completes)
	}
	if obs.completedBlocks != 100 {
		t.Errorf("observer booked %d blocks, want 100", obs.completedBlocks)
	}

	// Every block reached the device with its per-LBA value
	if mm := pat.Verify(dev.data[:100*testBlockSize], 0, 100); mm != nil {
		t.Errorf("device data wrong at lba=%#x: expected %#x, observed %#x", mm.LBA, mm.Expected, mm.Observed)
	}
}

func TestReadRunVerifiesCleanData(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(0x11, 0x10, 4, testBlockSize)
	pat.Fill(dev.data[4*testBlockSize:], 4, 40)

	grid := newTestGrid(t, 2, 2, 4*testBlockSize)

	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		StartLBA:    4,
		BlockCount:  40,
		BlocksPerIO: 4,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Mismatches != 0 || res.CompletedBlocks != 40 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMismatchStopsSubmissionAndDrains(t *testing.T) {
	dev := newFakeDevice(1024, testBlockSize)
	pat := pattern.New(0, 1, 0, testBlockSize)
	pat.Fill(dev.data, 0, 1024)

	// Corrupt one word deep in the first request's range
	dev.data[2*testBlockSize] ^= 0xFF

	grid := newTestGrid(t, 1, 2, 8*testBlockSize)
	obs := &countingObserver{}

	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		StartLBA:    0,
		BlockCount:  1024,
		BlocksPerIO: 8,
		Observer:    obs,
	})
	if err != nil {
		t.Fatalf("a mismatch is not a fatal error: %v", err)
	}

	if res.Mismatches != 1 {
		t.Fatalf("expected 1 mismatch, got %d", res.Mismatches)
	}
	if res.Mismatch == nil || res.Mismatch.LBA != 2 || res.Mismatch.Offset != 0 {
		t.Errorf("unexpected mismatch location: %+v", res.Mismatch)
	}
	if res.AbandonedBlocks == 0 {
		t.Error("expected unsubmitted blocks to be abandoned")
	}
	if res.CompletedBlocks+res.AbandonedBlocks != 1024 {
		t.Errorf("blocks unaccounted for: completed=%d abandoned=%d",
			res.CompletedBlocks, res.AbandonedBlocks)
	}
	// Submission stopped well short of the full range
	if dev.readSubmits >= 1024/8 {
		t.Errorf("submission did not stop after the mismatch: %d reads", dev.readSubmits)
	}
	if obs.mismatches != 1 {
		t.Errorf("observer saw %d mismatches, want 1", obs.mismatches)
	}
}

func TestVerificationStopsAfterFirstMismatch(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(0, 1, 0, testBlockSize)
	pat.Fill(dev.data, 0, 64)

	// Corrupt two separate request ranges
	dev.data[0] ^= 0xFF
	dev.data[32*testBlockSize] ^= 0xFF

	grid := newTestGrid(t, 1, 1, 8*testBlockSize)

	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 8,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Mismatches != 1 {
		t.Errorf("later corruption should not be verified, got %d mismatches", res.Mismatches)
	}
	if res.Mismatch.LBA != 0 {
		t.Errorf("expected the first mismatch at lba 0, got %#x", res.Mismatch.LBA)
	}
}

func TestPendingPollsAreObserved(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	dev.pendingPolls = 2
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, 4*testBlockSize)
	obs := &countingObserver{}

	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 4,
		Observer:    obs,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.CompletedBlocks != 64 {
		t.Errorf("expected 64 completed blocks, got %d", res.CompletedBlocks)
	}
	if obs.pendings == 0 {
		t.Error("expected pending polls to be observed")
	}
	if obs.pendings != dev.pendingSeen {
		t.Errorf("observer saw %d pendings, device reported %d", obs.pendings, dev.pendingSeen)
	}
}

func TestStallTimeout(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	hang := uint64(8)
	dev.hangAt = &hang
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, 8*testBlockSize)

	_, err := Run(context.Background(), Config{
		Device:       dev,
		Grid:         grid,
		Pattern:      pat,
		Write:        true,
		StartLBA:     0,
		BlockCount:   64,
		BlocksPerIO:  8,
		StallTimeout: 5 * time.Millisecond,
	})

	var stall *StallError
	if !errors.As(err, &stall) {
		t.Fatalf("expected a stall error, got %v", err)
	}
	if stall.LBA != 8 {
		t.Errorf("expected the stall pinned to lba 8, got %#x", stall.LBA)
	}
	if stall.Waited < 5*time.Millisecond {
		t.Errorf("stall reported too early: %v", stall.Waited)
	}
}

func TestCompletionsElsewhereSuppressStall(t *testing.T) {
	// One request stays outstanding far longer than the timeout while the
	// other slots keep completing. The timeout watches the gap between
	// successful completions, not the age of any single request, so the
	// run must finish cleanly.
	dev := newFakeDevice(1024, testBlockSize)
	dev.delay = time.Millisecond
	slow := uint64(4)
	dev.slowAt = &slow
	dev.slowDelay = 200 * time.Millisecond

	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, testBlockSize)

	res, err := Run(context.Background(), Config{
		Device:       dev,
		Grid:         grid,
		Pattern:      pat,
		Write:        true,
		StartLBA:     0,
		BlockCount:   1024,
		BlocksPerIO:  1,
		StallTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run aborted despite steady completions: %v", err)
	}
	if res.CompletedBlocks != 1024 {
		t.Errorf("expected 1024 completed blocks, got %d", res.CompletedBlocks)
	}
	if dev.slowHeld <= 100*time.Millisecond {
		t.Fatalf("slow request resolved in %v, too fast to exercise the timeout", dev.slowHeld)
	}
}

func TestDeviceErrorIsFatal(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	bad := uint64(16)
	dev.errorAt = &bad
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, 8*testBlockSize)

	_, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 8,
	})

	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected a device error, got %v", err)
	}
	if de.LBA != 16 || de.Code != 0x281 {
		t.Errorf("unexpected device error: %+v", de)
	}
}

func TestSubmitFailureIsFatal(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	bad := uint64(24)
	dev.failSubmitAt = &bad
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, 8*testBlockSize)

	_, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 8,
	})

	var se *SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("expected a submit error, got %v", err)
	}
	if se.LBA != 24 {
		t.Errorf("expected the failure pinned to lba 24, got %#x", se.LBA)
	}
	if se.Unwrap() == nil {
		t.Error("expected the driver error to be wrapped")
	}
}

func TestContextCancelAborts(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	hang := uint64(0)
	dev.hangAt = &hang
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 1, 1, 8*testBlockSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 8,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the context error, got %v", err)
	}
}

func TestZeroBlocksIsANoOp(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(7, 0, 0, testBlockSize)
	grid := newTestGrid(t, 2, 2, 8*testBlockSize)

	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Write:       true,
		StartLBA:    0,
		BlockCount:  0,
		BlocksPerIO: 8,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.CompletedBlocks != 0 || dev.writeSubmits != 0 {
		t.Errorf("expected no work, got %+v with %d submits", res, dev.writeSubmits)
	}
}

func TestDumpBudgetAtStart(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(0xAA, 1, 0, testBlockSize)
	grid := newTestGrid(t, 1, 1, testBlockSize)

	var out bytes.Buffer
	_, err := Run(context.Background(), Config{
		Device:       dev,
		Grid:         grid,
		Pattern:      pat,
		Dumper:       dump.New(&out, testBlockSize),
		Write:        true,
		StartLBA:     0,
		BlockCount:   16,
		BlocksPerIO:  1,
		DumpInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The initial budget covers exactly two blocks; the interval never
	// elapses so no more are granted.
	headers := strings.Count(out.String(), "===== LBA")
	if headers != 2 {
		t.Errorf("expected 2 dumped blocks, got %d:\n%s", headers, out.String())
	}
}

func TestDumpIntervalZeroDisablesProgressDumps(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(0xAA, 1, 0, testBlockSize)
	grid := newTestGrid(t, 1, 1, testBlockSize)

	var out bytes.Buffer
	_, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Dumper:      dump.New(&out, testBlockSize),
		Write:       true,
		StartLBA:    0,
		BlockCount:  16,
		BlocksPerIO: 1,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no dumps, got:\n%s", out.String())
	}
}

func TestMismatchBlockAlwaysDumped(t *testing.T) {
	dev := newFakeDevice(64, testBlockSize)
	pat := pattern.New(0, 1, 0, testBlockSize)
	pat.Fill(dev.data, 0, 64)
	dev.data[5*testBlockSize+16] ^= 0xFF

	grid := newTestGrid(t, 1, 1, 8*testBlockSize)

	var out bytes.Buffer
	res, err := Run(context.Background(), Config{
		Device:      dev,
		Grid:        grid,
		Pattern:     pat,
		Dumper:      dump.New(&out, testBlockSize),
		StartLBA:    0,
		BlockCount:  64,
		BlocksPerIO: 8,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Mismatches != 1 {
		t.Fatalf("expected 1 mismatch, got %d", res.Mismatches)
	}

	// No progress dumps were enabled, yet the offending block is rendered
	if !strings.Contains(out.String(), "===== LBA 0x5 =====") {
		t.Errorf("expected a dump of the offending block:\n%s", out.String())
	}
	if strings.Count(out.String(), "===== LBA") != 1 {
		t.Errorf("expected only the offending block:\n%s", out.String())
	}
}
