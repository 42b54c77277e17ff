package iohammer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blkio-dev/iohammer/driver"
	"github.com/blkio-dev/iohammer/internal/constants"
)

// Direction selects whether a run writes the pattern or reads it back and
// verifies.
type Direction string

const (
	DirectionWrite Direction = "write"
	DirectionRead  Direction = "read"
)

// Job is the configuration of one exerciser run. It is immutable once the
// run starts.
//
// Zero values for BlockCount, BlocksPerIO, QueueCount and QueueDepth mean
// "use the device default": to the device end, the device transfer
// maximum, and the package defaults respectively; Normalize resolves them
// against the opened device before validation.
type Job struct {
	Direction  Direction
	StartLBA   uint64
	BlockCount uint64
	Pattern    uint64
	PatternInc uint64

	QueueCount  int
	QueueDepth  int
	BlocksPerIO uint32

	// DumpInterval enables periodic progress dumps of block contents;
	// zero disables them.
	DumpInterval time.Duration

	// StallTimeout bounds the wall-clock gap between two successful
	// completions; zero disables the check.
	StallTimeout time.Duration
}

// DefaultJob returns a job with the package defaults filled in.
func DefaultJob() Job {
	return Job{
		Direction:    DirectionWrite,
		QueueCount:   constants.DefaultQueueCount,
		QueueDepth:   constants.DefaultQueueDepth,
		StallTimeout: constants.DefaultStallTimeout,
	}
}

// jobFile is the YAML shape of a job file. Durations accept Go duration
// strings ("500ms", "2m") or bare integers meaning seconds.
type jobFile struct {
	Direction    string  `yaml:"direction"`
	StartLBA     uint64  `yaml:"start_lba"`
	BlockCount   uint64  `yaml:"block_count"`
	Pattern      uint64  `yaml:"pattern"`
	PatternInc   uint64  `yaml:"pattern_inc"`
	QueueCount   int     `yaml:"queue_count"`
	QueueDepth   int     `yaml:"queue_depth"`
	BlocksPerIO  uint32  `yaml:"blocks_per_io"`
	DumpInterval *string `yaml:"dump_interval"`
	StallTimeout *string `yaml:"stall_timeout"`
}

// LoadJob reads a YAML job file on top of the package defaults.
func LoadJob(path string) (Job, error) {
	job := DefaultJob()

	data, err := os.ReadFile(path)
	if err != nil {
		return job, WrapError("load job", err)
	}

	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return job, NewError("load job", ErrCodeInvalidParameters, err.Error())
	}

	if jf.Direction != "" {
		job.Direction = Direction(jf.Direction)
	}
	job.StartLBA = jf.StartLBA
	job.BlockCount = jf.BlockCount
	job.Pattern = jf.Pattern
	job.PatternInc = jf.PatternInc
	if jf.QueueCount != 0 {
		job.QueueCount = jf.QueueCount
	}
	if jf.QueueDepth != 0 {
		job.QueueDepth = jf.QueueDepth
	}
	job.BlocksPerIO = jf.BlocksPerIO

	if jf.DumpInterval != nil {
		d, err := parseDuration(*jf.DumpInterval)
		if err != nil {
			return job, NewError("load job", ErrCodeInvalidParameters,
				fmt.Sprintf("dump_interval: %v", err))
		}
		job.DumpInterval = d
	}
	if jf.StallTimeout != nil {
		d, err := parseDuration(*jf.StallTimeout)
		if err != nil {
			return job, NewError("load job", ErrCodeInvalidParameters,
				fmt.Sprintf("stall_timeout: %v", err))
		}
		job.StallTimeout = d
	}

	return job, nil
}

// parseDuration accepts a Go duration string or a bare integer in seconds.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Normalize resolves "use device default" zero values against the opened
// device. It is idempotent and called by Run before validation.
func (j *Job) Normalize(info driver.Info) {
	if j.QueueCount == 0 {
		j.QueueCount = constants.DefaultQueueCount
	}
	if j.QueueDepth == 0 {
		j.QueueDepth = constants.DefaultQueueDepth
	}
	if j.BlockCount == 0 && j.StartLBA <= info.BlockCount {
		j.BlockCount = info.BlockCount - j.StartLBA
	}
	if j.BlocksPerIO == 0 {
		j.BlocksPerIO = info.MaxBlocksPerIO
	}
}

// Validate checks the job against device limits. It runs before any I/O
// is issued; a non-nil result is a configuration error and the run never
// starts.
func (j Job) Validate(info driver.Info) error {
	switch j.Direction {
	case DirectionRead, DirectionWrite:
	default:
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("direction must be read or write, got %q", j.Direction))
	}

	if info.BlockSize <= 0 || info.BlockSize%constants.WordSize != 0 {
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("device block size %d is not a multiple of %d", info.BlockSize, constants.WordSize))
	}

	if j.StartLBA+j.BlockCount > info.BlockCount {
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("max block count is %#x", info.BlockCount))
	}

	if j.QueueCount < 1 || j.QueueCount > info.QueueCount {
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("max qcount=%d", info.QueueCount))
	}

	if j.QueueDepth < 1 || j.QueueDepth >= info.QueueSize {
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("max qdepth=%d", info.QueueSize-1))
	}

	if j.BlocksPerIO == 0 || j.BlocksPerIO > info.MaxBlocksPerIO ||
		(info.PhysPageBlocks > 0 && j.BlocksPerIO%info.PhysPageBlocks != 0) {
		return NewError("validate", ErrCodeInvalidParameters,
			fmt.Sprintf("invalid blocks per IO %d", j.BlocksPerIO))
	}

	return nil
}
