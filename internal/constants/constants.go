package constants

import "time"

// Default job configuration
const (
	// DefaultQueueCount is the default number of I/O queues driven per run
	DefaultQueueCount = 16

	// DefaultQueueDepth is the default number of outstanding requests per queue
	DefaultQueueDepth = 64

	// DefaultStallTimeout is the maximum wall-clock gap allowed between two
	// successful completions before the run is declared hung
	DefaultStallTimeout = 60 * time.Second
)

// Data layout constants
const (
	// WordSize is the pattern word width in bytes; block sizes must be a
	// multiple of it
	WordSize = 8

	// DumpRowBytes is the width of one rendered row in a block dump
	DumpRowBytes = 32

	// DumpBudgetOnStart is the number of block dumps granted up front when
	// a dump interval is configured: the entry block plus the boundary block
	DumpBudgetOnStart = 2
)
