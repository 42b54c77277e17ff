package iohammer

import "github.com/blkio-dev/iohammer/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueCount   = constants.DefaultQueueCount
	DefaultQueueDepth   = constants.DefaultQueueDepth
	DefaultStallTimeout = constants.DefaultStallTimeout
	WordSize            = constants.WordSize
)
