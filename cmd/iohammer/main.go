// Command iohammer drives asynchronous multi-queue write or read-verify
// traffic against a block device and reports data integrity mismatches
// through its exit status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blkio-dev/iohammer"
	"github.com/blkio-dev/iohammer/driver"
	"github.com/blkio-dev/iohammer/driver/filedev"
	"github.com/blkio-dev/iohammer/driver/memdev"
	"github.com/blkio-dev/iohammer/driver/uringdev"
	"github.com/blkio-dev/iohammer/internal/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] PATTERN [DEVICE]

Writes a 64-bit PATTERN across DEVICE, or reads it back and verifies.
PATTERN accepts decimal or 0x-prefixed hex. DEVICE is a file or block
device path; the mem driver needs no device argument.

The exit status is the number of data mismatches found (0 = clean),
or 1 on a fatal error.

Options:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		write      = flag.Bool("w", false, "Write the pattern (default is read and verify)")
		read       = flag.Bool("r", false, "Read and verify the pattern")
		patternInc = flag.String("i", "0", "Per-block pattern increment (0 = fixed pattern)")
		startLBA   = flag.String("a", "0", "Starting logical block address")
		blockCount = flag.String("n", "0", "Number of blocks to process (0 = to device end)")
		queues     = flag.Int("q", 0, "Number of queues to drive (0 = default)")
		depth      = flag.Int("d", 0, "Outstanding requests per queue (0 = default)")
		maxBlocks  = flag.Uint("m", 0, "Blocks per I/O (0 = device maximum)")
		dumpSecs   = flag.Int("p", 0, "Dump block contents every N seconds (0 = off)")
		stallSecs  = flag.Int("t", 60, "Abort when no completion arrives for N seconds (0 = off)")
		configPath = flag.String("config", "", "YAML job file (flags override its values)")
		driverName = flag.String("driver", "file", "Device driver: mem, file, or uring")
		sizeStr    = flag.String("size", "", "Create or truncate the device to this size (e.g., 64M, 1G)")
		blockSize  = flag.Int("bs", 4096, "Logical block size in bytes")
		direct     = flag.Bool("direct", false, "Open the device with O_DIRECT")
		verbose    = flag.Bool("v", false, "Verbose output")
		logJSON    = flag.Bool("log-json", false, "Emit logs as JSON")
	)
	flag.Usage = usage
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if *logJSON {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	job := iohammer.DefaultJob()
	if *configPath != "" {
		var err error
		job, err = iohammer.LoadJob(*configPath)
		if err != nil {
			fatalf("load %s: %v", *configPath, err)
		}
	}

	if *write && *read {
		fatalf("-w and -r are mutually exclusive")
	}
	switch {
	case *write:
		job.Direction = iohammer.DirectionWrite
	case *read:
		job.Direction = iohammer.DirectionRead
	case *configPath == "":
		job.Direction = iohammer.DirectionRead
	}

	args := flag.Args()
	if len(args) < 1 && *configPath == "" {
		usage()
		os.Exit(1)
	}
	if len(args) >= 1 {
		pattern, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fatalf("invalid pattern %q: %v", args[0], err)
		}
		job.Pattern = pattern
	}

	job.PatternInc = parseU64Flag("pattern increment", *patternInc)
	job.StartLBA = parseU64Flag("start LBA", *startLBA)
	job.BlockCount = parseU64Flag("block count", *blockCount)
	if *queues != 0 {
		job.QueueCount = *queues
	}
	if *depth != 0 {
		job.QueueDepth = *depth
	}
	if *maxBlocks != 0 {
		job.BlocksPerIO = uint32(*maxBlocks)
	}

	// Only explicitly-set flags override the job file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			job.DumpInterval = time.Duration(*dumpSecs) * time.Second
		case "t":
			job.StallTimeout = time.Duration(*stallSecs) * time.Second
		}
	})

	var size int64
	if *sizeStr != "" {
		var err error
		size, err = parseSize(*sizeStr)
		if err != nil {
			fatalf("invalid size %q: %v", *sizeStr, err)
		}
	}

	devPath := ""
	if len(args) >= 2 {
		devPath = args[1]
	}

	dev, err := openDevice(*driverName, devPath, size, *blockSize, *direct, job)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := iohammer.Run(ctx, dev, job, nil)
	dev.Close()
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	printReport(report)
	os.Exit(report.Mismatches)
}

func openDevice(name, path string, size int64, blockSize int, direct bool, job iohammer.Job) (driver.Device, error) {
	switch name {
	case "mem":
		blockCount := uint64(size) / uint64(blockSize)
		if blockCount == 0 {
			blockCount = 16 * 1024
		}
		return memdev.New(memdev.Options{
			QueueCount: job.QueueCount,
			QueueSize:  job.QueueDepth + 1,
			BlockSize:  blockSize,
			BlockCount: blockCount,
		})
	case "file":
		if path == "" {
			return nil, fmt.Errorf("the file driver needs a device path")
		}
		return filedev.Open(filedev.Options{
			Path:       path,
			QueueCount: job.QueueCount,
			QueueSize:  job.QueueDepth + 1,
			BlockSize:  blockSize,
			Size:       size,
			Direct:     direct,
		})
	case "uring":
		if path == "" {
			return nil, fmt.Errorf("the uring driver needs a device path")
		}
		return uringdev.Open(uringdev.Options{
			Path:       path,
			QueueCount: job.QueueCount,
			QueueSize:  job.QueueDepth + 1,
			BlockSize:  blockSize,
			Size:       size,
			Direct:     direct,
		})
	default:
		return nil, fmt.Errorf("unknown driver %q (want mem, file, or uring)", name)
	}
}

func printReport(r *iohammer.Report) {
	m := r.Metrics
	fmt.Printf("%s %s: %d blocks in %v",
		r.Device.Name, r.Job.Direction, r.CompletedBlocks, r.Elapsed.Round(time.Millisecond))
	if r.AbandonedBlocks > 0 {
		fmt.Printf(" (%d abandoned)", r.AbandonedBlocks)
	}
	fmt.Println()
	iops := m.ReadIOPS + m.WriteIOPS
	bw := m.ReadBandwidth + m.WriteBandwidth
	fmt.Printf("  %.0f IOPS, %s/s, latency p50=%v p99=%v\n",
		iops, formatSize(int64(bw)),
		time.Duration(m.LatencyP50Ns), time.Duration(m.LatencyP99Ns))

	if r.Mismatches > 0 {
		fmt.Printf("FAILED: %d mismatch(es), first at LBA %#x offset %#x (expected %#016x, observed %#016x)\n",
			r.Mismatches, r.Mismatch.LBA, r.Mismatch.Offset, r.Mismatch.Expected, r.Mismatch.Observed)
	} else {
		fmt.Println("PASSED")
	}
}

func parseU64Flag(name, s string) uint64 {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		fatalf("invalid %s %q: %v", name, s, err)
	}
	return v
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
