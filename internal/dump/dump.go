// Package dump renders block contents for progress reporting.
package dump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blkio-dev/iohammer/internal/constants"
)

// Dumper writes hex renderings of device blocks, collapsing a run of rows
// identical to the previous one into a single "*" line so large uniform
// blocks stay readable.
type Dumper struct {
	w         io.Writer
	blockSize int
}

// New creates a Dumper that renders blockSize-byte blocks to w.
func New(w io.Writer, blockSize int) *Dumper {
	return &Dumper{w: w, blockSize: blockSize}
}

// Block renders one block as 32-byte rows of four 64-bit words:
//
//	===== LBA 0x2a =====
//	0000: 000000000000002a 000000000000002a 000000000000002a 000000000000002a
//	*
func (d *Dumper) Block(buf []byte, lba uint64) {
	fmt.Fprintf(d.w, "===== LBA %#x =====\n", lba)

	row := constants.DumpRowBytes
	var prev []byte
	skipping := false
	for off := 0; off+row <= d.blockSize && off+row <= len(buf); off += row {
		cur := buf[off : off+row]
		if prev != nil && bytes.Equal(cur, prev) {
			if !skipping {
				fmt.Fprintln(d.w, "*")
				skipping = true
			}
		} else {
			fmt.Fprintf(d.w, "%04x: %016x %016x %016x %016x\n", off,
				binary.LittleEndian.Uint64(cur),
				binary.LittleEndian.Uint64(cur[8:]),
				binary.LittleEndian.Uint64(cur[16:]),
				binary.LittleEndian.Uint64(cur[24:]))
			skipping = false
		}
		prev = cur
	}
}
