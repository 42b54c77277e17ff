// Package pattern generates and verifies block data patterns.
//
// A pattern is a 64-bit word repeated across every word of a block. With a
// zero increment every block carries the same base value; with a non-zero
// increment the value advances by Inc per LBA, which catches address
// aliasing and stale-data bugs that a single repeated value cannot.
package pattern

import (
	"bytes"
	"encoding/binary"

	"github.com/blkio-dev/iohammer/internal/constants"
)

// Mismatch describes the first differing word found during verification.
type Mismatch struct {
	LBA      uint64 // block containing the bad word
	Offset   uint64 // byte offset of the word within its block
	Expected uint64
	Observed uint64
}

// Pattern produces and checks the expected data for every LBA of a run.
type Pattern struct {
	base      uint64
	inc       uint64
	startLBA  uint64
	blockSize int
	ref       []byte // reference block, built once when inc == 0
}

// New creates a pattern anchored at startLBA. blockSize must be a multiple
// of the 8-byte word size; callers validate that before any I/O is issued.
func New(base, inc, startLBA uint64, blockSize int) *Pattern {
	p := &Pattern{
		base:      base,
		inc:       inc,
		startLBA:  startLBA,
		blockSize: blockSize,
	}
	if inc == 0 {
		p.ref = make([]byte, blockSize)
		for off := 0; off < blockSize; off += constants.WordSize {
			binary.LittleEndian.PutUint64(p.ref[off:], base)
		}
	}
	return p
}

// Word returns the value expected in every word of the given LBA.
func (p *Pattern) Word(lba uint64) uint64 {
	return p.base + (lba-p.startLBA)*p.inc
}

// BlockSize returns the block size the pattern was built for.
func (p *Pattern) BlockSize() int {
	return p.blockSize
}

// Fill writes the expected pattern for blocks [lba, lba+blocks) into buf.
// buf must hold at least blocks full blocks.
func (p *Pattern) Fill(buf []byte, lba uint64, blocks uint32) {
	for b := uint32(0); b < blocks; b++ {
		blk := buf[int(b)*p.blockSize : (int(b)+1)*p.blockSize]
		if p.inc == 0 {
			copy(blk, p.ref)
			continue
		}
		w := p.Word(lba + uint64(b))
		for off := 0; off < p.blockSize; off += constants.WordSize {
			binary.LittleEndian.PutUint64(blk[off:], w)
		}
	}
}

// Verify scans blocks in LBA order and words in offset order, stopping at
// the first differing word. It returns nil when every word matches.
//
// With a zero increment each block is first compared wholesale against the
// reference block; the word scan runs only on a block that failed, to
// locate the exact offending word.
func (p *Pattern) Verify(buf []byte, lba uint64, blocks uint32) *Mismatch {
	for b := uint32(0); b < blocks; b++ {
		blk := buf[int(b)*p.blockSize : (int(b)+1)*p.blockSize]
		blkLBA := lba + uint64(b)
		if p.inc == 0 && bytes.Equal(blk, p.ref) {
			continue
		}
		w := p.Word(blkLBA)
		for off := 0; off < p.blockSize; off += constants.WordSize {
			got := binary.LittleEndian.Uint64(blk[off:])
			if got != w {
				return &Mismatch{
					LBA:      blkLBA,
					Offset:   uint64(off),
					Expected: w,
					Observed: got,
				}
			}
		}
	}
	return nil
}
