// Package macroblock implements the on-disk macroblock format: its
// index mesoblock layout, the scan/recovery procedure that rediscovers
// a partition's macroblocks from a passphrase, and the write pipeline
// that encrypts an index block plus data blocks with the partition's
// cipher. Grounded on original_source/src/blockio.c and the data model
// in spec.md §3.
package macroblock

import "fmt"

// headerFixedSize is the size, in bytes, of the fixed-offset portion of
// the index mesoblock before the status bitmap (0x080 per §3).
const headerFixedSize = 0x080

// MagicString is the constant that identifies an index mesoblock as
// belonging to this format.
const MagicString = "SSS3v0.1"

// Geometry describes the macroblock/mesoblock sizing of a backing
// store: M (macroblock size log2) and m (mesoblock size log2).
type Geometry struct {
	MacroblockLog uint
	MesoblockLog  uint
}

// MacroblockSize returns 2^M bytes.
func (g Geometry) MacroblockSize() int64 { return 1 << g.MacroblockLog }

// MesoblockSize returns 2^m bytes.
func (g Geometry) MesoblockSize() int64 { return 1 << g.MesoblockLog }

// K is the number of mesoblocks per macroblock, index mesoblock
// included.
func (g Geometry) K() uint32 { return 1 << (g.MacroblockLog - g.MesoblockLog) }

// MMPM is the maximum number of data mesoblocks per macroblock (K-1).
func (g Geometry) MMPM() uint32 { return g.K() - 1 }

// MesoBits is M-m, the number of bits needed to address a mesoblock
// slot within a macroblock; used by the logical-address encoding in
// the indirection layer.
func (g Geometry) MesoBits() uint { return g.MacroblockLog - g.MesoblockLog }

// Validate checks the structural requirement M >= m and that the
// geometry leaves room in the index mesoblock for the status bitmap and
// index entries once totalMacroblocks is known.
func (g Geometry) Validate(totalMacroblocks uint32) error {
	if g.MacroblockLog < g.MesoblockLog {
		return fmt.Errorf("macroblock: M (%d) must be >= m (%d)", g.MacroblockLog, g.MesoblockLog)
	}
	required, err := g.indexEntriesOffset(totalMacroblocks)
	if err != nil {
		return err
	}
	required += 4 * int64(g.MMPM()+1)
	if required > g.MesoblockSize() {
		return fmt.Errorf("macroblock: not enough room for indexblock in mesoblock: need %d bytes, have %d", required, g.MesoblockSize())
	}
	return nil
}

// bitmapWords is the number of 32-bit words needed to hold a 2-bit
// status entry for every raw macroblock on the backing store.
func bitmapWords(totalMacroblocks uint32) int {
	nBits := uint64(totalMacroblocks) * 2
	return int((nBits + 31) / 32)
}

// indexEntriesOffset is where the NO_INDICES/index-entries region
// begins, right after the fixed header and the status bitmap.
func (g Geometry) indexEntriesOffset(totalMacroblocks uint32) (int64, error) {
	words := bitmapWords(totalMacroblocks)
	return int64(headerFixedSize) + int64(words)*4, nil
}
