package macroblock

import (
	"encoding/binary"
	"fmt"

	"github.com/oddcipher/scubed3/internal/bitmap"
)

// field offsets within the plaintext index mesoblock, per spec.md §3.
const (
	offIndexHash     = 0x000
	offDataHash      = 0x020
	offSeqnosHash    = 0x040
	offSeqno         = 0x060
	offNextSeqno     = 0x068
	offMagic         = 0x070
	offNoMacroblocks = 0x078
	offReserved      = 0x07C
	offBitmap        = 0x080
)

// Header is the decoded content of an index mesoblock.
type Header struct {
	IndexHash     [32]byte
	DataHash      [32]byte
	SeqnosHash    [32]byte
	Seqno         uint64
	NextSeqno     uint64
	NoMacroblocks uint32
	Reserved      uint32
	Status        *bitmap.Bitmap // per-raw-macroblock FREE/USED status
	NoIndices     uint32
	Indices       []uint32 // length MMPM; first NoIndices entries are valid logical slots
}

// encode serializes hdr into a fresh mesoblock-sized buffer, leaving
// IndexHash zeroed (the caller computes and patches it in after this
// call, since it is a hash of everything that follows it).
func (h *Header) encode(g Geometry, totalMacroblocks uint32) ([]byte, error) {
	buf := make([]byte, g.MesoblockSize())

	binary.BigEndian.PutUint64(buf[offSeqno:], h.Seqno)
	binary.BigEndian.PutUint64(buf[offNextSeqno:], h.NextSeqno)
	copy(buf[offMagic:offMagic+8], MagicString)
	binary.BigEndian.PutUint32(buf[offNoMacroblocks:], h.NoMacroblocks)
	binary.BigEndian.PutUint32(buf[offReserved:], h.Reserved)
	copy(buf[offDataHash:offDataHash+32], h.DataHash[:])
	copy(buf[offSeqnosHash:offSeqnosHash+32], h.SeqnosHash[:])

	words := h.Status.Words()
	bitmapOff := offBitmap
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[bitmapOff+4*i:], w)
	}

	entriesOff, err := g.indexEntriesOffset(totalMacroblocks)
	if err != nil {
		return nil, err
	}
	mmpm := g.MMPM()
	if h.NoIndices > mmpm {
		return nil, fmt.Errorf("macroblock: NoIndices %d exceeds MMPM %d", h.NoIndices, mmpm)
	}
	binary.BigEndian.PutUint32(buf[entriesOff:], h.NoIndices)
	for i := uint32(0); i < mmpm; i++ {
		var v uint32
		if i < h.NoIndices {
			v = h.Indices[i]
		}
		binary.BigEndian.PutUint32(buf[entriesOff+4*int64(i+1):], v)
	}

	return buf, nil
}

// decode parses a plaintext index mesoblock buffer (already decrypted)
// into a Header. It does not check the magic or INDEX_HASH; callers
// check those first since a failure there means the macroblock does not
// belong to this partition at all.
func decode(buf []byte, g Geometry, totalMacroblocks uint32) (*Header, error) {
	h := &Header{}
	copy(h.IndexHash[:], buf[offIndexHash:offIndexHash+32])
	copy(h.DataHash[:], buf[offDataHash:offDataHash+32])
	copy(h.SeqnosHash[:], buf[offSeqnosHash:offSeqnosHash+32])
	h.Seqno = binary.BigEndian.Uint64(buf[offSeqno:])
	h.NextSeqno = binary.BigEndian.Uint64(buf[offNextSeqno:])
	h.NoMacroblocks = binary.BigEndian.Uint32(buf[offNoMacroblocks:])
	h.Reserved = binary.BigEndian.Uint32(buf[offReserved:])

	words := bitmapWords(totalMacroblocks)
	raw := make([]uint32, words)
	for i := 0; i < words; i++ {
		raw[i] = binary.BigEndian.Uint32(buf[offBitmap+4*i:])
	}
	h.Status = bitmap.New(totalMacroblocks, bitmap.Width)
	if err := h.Status.SetWords(raw); err != nil {
		return nil, err
	}

	entriesOff, err := g.indexEntriesOffset(totalMacroblocks)
	if err != nil {
		return nil, err
	}
	mmpm := g.MMPM()
	noIndices := binary.BigEndian.Uint32(buf[entriesOff:])
	if noIndices > mmpm {
		return nil, fmt.Errorf("macroblock: on-disk NoIndices %d exceeds MMPM %d", noIndices, mmpm)
	}
	h.NoIndices = noIndices
	h.Indices = make([]uint32, mmpm)
	for i := uint32(0); i < mmpm; i++ {
		h.Indices[i] = binary.BigEndian.Uint32(buf[entriesOff+4*int64(i+1):])
	}

	return h, nil
}

func magicMatches(buf []byte) bool {
	return string(buf[offMagic:offMagic+8]) == MagicString
}
