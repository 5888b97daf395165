package macroblock

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/rawdevice"
	"github.com/oddcipher/scubed3/internal/serr"
)

var log = logging.For("macroblock")

// ErrNotOurs is returned by Scan when a macroblock does not decrypt
// into a recognizable header under the given cipher: either the magic
// string is absent or the index hash does not check out. Both outcomes
// are indistinguishable from the caller's point of view, by design --
// an observer (or a caller with the wrong key) cannot tell "never used"
// from "used by someone else".
var ErrNotOurs = errors.New("macroblock: not recognized under this partition's key")

// Store performs macroblock-granularity I/O against a raw backing
// device: scanning, per-macroblock reads, and the write_current
// pipeline. It holds no partition state; every method takes the
// partition's cipher and macroblock id explicitly so one Store can
// serve every open partition on the same backing store.
type Store struct {
	dev              *rawdevice.Device
	geo              Geometry
	totalMacroblocks uint32
}

// Open validates the geometry against the backing device and returns a
// Store ready to scan or write macroblocks on it.
func Open(dev *rawdevice.Device, geo Geometry) (*Store, error) {
	total := dev.NumMacroblocks()
	if err := geo.Validate(total); err != nil {
		return nil, serr.Config(err.Error(), nil)
	}
	if geo.MacroblockSize() != dev.MacroblockSize() {
		return nil, serr.Config(fmt.Sprintf("macroblock: store geometry macroblock size %d does not match device %d", geo.MacroblockSize(), dev.MacroblockSize()), nil)
	}
	return &Store{dev: dev, geo: geo, totalMacroblocks: total}, nil
}

// Geometry returns the store's macroblock/mesoblock sizing.
func (s *Store) Geometry() Geometry { return s.geo }

// NumMacroblocks returns the total number of raw macroblocks on the
// backing store (not just those assigned to one partition).
func (s *Store) NumMacroblocks() uint32 { return s.totalMacroblocks }

// Scan reads and decrypts the index mesoblock of macroID under c and
// parses it into a Header. It returns ErrNotOurs if the magic or index
// hash checks fail.
func (s *Store) Scan(c *cipher.Cipher, macroID uint32) (*Header, error) {
	ciphertext := make([]byte, s.geo.MesoblockSize())
	if err := s.dev.ReadAt(macroID, 0, ciphertext); err != nil {
		return nil, err
	}

	plain := make([]byte, len(ciphertext))
	if err := c.Decrypt(plain, ciphertext, 0, 0, macroID); err != nil {
		return nil, serr.IO("decrypting index mesoblock", err)
	}

	if !magicMatches(plain) {
		return nil, ErrNotOurs
	}

	sum := sha256.Sum256(plain[32:])
	if !bytesEqual(sum[:], plain[offIndexHash:offIndexHash+32]) {
		return nil, ErrNotOurs
	}

	hdr, err := decode(plain, s.geo, s.totalMacroblocks)
	if err != nil {
		return nil, serr.Integrity("parsing index mesoblock", err)
	}
	return hdr, nil
}

// ReadMeso reads and decrypts data mesoblock slot (1-based) of macroID,
// using seqno as part of the IV per the IV discipline in §4.1.
func (s *Store) ReadMeso(c *cipher.Cipher, macroID uint32, seqno uint64, slot uint32, out []byte) error {
	if slot < 1 || slot > s.geo.MMPM() {
		return fmt.Errorf("macroblock: slot %d out of range [1,%d]", slot, s.geo.MMPM())
	}
	ciphertext := make([]byte, s.geo.MesoblockSize())
	if err := s.dev.ReadAt(macroID, int64(slot)*s.geo.MesoblockSize(), ciphertext); err != nil {
		return err
	}
	if err := c.Decrypt(out, ciphertext, seqno, slot, macroID); err != nil {
		return serr.IO("decrypting data mesoblock", err)
	}
	return nil
}

// ReadMesoPart reads a sub-range [offset, offset+len(out)) of data
// mesoblock slot of macroID. The whole mesoblock is decrypted first
// (CBC chaining requires it); callers that need many sub-ranges of the
// same mesoblock should cache it themselves.
func (s *Store) ReadMesoPart(c *cipher.Cipher, macroID uint32, seqno uint64, slot uint32, offset int, out []byte) error {
	whole := make([]byte, s.geo.MesoblockSize())
	if err := s.ReadMeso(c, macroID, seqno, slot, whole); err != nil {
		return err
	}
	if offset < 0 || offset+len(out) > len(whole) {
		return fmt.Errorf("macroblock: sub-range [%d,%d) out of bounds for mesoblock of size %d", offset, offset+len(out), len(whole))
	}
	copy(out, whole[offset:offset+len(out)])
	return nil
}

// WriteCurrent finalizes and flushes an in-RAM macroblock: it zeroes
// unused tail data mesoblocks, encrypts the data mesoblocks, computes
// DATA_HASH, serializes hdr (whose SeqnosHash must already be set by
// the caller, since it depends on partition-wide chain state this
// package does not track), computes INDEX_HASH, encrypts the index
// mesoblock, and writes the whole macroblock out.
//
// dataMesoblocks must have exactly hdr.NoIndices entries, each
// MesoblockSize() bytes; remaining data mesoblocks are zero-filled
// before encryption.
func (s *Store) WriteCurrent(c *cipher.Cipher, macroID uint32, hdr *Header, dataMesoblocks [][]byte) error {
	mmpm := s.geo.MMPM()
	if hdr.NoIndices > mmpm {
		return fmt.Errorf("macroblock: NoIndices %d exceeds MMPM %d", hdr.NoIndices, mmpm)
	}
	if uint32(len(dataMesoblocks)) != hdr.NoIndices {
		return fmt.Errorf("macroblock: got %d data mesoblocks, header says %d", len(dataMesoblocks), hdr.NoIndices)
	}

	mesoSz := s.geo.MesoblockSize()
	dataBuf := make([]byte, int64(mmpm)*mesoSz)
	for i := uint32(0); i < mmpm; i++ {
		dst := dataBuf[int64(i)*mesoSz : int64(i+1)*mesoSz]
		var src []byte
		if i < hdr.NoIndices {
			src = dataMesoblocks[i]
			if int64(len(src)) != mesoSz {
				return fmt.Errorf("macroblock: data mesoblock %d has size %d, want %d", i, len(src), mesoSz)
			}
		} else {
			src = make([]byte, mesoSz) // zero: unused tail, never encrypt stale RAM
		}
		if err := c.Encrypt(dst, src, hdr.Seqno, i+1, macroID); err != nil {
			return serr.IO("encrypting data mesoblock", err)
		}
	}

	hdr.DataHash = sha256.Sum256(dataBuf)

	indexPlain, err := hdr.encode(s.geo, s.totalMacroblocks)
	if err != nil {
		return err
	}
	indexHash := sha256.Sum256(indexPlain[32:])
	hdr.IndexHash = indexHash
	copy(indexPlain[offIndexHash:offIndexHash+32], indexHash[:])

	indexCipher := make([]byte, len(indexPlain))
	if err := c.Encrypt(indexCipher, indexPlain, 0, 0, macroID); err != nil {
		return serr.IO("encrypting index mesoblock", err)
	}

	full := make([]byte, s.geo.MacroblockSize())
	copy(full[:mesoSz], indexCipher)
	copy(full[mesoSz:], dataBuf)

	if err := s.dev.WriteAt(macroID, 0, full); err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{"macro_id": macroID, "seqno": hdr.Seqno, "no_indices": hdr.NoIndices}).Debug("wrote macroblock")
	return nil
}

// CheckData recomputes the SHA-256 of the K-1 encrypted data mesoblocks
// currently on disk and compares it to hdr.DataHash.
func (s *Store) CheckData(macroID uint32, hdr *Header) (bool, error) {
	mesoSz := s.geo.MesoblockSize()
	size := int64(s.geo.MMPM()) * mesoSz
	buf := make([]byte, size)
	if err := s.dev.ReadAt(macroID, mesoSz, buf); err != nil {
		return false, err
	}
	sum := sha256.Sum256(buf)
	return bytesEqual(sum[:], hdr.DataHash[:]), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
