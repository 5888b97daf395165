// Package scubed3 implements the logical-to-physical indirection layer:
// the append-only mapping from a partition's logical mesoblock offsets
// to (macro-id, data-slot) pairs, replay of that mapping from the
// backing store on mount, the write/read request path, tail migration,
// and pre-emptive garbage collection. Grounded on spec.md §4.3 and
// original_source/src/scubed3.c's do_write/do_read/do_req family (the
// parts of that file that are fully implemented there; the stubbed
// pre_emptive_gc and the "not implemented" macroblock allocate/free
// calls it depends on are implemented here, in internal/registry and
// below, rather than carried over as stubs).
package scubed3

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/oddcipher/scubed3/internal/bitmap"
	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/juggler"
	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/macroblock"
	"github.com/oddcipher/scubed3/internal/registry"
	"github.com/oddcipher/scubed3/internal/serr"
)

var log = logging.For("scubed3")

// unmapped is the sentinel block_indices word for a logical slot that
// has never been written.
const unmapped = 0xFFFFFFFF

func encodeWord(macroID, dataSlot uint32, mesobits uint) uint32 {
	return (macroID << mesobits) | dataSlot
}

func decodeWord(word uint32, mesobits uint) (macroID, dataSlot uint32) {
	return word >> mesobits, word & ((1 << mesobits) - 1)
}

// macroState is what the indirection layer remembers about one
// macroblock currently assigned to this partition: enough to read its
// live mesoblocks and to know when all of them have gone obsolete.
type macroState struct {
	seqno         uint64
	nextSeqno     uint64
	noIndices     uint32
	indices       []uint32 // logical slots, length noIndices
	noNonobsolete uint32
	seqnosHash    [32]byte
	dataHash      [32]byte
}

// currentTarget is the macroblock presently being assembled in RAM: the
// one write_current will eventually flush.
type currentTarget struct {
	macroID uint32
	seqno   uint64
	indices []uint32 // logical slots written so far, parallel to staged
	staged  [][]byte // mesoblock-sized buffers, parallel to indices
	dirty   bool
}

func (c *currentTarget) findSlot(slot uint32) (int, bool) {
	for i, s := range c.indices {
		if s == slot {
			return i, true
		}
	}
	return -1, false
}

// Partition is one open, passphrase-protected logical device: the
// logical-slot map, the juggler driving its rewrite schedule, and the
// macroblock bookkeeping needed to replay, read, and write it. Not safe
// for concurrent use except through its own methods, which serialize
// access with a single mutex held across an entire request per
// spec.md §5.
type Partition struct {
	mu sync.Mutex

	name string
	id   registry.UniqueID

	reg    *registry.Registry
	store  *macroblock.Store
	geo    macroblock.Geometry
	cipher *cipher.Cipher

	jug *juggler.Juggler

	macro        map[uint32]*macroState
	blockIndices []uint32

	current        *currentTarget
	nextSeqno      uint64
	lastSeqnosHash [32]byte

	aux map[string]string

	closeOnRelease bool
}

// Name returns the partition's registered name, or "" if it was opened
// by unique id alone.
func (p *Partition) Name() string { return p.name }

// ID returns the partition's unique id.
func (p *Partition) ID() registry.UniqueID { return p.id }

func logicalSlots(reg *registry.Registry, geo macroblock.Geometry, numMacroblocks uint32) uint32 {
	return numMacroblocks * geo.MMPM()
}

// Create claims numMacroblocks fresh macroblocks from reg for a brand
// new partition named name (name may be "" for an anonymous partition
// addressed only by unique id), under the given cipher.
func Create(reg *registry.Registry, store *macroblock.Store, geo macroblock.Geometry, c *cipher.Cipher, name string, numMacroblocks uint32) (*Partition, error) {
	id, err := registry.ComputeUniqueID(geo, c)
	if err != nil {
		return nil, err
	}
	if err := reg.Claim(id, name); err != nil {
		return nil, err
	}

	macroIDs, err := reg.AllocateMacroblocks(numMacroblocks)
	if err != nil {
		reg.Release(id)
		return nil, err
	}

	p := &Partition{
		name:         name,
		id:           id,
		reg:          reg,
		store:        store,
		geo:          geo,
		cipher:       c,
		jug:          juggler.New(juggler.CryptoSource{}),
		macro:        make(map[uint32]*macroState),
		blockIndices: make([]uint32, logicalSlots(reg, geo, numMacroblocks)),
		aux:          make(map[string]string),
		nextSeqno:    1,
	}
	for i := range p.blockIndices {
		p.blockIndices[i] = unmapped
	}
	for _, m := range macroIDs {
		p.jug.Add(m)
	}

	log.WithFields(map[string]interface{}{"name": name, "id": id.String(), "macroblocks": len(macroIDs)}).Info("created partition")
	return p, nil
}

// Open replays a partition from the backing store: every raw macroblock
// that decrypts successfully under c is "ours"; replaying them in
// ascending seqno order reconstructs block_indices exactly as spec.md
// §4.3 describes.
func Open(reg *registry.Registry, store *macroblock.Store, geo macroblock.Geometry, c *cipher.Cipher, name string) (*Partition, error) {
	id, err := registry.ComputeUniqueID(geo, c)
	if err != nil {
		return nil, err
	}
	if err := reg.Claim(id, name); err != nil {
		return nil, err
	}

	type found struct {
		macroID uint32
		hdr     *macroblock.Header
	}
	var ours []found
	for m := uint32(0); m < reg.TotalMacroblocks(); m++ {
		hdr, err := store.Scan(c, m)
		if err == macroblock.ErrNotOurs {
			continue
		}
		if err != nil {
			reg.Release(id)
			return nil, err
		}
		ours = append(ours, found{macroID: m, hdr: hdr})
		reg.MarkAssigned(m)
	}
	if len(ours) == 0 {
		reg.Release(id)
		return nil, serr.NotFound("scubed3: no macroblocks recognized under this partition's key", nil)
	}
	for i := 0; i < len(ours); i++ {
		for j := i + 1; j < len(ours); j++ {
			if ours[j].hdr.Seqno < ours[i].hdr.Seqno {
				ours[i], ours[j] = ours[j], ours[i]
			}
		}
	}
	for i := 1; i < len(ours); i++ {
		if ours[i].hdr.Seqno == ours[i-1].hdr.Seqno {
			log.WithFields(map[string]interface{}{"macro_a": ours[i-1].macroID, "macro_b": ours[i].macroID, "seqno": ours[i].hdr.Seqno}).Fatal("scubed3: two macroblocks claim the same seqno")
		}
	}

	p := &Partition{
		name:         name,
		id:           id,
		reg:          reg,
		store:        store,
		geo:          geo,
		cipher:       c,
		jug:          juggler.New(juggler.CryptoSource{}),
		macro:        make(map[uint32]*macroState),
		blockIndices: make([]uint32, logicalSlots(reg, geo, uint32(len(ours)))),
		aux:          make(map[string]string),
	}
	for i := range p.blockIndices {
		p.blockIndices[i] = unmapped
	}

	var maxNextSeqno uint64
	for _, f := range ours {
		expectedHash := p.nextSeqnosHash(f.hdr.Seqno)
		if expectedHash != f.hdr.SeqnosHash {
			reg.Release(id)
			return nil, serr.Integrity(fmt.Sprintf("scubed3: macroblock %d seqno %d breaks the SEQNOS_HASH chain", f.macroID, f.hdr.Seqno), nil)
		}

		ms := &macroState{
			seqno:      f.hdr.Seqno,
			nextSeqno:  f.hdr.NextSeqno,
			noIndices:  f.hdr.NoIndices,
			indices:    append([]uint32(nil), f.hdr.Indices[:f.hdr.NoIndices]...),
			seqnosHash: f.hdr.SeqnosHash,
			dataHash:   f.hdr.DataHash,
		}
		for d, slot := range ms.indices {
			if int(slot) >= len(p.blockIndices) {
				continue
			}
			if old := p.blockIndices[slot]; old != unmapped {
				oldMacro, _ := decodeWord(old, geo.MesoBits())
				if oldMS := p.macro[oldMacro]; oldMS != nil {
					oldMS.noNonobsolete--
				}
			}
			p.blockIndices[slot] = encodeWord(f.macroID, uint32(d+1), geo.MesoBits())
			ms.noNonobsolete++
		}
		p.macro[f.macroID] = ms
		p.jug.Add(f.macroID)
		if f.hdr.NextSeqno > maxNextSeqno {
			maxNextSeqno = f.hdr.NextSeqno
		}
		p.lastSeqnosHash = f.hdr.SeqnosHash
	}
	p.nextSeqno = maxNextSeqno

	log.WithFields(map[string]interface{}{"name": name, "id": id.String(), "macroblocks": len(ours)}).Info("replayed partition")
	return p, nil
}

// Close flushes any dirty current macroblock and releases the
// partition's unique-id claim.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushCurrent(); err != nil {
		return err
	}
	p.reg.Release(p.id)
	return nil
}

// SetCloseOnRelease records whether a future connection-drop should
// close the partition automatically (control protocol `set-close-on-
// release`).
func (p *Partition) SetCloseOnRelease(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeOnRelease = v
}

// CloseOnRelease reports the flag set by SetCloseOnRelease.
func (p *Partition) CloseOnRelease() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeOnRelease
}

// SetAux stores a volatile key/value hint, kept in memory only: nothing
// here is ever written to the backing store or to extended attributes,
// since any durable trace of partition metadata undermines the
// deniability guarantee in spec.md §1.
func (p *Partition) SetAux(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aux[key] = value
}

// GetAux retrieves a value set by SetAux.
func (p *Partition) GetAux(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.aux[key]
	return v, ok
}

// Size returns the partition's logical size in bytes.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.blockIndices)) * p.geo.MesoblockSize()
}

func (p *Partition) nextSeqnosHash(seqno uint64) [32]byte {
	h := sha256.New()
	h.Write(p.lastSeqnosHash[:])
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(seqno >> (56 - 8*i))
	}
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (p *Partition) statusBitmap() *bitmap.Bitmap {
	bm := bitmap.New(p.reg.TotalMacroblocks(), bitmap.Width)
	for id := range p.macro {
		bm.Set(id, uint32(bitmap.Used))
	}
	if p.current != nil {
		bm.Set(p.current.macroID, uint32(bitmap.Used))
	}
	return bm
}

func newStagedBuffers(geo macroblock.Geometry) [][]byte {
	return make([][]byte, 0, int(geo.MMPM()))
}

// flushCurrent finalizes the in-RAM macroblock via write_current.
func (p *Partition) flushCurrent() error {
	c := p.current
	if c == nil || !c.dirty {
		return nil
	}

	noIndices := uint32(len(c.indices))
	indices := make([]uint32, p.geo.MMPM())
	copy(indices, c.indices)
	seqnosHash := p.nextSeqnosHash(c.seqno)

	hdr := &macroblock.Header{
		Seqno:      c.seqno,
		NextSeqno:  p.nextSeqno,
		SeqnosHash: seqnosHash,
		Status:     p.statusBitmap(),
		NoIndices:  noIndices,
		Indices:    indices,
	}
	if err := p.store.WriteCurrent(p.cipher, c.macroID, hdr, c.staged); err != nil {
		return err
	}

	p.macro[c.macroID] = &macroState{
		seqno:         c.seqno,
		nextSeqno:     p.nextSeqno,
		noIndices:     noIndices,
		indices:       append([]uint32(nil), c.indices...),
		noNonobsolete: noIndices,
		seqnosHash:    seqnosHash,
		dataHash:      hdr.DataHash,
	}
	p.lastSeqnosHash = seqnosHash
	return nil
}

// rotateCurrent finalizes the current target (if any, after
// pre-emptive GC) and picks a fresh one from the juggler, performing
// tail migration if the chosen macroblock still carries live data.
func (p *Partition) rotateCurrent() error {
	if p.current != nil {
		if err := p.preEmptiveGC(); err != nil {
			return err
		}
		if err := p.flushCurrent(); err != nil {
			return err
		}
	}

	macroID := p.jug.SelectNext()
	p.current = &currentTarget{
		macroID: macroID,
		seqno:   p.nextSeqno,
		staged:  newStagedBuffers(p.geo),
	}
	p.nextSeqno++

	return p.migrateTail(macroID)
}

// migrateTail relocates every still-live logical slot out of macroID
// before it is overwritten by the new current target occupying the
// same physical location, per spec.md §4.3's "tail migration".
func (p *Partition) migrateTail(macroID uint32) error {
	ms, ok := p.macro[macroID]
	if !ok || ms.noNonobsolete == 0 {
		delete(p.macro, macroID)
		return nil
	}
	for i, slot := range ms.indices {
		dataSlot := uint32(i + 1)
		word := p.blockIndices[slot]
		curMacro, curData := decodeWord(word, p.geo.MesoBits())
		if curMacro != macroID || curData != dataSlot {
			continue // already superseded by a later write
		}
		buf := make([]byte, p.geo.MesoblockSize())
		if err := p.store.ReadMeso(p.cipher, macroID, ms.seqno, dataSlot, buf); err != nil {
			return err
		}
		if err := p.appendCurrent(slot, buf); err != nil {
			return err
		}
	}
	delete(p.macro, macroID)
	return nil
}

// preEmptiveGC relocates live mesoblocks from other used macroblocks
// into any free room in the current target, amortizing migration work
// ahead of time instead of doing it all at tail-migration time.
// Implements the stubbed pre_emptive_gc in
// original_source/src/scubed3.c.
func (p *Partition) preEmptiveGC() error {
	for uint32(len(p.current.indices)) < p.geo.MMPM() {
		var victim uint32
		found := false
		for id, ms := range p.macro {
			if id == p.current.macroID || ms.noNonobsolete == 0 {
				continue
			}
			victim = id
			found = true
			break
		}
		if !found {
			return nil
		}
		ms := p.macro[victim]
		migrated := false
		for i, slot := range ms.indices {
			dataSlot := uint32(i + 1)
			word := p.blockIndices[slot]
			curMacro, curData := decodeWord(word, p.geo.MesoBits())
			if curMacro != victim || curData != dataSlot {
				continue
			}
			buf := make([]byte, p.geo.MesoblockSize())
			if err := p.store.ReadMeso(p.cipher, victim, ms.seqno, dataSlot, buf); err != nil {
				return err
			}
			if err := p.appendCurrentNoGC(slot, buf); err != nil {
				return err
			}
			migrated = true
			break
		}
		if !migrated {
			delete(p.macro, victim)
		}
		if uint32(len(p.current.indices)) >= p.geo.MMPM() {
			return nil
		}
	}
	return nil
}

// appendCurrent stages data at a fresh slot in the current target,
// rotating to a new target first if it is full. It may recurse into
// pre-emptive GC via rotateCurrent.
func (p *Partition) appendCurrent(slot uint32, data []byte) error {
	if p.current == nil || uint32(len(p.current.indices)) >= p.geo.MMPM() {
		if err := p.rotateCurrent(); err != nil {
			return err
		}
	}
	return p.appendCurrentNoGC(slot, data)
}

// appendCurrentNoGC appends to the current target assuming it already
// has room; callers that might need to rotate call appendCurrent
// instead.
func (p *Partition) appendCurrentNoGC(slot uint32, data []byte) error {
	if uint32(len(p.current.indices)) >= p.geo.MMPM() {
		return fmt.Errorf("scubed3: current macroblock has no room left")
	}
	buf := make([]byte, p.geo.MesoblockSize())
	copy(buf, data)
	p.current.indices = append(p.current.indices, slot)
	p.current.staged = append(p.current.staged, buf)
	p.current.dirty = true

	if old := p.blockIndices[slot]; old != unmapped {
		oldMacro, _ := decodeWord(old, p.geo.MesoBits())
		if oldMacro != p.current.macroID {
			if ms := p.macro[oldMacro]; ms != nil && ms.noNonobsolete > 0 {
				ms.noNonobsolete--
			}
		}
	}
	p.blockIndices[slot] = encodeWord(p.current.macroID, uint32(len(p.current.indices)), p.geo.MesoBits())
	return nil
}

// Cycle flushes the current target (after pre-emptive GC) and starts a
// fresh one, n times, matching the control protocol's `cycle NAME
// COUNT` command.
func (p *Partition) Cycle(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := p.rotateCurrent(); err != nil {
			return err
		}
	}
	return nil
}

// CheckDataIntegrity re-verifies DATA_HASH for every macroblock
// currently assigned to the partition, returning the first mismatch
// found (if any).
func (p *Partition) CheckDataIntegrity() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ms := range p.macro {
		ok, err := p.store.CheckData(id, &macroblock.Header{DataHash: ms.dataHash})
		if err != nil {
			return err
		}
		if !ok {
			return serr.Integrity(fmt.Sprintf("scubed3: data hash mismatch on macroblock %d", id), nil)
		}
	}
	return nil
}
