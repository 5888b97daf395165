package scubed3

import "github.com/oddcipher/scubed3/internal/serr"

// DoWrite writes data at the partition's logical byte offset, per
// spec.md §4.3's do_write: iterate per mesoblock, staging each touched
// slot into the current write target (rotating targets, with tail
// migration and pre-emptive GC, whenever the current one fills up).
func (p *Partition) DoWrite(offset int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mesoSz := p.geo.MesoblockSize()
	for len(data) > 0 {
		slot := uint32(offset / mesoSz)
		inMeso := int(offset % mesoSz)
		n := int(mesoSz) - inMeso
		if n > len(data) {
			n = len(data)
		}
		if err := p.writeMeso(slot, inMeso, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		offset += int64(n)
	}
	return nil
}

func (p *Partition) writeMeso(slot uint32, inMeso int, chunk []byte) error {
	if slot >= uint32(len(p.blockIndices)) {
		return serr.Config("scubed3: logical slot out of range", nil)
	}

	if p.current != nil {
		if idx, ok := p.current.findSlot(slot); ok {
			copy(p.current.staged[idx][inMeso:], chunk)
			p.current.dirty = true
			return nil
		}
	}

	buf := make([]byte, p.geo.MesoblockSize())
	word := p.blockIndices[slot]
	if word != unmapped {
		macroID, dataSlot := decodeWord(word, p.geo.MesoBits())
		ms, ok := p.macro[macroID]
		if !ok {
			return serr.Integrity("scubed3: block_indices points at an untracked macroblock", nil)
		}
		if err := p.store.ReadMeso(p.cipher, macroID, ms.seqno, dataSlot, buf); err != nil {
			return err
		}
	}
	copy(buf[inMeso:], chunk)
	return p.appendCurrent(slot, buf)
}

// DoRead reads data from the partition's logical byte offset, per
// spec.md §4.3's do_read: slots in the in-RAM current target are
// served from the staged buffer, unmapped slots read as zero, anything
// else is decrypted straight from the backing store.
func (p *Partition) DoRead(offset int64, out []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mesoSz := p.geo.MesoblockSize()
	for len(out) > 0 {
		slot := uint32(offset / mesoSz)
		inMeso := int(offset % mesoSz)
		n := int(mesoSz) - inMeso
		if n > len(out) {
			n = len(out)
		}
		if err := p.readMeso(slot, inMeso, out[:n]); err != nil {
			return err
		}
		out = out[n:]
		offset += int64(n)
	}
	return nil
}

func (p *Partition) readMeso(slot uint32, inMeso int, dst []byte) error {
	if slot >= uint32(len(p.blockIndices)) {
		return serr.Config("scubed3: logical slot out of range", nil)
	}

	if p.current != nil {
		if idx, ok := p.current.findSlot(slot); ok {
			copy(dst, p.current.staged[idx][inMeso:inMeso+len(dst)])
			return nil
		}
	}

	word := p.blockIndices[slot]
	if word == unmapped {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	macroID, dataSlot := decodeWord(word, p.geo.MesoBits())
	ms, ok := p.macro[macroID]
	if !ok {
		return serr.Integrity("scubed3: block_indices points at an untracked macroblock", nil)
	}
	return p.store.ReadMesoPart(p.cipher, macroID, ms.seqno, dataSlot, inMeso, dst)
}
