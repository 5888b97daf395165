package scubed3

// Resize changes the number of macroblocks assigned to the partition.
// Growing allocates additional macroblocks from the unassigned pool and
// adds them to the juggler, per spec.md §4.3. Shrinking obsoletes every
// mapping at or beyond the new logical bound; the macroblocks that
// drain to zero live entries as a result stay under this partition's
// juggler (ready to be recycled into fresh writes) rather than being
// handed back to the registry's global pool outright, since the
// juggler has no eviction primitive -- recorded as an Open Question
// resolution in DESIGN.md. Implementing shrink at all, rather than
// FATALing the way original_source/src/scubed3.c's scubed3_reinit
// does, is itself a deliberate re-architecture documented there too.
func (p *Partition) Resize(newMacroblockCount uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	newSlots := newMacroblockCount * p.geo.MMPM()
	oldSlots := uint32(len(p.blockIndices))

	if newSlots > oldSlots {
		grow := newMacroblockCount - uint32(p.jug.Len())
		if grow > 0 {
			ids, err := p.reg.AllocateMacroblocks(grow)
			if err != nil {
				return err
			}
			for _, id := range ids {
				p.jug.Add(id)
			}
		}
		grown := make([]uint32, newSlots)
		copy(grown, p.blockIndices)
		for i := oldSlots; i < newSlots; i++ {
			grown[i] = unmapped
		}
		p.blockIndices = grown
		return nil
	}

	for slot := newSlots; slot < oldSlots; slot++ {
		word := p.blockIndices[slot]
		if word == unmapped {
			continue
		}
		macroID, _ := decodeWord(word, p.geo.MesoBits())
		if ms := p.macro[macroID]; ms != nil && ms.noNonobsolete > 0 {
			ms.noNonobsolete--
		}
	}
	p.blockIndices = p.blockIndices[:newSlots]
	return nil
}
