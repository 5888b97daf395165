// Package juggler implements the randomized macroblock rewrite
// scheduler: the component responsible for deciding which macroblock a
// partition writes to next, and for guaranteeing every macroblock is
// eventually rewritten so that none of them betrays, by its age, which
// ones hold live data. Grounded on
// original_source/src/juggler.c's juggler_get_devblock and
// decrease_lifespan, which remain the ground-truth algorithm here; only
// the data structure changes, from the original's intrusive
// macroblock_t pointers to a small arena of index-linked entries for
// the scheduled set plus a plain swap-remove slice for the unscheduled
// set, so the scheduler owns no pointers into the rest of the
// partition's state.
package juggler

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Source supplies uniformly distributed 32-bit values, the Go stand-in
// for original_source/src/random.c's random_t.
type Source interface {
	Uint32() uint32
}

// CryptoSource draws from crypto/rand, the same /dev/urandom-backed
// entropy source the original used.
type CryptoSource struct{}

// Uint32 returns a cryptographically random 32-bit value.
func (CryptoSource) Uint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("juggler: reading randomness: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// randCustom returns a uniformly distributed value in [0, count] by
// rejection sampling, the direct port of random_custom in
// original_source/src/random.c. count == 0 means "only one possibility"
// and returns 0 directly, generalizing the original's assert(count)
// precondition to the degenerate single-choice case.
func randCustom(r Source, count uint32) uint32 {
	if count == 0 {
		return 0
	}
	n := count + 1
	limit := n*((^uint32(0)-n+1)/n) + n - 1
	for {
		v := r.Uint32()
		if v <= limit {
			return v % n
		}
	}
}

const nilIdx = -1

// schedNode is one scheduled-set arena slot: a macroblock id together
// with its lifespan2 countdown and a next-index link to the
// next-soonest-due scheduled block.
type schedNode struct {
	macroID   uint32
	lifespan2 uint64
	next      int
}

// Juggler tracks every macroblock available to a partition for writing
// and decides, each time one is needed, which macroblock comes next.
// Not safe for concurrent use; callers serialize access the same way
// the partition write lock does.
type Juggler struct {
	r           Source
	unscheduled []uint32
	sched       []schedNode
	schedHead   int
	total       int
}

// New returns an empty Juggler drawing randomness from r. Pass
// CryptoSource{} in production; tests substitute a deterministic
// Source to make scheduling decisions reproducible.
func New(r Source) *Juggler {
	return &Juggler{r: r, schedHead: nilIdx}
}

// Add makes macroID available for selection by SelectNext. The block
// must not already be tracked by this Juggler.
func (j *Juggler) Add(macroID uint32) {
	j.unscheduled = append(j.unscheduled, macroID)
	j.total++
}

// Len returns the total number of macroblocks the juggler is tracking,
// scheduled and unscheduled combined.
func (j *Juggler) Len() int { return j.total }

func (j *Juggler) obsoletedIdx() int {
	if j.schedHead != nilIdx && j.sched[j.schedHead].lifespan2 == 1 {
		return j.schedHead
	}
	return nilIdx
}

func (j *Juggler) decreaseLifespan() {
	seen := uint64(1)
	idx := j.schedHead
	for idx != nilIdx {
		n := &j.sched[idx]
		if n.lifespan2 <= seen {
			panic("juggler: lifespan2 ordering invariant violated")
		}
		seen = n.lifespan2
		n.lifespan2--
		idx = n.next
	}
}

// Tail reports the macroblock due to be recycled on the very next
// SelectNext call, if any, without consuming it. scubed3 does not call
// it: it migrates live logical blocks out of whatever macroblock
// SelectNext returns (see migrateTail there).
func (j *Juggler) Tail() (macroID uint32, ok bool) {
	idx := j.obsoletedIdx()
	if idx == nilIdx {
		return 0, false
	}
	return j.sched[idx].macroID, true
}

// SelectNext picks the macroblock to write to next: either a block
// whose scheduled reappearance has just come due, or (when none is due)
// a uniformly random block from the unscheduled pool. Either way the
// chosen block is immediately rescheduled for some future reappearance,
// so no macroblock goes indefinitely unwritten.
//
// SelectNext panics if the juggler holds no macroblocks at all; callers
// must Add at least one before calling it.
func (j *Juggler) SelectNext() uint32 {
	if len(j.unscheduled) == 0 && j.obsoletedIdx() == nilIdx {
		panic("juggler: SelectNext called with no available macroblocks")
	}

	var nextIdx int
	if obs := j.obsoletedIdx(); obs != nilIdx {
		j.sched[obs].lifespan2 = 0
		j.schedHead = j.sched[obs].next
		nextIdx = obs
	} else {
		pick := randCustom(j.r, uint32(len(j.unscheduled))-1)
		macroID := j.unscheduled[pick]
		last := len(j.unscheduled) - 1
		j.unscheduled[pick] = j.unscheduled[last]
		j.unscheduled = j.unscheduled[:last]

		j.sched = append(j.sched, schedNode{macroID: macroID})
		nextIdx = len(j.sched) - 1
	}

	j.decreaseLifespan()

	// decide when we will see the chosen block again: it is now at time
	// 0, so the earliest time it can reappear is time 1.
	availableBlocks := uint32(len(j.unscheduled)) + 1 // unscheduled blocks plus the one just selected
	time := uint64(1)
	prevIdx := nilIdx
	curIdx := j.schedHead
	for {
		if curIdx != nilIdx && time == j.sched[curIdx].lifespan2 {
			// this slot is already taken by another block's reappearance
			prevIdx = curIdx
			curIdx = j.sched[curIdx].next
			availableBlocks++
		} else {
			if randCustom(j.r, availableBlocks-1) == 0 {
				j.sched[nextIdx].lifespan2 = time
				j.sched[nextIdx].next = curIdx
				if prevIdx == nilIdx {
					j.schedHead = nextIdx
				} else {
					j.sched[prevIdx].next = nextIdx
				}
				return j.sched[nextIdx].macroID
			}
		}
		time++
	}
}
