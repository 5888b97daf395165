// Package registry tracks which macroblocks on a backing store belong
// to which partition, the human-readable names partitions are opened
// under, and the pool of macroblocks not currently claimed by any open
// partition. Grounded on spec.md §4.4 and the two
// `FATAL("not implemented")` call sites in
// original_source/src/blockio.c for macroblock allocation/free, which
// this package actually implements rather than stubbing.
package registry

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"github.com/bits-and-blooms/bitset"
	satoriuuid "github.com/satori/go.uuid"

	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/macroblock"
	"github.com/oddcipher/scubed3/internal/serr"
)

var log = logging.For("registry")

// NamePattern is the validation regex every partition name must match,
// shared with the control protocol per spec.md §6.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// UniqueID identifies a partition independent of its human-chosen name:
// the SHA-256 of the all-zero mesoblock encrypted under the partition's
// key and cipher mode with IV (0,0,0). Two distinct keys collide here
// only with cryptographically negligible probability, so it doubles as
// a no-false-positive open-partition guard.
type UniqueID [32]byte

// String renders the id as a UUID-shaped string for display in control
// protocol replies.
func (id UniqueID) String() string {
	u, err := satoriuuid.FromBytes(id[:16])
	if err != nil {
		return fmt.Sprintf("%x", id)
	}
	return u.String()
}

// ComputeUniqueID derives a partition's UniqueID from its geometry and
// cipher, per spec.md §4.4.
func ComputeUniqueID(geo macroblock.Geometry, c *cipher.Cipher) (UniqueID, error) {
	plain := make([]byte, geo.MesoblockSize())
	enc := make([]byte, len(plain))
	if err := c.Encrypt(enc, plain, 0, 0, 0); err != nil {
		return UniqueID{}, serr.IO("computing partition unique id", err)
	}
	return UniqueID(sha256.Sum256(enc)), nil
}

// Registry is the single piece of state shared by every partition on a
// backing store: its name and unique-id bookkeeping, and the pool of
// macroblocks not currently claimed by any open partition. Safe for
// concurrent use.
type Registry struct {
	mu sync.Mutex

	totalMacroblocks uint32
	reserved         uint32 // raw macroblock indices [0, reserved) are never handed out
	unassigned       *bitset.BitSet // bit set == free

	byName map[string]UniqueID
	open   map[UniqueID]string // open partitions, keyed by id, valued by name (if any)
}

// New builds a Registry over a backing store of totalMacroblocks raw
// macroblocks, with the first reserved of them held back from the
// allocator (room for out-of-band bookkeeping a deployment wants to
// keep off the deniable pool, per the `-r` flag in spec.md §6).
func New(totalMacroblocks, reserved uint32) (*Registry, error) {
	if reserved > totalMacroblocks {
		return nil, serr.Config(fmt.Sprintf("registry: reserved count %d exceeds %d total macroblocks", reserved, totalMacroblocks), nil)
	}
	r := &Registry{
		totalMacroblocks: totalMacroblocks,
		reserved:         reserved,
		unassigned:       bitset.New(uint(totalMacroblocks)),
		byName:           make(map[string]UniqueID),
		open:             make(map[UniqueID]string),
	}
	for i := reserved; i < totalMacroblocks; i++ {
		r.unassigned.Set(uint(i))
	}
	return r, nil
}

// MarkAssigned removes macroID from the free pool without going through
// AllocateMacroblocks, for macroblocks a replay scan discovers already
// belong to a partition.
func (r *Registry) MarkAssigned(macroID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unassigned.Clear(uint(macroID))
}

// AllocateMacroblocks picks n macroblocks uniformly at random from the
// free pool and removes them from it, implementing
// blockio_dev_allocate_macroblocks. Candidates are gathered into a
// slice and Fisher-Yates shuffled rather than walked in bit order, so
// the allocation does not always hand out the lowest free indices
// first -- an observer watching which raw macroblocks a partition
// touches first learns nothing about allocation order.
func (r *Registry) AllocateMacroblocks(n uint32) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unassigned.Count() < uint(n) {
		return nil, serr.OutOfSpace(fmt.Sprintf("registry: requested %d macroblocks, only %d free", n, r.unassigned.Count()), nil)
	}

	candidates := make([]uint32, 0, r.unassigned.Count())
	for i, ok := r.unassigned.NextSet(0); ok; i, ok = r.unassigned.NextSet(i + 1) {
		candidates = append(candidates, uint32(i))
	}
	for i := len(candidates) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	picked := candidates[:n]
	for _, id := range picked {
		r.unassigned.Clear(uint(id))
	}
	return picked, nil
}

// FreeMacroblocks returns macroblocks to the free pool, implementing
// blockio_dev_free_macroblocks.
func (r *Registry) FreeMacroblocks(ids []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.unassigned.Set(uint(id))
	}
}

// FreeCount returns how many macroblocks are currently unassigned.
func (r *Registry) FreeCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(r.unassigned.Count())
}

// Claim marks a partition's UniqueID as open, associating it with name
// if non-empty, and rejects the claim with ConflictError if that id is
// already open -- spec.md §4.4's "no two concurrently open partitions
// may share a unique id" rule, which also catches the degenerate
// all-zero-key case from scenario S1 once a caller has validated the
// key length upstream (see internal/cipher.Open).
func (r *Registry) Claim(id UniqueID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.open[id]; ok {
		return serr.Conflict(fmt.Sprintf("registry: partition %s is already open as %q", id, existing), nil)
	}
	if name != "" {
		if other, ok := r.byName[name]; ok && other != id {
			return serr.Conflict(fmt.Sprintf("registry: name %q is already bound to a different partition", name), nil)
		}
		r.byName[name] = id
	}
	r.open[id] = name
	log.WithFields(map[string]interface{}{"id": id.String(), "name": name}).Info("partition opened")
	return nil
}

// Release marks a partition's UniqueID as closed, freeing it to be
// claimed again.
func (r *Registry) Release(id UniqueID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, id)
	log.WithField("id", id.String()).Info("partition closed")
}

// Lookup resolves a registered name to its UniqueID.
func (r *Registry) Lookup(name string) (UniqueID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// IsOpen reports whether id currently has an open claim.
func (r *Registry) IsOpen(id UniqueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[id]
	return ok
}

// TotalMacroblocks returns the backing store's raw macroblock count.
func (r *Registry) TotalMacroblocks() uint32 { return r.totalMacroblocks }

// Resize updates the total and reserved macroblock counts, extending or
// shrinking the free pool. Shrinking below the number of macroblocks
// currently assigned to open partitions is the caller's responsibility
// to avoid; Resize itself only adjusts pool bookkeeping.
func (r *Registry) Resize(newTotal, newReserved uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newReserved > newTotal {
		return serr.Config(fmt.Sprintf("registry: reserved count %d exceeds %d total macroblocks", newReserved, newTotal), nil)
	}

	grown := bitset.New(uint(newTotal))
	limit := r.totalMacroblocks
	if newTotal < limit {
		limit = newTotal
	}
	for i := uint32(0); i < limit; i++ {
		if r.unassigned.Test(uint(i)) {
			grown.Set(uint(i))
		}
	}
	for i := r.totalMacroblocks; i < newTotal; i++ {
		grown.Set(uint(i))
	}
	for i := uint32(0); i < newReserved; i++ {
		grown.Clear(uint(i))
	}

	r.unassigned = grown
	r.totalMacroblocks = newTotal
	r.reserved = newReserved
	return nil
}
