package registry

import (
	"testing"

	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/macroblock"
)

func TestAllocateAndFreeMacroblocks(t *testing.T) {
	r, err := New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.FreeCount(); got != 16 {
		t.Fatalf("FreeCount() = %d, want 16", got)
	}

	ids, err := r.AllocateMacroblocks(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 5 {
		t.Fatalf("AllocateMacroblocks(5) returned %d ids", len(ids))
	}
	seen := map[uint32]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("AllocateMacroblocks returned duplicate id %d", id)
		}
		seen[id] = true
	}
	if got := r.FreeCount(); got != 11 {
		t.Fatalf("FreeCount() after allocating 5 = %d, want 11", got)
	}

	r.FreeMacroblocks(ids)
	if got := r.FreeCount(); got != 16 {
		t.Fatalf("FreeCount() after freeing = %d, want 16", got)
	}
}

func TestAllocateRejectsWhenPoolExhausted(t *testing.T) {
	r, err := New(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AllocateMacroblocks(5); err == nil {
		t.Fatal("expected error allocating more macroblocks than exist")
	}
}

func TestReservedMacroblocksAreNeverAllocated(t *testing.T) {
	r, err := New(10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.FreeCount(); got != 7 {
		t.Fatalf("FreeCount() = %d, want 7 with 3 reserved", got)
	}
	ids, err := r.AllocateMacroblocks(7)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id < 3 {
			t.Fatalf("AllocateMacroblocks returned reserved id %d", id)
		}
	}
}

func TestClaimRejectsDuplicateUniqueID(t *testing.T) {
	r, err := New(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	var id UniqueID
	id[0] = 1

	if err := r.Claim(id, "alpha"); err != nil {
		t.Fatal(err)
	}
	if err := r.Claim(id, "beta"); err == nil {
		t.Fatal("expected ConflictError claiming an already-open unique id")
	}

	r.Release(id)
	if err := r.Claim(id, "beta"); err != nil {
		t.Fatalf("Claim() after Release() = %v, want success", err)
	}
}

func TestLookupResolvesRegisteredName(t *testing.T) {
	r, err := New(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	var id UniqueID
	id[0] = 7
	if err := r.Claim(id, "mypartition"); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Lookup("mypartition")
	if !ok || got != id {
		t.Fatalf("Lookup(mypartition) = (%v, %v), want (%v, true)", got, ok, id)
	}
}

func TestComputeUniqueIDDiffersByKey(t *testing.T) {
	geo := macroblock.Geometry{MacroblockLog: 16, MesoblockLog: 12}
	spec, err := cipher.Parse("CBC_ESSIV(AES256)")
	if err != nil {
		t.Fatal(err)
	}

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 1

	c1, err := cipher.Open(spec, key1)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := cipher.Open(spec, key2)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	id1, err := ComputeUniqueID(geo, c1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ComputeUniqueID(geo, c2)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("ComputeUniqueID produced the same id for two different keys")
	}
}

func TestResizeGrowsFreePool(t *testing.T) {
	r, err := New(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Resize(16, 0); err != nil {
		t.Fatal(err)
	}
	if got := r.FreeCount(); got != 16 {
		t.Fatalf("FreeCount() after growing = %d, want 16", got)
	}
	if got := r.TotalMacroblocks(); got != 16 {
		t.Fatalf("TotalMacroblocks() = %d, want 16", got)
	}
}

func TestResizeShrinkPreservesAssignedState(t *testing.T) {
	r, err := New(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := r.AllocateMacroblocks(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Resize(4, 0); err != nil {
		t.Fatal(err)
	}
	below := uint32(0)
	for _, id := range ids {
		if id < 4 {
			below++
			if r.unassigned.Test(uint(id)) {
				t.Fatalf("macroblock %d was assigned before the shrink but is free after it", id)
			}
		}
	}
	if got := r.FreeCount(); got != 4-below {
		t.Fatalf("FreeCount() after shrink = %d, want %d", got, 4-below)
	}
}
