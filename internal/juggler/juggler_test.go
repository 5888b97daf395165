package juggler

import "testing"

// lcgSource is a small deterministic linear congruential generator used
// in tests so scheduling decisions are reproducible.
type lcgSource struct{ state uint32 }

func (s *lcgSource) Uint32() uint32 {
	s.state = s.state*1664525 + 1013904223
	return s.state
}

func newTestJuggler(n int) *Juggler {
	j := New(&lcgSource{state: 12345})
	for i := 0; i < n; i++ {
		j.Add(uint32(i))
	}
	return j
}

func TestSelectNextAlwaysReturnsATrackedMacroblock(t *testing.T) {
	j := newTestJuggler(8)
	known := map[uint32]bool{}
	for i := uint32(0); i < 8; i++ {
		known[i] = true
	}
	for i := 0; i < 500; i++ {
		id := j.SelectNext()
		if !known[id] {
			t.Fatalf("SelectNext() returned untracked macroblock id %d", id)
		}
	}
}

func TestSelectNextCoversEveryMacroblockEventually(t *testing.T) {
	j := newTestJuggler(6)
	seen := map[uint32]bool{}
	for i := 0; i < 2000 && len(seen) < 6; i++ {
		seen[j.SelectNext()] = true
	}
	if len(seen) != 6 {
		t.Fatalf("after 2000 draws, only saw %d of 6 macroblocks: %v", len(seen), seen)
	}
}

func TestSelectNextOnSingleMacroblockNeverPanics(t *testing.T) {
	j := newTestJuggler(1)
	for i := 0; i < 50; i++ {
		if got := j.SelectNext(); got != 0 {
			t.Fatalf("SelectNext() = %d, want 0 (only tracked block)", got)
		}
	}
}

func TestSelectNextPanicsWhenEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling SelectNext() on an empty juggler")
		}
	}()
	New(&lcgSource{state: 1}).SelectNext()
}

func TestLenTracksAddedMacroblocks(t *testing.T) {
	j := newTestJuggler(10)
	if got := j.Len(); got != 10 {
		t.Fatalf("Len() = %d, want 10", got)
	}
	j.SelectNext()
	if got := j.Len(); got != 10 {
		t.Fatalf("Len() after SelectNext() = %d, want 10 (tracked-macroblock count is stable)", got)
	}
}

func TestTailReportsNextRecycledMacroblockWithoutConsuming(t *testing.T) {
	j := newTestJuggler(3)
	if _, ok := j.Tail(); ok {
		t.Fatal("Tail() should report nothing before any block has been scheduled")
	}
	for i := 0; i < 10; i++ {
		if tailID, ok := j.Tail(); ok {
			gotID := j.SelectNext()
			if gotID != tailID {
				t.Fatalf("SelectNext() = %d, want Tail()'s reported %d", gotID, tailID)
			}
		} else {
			j.SelectNext()
		}
	}
}
