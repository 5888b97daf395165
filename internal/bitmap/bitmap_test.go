package bitmap

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	b := New(100, Width)
	b.Set(0, uint32(Used))
	b.Set(1, uint32(Free))
	b.Set(99, uint32(Used))

	if got := b.Get(0); got != uint32(Used) {
		t.Fatalf("Get(0) = %d, want Used", got)
	}
	if got := b.Get(1); got != uint32(Free) {
		t.Fatalf("Get(1) = %d, want Free", got)
	}
	if got := b.Get(99); got != uint32(Used) {
		t.Fatalf("Get(99) = %d, want Used", got)
	}
	if b.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", b.Count())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(50, Width)
	for i := uint32(0); i < 50; i += 3 {
		b.Set(i, uint32(Used))
	}
	words := append([]uint32(nil), b.Words()...)

	b2 := New(50, Width)
	if err := b2.SetWords(words); err != nil {
		t.Fatalf("SetWords: %v", err)
	}
	if b2.Count() != b.Count() {
		t.Fatalf("Count mismatch after round trip: got %d want %d", b2.Count(), b.Count())
	}
	for i := uint32(0); i < 50; i++ {
		if b2.Get(i) != b.Get(i) {
			t.Fatalf("bit %d mismatch after round trip", i)
		}
	}
}
