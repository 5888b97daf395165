package rawdevice

import (
	"os"
	"path/filepath"
	"testing"
)

func makeBackingFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenComputesMacroblockCount(t *testing.T) {
	path := makeBackingFile(t, 16<<20) // 16 MiB
	d, err := Open(path, 22)           // 4 MiB macroblocks
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if got, want := d.NumMacroblocks(), uint32(4); got != want {
		t.Fatalf("NumMacroblocks() = %d, want %d", got, want)
	}
}

func TestOpenRejectsUndersizedStore(t *testing.T) {
	path := makeBackingFile(t, 1<<10) // 1 KiB, smaller than one macroblock
	if _, err := Open(path, 22); err == nil {
		t.Fatal("expected error for undersized backing store")
	}
}

func TestOpenRejectsSecondLock(t *testing.T) {
	path := makeBackingFile(t, 16<<20)
	d1, err := Open(path, 22)
	if err != nil {
		t.Fatal(err)
	}
	defer d1.Close()

	if _, err := Open(path, 22); err == nil {
		t.Fatal("expected locking error on second open")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := makeBackingFile(t, 16<<20)
	d, err := Open(path, 22)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	payload := []byte("hello, world\n")
	if err := d.WriteAt(1, 100, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err := d.ReadAt(1, 100, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadWriteRejectOutOfRangeMacroblock(t *testing.T) {
	path := makeBackingFile(t, 16<<20)
	d, err := Open(path, 22)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.WriteAt(4, 0, []byte{1}); err == nil {
		t.Fatal("expected error for out-of-range macroblock")
	}
}
