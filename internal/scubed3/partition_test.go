package scubed3

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/macroblock"
	"github.com/oddcipher/scubed3/internal/rawdevice"
	"github.com/oddcipher/scubed3/internal/registry"
	"github.com/oddcipher/scubed3/internal/serr"
)

type testRig struct {
	reg   *registry.Registry
	store *macroblock.Store
	dev   *rawdevice.Device
	geo   macroblock.Geometry
	c     *cipher.Cipher
}

func newTestRig(t *testing.T, totalMacroblocks int64) *testRig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing")
	const macroblockLog, mesoblockLog = 16, 12 // 64 KiB macroblocks, 4 KiB mesoblocks, MMPM=15
	size := totalMacroblocks << macroblockLog
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

	dev, err := rawdevice.Open(path, macroblockLog)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	geo := macroblock.Geometry{MacroblockLog: macroblockLog, MesoblockLog: mesoblockLog}
	store, err := macroblock.Open(dev, geo)
	if err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(dev.NumMacroblocks(), 0)
	if err != nil {
		t.Fatal(err)
	}

	spec, err := cipher.Parse("CBC_ESSIV(AES256)")
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	c, err := cipher.Open(spec, key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	return &testRig{reg: reg, store: store, dev: dev, geo: geo, c: c}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("scubed3-payload-"), 64)
	if err := p.DoWrite(100, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err := p.DoRead(100, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %d bytes did not match what was written", len(payload))
	}
}

func TestReadOfUnwrittenSlotIsZero(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 64)
	if err := p.DoRead(0, out); err != nil {
		t.Fatal(err)
	}
	for _, b := range out {
		if b != 0 {
			t.Fatal("unwritten slot did not read back as zero")
		}
	}
}

func TestCloseThenOpenReplaysData(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("persisted across a close/open cycle")
	if err := p.DoWrite(0, payload); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(rig.reg, rig.store, rig.geo, rig.c, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := reopened.DoRead(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("replayed read = %q, want %q", got, payload)
	}
}

func TestCyclePreservesLiveData(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DoWrite(0, []byte("some data")); err != nil {
		t.Fatal(err)
	}
	if err := p.Cycle(8); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len("some data"))
	if err := p.DoRead(0, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "some data" {
		t.Fatalf("data did not survive Cycle(): got %q", got)
	}
}

func TestCheckDataIntegrityPassesAfterWrite(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DoWrite(0, []byte("integrity-checked payload")); err != nil {
		t.Fatal(err)
	}
	if err := p.Cycle(1); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckDataIntegrity(); err != nil {
		t.Fatalf("CheckDataIntegrity() = %v, want nil", err)
	}
}

func TestOpenRejectsForgedSeqnosHash(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DoWrite(0, []byte("data the chain should protect")); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	var macroID uint32
	var hdr *macroblock.Header
	for m := uint32(0); m < rig.reg.TotalMacroblocks(); m++ {
		h, scanErr := rig.store.Scan(rig.c, m)
		if scanErr == macroblock.ErrNotOurs {
			continue
		}
		if scanErr != nil {
			t.Fatal(scanErr)
		}
		macroID, hdr = m, h
		break
	}
	if hdr == nil {
		t.Fatal("expected at least one written macroblock to scan")
	}

	// Forge the chain value. WriteCurrent recomputes INDEX_HASH and
	// DATA_HASH over the forged header and the macroblock's existing
	// data, so the macroblock remains internally self-consistent --
	// only the SEQNOS_HASH chain itself is broken.
	hdr.SeqnosHash[0] ^= 0xFF
	dataMesoblocks := make([][]byte, hdr.NoIndices)
	for i := uint32(0); i < hdr.NoIndices; i++ {
		buf := make([]byte, rig.geo.MesoblockSize())
		if err := rig.store.ReadMeso(rig.c, macroID, hdr.Seqno, i+1, buf); err != nil {
			t.Fatal(err)
		}
		dataMesoblocks[i] = buf
	}
	if err := rig.store.WriteCurrent(rig.c, macroID, hdr, dataMesoblocks); err != nil {
		t.Fatal(err)
	}

	_, err = Open(rig.reg, rig.store, rig.geo, rig.c, "alpha")
	if err == nil {
		t.Fatal("Open() after SEQNOS_HASH tampering = nil, want IntegrityError")
	}
	if serr.Of(err) != serr.KindIntegrity {
		t.Fatalf("Open() after SEQNOS_HASH tampering: serr.Of(err) = %v, want KindIntegrity", serr.Of(err))
	}
}

func TestResizeGrowExtendsLogicalSlots(t *testing.T) {
	rig := newTestRig(t, 12)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	before := p.Size()
	if err := p.Resize(8); err != nil {
		t.Fatal(err)
	}
	if p.Size() <= before {
		t.Fatalf("Size() after grow = %d, want > %d", p.Size(), before)
	}
}

func TestAuxStoreRoundTrips(t *testing.T) {
	rig := newTestRig(t, 8)
	p, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.GetAux("label"); ok {
		t.Fatal("expected no aux value before SetAux")
	}
	p.SetAux("label", "backup-2026")
	got, ok := p.GetAux("label")
	if !ok || got != "backup-2026" {
		t.Fatalf("GetAux() = (%q, %v), want (\"backup-2026\", true)", got, ok)
	}
}

func TestCreateRejectsConflictingOpenPartition(t *testing.T) {
	rig := newTestRig(t, 8)
	if _, err := Create(rig.reg, rig.store, rig.geo, rig.c, "alpha", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(rig.reg, rig.store, rig.geo, rig.c, "beta", 4); err == nil {
		t.Fatal("expected ConflictError creating a second partition under the same key")
	}
}
