package fsd

import (
	"testing"

	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

func freshCache() *cache {
	c := newCache()
	c.format(256)
	c.takeDirty()
	return c
}

// apply runs a script synchronously against media, the way the service
// runs it through the block driver.
func apply(t *testing.T, m hal.Media, steps []step) {
	t.Helper()
	for _, s := range steps {
		var err error
		if s.write {
			_, err = m.WriteAt(s.buf, int64(s.sector)*ZoneBytes)
		} else {
			_, err = m.ReadAt(s.buf, int64(s.sector)*ZoneBytes)
		}
		if err != nil {
			t.Fatal(err)
		}
		if s.after != nil {
			s.after()
		}
	}
}

func TestMknodPathUnlink(t *testing.T) {
	c := freshCache()

	ino, st := c.mknod("data.log")
	if st != kernel.EOK || ino == 0 {
		t.Fatalf("mknod = %d, %v", ino, st)
	}

	got, st := c.path("/data.log")
	if st != kernel.EOK || got != ino {
		t.Fatalf("path = %d, %v", got, st)
	}

	if got, st := c.path("/"); st != kernel.EOK || got != RootIno {
		t.Fatalf("root path = %d, %v", got, st)
	}

	if st := c.unlink("data.log"); st != kernel.EOK {
		t.Fatalf("unlink = %v", st)
	}
	if _, st := c.path("/data.log"); st != kernel.ENOENT {
		t.Fatalf("path after unlink = %v", st)
	}
}

func TestMknodErrors(t *testing.T) {
	c := freshCache()

	if _, st := c.mknod(""); st != kernel.EINVAL {
		t.Fatalf("empty name = %v", st)
	}
	if _, st := c.mknod("way-too-long-a-name"); st != kernel.ENAMETOOLONG {
		t.Fatalf("long name = %v", st)
	}
	c.mknod("x")
	if _, st := c.mknod("x"); st != kernel.EEXIST {
		t.Fatalf("duplicate = %v", st)
	}
}

func TestLinkRefusesDirectory(t *testing.T) {
	c := freshCache()

	// The root directory cannot be unlinked, so it must not gain extra
	// names either.
	if st := c.link(RootIno, "rootlink"); st != kernel.EPERM {
		t.Fatalf("link to directory = %v", st)
	}
	if _, st := c.path("/rootlink"); st != kernel.ENOENT {
		t.Fatalf("path after refused link = %v", st)
	}
	if st := c.unlink("/"); st != kernel.EINVAL {
		t.Fatalf("unlink slash = %v", st)
	}
}

func TestLinkSharesInode(t *testing.T) {
	c := freshCache()

	ino, _ := c.mknod("a")
	if st := c.link(ino, "b"); st != kernel.EOK {
		t.Fatalf("link = %v", st)
	}
	if got, _ := c.path("b"); got != ino {
		t.Fatalf("path b = %d", got)
	}

	// Unlinking one name keeps the inode alive through the other.
	c.unlink("a")
	if !c.validIno(ino) {
		t.Fatal("inode freed while still linked")
	}
	c.unlink("b")
	if c.validIno(ino) {
		t.Fatal("inode not freed at zero links")
	}
}

func TestWritePastDirectZonesNeedsIndirect(t *testing.T) {
	c := freshCache()
	ino, _ := c.mknod("big")

	// Fill all direct zones.
	for zi := uint32(0); zi < DirectZones; zi++ {
		if _, _, st := c.writeScript(ino, zi*ZoneBytes, make([]byte, ZoneBytes), false); st != kernel.EOK {
			t.Fatalf("zone %d: %v", zi, st)
		}
	}
	if _, _, st := c.writeScript(ino, DirectZones*ZoneBytes, []byte("x"), false); st != kernel.EXFULL {
		t.Fatalf("past direct zones = %v", st)
	}

	if st := c.indir(ino); st != kernel.EOK {
		t.Fatalf("indir = %v", st)
	}
	if _, newpos, st := c.writeScript(ino, DirectZones*ZoneBytes, []byte("x"), false); st != kernel.EOK || newpos != DirectZones*ZoneBytes+1 {
		t.Fatalf("after indir = %v, pos %d", st, newpos)
	}
}

func TestReadWriteRoundtrip(t *testing.T) {
	c := freshCache()
	m := hal.NewMemMedia(256 * ZoneBytes)
	ino, _ := c.mknod("f")

	msg := []byte("hello, little filesystem")
	steps, newpos, st := c.writeScript(ino, 0, msg, false)
	if st != kernel.EOK || newpos != uint32(len(msg)) {
		t.Fatalf("write = %v, pos %d", st, newpos)
	}
	apply(t, m, steps)

	steps, out, newpos, st := c.readScript(ino, 0, 64)
	if st != kernel.EOK {
		t.Fatalf("read = %v", st)
	}
	apply(t, m, steps)
	if string(out) != string(msg) {
		t.Fatalf("read back %q", out)
	}
	if newpos != uint32(len(msg)) {
		t.Fatalf("newpos = %d", newpos)
	}
}

func TestPartialWritePreservesZone(t *testing.T) {
	c := freshCache()
	m := hal.NewMemMedia(256 * ZoneBytes)
	ino, _ := c.mknod("f")

	full := make([]byte, ZoneBytes)
	for i := range full {
		full[i] = 0xAB
	}
	steps, _, _ := c.writeScript(ino, 0, full, false)
	apply(t, m, steps)

	steps, _, st := c.writeScript(ino, 100, []byte("patch"), false)
	if st != kernel.EOK {
		t.Fatalf("patch = %v", st)
	}
	apply(t, m, steps)

	steps, out, _, _ := c.readScript(ino, 0, uint16(ZoneBytes))
	apply(t, m, steps)
	if string(out[100:105]) != "patch" {
		t.Fatalf("patch missing: %q", out[100:105])
	}
	if out[99] != 0xAB || out[105] != 0xAB {
		t.Fatal("surrounding bytes clobbered")
	}
}

func TestTruncateResetsFile(t *testing.T) {
	c := freshCache()
	ino, _ := c.mknod("f")

	c.writeScript(ino, 0, make([]byte, 2*ZoneBytes), false)
	if c.inodes[ino].Size != 2*ZoneBytes {
		t.Fatalf("size = %d", c.inodes[ino].Size)
	}

	_, newpos, st := c.writeScript(ino, 999, []byte("top"), true)
	if st != kernel.EOK || newpos != 3 {
		t.Fatalf("truncating write = %v, pos %d", st, newpos)
	}
	if c.inodes[ino].Size != 3 {
		t.Fatalf("size after truncate = %d", c.inodes[ino].Size)
	}
}

func TestLoadRebuildsState(t *testing.T) {
	c := freshCache()
	ino, _ := c.mknod("keep")
	c.indir(ino)

	// Render the metadata region the way the flush would.
	meta := make([]byte, firstDataSector*ZoneBytes)
	for sec := uint32(0); sec < firstDataSector; sec++ {
		copy(meta[sec*ZoneBytes:], c.sectorData(sec))
	}

	c2 := newCache()
	if !c2.load(meta) {
		t.Fatal("load refused valid metadata")
	}
	for _, zone := range c2.extraZones() {
		c2.loadZone(zone, c.sectorData(zone))
	}

	got, st := c2.path("keep")
	if st != kernel.EOK || got != ino {
		t.Fatalf("path after reload = %d, %v", got, st)
	}
	if c2.inodes[ino].Indirect == 0 {
		t.Fatal("indirect zone lost on reload")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	c := newCache()
	if c.load(make([]byte, firstDataSector*ZoneBytes)) {
		t.Fatal("load accepted zeroed metadata")
	}
}
