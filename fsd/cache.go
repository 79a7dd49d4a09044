package fsd

import (
	"strings"

	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// cache is the in-memory copy of all filesystem metadata: superblock,
// bitmaps, inode table, root directory and indirect tables. Mutations
// update the cache and record which partition-relative sectors must be
// written through; file data zones are never cached.
type cache struct {
	super  Super
	imap   bitmap
	zmap   bitmap
	inodes [NumInodes + 1]Inode
	ind    map[uint16][]uint16
	root   []Dirent

	dirty map[uint32]struct{}
}

func newCache() *cache {
	return &cache{
		imap:  make(bitmap, ZoneBytes),
		zmap:  make(bitmap, ZoneBytes),
		ind:   make(map[uint16][]uint16),
		dirty: make(map[uint32]struct{}),
	}
}

// format resets the cache to a freshly made filesystem on a partition of
// the given size and marks every metadata sector dirty.
func (c *cache) format(partSectors uint32) {
	zones := partSectors
	if zones > MaxZonesTotal {
		zones = MaxZonesTotal
	}
	c.super = Super{Magic: Magic, NumInodes: NumInodes, Zones: zones, FirstData: firstDataSector}
	c.imap = make(bitmap, ZoneBytes)
	c.zmap = make(bitmap, ZoneBytes)
	c.inodes = [NumInodes + 1]Inode{}
	c.ind = make(map[uint16][]uint16)
	c.root = nil
	c.dirty = make(map[uint32]struct{})

	// Burn the "none" bits and the metadata region.
	c.imap.set(0)
	for z := uint32(0); z < firstDataSector; z++ {
		c.zmap.set(z)
	}
	c.inodes[RootIno] = Inode{Mode: ModeDir, Links: 1}
	c.imap.set(uint32(RootIno))

	for s := uint32(superSector); s < firstDataSector; s++ {
		c.markDirty(s)
	}
}

// load rebuilds the cache from the metadata region; meta holds sectors
// 0..firstData-1 back to back.
func (c *cache) load(meta []byte) bool {
	super, ok := decodeSuper(meta[superSector*ZoneBytes:])
	if !ok {
		return false
	}
	c.super = super
	c.imap = append(bitmap(nil), meta[imapSector*ZoneBytes:(imapSector+1)*ZoneBytes]...)
	c.zmap = append(bitmap(nil), meta[zmapSector*ZoneBytes:(zmapSector+1)*ZoneBytes]...)
	for ino := 1; ino <= NumInodes; ino++ {
		c.inodes[ino] = decodeInode(inodeSlot(meta[inodeSector*ZoneBytes:], uint16(ino)))
	}
	c.ind = make(map[uint16][]uint16)
	c.root = nil
	c.dirty = make(map[uint32]struct{})
	return true
}

func inodeSlot(table []byte, ino uint16) []byte {
	off := int(ino-1) * inodeSize
	return table[off : off+inodeSize]
}

// extraZones lists the zones load() still needs read to finish: the root
// directory's data and every attached indirect table.
func (c *cache) extraZones() []uint32 {
	var zs []uint32
	rootNode := c.inodes[RootIno]
	for _, z := range rootNode.Zones {
		if z != 0 {
			zs = append(zs, uint32(z))
		}
	}
	for ino := 1; ino <= NumInodes; ino++ {
		if c.inodes[ino].Mode != ModeFree && c.inodes[ino].Indirect != 0 {
			zs = append(zs, uint32(c.inodes[ino].Indirect))
		}
	}
	return zs
}

// loadZone absorbs one of the extraZones reads.
func (c *cache) loadZone(zone uint32, data []byte) {
	rootNode := &c.inodes[RootIno]
	for _, z := range rootNode.Zones {
		if uint32(z) == zone {
			for off := 0; off+direntLen <= ZoneBytes; off += direntLen {
				c.root = append(c.root, decodeDirent(data[off:]))
			}
			return
		}
	}
	for ino := 1; ino <= NumInodes; ino++ {
		if c.inodes[ino].Mode != ModeFree && uint32(c.inodes[ino].Indirect) == zone {
			tbl := make([]uint16, IndirectSlots)
			for i := range tbl {
				tbl[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
			}
			c.ind[uint16(ino)] = tbl
			return
		}
	}
}

func (c *cache) markDirty(sector uint32) { c.dirty[sector] = struct{}{} }

// takeDirty drains the write-through set.
func (c *cache) takeDirty() []uint32 {
	out := make([]uint32, 0, len(c.dirty))
	for s := range c.dirty {
		out = append(out, s)
	}
	c.dirty = make(map[uint32]struct{})
	return out
}

// sectorData renders the current contents of a cached sector.
func (c *cache) sectorData(sector uint32) []byte {
	b := make([]byte, ZoneBytes)
	switch {
	case sector == superSector:
		c.super.encode(b)
	case sector == imapSector:
		copy(b, c.imap)
	case sector == zmapSector:
		copy(b, c.zmap)
	case sector >= inodeSector && sector < firstDataSector:
		first := uint16((sector-inodeSector)*inodesPerSec) + 1
		for i := uint16(0); i < inodesPerSec; i++ {
			c.inodes[first+i].encode(b[int(i)*inodeSize:])
		}
	default:
		if zi, ok := c.rootZoneIndex(sector); ok {
			for slot := 0; slot < ZoneBytes/direntLen; slot++ {
				idx := zi*(ZoneBytes/direntLen) + slot
				if idx < len(c.root) {
					c.root[idx].encode(b[slot*direntLen:])
				}
			}
			break
		}
		for ino, tbl := range c.ind {
			if uint32(c.inodes[ino].Indirect) == sector {
				for i, z := range tbl {
					b[2*i] = byte(z)
					b[2*i+1] = byte(z >> 8)
				}
				break
			}
		}
	}
	return b
}

func (c *cache) rootZoneIndex(sector uint32) (int, bool) {
	for zi, z := range c.inodes[RootIno].Zones {
		if z != 0 && uint32(z) == sector {
			return zi, true
		}
	}
	return 0, false
}

// Allocation.

func (c *cache) allocZone() uint16 {
	limit := c.super.Zones
	z := c.zmap.alloc(limit)
	c.markDirty(zmapSector)
	return uint16(z)
}

func (c *cache) freeZone(z uint16) {
	if z != 0 {
		c.zmap.clear(uint32(z))
		c.markDirty(zmapSector)
	}
}

func (c *cache) inodeSectorOf(ino uint16) uint32 {
	return inodeSector + uint32(ino-1)/inodesPerSec
}

func (c *cache) touchInode(ino uint16) { c.markDirty(c.inodeSectorOf(ino)) }

// Directory.

func (c *cache) lookup(name string) (uint16, bool) {
	for _, d := range c.root {
		if d.Ino != 0 && d.Name == name {
			return d.Ino, true
		}
	}
	return 0, false
}

func checkName(name string) kernel.Status {
	if name == "" || strings.ContainsRune(name, '/') {
		return kernel.EINVAL
	}
	if len(name) > NameLen {
		return kernel.ENAMETOOLONG
	}
	return kernel.EOK
}

// addDirent installs name→ino in the root directory, growing it by a
// zone when every slot is taken.
func (c *cache) addDirent(name string, ino uint16) kernel.Status {
	for i := range c.root {
		if c.root[i].Ino == 0 {
			c.root[i] = Dirent{Ino: ino, Name: name}
			c.dirtyRootSlot(i)
			return kernel.EOK
		}
	}

	rootNode := &c.inodes[RootIno]
	zi := len(c.root) / (ZoneBytes / direntLen)
	if zi >= DirectZones {
		return kernel.EXFULL
	}
	if rootNode.Zones[zi] == 0 {
		z := c.allocZone()
		if z == 0 {
			return kernel.ENOSPC
		}
		rootNode.Zones[zi] = z
		c.touchInode(RootIno)
	}
	grown := make([]Dirent, (zi+1)*(ZoneBytes/direntLen))
	copy(grown, c.root)
	c.root = grown
	c.root[zi*(ZoneBytes/direntLen)] = Dirent{Ino: ino, Name: name}
	rootNode.Size = uint32(len(c.root) * direntLen)
	c.touchInode(RootIno)
	c.markDirty(uint32(rootNode.Zones[zi]))
	return kernel.EOK
}

func (c *cache) dirtyRootSlot(i int) {
	zi := i / (ZoneBytes / direntLen)
	c.markDirty(uint32(c.inodes[RootIno].Zones[zi]))
}

// Operations.

func (c *cache) mknod(name string) (uint16, kernel.Status) {
	if st := checkName(name); st != kernel.EOK {
		return 0, st
	}
	if _, exists := c.lookup(name); exists {
		return 0, kernel.EEXIST
	}
	ino := uint16(c.imap.alloc(NumInodes + 1))
	if ino == 0 {
		return 0, kernel.ENOSPC
	}
	if st := c.addDirent(name, ino); st != kernel.EOK {
		c.imap.clear(uint32(ino))
		return 0, st
	}
	c.inodes[ino] = Inode{Mode: ModeFile, Links: 1}
	c.markDirty(imapSector)
	c.touchInode(ino)
	return ino, kernel.EOK
}

func (c *cache) link(ino uint16, name string) kernel.Status {
	if st := checkName(name); st != kernel.EOK {
		return st
	}
	if !c.validIno(ino) {
		return kernel.ENOENT
	}
	if c.inodes[ino].Mode == ModeDir {
		// Directories are unremovable, so they must not gain names.
		return kernel.EPERM
	}
	if _, exists := c.lookup(name); exists {
		return kernel.EEXIST
	}
	if c.inodes[ino].Links >= MaxLinks {
		return kernel.EMLINK
	}
	if st := c.addDirent(name, ino); st != kernel.EOK {
		return st
	}
	c.inodes[ino].Links++
	c.touchInode(ino)
	return kernel.EOK
}

func (c *cache) unlink(name string) kernel.Status {
	if st := checkName(name); st != kernel.EOK {
		return st
	}
	for i := range c.root {
		d := &c.root[i]
		if d.Ino == 0 || d.Name != name {
			continue
		}
		ino := d.Ino
		if c.inodes[ino].Mode == ModeDir {
			return kernel.EPERM
		}
		d.Ino = 0
		d.Name = ""
		c.dirtyRootSlot(i)
		c.inodes[ino].Links--
		if c.inodes[ino].Links == 0 {
			c.release(ino)
		}
		c.touchInode(ino)
		return kernel.EOK
	}
	return kernel.ENOENT
}

// release frees everything the inode holds.
func (c *cache) release(ino uint16) {
	n := &c.inodes[ino]
	for zi, z := range n.Zones {
		c.freeZone(z)
		n.Zones[zi] = 0
	}
	if tbl, ok := c.ind[ino]; ok {
		for _, z := range tbl {
			c.freeZone(z)
		}
		delete(c.ind, ino)
	}
	c.freeZone(n.Indirect)
	*n = Inode{}
	c.imap.clear(uint32(ino))
	c.markDirty(imapSector)
	c.touchInode(ino)
}

func (c *cache) path(p string) (uint16, kernel.Status) {
	name := strings.TrimPrefix(p, "/")
	if name == "" {
		return RootIno, kernel.EOK
	}
	if strings.ContainsRune(name, '/') {
		return 0, kernel.ENOTDIR
	}
	if len(name) > NameLen {
		return 0, kernel.ENAMETOOLONG
	}
	ino, ok := c.lookup(name)
	if !ok {
		return 0, kernel.ENOENT
	}
	return ino, kernel.EOK
}

// indir attaches an indirect zone, extending the file's capacity past
// its direct zones. Attaching twice is a no-op.
func (c *cache) indir(ino uint16) kernel.Status {
	if !c.validIno(ino) {
		return kernel.ENOENT
	}
	n := &c.inodes[ino]
	if n.Indirect != 0 {
		return kernel.EOK
	}
	z := c.allocZone()
	if z == 0 {
		return kernel.ENOSPC
	}
	n.Indirect = z
	c.ind[ino] = make([]uint16, IndirectSlots)
	c.touchInode(ino)
	c.markDirty(uint32(z))
	return kernel.EOK
}

func (c *cache) validIno(ino uint16) bool {
	return ino >= 1 && ino <= NumInodes && c.inodes[ino].Mode != ModeFree
}

// fileZone resolves a file's zi-th zone. With allocate set, missing
// zones are allocated; a file that has run out of reserved zones reports
// EXFULL, a full zone map ENOSPC.
func (c *cache) fileZone(ino uint16, zi uint32, allocate bool) (uint16, kernel.Status) {
	n := &c.inodes[ino]
	if zi < DirectZones {
		z := n.Zones[zi]
		if z == 0 && allocate {
			if z = c.allocZone(); z == 0 {
				return 0, kernel.ENOSPC
			}
			n.Zones[zi] = z
			c.touchInode(ino)
		}
		return z, kernel.EOK
	}
	if n.Indirect == 0 || zi >= MaxZones {
		if allocate {
			return 0, kernel.EXFULL
		}
		return 0, kernel.EOK
	}
	tbl := c.ind[ino]
	z := tbl[zi-DirectZones]
	if z == 0 && allocate {
		if z = c.allocZone(); z == 0 {
			return 0, kernel.ENOSPC
		}
		tbl[zi-DirectZones] = z
		c.markDirty(uint32(n.Indirect))
	}
	return z, kernel.EOK
}

// truncate drops the file's contents, keeping the inode and its links.
func (c *cache) truncate(ino uint16) kernel.Status {
	if !c.validIno(ino) {
		return kernel.ENOENT
	}
	n := &c.inodes[ino]
	for zi, z := range n.Zones {
		c.freeZone(z)
		n.Zones[zi] = 0
	}
	if tbl, ok := c.ind[ino]; ok {
		for _, z := range tbl {
			c.freeZone(z)
		}
		delete(c.ind, ino)
	}
	c.freeZone(n.Indirect)
	n.Indirect = 0
	n.Size = 0
	c.touchInode(ino)
	return kernel.EOK
}
