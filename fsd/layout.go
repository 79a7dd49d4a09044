// Package fsd is the filesystem secretary: a bus-served little
// filesystem confined to one partition of the node's storage. It answers
// inode-, bitmap- and directory-level requests (mknod, link, unlink,
// path, read, write, indirect-attach, mkfs, raw sector) arriving as bus
// frames, running its sector traffic through the block-device driver.
//
// On-disk layout, all little-endian, one 512-byte zone per sector,
// partition-relative:
//
//	sector 0                  superblock
//	sector 1                  inode bitmap
//	sector 2                  zone bitmap
//	sectors 3..3+N-1          inode table
//	sectors firstData..       data zones
//
// Directories are flat: the root inode's data zones hold fixed 16-byte
// entries. Zone and inode number zero mean "none"; bit zero of each
// bitmap is burned at format time.
package fsd

import "encoding/binary"

const (
	// Magic identifies a formatted partition.
	Magic uint16 = 0x4C57

	// ZoneBytes is the allocation unit, one sector.
	ZoneBytes = 512

	superSector = 0
	imapSector  = 1
	zmapSector  = 2
	inodeSector = 3

	// NumInodes fixes the inode table: four sectors of 32-byte inodes.
	NumInodes    = 64
	inodeSize    = 32
	inodesPerSec = ZoneBytes / inodeSize
	inodeSectors = NumInodes / inodesPerSec

	firstDataSector = inodeSector + inodeSectors

	// RootIno is the flat root directory.
	RootIno uint16 = 1

	// DirectZones is a fresh file's zone capacity; an attached indirect
	// zone extends it by IndirectSlots more.
	DirectZones   = 7
	IndirectSlots = ZoneBytes / 2
	MaxZones      = DirectZones + IndirectSlots

	// NameLen bounds a directory entry name.
	NameLen   = 14
	direntLen = 16

	// MaxLinks bounds an inode's link count.
	MaxLinks = 250

	// MaxZonesTotal bounds the zone bitmap: one sector of bits.
	MaxZonesTotal = ZoneBytes * 8
)

// Super is the superblock.
type Super struct {
	Magic     uint16
	NumInodes uint16
	Zones     uint32 // partition size in zones
	FirstData uint32 // first data zone number
}

func (s Super) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], s.Magic)
	binary.LittleEndian.PutUint16(b[2:4], s.NumInodes)
	binary.LittleEndian.PutUint32(b[4:8], s.Zones)
	binary.LittleEndian.PutUint32(b[8:12], s.FirstData)
}

func decodeSuper(b []byte) (s Super, ok bool) {
	if len(b) < 12 {
		return Super{}, false
	}
	s = Super{
		Magic:     binary.LittleEndian.Uint16(b[0:2]),
		NumInodes: binary.LittleEndian.Uint16(b[2:4]),
		Zones:     binary.LittleEndian.Uint32(b[4:8]),
		FirstData: binary.LittleEndian.Uint32(b[8:12]),
	}
	return s, s.Magic == Magic && s.NumInodes == NumInodes
}

// Inode modes.
const (
	ModeFree uint16 = iota
	ModeFile
	ModeDir
)

// Inode is one 32-byte table entry.
type Inode struct {
	Mode     uint16
	Links    uint16
	Size     uint32
	Zones    [DirectZones]uint16
	Indirect uint16
}

func (i Inode) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], i.Mode)
	binary.LittleEndian.PutUint16(b[2:4], i.Links)
	binary.LittleEndian.PutUint32(b[4:8], i.Size)
	for z := 0; z < DirectZones; z++ {
		binary.LittleEndian.PutUint16(b[8+2*z:], i.Zones[z])
	}
	binary.LittleEndian.PutUint16(b[22:24], i.Indirect)
}

func decodeInode(b []byte) Inode {
	var i Inode
	i.Mode = binary.LittleEndian.Uint16(b[0:2])
	i.Links = binary.LittleEndian.Uint16(b[2:4])
	i.Size = binary.LittleEndian.Uint32(b[4:8])
	for z := 0; z < DirectZones; z++ {
		i.Zones[z] = binary.LittleEndian.Uint16(b[8+2*z:])
	}
	i.Indirect = binary.LittleEndian.Uint16(b[22:24])
	return i
}

// Dirent is one flat-directory slot. A zero inode marks the slot free.
type Dirent struct {
	Ino  uint16
	Name string
}

func (d Dirent) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], d.Ino)
	n := copy(b[2:2+NameLen], d.Name)
	for ; n < NameLen; n++ {
		b[2+n] = 0
	}
}

func decodeDirent(b []byte) Dirent {
	name := b[2 : 2+NameLen]
	end := 0
	for end < NameLen && name[end] != 0 {
		end++
	}
	return Dirent{
		Ino:  binary.LittleEndian.Uint16(b[0:2]),
		Name: string(name[:end]),
	}
}

// bitmap is one sector of allocation bits.
type bitmap []byte

func (m bitmap) test(n uint32) bool { return m[n/8]&(1<<(n%8)) != 0 }
func (m bitmap) set(n uint32)       { m[n/8] |= 1 << (n % 8) }
func (m bitmap) clear(n uint32)     { m[n/8] &^= 1 << (n % 8) }

// alloc finds, sets and returns the first clear bit below limit; zero
// means the map is full.
func (m bitmap) alloc(limit uint32) uint32 {
	for n := uint32(1); n < limit; n++ {
		if !m.test(n) {
			m.set(n)
			return n
		}
	}
	return 0
}
