package fsd

import (
	"encoding/binary"

	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
)

// Bus request opcodes served by the filesystem secretary. Each request
// frame is answered by a reply frame with the same opcode, a status in
// the result slot and the payload documented per codec.
const (
	OpMknod wire.Op = 0x20 + iota
	OpRead
	OpWrite
	OpLink
	OpUnlink
	OpPath
	OpIndir
	OpMkfs
	OpSector
)

// MaxIO bounds one read or write request's data, a single zone.
const MaxIO = ZoneBytes

// Mknod: request [nameLen u8, name]; reply [ino u16].

func EncodeMknod(name string) []byte {
	b := make([]byte, 1+len(name))
	b[0] = uint8(len(name))
	copy(b[1:], name)
	return b
}

func DecodeMknod(b []byte) (name string, ok bool) {
	return decodeName(b)
}

func decodeName(b []byte) (string, bool) {
	if len(b) < 1 || int(b[0]) != len(b)-1 {
		return "", false
	}
	return string(b[1:]), true
}

// Read: request [ino u16, pos u32, count u16]; reply [newpos u32, data].

func EncodeRead(ino uint16, pos uint32, count uint16) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], ino)
	binary.LittleEndian.PutUint32(b[2:6], pos)
	binary.LittleEndian.PutUint16(b[6:8], count)
	return b
}

func DecodeRead(b []byte) (ino uint16, pos uint32, count uint16, ok bool) {
	if len(b) != 8 {
		return 0, 0, 0, false
	}
	return binary.LittleEndian.Uint16(b[0:2]),
		binary.LittleEndian.Uint32(b[2:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		true
}

func DecodeReadReply(b []byte) (newpos uint32, data []byte, ok bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], true
}

// Write: request [ino u16, pos u32, flags u8, data]; reply [newpos u32].
// Flag bit 0 truncates the file before writing.

const writeFlagTruncate = 1 << 0

func EncodeWrite(ino uint16, pos uint32, truncate bool, data []byte) []byte {
	b := make([]byte, 7+len(data))
	binary.LittleEndian.PutUint16(b[0:2], ino)
	binary.LittleEndian.PutUint32(b[2:6], pos)
	if truncate {
		b[6] = writeFlagTruncate
	}
	copy(b[7:], data)
	return b
}

func DecodeWrite(b []byte) (ino uint16, pos uint32, truncate bool, data []byte, ok bool) {
	if len(b) < 7 || len(b) > 7+MaxIO {
		return 0, 0, false, nil, false
	}
	return binary.LittleEndian.Uint16(b[0:2]),
		binary.LittleEndian.Uint32(b[2:6]),
		b[6]&writeFlagTruncate != 0,
		b[7:],
		true
}

func DecodeWriteReply(b []byte) (newpos uint32, ok bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}

// Link: request [ino u16, nameLen u8, name]; reply empty.

func EncodeLink(ino uint16, name string) []byte {
	b := make([]byte, 3+len(name))
	binary.LittleEndian.PutUint16(b[0:2], ino)
	b[2] = uint8(len(name))
	copy(b[3:], name)
	return b
}

func DecodeLink(b []byte) (ino uint16, name string, ok bool) {
	if len(b) < 3 {
		return 0, "", false
	}
	name, ok = decodeName(b[2:])
	return binary.LittleEndian.Uint16(b[0:2]), name, ok
}

// Unlink: request [nameLen u8, name]; reply empty.

func EncodeUnlink(name string) []byte { return EncodeMknod(name) }

func DecodeUnlink(b []byte) (name string, ok bool) { return decodeName(b) }

// Path: request [pathLen u8, path]; reply [ino u16].

func EncodePath(path string) []byte { return EncodeMknod(path) }

func DecodePath(b []byte) (path string, ok bool) { return decodeName(b) }

// Indir: request [ino u16]; reply empty.

func EncodeIndir(ino uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, ino)
	return b
}

func DecodeIndir(b []byte) (ino uint16, ok bool) {
	if len(b) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

// Mkfs: request empty; reply [root ino u16].

// Sector: request [sector u32]; reply raw sector bytes.

func EncodeSector(sector uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, sector)
	return b
}

func DecodeSector(b []byte) (sector uint32, ok bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// DecodeIno decodes the replies that carry a bare inode number.
func DecodeIno(b []byte) (ino uint16, ok bool) {
	if len(b) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func encodeIno(ino uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, ino)
	return b
}

func encodePos(pos uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, pos)
	return b
}
