package fsd

import "github.com/pj9pl/willow-bloated-sub001/kernel"

// step is one sector transfer in an operation's script. Steps run in
// order through the block driver; after, if set, runs in handler context
// once the transfer completes.
type step struct {
	write  bool
	sector uint32 // partition-relative
	buf    []byte
	after  func()
}

// readScript builds the transfers for a file read. Holes read as
// zeroes. The data lands in out; newpos echoes the advanced file
// position.
func (c *cache) readScript(ino uint16, pos uint32, count uint16) (steps []step, out []byte, newpos uint32, st kernel.Status) {
	if !c.validIno(ino) {
		return nil, nil, pos, kernel.ENOENT
	}
	size := c.inodes[ino].Size
	if pos >= size {
		return nil, nil, pos, kernel.EOK
	}
	n := uint32(count)
	if n > size-pos {
		n = size - pos
	}
	if n > MaxIO {
		n = MaxIO
	}
	out = make([]byte, n)

	cur := pos
	for cur < pos+n {
		zi := cur / ZoneBytes
		off := cur % ZoneBytes
		chunk := ZoneBytes - off
		if rem := pos + n - cur; chunk > rem {
			chunk = rem
		}
		zone, _ := c.fileZone(ino, zi, false)
		if zone != 0 {
			buf := make([]byte, ZoneBytes)
			dst := out[cur-pos : cur-pos+chunk]
			lo, hi := off, off+chunk
			steps = append(steps, step{
				sector: uint32(zone),
				buf:    buf,
				after:  func() { copy(dst, buf[lo:hi]) },
			})
		}
		cur += chunk
	}
	return steps, out, pos + n, kernel.EOK
}

// writeScript builds the transfers for a file write, allocating zones
// as needed. Partially covered, already-written zones are read back,
// patched and rewritten.
func (c *cache) writeScript(ino uint16, pos uint32, data []byte, trunc bool) (steps []step, newpos uint32, st kernel.Status) {
	if !c.validIno(ino) {
		return nil, pos, kernel.ENOENT
	}
	if trunc {
		c.truncate(ino)
		pos = 0
	}
	if len(data) > MaxIO {
		return nil, pos, kernel.EINVAL
	}

	cur := pos
	end := pos + uint32(len(data))
	for cur < end {
		zi := cur / ZoneBytes
		off := cur % ZoneBytes
		chunk := ZoneBytes - off
		if rem := end - cur; chunk > rem {
			chunk = rem
		}
		existing, _ := c.fileZone(ino, zi, false)
		zone, zst := c.fileZone(ino, zi, true)
		if zst != kernel.EOK {
			return nil, pos, zst
		}
		src := data[cur-pos : cur-pos+chunk]

		buf := make([]byte, ZoneBytes)
		if existing != 0 && chunk < ZoneBytes {
			// Preserve the rest of the zone.
			lo := off
			steps = append(steps, step{
				sector: uint32(zone),
				buf:    buf,
				after:  func() { copy(buf[lo:], src) },
			})
		} else {
			copy(buf[off:], src)
		}
		steps = append(steps, step{write: true, sector: uint32(zone), buf: buf})
		cur += chunk
	}

	if end > c.inodes[ino].Size {
		c.inodes[ino].Size = end
		c.touchInode(ino)
	}
	return steps, end, kernel.EOK
}

// flushScript turns the dirty metadata set into write steps.
func (c *cache) flushScript() []step {
	var steps []step
	for _, sec := range c.takeDirty() {
		steps = append(steps, step{write: true, sector: sec, buf: c.sectorData(sec)})
	}
	return steps
}
