package fsd

import (
	"fmt"

	"github.com/pj9pl/willow-bloated-sub001/hal"
)

// Format lays a fresh filesystem onto one partition of the media,
// synchronously. The secretary's OP_MKFS does the same work through the
// block driver; this entry point serves image tooling and tests.
func Format(media hal.Media, partStart, partSectors uint32) error {
	if partSectors < firstDataSector+1 {
		return fmt.Errorf("fsd: partition of %d sectors too small", partSectors)
	}
	c := newCache()
	c.format(partSectors)
	for _, sec := range c.takeDirty() {
		off := int64(partStart+sec) * ZoneBytes
		if _, err := media.WriteAt(c.sectorData(sec), off); err != nil {
			return fmt.Errorf("fsd: format sector %d: %w", sec, err)
		}
	}
	return nil
}
