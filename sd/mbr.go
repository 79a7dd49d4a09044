package sd

import (
	"encoding/binary"

	"github.com/pj9pl/willow-bloated-sub001/hal"
)

// Partition describes one master-boot-record table slot.
type Partition struct {
	Type    uint8
	Start   uint32
	Sectors uint32
}

// FormatMBR builds sector zero with the four table slots filled in.
func FormatMBR(parts [4]Partition) [hal.SectorBytes]byte {
	var sec [hal.SectorBytes]byte
	for slot, p := range parts {
		e := sec[446+16*slot:]
		e[4] = p.Type
		binary.LittleEndian.PutUint32(e[8:12], p.Start)
		binary.LittleEndian.PutUint32(e[12:16], p.Sectors)
	}
	binary.LittleEndian.PutUint16(sec[510:512], 0xAA55)
	return sec
}

// WriteMBR lays the partition table onto the media.
func WriteMBR(media hal.Media, parts [4]Partition) error {
	sec := FormatMBR(parts)
	_, err := media.WriteAt(sec[:], 0)
	return err
}
