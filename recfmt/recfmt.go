// Package recfmt is the record-formatter agent: a pure-computation task
// that lays a sample out as a fixed 24-byte log record with a trailing
// checksum. Keeping it a task of its own lets directors farm the
// formatting out with the same job discipline as any driver call.
package recfmt

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// RecordLen is the encoded size of one log record.
const RecordLen = 24

// Magic marks the head of every record.
const Magic uint16 = 0x5257

// Record layout, little-endian:
//
//	u16 magic
//	u32 sequence
//	u32 milliseconds
//	u8  channel
//	u8  status
//	u32 value
//	u32 spare (zero)
//	u32 crc32 over the preceding 20 bytes

// Job is a caller-owned formatting request; Rec receives the encoded
// record and must hold RecordLen bytes.
type Job struct {
	kernel.Job

	Seq     uint32
	Millis  uint32
	Channel uint8
	Stat    uint8
	Value   uint32
	Rec     []byte
}

func (j *Job) Header() *kernel.Job { return &j.Job }

// Service is the formatter task.
type Service struct{}

func New() *Service { return &Service{} }

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		return kernel.EOK
	case kernel.OpJob:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		if len(j.Rec) < RecordLen {
			ctx.ReplyInfo(j, kernel.EINVAL)
			return kernel.EOK
		}
		Encode(j.Rec, j.Seq, j.Millis, j.Channel, j.Stat, j.Value)
		ctx.ReplyInfo(j, kernel.EOK)
		return kernel.EOK
	case kernel.OpCancel:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		// Formatting completes within the submission handler, so a cancel
		// can only arrive after the reply; nothing to unlink.
		_ = j
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

// Encode lays the record into b, which must hold RecordLen bytes.
func Encode(b []byte, seq, millis uint32, channel, stat uint8, value uint32) {
	binary.LittleEndian.PutUint16(b[0:2], Magic)
	binary.LittleEndian.PutUint32(b[2:6], seq)
	binary.LittleEndian.PutUint32(b[6:10], millis)
	b[10] = channel
	b[11] = stat
	binary.LittleEndian.PutUint32(b[12:16], value)
	binary.LittleEndian.PutUint32(b[16:20], 0)
	binary.LittleEndian.PutUint32(b[20:24], crc32.ChecksumIEEE(b[:20]))
}

// Decode validates and unpacks a record.
func Decode(b []byte) (seq, millis uint32, channel, stat uint8, value uint32, ok bool) {
	if len(b) < RecordLen ||
		binary.LittleEndian.Uint16(b[0:2]) != Magic ||
		binary.LittleEndian.Uint32(b[20:24]) != crc32.ChecksumIEEE(b[:20]) {
		return 0, 0, 0, 0, 0, false
	}
	return binary.LittleEndian.Uint32(b[2:6]),
		binary.LittleEndian.Uint32(b[6:10]),
		b[10],
		b[11],
		binary.LittleEndian.Uint32(b[12:16]),
		true
}
