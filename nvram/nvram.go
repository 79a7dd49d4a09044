// Package nvram is the driver task for the node's persistent word: a
// calibration long and the bootloader-enable switch, packed into one
// eight-byte value behind hal.Store. Writes arrive as SET_IOCTL and are
// saved through immediately; reads use the GET opcode and come back as
// REPLY_DATA.
package nvram

import (
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// OpGet asks for one of the persisted values; Sel names which. The
// answer is an OpReplyData carrying the value.
const OpGet = kernel.OpAppBase

// SET_IOCTL / GET selectors.
const (
	// SelCalibration is the signed calibration long.
	SelCalibration uint8 = 1
	// SelBootloader is the bootloader-enable switch; any nonzero value
	// arms it.
	SelBootloader uint8 = 2
)

// Word packing: calibration in the low 32 bits, the bootloader switch
// in bit 32.
const bootloaderBit = uint64(1) << 32

// Service is the persistent-state driver task.
type Service struct {
	store hal.Store

	word   uint64
	loaded bool
}

func New(store hal.Store) *Service {
	return &Service{store: store}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		s.load()
		return kernel.EOK
	case kernel.OpSetIoctl:
		ctx.ReplyResult(m.Sender, s.set(m.Sel, m.Value))
		return kernel.EOK
	case OpGet:
		v, st := s.get(m.Sel)
		ctx.ReplyData(m.Sender, st, v)
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) load() {
	if s.loaded {
		return
	}
	if v, ok := s.store.Load(); ok {
		s.word = v
	}
	s.loaded = true
}

func (s *Service) set(sel uint8, v int32) kernel.Status {
	s.load()
	switch sel {
	case SelCalibration:
		s.word = s.word&^uint64(0xFFFFFFFF) | uint64(uint32(v))
	case SelBootloader:
		if v != 0 {
			s.word |= bootloaderBit
		} else {
			s.word &^= bootloaderBit
		}
	default:
		return kernel.EINVAL
	}
	if err := s.store.Save(s.word); err != nil {
		return kernel.EIO
	}
	return kernel.EOK
}

func (s *Service) get(sel uint8) (int32, kernel.Status) {
	s.load()
	switch sel {
	case SelCalibration:
		return int32(uint32(s.word)), kernel.EOK
	case SelBootloader:
		if s.word&bootloaderBit != 0 {
			return 1, kernel.EOK
		}
		return 0, kernel.EOK
	default:
		return 0, kernel.EINVAL
	}
}
