// Package pingsvc is the smallest secretary: it sits enslaved on the bus
// waiting for OpPing request frames, and answers each one with EOK and the
// request payload echoed back.
package pingsvc

import (
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// OpPing is the liveness probe frame opcode.
const OpPing wire.Op = 0x01

type state uint8

const (
	stOff state = iota
	stEnslaved
	stReplying
)

// Service answers ping requests addressed to this node.
type Service struct {
	busID kernel.TaskID

	st    state
	sub   bus.Job
	reply bus.Job
	buf   [32]byte
	echo  [32]byte
}

func New(busID kernel.TaskID) *Service {
	return &Service{busID: busID}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		s.enslave(ctx)
		return kernel.EOK
	case kernel.OpReplyInfo:
		switch m.Info {
		case &s.sub:
			s.request(ctx)
		case &s.reply:
			// Reply handed to the bus; only now accept the next request.
			s.enslave(ctx)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) enslave(ctx *kernel.Context) {
	s.sub = bus.Job{Mode: bus.SlaveReceive, Op: OpPing, Dst: s.buf[:]}
	ctx.SubmitJob(s.busID, &s.sub)
	s.st = stEnslaved
}

func (s *Service) request(ctx *kernel.Context) {
	if s.st != stEnslaved || s.sub.Status != kernel.EOK {
		return
	}
	n := copy(s.echo[:], s.buf[:s.sub.N])
	s.reply = bus.Job{
		Mode:   bus.MasterTransmit,
		Dest:   s.sub.From,
		Op:     OpPing,
		Reply:  true,
		Result: kernel.EOK,
		Src:    s.echo[:n],
	}
	ctx.SubmitJob(s.busID, &s.reply)
	s.st = stReplying
}
