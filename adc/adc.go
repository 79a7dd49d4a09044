// Package adc is the driver task for the node's SPI sigma-delta
// converter. Callers submit register jobs; the driver serializes them,
// runs each SPI transaction, and defers data-register reads until the
// converter's ready line falls.
package adc

import (
	"encoding/binary"

	"tinygo.org/x/drivers"

	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// Mode selects the job operation.
type Mode uint8

const (
	Read Mode = iota + 1
	Write
	Reset
)

// Job is a caller-owned converter operation.
type Job struct {
	kernel.Job

	Mode Mode
	Reg  uint8
	// DataStatus asks a data-register read to capture the appended status
	// byte into Stat.
	DataStatus bool
	// Value carries the register value both ways.
	Value uint32
	// Stat is the device status byte, valid after a read with DataStatus.
	Stat uint8
}

func (j *Job) Header() *kernel.Job { return &j.Job }

type state uint8

const (
	stIdle state = iota
	stAwaitReady
)

// Driver-internal messages.
const (
	// opReady is posted by the ready-pin falling edge.
	opReady = kernel.OpAppBase + iota
)

// Service is the converter driver task.
type Service struct {
	x     *kernel.Exec
	spi   drivers.SPI
	ready hal.Pin
	self  kernel.TaskID

	q  kernel.JobQueue
	st state
}

func New(x *kernel.Exec, spi drivers.SPI, ready hal.Pin) *Service {
	return &Service{x: x, spi: spi, ready: ready}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		s.self = ctx.ID()
		s.ready.Watch(func() {
			s.x.Post(kernel.Message{Receiver: s.self, Op: opReady})
		})
		return kernel.EOK
	case kernel.OpJob:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		if s.q.Push(j) {
			s.start(ctx)
		}
		return kernel.EOK
	case kernel.OpCancel:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		s.cancel(ctx, j)
		return kernel.EOK
	case opReady:
		if s.st == stAwaitReady {
			s.st = stIdle
			s.run(ctx)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) cancel(ctx *kernel.Context, j *Job) {
	if s.q.Head() == j && s.st == stAwaitReady {
		// Parked on the ready pin; terminate without touching the device.
		s.st = stIdle
		s.finish(ctx, kernel.ECANCELED)
		return
	}
	if s.q.Remove(j) {
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
}

func (s *Service) start(ctx *kernel.Context) {
	s.run(ctx)
}

func (s *Service) current() *Job {
	if h := s.q.Head(); h != nil {
		return h.(*Job)
	}
	return nil
}

func (s *Service) run(ctx *kernel.Context) {
	j := s.current()
	if j == nil {
		return
	}
	if j.Canceled() {
		s.finish(ctx, kernel.ECANCELED)
		return
	}

	switch j.Mode {
	case Reset:
		s.finish(ctx, s.reset())
	case Write:
		s.finish(ctx, s.write(j))
	case Read:
		// A data-register read is only valid once a conversion completes;
		// the ready line falling signals that.
		if j.Reg == RegData && !s.ready.Low() {
			s.st = stAwaitReady
			return
		}
		s.finish(ctx, s.read(j))
	default:
		s.finish(ctx, kernel.EINVAL)
	}
}

func (s *Service) reset() kernel.Status {
	// Sixty-four ones on the serial input returns the device to its
	// power-on state.
	w := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if err := s.spi.Tx(w, make([]byte, len(w))); err != nil {
		return kernel.EIO
	}
	return kernel.EOK
}

func (s *Service) write(j *Job) kernel.Status {
	width := RegWidth(j.Reg)
	if width == 0 {
		return kernel.EINVAL
	}
	w := make([]byte, 1+width)
	w[0] = commsWrite(j.Reg)
	putBE(w[1:], j.Value, width)
	if err := s.spi.Tx(w, make([]byte, len(w))); err != nil {
		return kernel.EIO
	}
	return kernel.EOK
}

func (s *Service) read(j *Job) kernel.Status {
	width := RegWidth(j.Reg)
	if width == 0 {
		return kernel.EINVAL
	}
	n := 1 + width
	withStat := j.DataStatus && j.Reg == RegData
	if withStat {
		n++
	}
	w := make([]byte, n)
	r := make([]byte, n)
	w[0] = commsRead(j.Reg)
	if err := s.spi.Tx(w, r); err != nil {
		return kernel.EIO
	}
	j.Value = getBE(r[1 : 1+width])
	if withStat {
		j.Stat = r[1+width]
	}
	return kernel.EOK
}

func (s *Service) finish(ctx *kernel.Context, st kernel.Status) {
	j := s.current()
	if j.Canceled() {
		st = kernel.ECANCELED
	}
	s.q.Pop()
	ctx.ReplyInfo(j, st)
	if !s.q.Empty() {
		s.run(ctx)
	}
}

// Register values travel big-endian on the wire, most significant byte
// first.
func putBE(b []byte, v uint32, width int) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	copy(b, tmp[4-width:])
}

func getBE(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
