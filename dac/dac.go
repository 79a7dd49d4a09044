// Package dac is the driver task for the node's quad I2C converter.
// Jobs set or read back one channel's output word and its analog
// configuration; writes that also program the device EEPROM park the job
// until the busy line signals the cycle is done.
package dac

import (
	"tinygo.org/x/drivers"

	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// DefaultAddr is the converter's seven-bit bus address.
const DefaultAddr uint16 = 0x60

// Channels on the device.
const NumChannels = 4

// Reference selects the channel's voltage reference.
type Reference uint8

const (
	RefVDD Reference = iota
	RefInternal
)

// Power selects the channel's power mode; the non-normal modes ground
// the output through a resistor.
type Power uint8

const (
	PowerNormal Power = iota
	PowerDown1k
	PowerDown100k
	PowerDown500k
)

// Job is a caller-owned converter operation.
type Job struct {
	kernel.Job

	Channel uint8
	// Value is the 12-bit output word. On a read it is filled in, along
	// with the configuration fields.
	Value uint16
	Gain  uint8
	Ref   Reference
	Power Power
	// InhibitUpdate latches the value without moving the output until
	// the next general-call update.
	InhibitUpdate bool
	// AccessEEPROM also programs the power-on value; the job completes
	// when the device's busy line reports the cycle finished.
	AccessEEPROM bool
	// Read fills the job from the channel instead of writing it.
	Read bool
}

func (j *Job) Header() *kernel.Job { return &j.Job }

type state uint8

const (
	stIdle state = iota
	stAwaitBusy
)

const (
	// opDone is posted by the busy-pin falling edge when an EEPROM cycle
	// completes.
	opDone = kernel.OpAppBase + iota
)

// Service is the converter driver task.
type Service struct {
	x    *kernel.Exec
	i2c  drivers.I2C
	addr uint16
	busy hal.Pin
	self kernel.TaskID

	q  kernel.JobQueue
	st state
}

func New(x *kernel.Exec, i2c drivers.I2C, addr uint16, busy hal.Pin) *Service {
	return &Service{x: x, i2c: i2c, addr: addr, busy: busy}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		s.self = ctx.ID()
		s.busy.Watch(func() {
			s.x.Post(kernel.Message{Receiver: s.self, Op: opDone})
		})
		return kernel.EOK
	case kernel.OpJob:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		if s.q.Push(j) {
			s.run(ctx)
		}
		return kernel.EOK
	case kernel.OpCancel:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		s.cancel(ctx, j)
		return kernel.EOK
	case opDone:
		if s.st == stAwaitBusy {
			s.st = stIdle
			s.finish(ctx, kernel.EOK)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) cancel(ctx *kernel.Context, j *Job) {
	// An EEPROM cycle cannot be recalled; mark it and report ECANCELED
	// when the device finishes.
	if s.q.Head() == j {
		j.Cancel()
		return
	}
	if s.q.Remove(j) {
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
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
	if j.Channel >= NumChannels || j.Value > 0x0FFF || j.Gain > 1 {
		s.finish(ctx, kernel.EINVAL)
		return
	}

	if j.Read {
		s.finish(ctx, s.read(j))
		return
	}
	st := s.write(j)
	if st == kernel.EOK && j.AccessEEPROM {
		s.st = stAwaitBusy
		return
	}
	s.finish(ctx, st)
}

func (s *Service) write(j *Job) kernel.Status {
	cmd := cmdMultiWrite
	if j.AccessEEPROM {
		cmd = cmdSingleWrite
	}
	udac := uint8(0)
	if j.InhibitUpdate {
		udac = 1
	}
	w := []byte{
		cmd | j.Channel<<1 | udac,
		uint8(j.Ref)<<7 | uint8(j.Power)<<5 | j.Gain<<4 | uint8(j.Value>>8),
		uint8(j.Value),
	}
	if err := s.i2c.Tx(s.addr, w, nil); err != nil {
		return kernel.EIO
	}
	return kernel.EOK
}

func (s *Service) read(j *Job) kernel.Status {
	// The device streams its whole register file; pick this channel's
	// output register out of it.
	var r [readbackLen]byte
	if err := s.i2c.Tx(s.addr, nil, r[:]); err != nil {
		return kernel.EIO
	}
	b := r[int(j.Channel)*bytesPerChannel:]
	j.Ref = Reference(b[1] >> 7)
	j.Power = Power(b[1] >> 5 & 0x3)
	j.Gain = b[1] >> 4 & 0x1
	j.Value = uint16(b[1]&0x0F)<<8 | uint16(b[2])
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

// Wire command bytes.
const (
	cmdMultiWrite  uint8 = 0x40
	cmdSingleWrite uint8 = 0x58
)

// Readback layout: three bytes per channel, channel byte then the two
// data bytes.
const (
	bytesPerChannel = 3
	readbackLen     = NumChannels * bytesPerChannel
)
