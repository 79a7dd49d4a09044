package adc

import (
	"errors"
	"sync"

	"github.com/pj9pl/willow-bloated-sub001/hal"
)

// DeviceID is what the identification register reads back after reset.
const DeviceID uint8 = 0x14

// Sim is an in-process converter on the other end of the SPI bus. It
// keeps the register file, masks writes to read-only registers, and
// signals conversions on its ready pin. Implements drivers.SPI.
type Sim struct {
	mu    sync.Mutex
	regs  map[uint8]uint32
	ready *hal.SignalPin

	sample     uint32
	sampleStat uint8
}

func NewSim(ready *hal.SignalPin) *Sim {
	s := &Sim{ready: ready}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.ready.Drive(true)
	return s
}

func (s *Sim) resetLocked() {
	s.regs = map[uint8]uint32{
		RegStatus: uint32(StatusNotReady),
		RegID:     uint32(DeviceID),
	}
	s.sample = 0
	s.sampleStat = 0
}

// Convert feeds a completed conversion into the data register and pulls
// the ready line low.
func (s *Sim) Convert(value uint32, stat uint8) {
	s.mu.Lock()
	s.sample = value & 0xFFFFFF
	s.sampleStat = stat
	s.regs[RegStatus] = uint32(stat) &^ uint32(StatusNotReady)
	s.mu.Unlock()
	s.ready.Drive(false)
}

var errShortTransfer = errors.New("adc sim: transfer shorter than register width")

func (s *Sim) Tx(w, r []byte) error {
	s.mu.Lock()
	consumed, err := s.exchange(w, r)
	s.mu.Unlock()
	if consumed {
		// The conversion was read out; the line goes high until the next
		// one completes.
		s.ready.Drive(true)
	}
	return err
}

func (s *Sim) exchange(w, r []byte) (consumed bool, err error) {
	if len(w) == 0 {
		return false, errShortTransfer
	}
	if w[0] == 0xFF && len(w) >= 8 {
		s.resetLocked()
		return true, nil
	}

	reg := w[0] & 0x3F
	width := RegWidth(reg)
	if width == 0 || len(w) < 1+width {
		return false, errShortTransfer
	}

	if w[0]&commsReadBit == 0 {
		s.writeReg(reg, w[1:1+width])
		return false, nil
	}

	v := s.regs[reg]
	if reg == RegData {
		v = s.sample
	}
	for i := 0; i < width && 1+i < len(r); i++ {
		r[1+i] = byte(v >> (8 * (width - 1 - i)))
	}
	if reg == RegData {
		if 1+width < len(r) {
			r[1+width] = s.sampleStat
		}
		s.regs[RegStatus] |= uint32(StatusNotReady)
		return true, nil
	}
	return false, nil
}

func (s *Sim) writeReg(reg uint8, b []byte) {
	// Status, data and identification are read-only.
	switch reg {
	case RegStatus, RegData, RegID:
		return
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	s.regs[reg] = v
}

func (s *Sim) Transfer(b byte) (byte, error) {
	var r [2]byte
	err := s.Tx([]byte{b, 0}, r[:])
	return r[1], err
}
