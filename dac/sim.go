package dac

import (
	"errors"
	"sync"
	"time"

	"github.com/pj9pl/willow-bloated-sub001/hal"
)

type channel struct {
	value uint16
	ref   Reference
	power Power
	gain  uint8
}

// Sim is the converter on the other end of the I2C bus. EEPROM writes
// complete asynchronously and signal done on the busy pin. Implements
// drivers.I2C.
type Sim struct {
	mu     sync.Mutex
	addr   uint16
	out    [NumChannels]channel
	eeprom [NumChannels]channel
	busy   *hal.SignalPin
}

func NewSim(addr uint16, busy *hal.SignalPin) *Sim {
	busy.Drive(true)
	return &Sim{addr: addr, busy: busy}
}

var (
	errNoDevice = errors.New("dac sim: no device at address")
	errBadCmd   = errors.New("dac sim: malformed command")
)

func (s *Sim) Tx(addr uint16, w, r []byte) error {
	if addr != s.addr {
		return errNoDevice
	}
	if len(w) == 0 {
		return s.readback(r)
	}
	if len(w) < 3 {
		return errBadCmd
	}

	cmd := w[0] &^ 0x07
	ch := w[0] >> 1 & 0x3
	c := channel{
		ref:   Reference(w[1] >> 7),
		power: Power(w[1] >> 5 & 0x3),
		gain:  w[1] >> 4 & 0x1,
		value: uint16(w[1]&0x0F)<<8 | uint16(w[2]),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case cmdMultiWrite:
		s.out[ch] = c
	case cmdSingleWrite:
		s.out[ch] = c
		s.eeprom[ch] = c
		// Model the EEPROM programming time; the falling edge reports
		// completion.
		time.AfterFunc(time.Millisecond, func() {
			s.busy.Drive(false)
			s.busy.Drive(true)
		})
	default:
		return errBadCmd
	}
	return nil
}

func (s *Sim) readback(r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := 0; ch < NumChannels && ch*bytesPerChannel+2 < len(r); ch++ {
		c := s.out[ch]
		b := r[ch*bytesPerChannel:]
		b[0] = uint8(ch) << 4
		b[1] = uint8(c.ref)<<7 | uint8(c.power)<<5 | c.gain<<4 | uint8(c.value>>8)
		b[2] = uint8(c.value)
	}
	return nil
}

// EEPROMChannel reports the persisted configuration, for tests.
func (s *Sim) EEPROMChannel(ch uint8) (value uint16, ref Reference, power Power, gain uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.eeprom[ch]
	return c.value, c.ref, c.power, c.gain
}
