package adc

// On-chip register file. The comms byte selects a register; bit 6 set
// means read.
const (
	RegStatus  uint8 = 0x00
	RegControl uint8 = 0x01
	RegData    uint8 = 0x02
	RegIOCon1  uint8 = 0x03
	RegIOCon2  uint8 = 0x04
	RegID      uint8 = 0x05
	RegError   uint8 = 0x06
	RegErrorEn uint8 = 0x07
	RegChan0   uint8 = 0x09
	RegConfig0 uint8 = 0x19
	RegFilter0 uint8 = 0x21
	RegOffset0 uint8 = 0x29
	RegGain0   uint8 = 0x31
)

const commsReadBit = 0x40

func commsRead(reg uint8) uint8  { return commsReadBit | (reg & 0x3F) }
func commsWrite(reg uint8) uint8 { return reg & 0x3F }

// RegWidth reports the register's size in bytes; zero means no such
// register.
func RegWidth(reg uint8) int {
	switch reg {
	case RegStatus, RegID:
		return 1
	case RegControl, RegIOCon2:
		return 2
	case RegData, RegIOCon1, RegError, RegErrorEn:
		return 3
	}
	switch {
	case reg >= RegChan0 && reg < RegConfig0:
		return 2
	case reg >= RegConfig0 && reg < RegFilter0:
		return 2
	case reg >= RegFilter0 && reg < RegOffset0:
		return 3
	case reg >= RegOffset0 && reg < RegGain0:
		return 3
	case reg >= RegGain0 && reg <= 0x38:
		return 3
	}
	return 0
}

// Status register bits.
const (
	// StatusNotReady is high while a conversion is in progress.
	StatusNotReady uint8 = 0x80
)

// Control register bits (16-bit register).
const (
	ControlDataStatus uint16 = 1 << 10
	ControlPowerFull  uint16 = 1 << 9
	ControlRefEnable  uint16 = 1 << 8
)
