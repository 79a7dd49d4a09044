// Package hal holds the host-side peripheral backends the node firmware
// runs against: storage media, latch pins, and the small persistent store
// the nvram driver serves. On real hardware these are the chip's
// peripherals; here they are file- and memory-backed stand-ins with the
// same contracts.
package hal

import "tinygo.org/x/tinyfs"

// Media is the raw storage a block driver serves. It is the tinyfs
// block-device contract, so media images are interchangeable with tinyfs
// tooling.
type Media = tinyfs.BlockDevice

// Pin is a digital input with edge detection, the shape of a peripheral's
// data-ready line. Watch callbacks run in the signalling goroutine's
// context, the moral equivalent of a pin-change interrupt: hand off and
// return.
type Pin interface {
	Low() bool
	Watch(fall func())
}

// Store persists one machine word across restarts. The nvram driver
// serves it.
type Store interface {
	Load() (uint64, bool)
	Save(uint64) error
}
