// Package wire abstracts the physical two-wire inter-node bus: attach as a
// node, transmit frames, receive frames addressed to you or to the general
// call address. Transports report the bus-level failures the hardware
// distinguishes; everything above that (retries, timeouts, subscriptions)
// belongs to the bus secretary.
package wire

import "errors"

// Addr is a node address on the bus.
type Addr uint8

// GeneralCall is the broadcast address: a frame sent to it is delivered to
// every other attached node.
const GeneralCall Addr = 0

// Op is a frame opcode. Values are application-defined; the kernel only
// fixes the shape.
type Op uint8

// Kind distinguishes the four frame roles on the bus.
type Kind uint8

const (
	// KindData is a request frame addressed to a remote secretary.
	KindData Kind = iota + 1
	// KindReply answers an earlier KindData frame.
	KindReply
	// KindPoll asks a remote node for the contents of a published register.
	KindPoll
	// KindPollReply carries the polled bytes back.
	KindPollReply
)

// MaxPayload bounds a frame payload. Sized so a raw 512-byte sector plus
// its framing fits.
const MaxPayload = 528

// Frame is one bus transaction unit. After delivery the payload belongs to
// the receiver; transports hand out a fresh slice per recipient.
type Frame struct {
	Kind    Kind
	Op      Op
	From    Addr
	To      Addr
	Result  uint8
	Payload []byte
}

var (
	// ErrNack: the addressed node did not acknowledge.
	ErrNack = errors.New("wire: address not acknowledged")
	// ErrArbitrationLost: another master won the bus.
	ErrArbitrationLost = errors.New("wire: arbitration lost")
	// ErrIO: the transfer failed mid-flight.
	ErrIO = errors.New("wire: transfer error")
)

// Wire is one node's port onto the bus.
type Wire interface {
	// Attach joins the bus at addr. rx runs in the transport's context,
	// the moral equivalent of the receive interrupt: it must only hand the
	// frame off and return.
	Attach(addr Addr, rx func(Frame)) error

	// Tx starts a master transmission. done runs in transport context
	// when the transfer completes or fails; a nil done discards the
	// outcome.
	Tx(f Frame, done func(error))

	// Close detaches from the bus.
	Close() error
}
