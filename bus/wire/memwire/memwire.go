// Package memwire simulates the two-wire bus inside one process: a hub, a
// port per node, and delivery on transport goroutines so receive callbacks
// behave like interrupts. Fault injection hooks stand in for the failure
// modes real hardware produces.
package memwire

import (
	"errors"
	"sync"

	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
)

// Hub is the shared bus. Ports attach to it; frames sent on one port are
// delivered to the addressed port (or to all others for a general call).
type Hub struct {
	mu      sync.Mutex
	ports   map[wire.Addr]*Port
	arbLoss int
}

func NewHub() *Hub {
	return &Hub{ports: make(map[wire.Addr]*Port)}
}

// Port creates a new, unattached port on the hub.
func (h *Hub) Port() *Port {
	return &Port{hub: h}
}

// InjectArbitrationLoss makes the next n transmissions fail with
// ErrArbitrationLost. Test hook.
func (h *Hub) InjectArbitrationLoss(n int) {
	h.mu.Lock()
	h.arbLoss = n
	h.mu.Unlock()
}

// Port is one node's connection to the hub.
type Port struct {
	hub  *Hub
	addr wire.Addr
	rx   func(wire.Frame)

	attached bool
}

var errAttached = errors.New("memwire: address already attached")

func (p *Port) Attach(addr wire.Addr, rx func(wire.Frame)) error {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.ports[addr]; busy {
		return errAttached
	}
	p.addr = addr
	p.rx = rx
	p.attached = true
	h.ports[addr] = p
	return nil
}

func (p *Port) Close() error {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.attached {
		delete(h.ports, p.addr)
		p.attached = false
	}
	return nil
}

// Tx delivers the frame on a fresh goroutine, standing in for the bus
// engine and its completion interrupt.
func (p *Port) Tx(f wire.Frame, done func(error)) {
	go p.transfer(f, done)
}

func (p *Port) transfer(f wire.Frame, done func(error)) {
	h := p.hub

	h.mu.Lock()
	if h.arbLoss > 0 {
		h.arbLoss--
		h.mu.Unlock()
		finish(done, wire.ErrArbitrationLost)
		return
	}

	if f.To == wire.GeneralCall {
		var targets []*Port
		for addr, q := range h.ports {
			if addr != p.addr {
				targets = append(targets, q)
			}
		}
		h.mu.Unlock()
		for _, q := range targets {
			q.deliver(f)
		}
		finish(done, nil)
		return
	}

	q, present := h.ports[f.To]
	h.mu.Unlock()
	if !present {
		finish(done, wire.ErrNack)
		return
	}
	q.deliver(f)
	finish(done, nil)
}

func (p *Port) deliver(f wire.Frame) {
	// Each recipient owns its payload.
	if f.Payload != nil {
		dup := make([]byte, len(f.Payload))
		copy(dup, f.Payload)
		f.Payload = dup
	}
	if p.rx != nil {
		p.rx(f)
	}
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
