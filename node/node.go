// Package node assembles one cluster node: it instantiates the scheduler,
// registers the task set its role calls for, and broadcasts INIT. Every
// node carries the clock, the bus secretary, the ping responder and the
// persistent-state driver; the role adds the storage stack or the
// sensing stack on top.
package node

import (
	"context"
	"errors"

	"github.com/golang/glog"
	"tinygo.org/x/drivers"

	"github.com/pj9pl/willow-bloated-sub001/adc"
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/clock"
	"github.com/pj9pl/willow-bloated-sub001/dac"
	"github.com/pj9pl/willow-bloated-sub001/fsd"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/logger"
	"github.com/pj9pl/willow-bloated-sub001/nvram"
	"github.com/pj9pl/willow-bloated-sub001/pingsvc"
	"github.com/pj9pl/willow-bloated-sub001/recfmt"
	"github.com/pj9pl/willow-bloated-sub001/sd"
)

// Role selects the task set beyond the common core.
type Role uint8

const (
	// Storage runs the block-device driver and the filesystem secretary.
	Storage Role = iota + 1
	// Sensor runs both converters, the record formatter and the sampling
	// director.
	Sensor
)

const defaultArenaBlocks = 4

// Config describes one node. Nil device fields fall back to in-process
// simulators so a node can run without hardware.
type Config struct {
	Addr wire.Addr
	Role Role
	Wire wire.Wire

	// Storage role.
	Media hal.Media

	// Sensor role.
	SPI      drivers.SPI
	ADCReady hal.Pin
	I2C      drivers.I2C
	DACBusy  hal.Pin

	// Store backs the persistent word; nil keeps it in memory.
	Store hal.Store

	// ArenaBlocks sizes the director scratch arena; zero means the
	// default.
	ArenaBlocks int
}

// Node is an assembled, not yet running, cluster node.
type Node struct {
	Exec *kernel.Exec
	Addr wire.Addr

	Clock kernel.TaskID
	Bus   kernel.TaskID
	Ping  kernel.TaskID
	NVRAM kernel.TaskID

	// Storage role.
	SD kernel.TaskID
	FS kernel.TaskID

	// Sensor role.
	ADC    kernel.TaskID
	DAC    kernel.TaskID
	Fmt    kernel.TaskID
	Logger kernel.TaskID
}

var (
	errNoWire  = errors.New("node: config has no wire")
	errNoMedia = errors.New("node: storage role has no media")
	errBadRole = errors.New("node: unknown role")
)

// New builds the task set for cfg.
func New(cfg Config) (*Node, error) {
	if cfg.Wire == nil {
		return nil, errNoWire
	}

	x := kernel.New()
	n := &Node{Exec: x, Addr: cfg.Addr}
	n.Clock = x.Add(clock.New(x))
	n.Bus = x.Add(bus.New(x, cfg.Wire, cfg.Addr, n.Clock))

	switch cfg.Role {
	case Storage:
		if cfg.Media == nil {
			return nil, errNoMedia
		}
		n.SD = x.Add(sd.New(x, cfg.Media, n.Clock))
		n.FS = x.Add(fsd.New(n.Bus, n.SD))
	case Sensor:
		spi, ready := cfg.SPI, cfg.ADCReady
		if spi == nil {
			pin := hal.NewSignalPin()
			spi, ready = adc.NewSim(pin), pin
			glog.V(1).Infof("node %d: simulated adc", cfg.Addr)
		}
		i2c, busy := cfg.I2C, cfg.DACBusy
		if i2c == nil {
			pin := hal.NewSignalPin()
			i2c, busy = dac.NewSim(dac.DefaultAddr, pin), pin
			glog.V(1).Infof("node %d: simulated dac", cfg.Addr)
		}
		n.ADC = x.Add(adc.New(x, spi, ready))
		n.DAC = x.Add(dac.New(x, i2c, dac.DefaultAddr, busy))
		n.Fmt = x.Add(recfmt.New())
		blocks := cfg.ArenaBlocks
		if blocks == 0 {
			blocks = defaultArenaBlocks
		}
		arena := kernel.NewArena(blocks, 64)
		n.Logger = x.Add(logger.New(n.ADC, n.Fmt, n.Bus, n.Clock, arena))
	default:
		return nil, errBadRole
	}

	store := cfg.Store
	if store == nil {
		store = &hal.MemStore{}
	}
	n.Ping = x.Add(pingsvc.New(n.Bus))
	n.NVRAM = x.Add(nvram.New(store))
	return n, nil
}

// Run starts the dispatch loop and broadcasts INIT, then blocks until
// ctx cancels and the loop drains.
func (n *Node) Run(ctx context.Context) {
	go n.Exec.Run(ctx)
	n.Exec.Broadcast(kernel.Message{Op: kernel.OpInit})
	glog.Infof("node %d: up, %d messages lost so far", n.Addr, n.Exec.Lost())
	<-n.Exec.Done()
}

// Start is Run without the wait, for callers that manage several nodes.
func (n *Node) Start(ctx context.Context) {
	go n.Exec.Run(ctx)
	n.Exec.Broadcast(kernel.Message{Op: kernel.OpInit})
}
