package hal

import "sync"

// SignalPin is an in-process Pin driven by a peripheral simulator. It
// starts high; Drive(false) produces the falling edge that fires the
// watcher.
type SignalPin struct {
	mu    sync.Mutex
	low   bool
	watch func()
}

func NewSignalPin() *SignalPin { return &SignalPin{} }

func (p *SignalPin) Low() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.low
}

func (p *SignalPin) Watch(fall func()) {
	p.mu.Lock()
	p.watch = fall
	p.mu.Unlock()
}

// Drive sets the pin level. A high-to-low transition invokes the watcher
// in the caller's goroutine.
func (p *SignalPin) Drive(high bool) {
	p.mu.Lock()
	wasLow := p.low
	p.low = !high
	fall := p.watch
	p.mu.Unlock()
	if !wasLow && !high && fall != nil {
		fall()
	}
}
