package kernel

// Collector is a task that forwards every message it receives to a Go
// channel. It is the observation point tests and host-side diagnostics use
// to watch reply traffic without living inside the dispatch loop. The
// channel is buffered; when it is full the message is dropped like any
// other lost message.
type Collector struct {
	C chan Message
}

func NewCollector(depth int) *Collector {
	return &Collector{C: make(chan Message, depth)}
}

func (c *Collector) Handle(_ *Context, m Message) Status {
	select {
	case c.C <- m:
	default:
	}
	return EOK
}
