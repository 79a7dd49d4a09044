package kernel

import "sync"

// MailboxDepth is the process-wide message backlog bound. Sized for the
// worst case the demo cluster generates; enqueue past it drops and counts.
const MailboxDepth = 64

// Mailbox is the bounded FIFO all inter-task and interrupt-to-task traffic
// flows through. Producers may run in any goroutine (interrupt sources are
// modelled as goroutine producers); there is exactly one consumer, the
// scheduler loop. A full mailbox never corrupts prior contents: the message
// is dropped and the lost counter incremented.
type Mailbox struct {
	mu    sync.Mutex
	avail sync.Cond

	slots  [MailboxDepth]Message
	head   uint32
	tail   uint32
	lost   uint32
	high   uint32
	closed bool
}

func NewMailbox() *Mailbox {
	mb := &Mailbox{}
	mb.avail.L = &mb.mu
	return mb
}

// Put enqueues a message. It is safe from any goroutine and never blocks.
// It returns false, after incrementing the lost counter, when the mailbox
// is full or closed.
func (mb *Mailbox) Put(m Message) bool {
	mb.mu.Lock()
	if mb.closed || mb.head-mb.tail >= MailboxDepth {
		mb.lost++
		mb.mu.Unlock()
		return false
	}
	mb.slots[mb.head%MailboxDepth] = m
	mb.head++
	if depth := mb.head - mb.tail; depth > mb.high {
		mb.high = depth
	}
	mb.mu.Unlock()
	mb.avail.Signal()
	return true
}

// Get dequeues the next message, blocking until one arrives. It returns
// ok=false only after Close, once the backlog has drained.
func (mb *Mailbox) Get() (Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for mb.tail == mb.head {
		if mb.closed {
			return Message{}, false
		}
		mb.avail.Wait()
	}
	m := mb.slots[mb.tail%MailboxDepth]
	mb.slots[mb.tail%MailboxDepth] = Message{}
	mb.tail++
	return m, true
}

// TryGet dequeues without blocking.
func (mb *Mailbox) TryGet() (Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.tail == mb.head {
		return Message{}, false
	}
	m := mb.slots[mb.tail%MailboxDepth]
	mb.slots[mb.tail%MailboxDepth] = Message{}
	mb.tail++
	return m, true
}

// Close stops further enqueues and wakes the consumer.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.avail.Broadcast()
}

// Lost reports how many messages were dropped on a full or closed mailbox.
func (mb *Mailbox) Lost() uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.lost
}

// HighWater reports the deepest backlog observed.
func (mb *Mailbox) HighWater() uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.high
}
