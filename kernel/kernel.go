package kernel

import (
	"context"
	"sync/atomic"
)

const maxTasks = 32

// Handler is a task's single message handler. It runs in scheduler context,
// must not block, and suspends by returning. Returning ENOSYS marks the
// opcode as unhandled; any other status is the handler's own business
// (acceptance of a job, say) and is not routed anywhere by the scheduler.
type Handler interface {
	Handle(ctx *Context, m Message) Status
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context, m Message) Status

func (f HandlerFunc) Handle(ctx *Context, m Message) Status { return f(ctx, m) }

// Exec is the scheduler: one mailbox, one flat task table, one dispatch
// loop. Exactly one handler executes at any instant.
type Exec struct {
	mbox  *Mailbox
	tasks [maxTasks]Handler
	next  TaskID

	unhandled atomic.Uint32
	millis    atomic.Uint32

	done chan struct{}
}

func New() *Exec {
	return &Exec{
		mbox: NewMailbox(),
		next: 1, // 0 is reserved
		done: make(chan struct{}),
	}
}

// Add registers a task and returns its identifier, or 0 when the table is
// full.
func (x *Exec) Add(h Handler) TaskID {
	if x.next >= maxTasks || h == nil {
		return 0
	}
	id := x.next
	x.next++
	x.tasks[id] = h
	return id
}

// Post enqueues a message from any context, interrupt producers included.
// A full mailbox drops the message and counts it; lost messages are never
// retried (callers that depend on a reply guard it with a clock alarm).
func (x *Exec) Post(m Message) bool {
	return x.mbox.Put(m)
}

// Run pumps the mailbox until ctx is cancelled: extract the next message,
// dispatch it to the receiver's handler, repeat. Handlers never re-enter:
// sends performed inside a handler are enqueued and dispatched only after
// it returns.
func (x *Exec) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, x.mbox.Close)
	defer stop()
	defer close(x.done)

	for {
		m, ok := x.mbox.Get()
		if !ok {
			return
		}
		if m.Receiver == 0 || int(m.Receiver) >= maxTasks {
			x.unhandled.Add(1)
			continue
		}
		h := x.tasks[m.Receiver]
		if h == nil {
			x.unhandled.Add(1)
			continue
		}
		c := Context{x: x, id: m.Receiver}
		if st := h.Handle(&c, m); st == ENOSYS {
			x.unhandled.Add(1)
		}
	}
}

// Done is closed when the dispatch loop has exited. Interrupt-source
// goroutines use it to stop producing.
func (x *Exec) Done() <-chan struct{} { return x.done }

// Broadcast posts a message to every registered task, with Receiver
// rewritten per task. Used for OpInit at boot and OpMediaChange fan-out.
func (x *Exec) Broadcast(m Message) {
	for id := TaskID(1); id < x.next; id++ {
		m.Receiver = id
		x.Post(m)
	}
}

// Unhandled reports messages addressed to no task or refused with ENOSYS.
func (x *Exec) Unhandled() uint32 { return x.unhandled.Load() }

// Lost reports messages dropped on a full mailbox.
func (x *Exec) Lost() uint32 { return x.mbox.Lost() }

// HighWater reports the deepest mailbox backlog observed.
func (x *Exec) HighWater() uint32 { return x.mbox.HighWater() }

// Now returns the monotonic millisecond tick. The clock task owns the
// counter; everyone else only reads it.
func (x *Exec) Now() uint32 { return x.millis.Load() }

// SetNow stores the millisecond tick. Clock task only.
func (x *Exec) SetNow(ms uint32) { x.millis.Store(ms) }

// Context gives a handler scoped access to the scheduler for the duration
// of one dispatch.
type Context struct {
	x  *Exec
	id TaskID
}

// ID returns the task being dispatched.
func (c *Context) ID() TaskID { return c.id }

// Now returns the monotonic millisecond tick.
func (c *Context) Now() uint32 { return c.x.Now() }

// Send posts a message with Sender set to the current task.
func (c *Context) Send(to TaskID, m Message) bool {
	m.Sender = c.id
	m.Receiver = to
	return c.x.Post(m)
}

// ReplyResult posts an OpReplyResult carrying status.
func (c *Context) ReplyResult(to TaskID, st Status) bool {
	return c.Send(to, Message{Op: OpReplyResult, Status: st})
}

// ReplyData posts an OpReplyData carrying status and a long.
func (c *Context) ReplyData(to TaskID, st Status, v int32) bool {
	return c.Send(to, Message{Op: OpReplyData, Status: st, Value: v})
}

// ReplyInfo completes a job: the header status is set and the record is
// returned to its owner via OpReplyInfo. From this moment the callee must
// not touch the record again.
func (c *Context) ReplyInfo(j Jobber, st Status) bool {
	h := j.Header()
	h.Status = st
	return c.Send(h.ReplyTo, Message{Op: OpReplyInfo, Info: j})
}

// SubmitJob lends the job record to task `to` until its reply comes back.
func (c *Context) SubmitJob(to TaskID, j Jobber) bool {
	j.Header().ReplyTo = c.id
	return c.Send(to, Message{Op: OpJob, Info: j})
}

// CancelJob revokes a lent job record.
func (c *Context) CancelJob(to TaskID, j Jobber) bool {
	return c.Send(to, Message{Op: OpCancel, Info: j})
}
