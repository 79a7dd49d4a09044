// Package bus implements the bus secretary: the driver task that owns this
// node's port on the inter-node two-wire bus. It serializes caller-owned
// bus jobs through a FIFO queue, multiplexes master-transmit,
// master-transmit-slave-receive and master-receive transactions, parks
// one-shot slave-receive subscriptions, serves remote register polls, and
// terminates every job with exactly one reply to its submitter.
package bus

import (
	"sync/atomic"

	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/clock"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// Retry policy for transient bus errors (arbitration loss, address NAK).
const (
	retryLimit         = 3
	retryBackoffMillis = 2
)

// DefaultTimeoutMillis bounds how long a master transaction waits for its
// reply frame before failing with ETIMEDOUT. Configurable per node via
// SET_IOCTL SelTimeout.
const DefaultTimeoutMillis = 200

// SET_IOCTL selectors.
const (
	// SelTimeout sets the master-transaction reply timeout in ms.
	SelTimeout uint8 = 1
)

// Mode selects the transaction a Job describes.
type Mode uint8

const (
	// MasterTransmit sends one frame and completes.
	MasterTransmit Mode = iota + 1
	// MasterTransmitSlaveReceive sends a request frame, then completes
	// when the matching reply frame arrives (or the timeout fires).
	MasterTransmitSlaveReceive
	// MasterReceive polls a remote node's published register.
	MasterReceive
	// SlaveReceive parks the job until a matching incoming frame consumes
	// it: the one-shot subscription.
	SlaveReceive
	// Publish installs Src as this node's register for Op, served to
	// remote MasterReceive polls.
	Publish
)

// Job is a caller-owned bus operation record.
type Job struct {
	kernel.Job

	Mode Mode
	// Dest is the remote node (master modes).
	Dest wire.Addr
	// Op tags the frame; SlaveReceive jobs subscribe to it.
	Op wire.Op
	// Reply marks an outgoing MasterTransmit as a reply frame; secretaries
	// set it when answering a request, together with Result.
	Reply  bool
	Result kernel.Status
	// Src is transmitted; Dst receives (clipped to its length).
	Src []byte
	Dst []byte
	// N and From report how many bytes arrived and from which node.
	N    int
	From wire.Addr
}

func (j *Job) Header() *kernel.Job { return &j.Job }

type state uint8

const (
	stIdle state = iota
	stSending
	stAwaitReply
	stBackoff
)

// Driver-internal messages.
const (
	// opRxFrame carries a received *wire.Frame from the port's receive
	// interrupt into handler context.
	opRxFrame = kernel.OpAppBase + iota
)

// Service is the bus secretary task.
type Service struct {
	x    *kernel.Exec
	w    wire.Wire
	addr wire.Addr
	clk  kernel.TaskID
	self kernel.TaskID

	q       kernel.JobQueue
	st      state
	tries   int
	lastErr kernel.Status

	// alarmTag discriminates live alarms from ones already in flight
	// when they were superseded.
	alarmTag uint8

	timeoutMillis uint32

	subs   map[wire.Op]*Job
	anySub *Job
	regs   map[wire.Op][]byte

	// dropped counts frames that arrived with no subscription to consume
	// them.
	dropped atomic.Uint32

	attached bool
}

// AnyOp subscribes to every frame opcode no dedicated subscription claims.
const AnyOp wire.Op = 0

func New(x *kernel.Exec, w wire.Wire, addr wire.Addr, clk kernel.TaskID) *Service {
	return &Service{
		x:             x,
		w:             w,
		addr:          addr,
		clk:           clk,
		timeoutMillis: DefaultTimeoutMillis,
		subs:          make(map[wire.Op]*Job),
		regs:          make(map[wire.Op][]byte),
	}
}

// Addr returns this node's bus address.
func (s *Service) Addr() wire.Addr { return s.addr }

// Dropped reports received frames nobody had subscribed for.
func (s *Service) Dropped() uint32 { return s.dropped.Load() }

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		return s.init(ctx)
	case kernel.OpJob:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		s.submit(ctx, j)
		return kernel.EOK
	case kernel.OpCancel:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		s.cancel(ctx, j)
		return kernel.EOK
	case kernel.OpNotBusy:
		s.txDone(ctx, m.Status)
		return kernel.EOK
	case kernel.OpAlarm:
		s.alarm(ctx, m.Sel)
		return kernel.EOK
	case opRxFrame:
		f, ok := m.Info.(*wire.Frame)
		if !ok {
			return kernel.EINVAL
		}
		s.frame(ctx, f)
		return kernel.EOK
	case kernel.OpSetIoctl:
		return s.ioctl(ctx, m)
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) init(ctx *kernel.Context) kernel.Status {
	if s.attached {
		return kernel.EOK
	}
	s.self = ctx.ID()
	if err := s.w.Attach(s.addr, s.rx); err != nil {
		return kernel.ENODEV
	}
	s.attached = true
	return kernel.EOK
}

// rx is the receive interrupt: hand the frame to the handler and get out.
func (s *Service) rx(f wire.Frame) {
	s.x.Post(kernel.Message{Receiver: s.self, Op: opRxFrame, Info: &f})
}

func (s *Service) ioctl(ctx *kernel.Context, m kernel.Message) kernel.Status {
	st := kernel.EOK
	switch m.Sel {
	case SelTimeout:
		if m.Value <= 0 {
			st = kernel.EINVAL
		} else {
			s.timeoutMillis = uint32(m.Value)
		}
	default:
		st = kernel.EINVAL
	}
	ctx.ReplyResult(m.Sender, st)
	return kernel.EOK
}

func (s *Service) submit(ctx *kernel.Context, j *Job) {
	switch j.Mode {
	case SlaveReceive:
		if s.subscribe(j) {
			return
		}
		ctx.ReplyInfo(j, kernel.EAGAIN)
	case Publish:
		dup := make([]byte, len(j.Src))
		copy(dup, j.Src)
		s.regs[j.Op] = dup
		ctx.ReplyInfo(j, kernel.EOK)
	case MasterTransmit, MasterTransmitSlaveReceive, MasterReceive:
		if len(j.Src) > wire.MaxPayload {
			ctx.ReplyInfo(j, kernel.EINVAL)
			return
		}
		if s.q.Push(j) {
			s.start(ctx)
		}
	default:
		ctx.ReplyInfo(j, kernel.EINVAL)
	}
}

func (s *Service) subscribe(j *Job) bool {
	if j.Op == AnyOp {
		if s.anySub != nil {
			return false
		}
		s.anySub = j
		return true
	}
	if _, busy := s.subs[j.Op]; busy {
		return false
	}
	s.subs[j.Op] = j
	return true
}

func (s *Service) cancel(ctx *kernel.Context, j *Job) {
	// Parked subscription: unsubscribe.
	if s.subs[j.Op] == j {
		delete(s.subs, j.Op)
		ctx.ReplyInfo(j, kernel.ECANCELED)
		return
	}
	if s.anySub == j {
		s.anySub = nil
		ctx.ReplyInfo(j, kernel.ECANCELED)
		return
	}
	// In flight: terminate at the next safe state.
	if s.q.Head() == j && s.st != stIdle {
		j.Cancel()
		return
	}
	if s.q.Remove(j) {
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
}

func (s *Service) start(ctx *kernel.Context) {
	s.tries = 0
	s.transmit(ctx)
}

func (s *Service) current() *Job {
	if h := s.q.Head(); h != nil {
		return h.(*Job)
	}
	return nil
}

func (s *Service) transmit(ctx *kernel.Context) {
	j := s.current()
	if j == nil {
		s.st = stIdle
		return
	}
	if j.Canceled() {
		s.finish(ctx, kernel.ECANCELED)
		return
	}

	f := wire.Frame{Op: j.Op, From: s.addr, To: j.Dest, Payload: j.Src}
	switch j.Mode {
	case MasterReceive:
		f.Kind = wire.KindPoll
		f.Payload = nil
	case MasterTransmit:
		f.Kind = wire.KindData
		if j.Reply {
			f.Kind = wire.KindReply
			f.Result = uint8(j.Result)
		}
	default:
		f.Kind = wire.KindData
	}

	s.st = stSending
	s.w.Tx(f, func(err error) {
		// Transfer-complete interrupt.
		s.x.Post(kernel.Message{Receiver: s.self, Op: kernel.OpNotBusy, Status: txStatus(err)})
	})
}

func txStatus(err error) kernel.Status {
	switch err {
	case nil:
		return kernel.EOK
	case wire.ErrNack:
		return kernel.ENODEV
	case wire.ErrArbitrationLost:
		return kernel.EBUSY
	default:
		return kernel.EIO
	}
}

func (s *Service) txDone(ctx *kernel.Context, st kernel.Status) {
	j := s.current()
	if j == nil || s.st != stSending {
		return
	}
	if j.Canceled() {
		s.finish(ctx, kernel.ECANCELED)
		return
	}

	switch st {
	case kernel.EOK:
		switch j.Mode {
		case MasterTransmit:
			s.finish(ctx, kernel.EOK)
		default:
			s.st = stAwaitReply
			s.alarmTag++
			clock.Set(ctx, s.clk, s.timeoutMillis, s.alarmTag)
		}
	case kernel.ENODEV, kernel.EBUSY:
		s.lastErr = st
		s.tries++
		if s.tries > retryLimit {
			s.finish(ctx, st)
			return
		}
		s.st = stBackoff
		s.alarmTag++
		clock.Set(ctx, s.clk, retryBackoffMillis, s.alarmTag)
	default:
		s.finish(ctx, kernel.EIO)
	}
}

func (s *Service) alarm(ctx *kernel.Context, tag uint8) {
	if tag != s.alarmTag {
		// Superseded before delivery; the reply won the race.
		return
	}
	switch s.st {
	case stBackoff:
		s.transmit(ctx)
	case stAwaitReply:
		s.finish(ctx, kernel.ETIMEDOUT)
	default:
		// Stale alarm; the reply won the race.
	}
}

func (s *Service) frame(ctx *kernel.Context, f *wire.Frame) {
	switch f.Kind {
	case wire.KindReply:
		s.replyFrame(ctx, f, MasterTransmitSlaveReceive)
	case wire.KindPollReply:
		s.replyFrame(ctx, f, MasterReceive)
	case wire.KindPoll:
		s.servePoll(f)
	case wire.KindData:
		s.deliver(ctx, f)
	}
}

func (s *Service) replyFrame(ctx *kernel.Context, f *wire.Frame, want Mode) {
	j := s.current()
	if s.st != stAwaitReply || j == nil || j.Mode != want || f.Op != j.Op {
		s.dropped.Add(1)
		return
	}
	if j.Dest != wire.GeneralCall && f.From != j.Dest {
		s.dropped.Add(1)
		return
	}
	s.alarmTag++
	clock.Cancel(ctx, s.clk)
	j.N = copy(j.Dst, f.Payload)
	j.From = f.From
	j.Result = kernel.Status(f.Result)
	s.finish(ctx, kernel.EOK)
}

func (s *Service) servePoll(f *wire.Frame) {
	reply := wire.Frame{
		Kind: wire.KindPollReply,
		Op:   f.Op,
		From: s.addr,
		To:   f.From,
	}
	if b, present := s.regs[f.Op]; present {
		reply.Result = uint8(kernel.EOK)
		reply.Payload = b
	} else {
		reply.Result = uint8(kernel.ENOENT)
	}
	// Served by the secretary itself; the outcome does not touch the job
	// state machine.
	s.w.Tx(reply, nil)
}

func (s *Service) deliver(ctx *kernel.Context, f *wire.Frame) {
	j := s.subs[f.Op]
	if j != nil {
		delete(s.subs, f.Op)
	} else if s.anySub != nil {
		j = s.anySub
		s.anySub = nil
	}
	if j == nil {
		s.dropped.Add(1)
		return
	}
	j.N = copy(j.Dst, f.Payload)
	j.From = f.From
	j.Result = kernel.Status(f.Result)
	j.Op = f.Op
	ctx.ReplyInfo(j, kernel.EOK)
}

func (s *Service) finish(ctx *kernel.Context, st kernel.Status) {
	j := s.current()
	if j.Canceled() {
		st = kernel.ECANCELED
	}
	s.q.Pop()
	s.st = stIdle
	s.tries = 0
	ctx.ReplyInfo(j, st)
	if !s.q.Empty() {
		s.start(ctx)
	}
}
