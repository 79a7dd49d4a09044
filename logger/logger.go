// Package logger is the sampling director: a recipe task that
// periodically reads the converter, formats each sample as a fixed log
// record, and appends it over the bus to a file on the filesystem node.
// When the file runs out of reserved zones the director rotates to the
// alternate inode, truncating it, and retries the record there.
package logger

import (
	"github.com/pj9pl/willow-bloated-sub001/adc"
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/clock"
	"github.com/pj9pl/willow-bloated-sub001/fsd"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/recfmt"
)

// GuardMillis bounds each bus write; the guard alarm and the bus reply
// race, and whichever arrives first decides the record's outcome.
const GuardMillis = 200

// Job is a caller-owned logging recipe.
type Job struct {
	kernel.Job

	// Count records, one every PeriodMillis.
	Count        uint32
	PeriodMillis uint32
	Channel      uint8
	// Ino is the log file on the filesystem node at Dest; AltIno is the
	// rotation target.
	Ino    uint16
	AltIno uint16
	Dest   wire.Addr

	// Written reports how many records landed.
	Written uint32
}

func (j *Job) Header() *kernel.Job { return &j.Job }

type state uint8

const (
	stIdle state = iota
	stSample
	stFormat
	stWrite
	stPause
	// stDrain absorbs the bus reply after a guard timeout already
	// decided the outcome.
	stDrain
)

// Service is the sampling director task.
type Service struct {
	adcID kernel.TaskID
	fmtID kernel.TaskID
	busID kernel.TaskID
	clk   kernel.TaskID
	arena *kernel.Arena

	q  kernel.JobQueue
	st state

	stopping bool
	stopper  kernel.TaskID

	// alarmTag discriminates live alarms from ones already in flight
	// when they were superseded.
	alarmTag uint8

	// Recipe scratch, allocated from the arena per invocation.
	scratch []byte
	seq     uint32
	ino     uint16
	pos     uint32
	trunc   bool
	rotated bool

	adcJob adc.Job
	fmtJob recfmt.Job
	busJob bus.Job
	wbuf   [8]byte
}

func New(adcID, fmtID, busID, clk kernel.TaskID, arena *kernel.Arena) *Service {
	return &Service{adcID: adcID, fmtID: fmtID, busID: busID, clk: clk, arena: arena}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		return kernel.EOK
	case kernel.OpJob:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		if s.q.Push(j) && s.st == stIdle {
			s.start(ctx)
		}
		return kernel.EOK
	case kernel.OpCancel:
		j, ok := m.Info.(*Job)
		if !ok {
			return kernel.EINVAL
		}
		s.cancel(ctx, j)
		return kernel.EOK
	case kernel.OpStop:
		s.stop(ctx, m.Sender)
		return kernel.EOK
	case kernel.OpAlarm:
		s.alarm(ctx, m.Sel)
		return kernel.EOK
	case kernel.OpReplyInfo:
		switch m.Info {
		case &s.adcJob:
			s.sampled(ctx)
		case &s.fmtJob:
			s.formatted(ctx)
		case &s.busJob:
			s.written(ctx)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) current() *Job {
	if h := s.q.Head(); h != nil {
		return h.(*Job)
	}
	return nil
}

func (s *Service) cancel(ctx *kernel.Context, j *Job) {
	if s.current() == j && s.st != stIdle {
		j.Cancel()
		if s.st == stPause {
			// Nothing in flight; the boundary is now.
			s.cancelAlarm(ctx)
			s.finishJob(ctx, kernel.ECANCELED)
		}
		return
	}
	if s.q.Remove(j) {
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
}

func (s *Service) stop(ctx *kernel.Context, sender kernel.TaskID) {
	s.stopping = true
	s.stopper = sender
	switch s.st {
	case stIdle:
		s.settle(ctx)
	case stPause:
		s.cancelAlarm(ctx)
		s.finishJob(ctx, kernel.ECANCELED)
	}
}

func (s *Service) setAlarm(ctx *kernel.Context, delayMillis uint32) {
	s.alarmTag++
	clock.Set(ctx, s.clk, delayMillis, s.alarmTag)
}

func (s *Service) cancelAlarm(ctx *kernel.Context) {
	s.alarmTag++
	clock.Cancel(ctx, s.clk)
}

// settle drains whatever is queued and reports IDLE to the stopper.
func (s *Service) settle(ctx *kernel.Context) {
	for !s.q.Empty() {
		j := s.q.Head().(*Job)
		s.q.Pop()
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
	ctx.ReplyResult(s.stopper, kernel.EOK)
	s.stopping = false
}

// Recipe.

func (s *Service) start(ctx *kernel.Context) {
	j := s.current()
	if j.Count == 0 {
		s.q.Pop()
		ctx.ReplyInfo(j, kernel.EINVAL)
		if !s.q.Empty() {
			s.start(ctx)
		}
		return
	}
	s.scratch = s.arena.Alloc()
	if s.scratch == nil {
		s.q.Pop()
		ctx.ReplyInfo(j, kernel.ENOMEM)
		if !s.q.Empty() {
			s.start(ctx)
		}
		return
	}
	s.seq = 0
	s.ino = j.Ino
	s.pos = 0
	s.trunc = false
	s.rotated = false
	j.Written = 0
	s.sample(ctx)
}

// boundary reports (and acts on) a pending cancellation or stop at a
// recipe step edge.
func (s *Service) boundary(ctx *kernel.Context) bool {
	if s.current().Canceled() || s.stopping {
		s.finishJob(ctx, kernel.ECANCELED)
		return true
	}
	return false
}

func (s *Service) sample(ctx *kernel.Context) {
	s.adcJob = adc.Job{Mode: adc.Read, Reg: adc.RegData, DataStatus: true}
	ctx.SubmitJob(s.adcID, &s.adcJob)
	s.st = stSample
}

func (s *Service) sampled(ctx *kernel.Context) {
	if s.st != stSample {
		return
	}
	if s.boundary(ctx) {
		return
	}
	if s.adcJob.Status != kernel.EOK {
		s.finishJob(ctx, s.adcJob.Status)
		return
	}
	j := s.current()
	s.fmtJob = recfmt.Job{
		Seq:     s.seq,
		Millis:  ctx.Now(),
		Channel: j.Channel,
		Stat:    s.adcJob.Stat,
		Value:   s.adcJob.Value,
		Rec:     s.scratch[:recfmt.RecordLen],
	}
	ctx.SubmitJob(s.fmtID, &s.fmtJob)
	s.st = stFormat
}

func (s *Service) formatted(ctx *kernel.Context) {
	if s.st != stFormat {
		return
	}
	if s.boundary(ctx) {
		return
	}
	if s.fmtJob.Status != kernel.EOK {
		s.finishJob(ctx, s.fmtJob.Status)
		return
	}
	s.write(ctx)
}

func (s *Service) write(ctx *kernel.Context) {
	j := s.current()
	s.busJob = bus.Job{
		Mode: bus.MasterTransmitSlaveReceive,
		Dest: j.Dest,
		Op:   fsd.OpWrite,
		Src:  fsd.EncodeWrite(s.ino, s.pos, s.trunc, s.scratch[:recfmt.RecordLen]),
		Dst:  s.wbuf[:],
	}
	ctx.SubmitJob(s.busID, &s.busJob)
	s.setAlarm(ctx, GuardMillis)
	s.st = stWrite
}

func (s *Service) written(ctx *kernel.Context) {
	if s.st == stDrain {
		// The guard alarm already reported the outcome.
		s.st = stIdle
		s.next(ctx)
		return
	}
	if s.st != stWrite {
		return
	}
	s.cancelAlarm(ctx)
	if s.boundary(ctx) {
		return
	}
	if s.busJob.Status != kernel.EOK {
		s.finishJob(ctx, s.busJob.Status)
		return
	}

	switch s.busJob.Result {
	case kernel.EOK:
		if newpos, ok := fsd.DecodeWriteReply(s.wbuf[:s.busJob.N]); ok {
			s.pos = newpos
		}
		s.trunc = false
		s.seq++
		s.current().Written++
		s.recordDone(ctx)
	case kernel.EXFULL:
		if s.rotated {
			s.finishJob(ctx, kernel.EXFULL)
			return
		}
		// Rotate: same record again, alternate file, from the top.
		j := s.current()
		s.ino = j.AltIno
		s.pos = 0
		s.trunc = true
		s.rotated = true
		s.write(ctx)
	default:
		s.finishJob(ctx, s.busJob.Result)
	}
}

func (s *Service) recordDone(ctx *kernel.Context) {
	j := s.current()
	if s.seq >= j.Count {
		s.finishJob(ctx, kernel.EOK)
		return
	}
	if j.PeriodMillis == 0 {
		s.sample(ctx)
		return
	}
	s.setAlarm(ctx, j.PeriodMillis)
	s.st = stPause
}

func (s *Service) alarm(ctx *kernel.Context, tag uint8) {
	if tag != s.alarmTag {
		// Superseded before delivery.
		return
	}
	switch s.st {
	case stPause:
		if s.boundary(ctx) {
			return
		}
		s.sample(ctx)
	case stWrite:
		// Guard expired first: this is the record's outcome. The bus
		// job's reply still arrives; absorb it before starting anything
		// new against the same job record.
		ctx.CancelJob(s.busID, &s.busJob)
		j := s.current()
		s.q.Pop()
		s.arena.Release(s.scratch)
		s.scratch = nil
		ctx.ReplyInfo(j, kernel.ETIMEDOUT)
		s.st = stDrain
	}
}

func (s *Service) finishJob(ctx *kernel.Context, st kernel.Status) {
	j := s.current()
	s.q.Pop()
	if s.scratch != nil {
		s.arena.Release(s.scratch)
		s.scratch = nil
	}
	s.st = stIdle
	ctx.ReplyInfo(j, st)
	if s.stopping {
		s.settle(ctx)
		return
	}
	if !s.q.Empty() {
		s.start(ctx)
	}
}

func (s *Service) next(ctx *kernel.Context) {
	if s.stopping {
		s.settle(ctx)
		return
	}
	if !s.q.Empty() {
		s.start(ctx)
	}
}
