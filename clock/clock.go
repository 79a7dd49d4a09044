// Package clock owns the monotonic millisecond tick and the alarm table.
// Every timeout in the system is an alarm: a task posts OpAlarmSet with a
// delay, and when the tick passes the deadline the clock posts OpAlarm
// back. One outstanding alarm per task; a new request overwrites the old.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

const maxAlarms = 32

// opTick is the timer-interrupt message the tick goroutine posts when an
// alarm may have come due. All alarm state is mutated in handler context.
const opTick = kernel.OpAppBase

type alarm struct {
	inUse bool
	due   uint32
	task  kernel.TaskID
	tag   uint8
}

// Service is the clock driver task.
type Service struct {
	x    *kernel.Exec
	self kernel.TaskID

	alarms  [maxAlarms]alarm
	started bool

	// earliest is the soonest deadline, read by the tick goroutine so it
	// only posts when something may be due. ^uint32(0) means no alarms.
	earliest atomic.Uint32
}

const noAlarm = ^uint32(0)

// New creates the clock. The Exec reference is the interrupt plumbing: the
// tick goroutine posts into it and maintains its millisecond counter.
func New(x *kernel.Exec) *Service {
	s := &Service{x: x}
	s.earliest.Store(noAlarm)
	return s
}

// Set asks the clock for an alarm delayMillis from now, on behalf of the
// calling task. Fire and forget. The tag comes back in the ALARM's
// selector slot, so a caller that re-arms can discard an alarm already
// in flight when it was superseded.
func Set(ctx *kernel.Context, clk kernel.TaskID, delayMillis uint32, tag uint8) {
	ctx.Send(clk, kernel.Message{Op: kernel.OpAlarmSet, Value: int32(delayMillis), Sel: tag})
}

// Cancel drops the calling task's pending alarm, silently.
func Cancel(ctx *kernel.Context, clk kernel.TaskID) {
	ctx.Send(clk, kernel.Message{Op: kernel.OpAlarmCancel})
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		if !s.started {
			s.started = true
			s.self = ctx.ID()
			go s.tick()
		}
		return kernel.EOK
	case kernel.OpAlarmSet:
		if m.Sender == 0 {
			return kernel.EINVAL
		}
		delay := m.Value
		if delay < 0 {
			// Already overdue; fire on the next tick.
			delay = 0
		}
		s.set(m.Sender, ctx.Now()+uint32(delay), m.Sel)
		return kernel.EOK
	case kernel.OpAlarmCancel:
		s.cancel(m.Sender)
		return kernel.EOK
	case opTick:
		s.fireDue(ctx)
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) set(task kernel.TaskID, due uint32, tag uint8) {
	free := -1
	for i := range s.alarms {
		a := &s.alarms[i]
		if a.inUse && a.task == task {
			a.due = due
			a.tag = tag
			s.rearm()
			return
		}
		if !a.inUse && free < 0 {
			free = i
		}
	}
	if free >= 0 {
		s.alarms[free] = alarm{inUse: true, due: due, task: task, tag: tag}
	}
	s.rearm()
}

func (s *Service) cancel(task kernel.TaskID) {
	for i := range s.alarms {
		if s.alarms[i].inUse && s.alarms[i].task == task {
			s.alarms[i] = alarm{}
			break
		}
	}
	s.rearm()
}

func (s *Service) rearm() {
	min := uint32(noAlarm)
	for i := range s.alarms {
		a := &s.alarms[i]
		if !a.inUse {
			continue
		}
		if min == noAlarm || int32(a.due-min) < 0 {
			min = a.due
		}
	}
	s.earliest.Store(min)
}

func (s *Service) fireDue(ctx *kernel.Context) {
	now := ctx.Now()
	for i := range s.alarms {
		a := &s.alarms[i]
		if !a.inUse || int32(now-a.due) < 0 {
			continue
		}
		ctx.Send(a.task, kernel.Message{Op: kernel.OpAlarm, Sel: a.tag})
		*a = alarm{}
	}
	s.rearm()
}

// tick is the timer interrupt: advance the millisecond counter and, when
// any alarm may be due, post opTick so the handler can deliver it. It never
// touches the alarm table; only the handler does.
func (s *Service) tick() {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	start := time.Now()
	for {
		select {
		case <-s.x.Done():
			return
		case <-t.C:
			now := uint32(time.Since(start) / time.Millisecond)
			s.x.SetNow(now)
			due := s.earliest.Load()
			if due != noAlarm && int32(now-due) >= 0 {
				s.x.Post(kernel.Message{Receiver: s.self, Op: opTick})
			}
		}
	}
}
