// Package sd is the block-device driver task for the node's removable
// storage. It serializes sector jobs, runs a multi-step initialization
// chain before the first transfer (power-up settle, media probe,
// capability settle, partition-table scan), and re-runs it after a
// MEDIA_CHANGE. Transfers run off the handler on the media goroutine and
// complete through a transfer-done message.
package sd

import (
	"encoding/binary"

	"github.com/pj9pl/willow-bloated-sub001/clock"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

// Op selects the job operation.
type Op uint8

const (
	// Ident reports capacity and the located partition.
	Ident Op = iota + 1
	ReadSector
	WriteSector
)

// PartitionType is the table entry the scan accepts.
const PartitionType uint8 = 0x81

// Initialization chain pacing.
const (
	powerUpMillis    = 2
	capabilityMillis = 1
)

// Job is a caller-owned sector operation.
type Job struct {
	kernel.Job

	Op Op
	// Sector is the physical sector number.
	Sector uint32
	// Buf is the caller's 512-byte transfer buffer.
	Buf []byte

	// Filled by Ident.
	CapacitySectors uint32
	PartStart       uint32
	PartSectors     uint32
}

func (j *Job) Header() *kernel.Job { return &j.Job }

type state uint8

const (
	stOff state = iota
	stPowerUp
	stProbe
	stCapability
	stMBR
	stReady
	stTransfer
)

const (
	// opXferDone is posted by the media goroutine when a transfer
	// completes.
	opXferDone = kernel.OpAppBase + iota
)

// Service is the block-device driver task.
type Service struct {
	x     *kernel.Exec
	media hal.Media
	clk   kernel.TaskID
	self  kernel.TaskID

	q  kernel.JobQueue
	st state

	capacity  uint32
	partStart uint32
	partLen   uint32
	stale     bool

	mbr [hal.SectorBytes]byte
}

func New(x *kernel.Exec, media hal.Media, clk kernel.TaskID) *Service {
	return &Service{x: x, media: media, clk: clk}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		s.self = ctx.ID()
		if s.st == stOff {
			s.beginInit(ctx)
		}
		return kernel.EOK
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
	case kernel.OpMediaChange:
		// Whatever we knew about the card is stale; the next job starts
		// over from the probe.
		s.stale = true
		if s.st == stReady && s.q.Empty() {
			s.st = stOff
			s.stale = false
		}
		return kernel.EOK
	case kernel.OpAlarm:
		s.alarm(ctx)
		return kernel.EOK
	case opXferDone:
		s.xferDone(ctx, m.Status)
		return kernel.EOK
	case kernel.OpInitOK:
		s.st = stReady
		if !s.q.Empty() {
			s.run(ctx)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) submit(ctx *kernel.Context, j *Job) {
	s.self = ctx.ID()
	wasEmpty := s.q.Push(j)
	switch s.st {
	case stOff:
		s.beginInit(ctx)
	case stReady:
		if wasEmpty {
			s.run(ctx)
		}
	default:
		// Initialization or a transfer is in progress; the job waits its
		// turn.
	}
}

func (s *Service) cancel(ctx *kernel.Context, j *Job) {
	if s.q.Head() == j && s.st == stTransfer {
		j.Cancel()
		return
	}
	if s.q.Remove(j) {
		ctx.ReplyInfo(j, kernel.ECANCELED)
		return
	}
	if s.q.Head() == j {
		// Queued at the head while the driver initializes.
		s.q.Pop()
		ctx.ReplyInfo(j, kernel.ECANCELED)
	}
}

// Initialization chain.

func (s *Service) beginInit(ctx *kernel.Context) {
	s.st = stPowerUp
	clock.Set(ctx, s.clk, powerUpMillis, 0)
}

func (s *Service) alarm(ctx *kernel.Context) {
	switch s.st {
	case stPowerUp:
		s.st = stProbe
		s.probe()
	case stCapability:
		s.st = stMBR
		s.readMBR()
	}
}

func (s *Service) probe() {
	go func() {
		st := kernel.EOK
		if s.media == nil || s.media.Size() < hal.SectorBytes {
			st = kernel.ENODEV
		}
		s.x.Post(kernel.Message{Receiver: s.self, Op: opXferDone, Status: st})
	}()
}

func (s *Service) readMBR() {
	go func() {
		_, err := s.media.ReadAt(s.mbr[:], 0)
		st := kernel.EOK
		if err != nil {
			st = kernel.EIO
		}
		s.x.Post(kernel.Message{Receiver: s.self, Op: opXferDone, Status: st})
	}()
}

func (s *Service) xferDone(ctx *kernel.Context, st kernel.Status) {
	switch s.st {
	case stProbe:
		if st != kernel.EOK {
			s.initFailed(ctx, st)
			return
		}
		s.capacity = uint32(s.media.Size() / hal.SectorBytes)
		s.st = stCapability
		clock.Set(ctx, s.clk, capabilityMillis, 0)
	case stMBR:
		if st != kernel.EOK {
			s.initFailed(ctx, st)
			return
		}
		if st := s.scanPartitions(); st != kernel.EOK {
			s.initFailed(ctx, st)
			return
		}
		ctx.Send(s.self, kernel.Message{Op: kernel.OpInitOK})
	case stTransfer:
		s.finish(ctx, st)
	}
}

// scanPartitions walks the four table slots and adopts the first entry
// of the expected type. No matching slot means the media is unusable
// here: ENODEV.
func (s *Service) scanPartitions() kernel.Status {
	if binary.LittleEndian.Uint16(s.mbr[510:512]) != 0xAA55 {
		return kernel.ENODEV
	}
	for slot := 0; slot < 4; slot++ {
		e := s.mbr[446+16*slot:]
		if e[4] != PartitionType {
			continue
		}
		start := binary.LittleEndian.Uint32(e[8:12])
		length := binary.LittleEndian.Uint32(e[12:16])
		if length == 0 || start >= s.capacity || start+length > s.capacity {
			continue
		}
		s.partStart = start
		s.partLen = length
		return kernel.EOK
	}
	return kernel.ENODEV
}

// initFailed completes every queued job with the chain's status and
// returns to the off state so a later job retries from the probe.
func (s *Service) initFailed(ctx *kernel.Context, st kernel.Status) {
	s.st = stOff
	for !s.q.Empty() {
		j := s.q.Head().(*Job)
		s.q.Pop()
		ctx.ReplyInfo(j, st)
	}
}

// Job execution.

func (s *Service) current() *Job {
	if h := s.q.Head(); h != nil {
		return h.(*Job)
	}
	return nil
}

func (s *Service) run(ctx *kernel.Context) {
	j := s.current()
	if j == nil {
		s.st = stReady
		return
	}
	if s.stale {
		s.stale = false
		s.beginInit(ctx)
		return
	}
	if j.Canceled() {
		s.finish(ctx, kernel.ECANCELED)
		return
	}

	switch j.Op {
	case Ident:
		j.CapacitySectors = s.capacity
		j.PartStart = s.partStart
		j.PartSectors = s.partLen
		s.finish(ctx, kernel.EOK)
	case ReadSector, WriteSector:
		if j.Sector >= s.capacity || len(j.Buf) != hal.SectorBytes {
			s.finish(ctx, kernel.EINVAL)
			return
		}
		s.st = stTransfer
		s.transfer(j)
	default:
		s.finish(ctx, kernel.EINVAL)
	}
}

func (s *Service) transfer(j *Job) {
	go func() {
		off := int64(j.Sector) * hal.SectorBytes
		var err error
		if j.Op == ReadSector {
			_, err = s.media.ReadAt(j.Buf, off)
		} else {
			_, err = s.media.WriteAt(j.Buf, off)
		}
		st := kernel.EOK
		if err != nil {
			st = kernel.EIO
		}
		s.x.Post(kernel.Message{Receiver: s.self, Op: opXferDone, Status: st})
	}()
}

func (s *Service) finish(ctx *kernel.Context, st kernel.Status) {
	j := s.current()
	if j.Canceled() {
		st = kernel.ECANCELED
	}
	s.q.Pop()
	s.st = stReady
	ctx.ReplyInfo(j, st)
	if !s.q.Empty() {
		s.run(ctx)
	}
}
