package fsd

import (
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/sd"
)

type state uint8

const (
	stOff state = iota
	stIdent
	stMeta
	stExtra
	stListen
	stExec
	stReply
)

// Service is the filesystem secretary task. It serves one request at a
// time: the catch-all bus subscription is re-armed only after the reply
// for the previous request has been handed to the bus.
type Service struct {
	busID kernel.TaskID
	sdID  kernel.TaskID

	st        state
	c         *cache
	formatted bool

	partStart   uint32
	partSectors uint32

	sub   bus.Job
	reply bus.Job
	sdJob sd.Job
	rxBuf [wire.MaxPayload]byte

	steps   []step
	stepIdx int

	// Reply under construction for the request being served.
	reqOp        wire.Op
	reqFrom      wire.Addr
	pendingSt    kernel.Status
	pendingReply []byte
	assemble     func() []byte

	// Initialization scratch.
	meta []byte
}

func New(busID, sdID kernel.TaskID) *Service {
	return &Service{busID: busID, sdID: sdID, c: newCache()}
}

func (s *Service) Handle(ctx *kernel.Context, m kernel.Message) kernel.Status {
	switch m.Op {
	case kernel.OpInit:
		if s.st == stOff {
			s.st = stIdent
			s.sdJob = sd.Job{Op: sd.Ident}
			ctx.SubmitJob(s.sdID, &s.sdJob)
		}
		return kernel.EOK
	case kernel.OpReplyInfo:
		switch m.Info {
		case &s.sdJob:
			s.sdDone(ctx)
		case &s.sub:
			s.serve(ctx)
		case &s.reply:
			// Reply handed to the bus; accept the next request.
			s.listen(ctx)
		}
		return kernel.EOK
	default:
		return kernel.ENOSYS
	}
}

func (s *Service) sdDone(ctx *kernel.Context) {
	if s.st == stIdent {
		if s.sdJob.Status != kernel.EOK {
			s.degrade(ctx)
			return
		}
		s.partStart = s.sdJob.PartStart
		s.partSectors = s.sdJob.PartSectors
		s.beginMeta(ctx)
		return
	}
	s.stepDone(ctx, s.sdJob.Status)
}

// degrade gives up on the on-disk state but keeps serving: mkfs and raw
// sector requests can still repair things.
func (s *Service) degrade(ctx *kernel.Context) {
	s.formatted = false
	s.listen(ctx)
}

// Initialization: read the metadata region, then the root directory and
// indirect zones it references.

func (s *Service) beginMeta(ctx *kernel.Context) {
	s.meta = make([]byte, firstDataSector*ZoneBytes)
	var steps []step
	for sec := uint32(0); sec < firstDataSector; sec++ {
		steps = append(steps, step{sector: sec, buf: s.meta[sec*ZoneBytes : (sec+1)*ZoneBytes]})
	}
	s.st = stMeta
	s.runScript(ctx, steps)
}

func (s *Service) beginExtra(ctx *kernel.Context) {
	var steps []step
	for _, zone := range s.c.extraZones() {
		zone := zone
		buf := make([]byte, ZoneBytes)
		steps = append(steps, step{
			sector: zone,
			buf:    buf,
			after:  func() { s.c.loadZone(zone, buf) },
		})
	}
	if len(steps) == 0 {
		s.formatted = true
		s.listen(ctx)
		return
	}
	s.st = stExtra
	s.runScript(ctx, steps)
}

// Script execution through the block driver, one sector job at a time.

func (s *Service) runScript(ctx *kernel.Context, steps []step) {
	s.steps = steps
	s.stepIdx = 0
	s.nextStep(ctx)
}

func (s *Service) nextStep(ctx *kernel.Context) {
	if s.stepIdx >= len(s.steps) {
		s.steps = nil
		s.scriptDone(ctx)
		return
	}
	st := s.steps[s.stepIdx]
	op := sd.ReadSector
	if st.write {
		op = sd.WriteSector
	}
	s.sdJob = sd.Job{Op: op, Sector: s.partStart + st.sector, Buf: st.buf}
	ctx.SubmitJob(s.sdID, &s.sdJob)
}

func (s *Service) stepDone(ctx *kernel.Context, st kernel.Status) {
	if st != kernel.EOK {
		s.steps = nil
		s.scriptFailed(ctx)
		return
	}
	if after := s.steps[s.stepIdx].after; after != nil {
		after()
	}
	s.stepIdx++
	s.nextStep(ctx)
}

func (s *Service) scriptDone(ctx *kernel.Context) {
	switch s.st {
	case stMeta:
		if !s.c.load(s.meta) {
			s.meta = nil
			s.degrade(ctx)
			return
		}
		s.meta = nil
		s.beginExtra(ctx)
	case stExtra:
		s.formatted = true
		s.listen(ctx)
	case stExec:
		s.sendReply(ctx)
	}
}

func (s *Service) scriptFailed(ctx *kernel.Context) {
	switch s.st {
	case stMeta, stExtra:
		s.degrade(ctx)
	case stExec:
		s.pendingSt = kernel.EIO
		s.pendingReply = nil
		s.assemble = nil
		s.sendReply(ctx)
	}
}

// Request serving.

func (s *Service) listen(ctx *kernel.Context) {
	s.sub = bus.Job{Mode: bus.SlaveReceive, Op: bus.AnyOp, Dst: s.rxBuf[:]}
	ctx.SubmitJob(s.busID, &s.sub)
	s.st = stListen
}

func (s *Service) serve(ctx *kernel.Context) {
	if s.st != stListen || s.sub.Status != kernel.EOK {
		s.listen(ctx)
		return
	}
	s.reqOp = s.sub.Op
	s.reqFrom = s.sub.From
	payload := s.rxBuf[:s.sub.N]

	steps := s.dispatch(payload)
	steps = append(steps, s.c.flushScript()...)
	if len(steps) == 0 {
		s.sendReply(ctx)
		return
	}
	s.st = stExec
	s.runScript(ctx, steps)
}

// dispatch runs the request against the cache and returns the sector
// transfers still needed. The reply status and payload are left in
// pendingSt/pendingReply (or assemble, for data that arrives with the
// steps).
func (s *Service) dispatch(payload []byte) []step {
	s.pendingSt = kernel.EINVAL
	s.pendingReply = nil
	s.assemble = nil

	switch s.reqOp {
	case OpMkfs:
		if s.partSectors == 0 {
			s.pendingSt = kernel.ENODEV
			return nil
		}
		s.c.format(s.partSectors)
		s.formatted = true
		s.pendingSt = kernel.EOK
		s.pendingReply = encodeIno(RootIno)
		return nil

	case OpSector:
		sector, ok := DecodeSector(payload)
		if !ok || sector >= s.partSectors {
			return nil
		}
		buf := make([]byte, ZoneBytes)
		s.pendingSt = kernel.EOK
		s.pendingReply = buf
		return []step{{sector: sector, buf: buf}}
	}

	if !s.formatted {
		return nil
	}

	switch s.reqOp {
	case OpMknod:
		name, ok := DecodeMknod(payload)
		if !ok {
			return nil
		}
		ino, st := s.c.mknod(name)
		s.pendingSt = st
		if st == kernel.EOK {
			s.pendingReply = encodeIno(ino)
		}

	case OpPath:
		path, ok := DecodePath(payload)
		if !ok {
			return nil
		}
		ino, st := s.c.path(path)
		s.pendingSt = st
		if st == kernel.EOK {
			s.pendingReply = encodeIno(ino)
		}

	case OpLink:
		ino, name, ok := DecodeLink(payload)
		if !ok {
			return nil
		}
		s.pendingSt = s.c.link(ino, name)

	case OpUnlink:
		name, ok := DecodeUnlink(payload)
		if !ok {
			return nil
		}
		s.pendingSt = s.c.unlink(name)

	case OpIndir:
		ino, ok := DecodeIndir(payload)
		if !ok {
			return nil
		}
		s.pendingSt = s.c.indir(ino)

	case OpRead:
		ino, pos, count, ok := DecodeRead(payload)
		if !ok {
			return nil
		}
		steps, out, newpos, st := s.c.readScript(ino, pos, count)
		s.pendingSt = st
		if st == kernel.EOK {
			s.assemble = func() []byte { return append(encodePos(newpos), out...) }
		}
		return steps

	case OpWrite:
		ino, pos, trunc, data, ok := DecodeWrite(payload)
		if !ok {
			return nil
		}
		steps, newpos, st := s.c.writeScript(ino, pos, data, trunc)
		s.pendingSt = st
		if st == kernel.EOK {
			s.pendingReply = encodePos(newpos)
		}
		return steps

	default:
		s.pendingSt = kernel.ENOSYS
	}
	return nil
}

func (s *Service) sendReply(ctx *kernel.Context) {
	if s.assemble != nil {
		s.pendingReply = s.assemble()
		s.assemble = nil
	}
	s.reply = bus.Job{
		Mode:   bus.MasterTransmit,
		Dest:   s.reqFrom,
		Op:     s.reqOp,
		Reply:  true,
		Result: s.pendingSt,
		Src:    s.pendingReply,
	}
	ctx.SubmitJob(s.busID, &s.reply)
	s.st = stReply
}
