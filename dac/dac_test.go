package dac_test

import (
	"context"
	"testing"
	"time"

	"github.com/pj9pl/willow-bloated-sub001/dac"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

type rig struct {
	x     *kernel.Exec
	sim   *dac.Sim
	drv   kernel.TaskID
	col   *kernel.Collector
	colID kernel.TaskID
}

func startRig(t *testing.T) *rig {
	t.Helper()
	pin := hal.NewSignalPin()
	sim := dac.NewSim(dac.DefaultAddr, pin)

	x := kernel.New()
	drv := x.Add(dac.New(x, sim, dac.DefaultAddr, pin))
	col := kernel.NewCollector(16)
	colID := x.Add(col)

	ctx, cancel := context.WithCancel(context.Background())
	go x.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-x.Done():
		case <-time.After(2 * time.Second):
			t.Error("exec did not stop")
		}
	})

	x.Post(kernel.Message{Receiver: drv, Op: kernel.OpInit})
	return &rig{x: x, sim: sim, drv: drv, col: col, colID: colID}
}

func (r *rig) submit(j *dac.Job) {
	j.ReplyTo = r.colID
	r.x.Post(kernel.Message{Sender: r.colID, Receiver: r.drv, Op: kernel.OpJob, Info: j})
}

func (r *rig) await(t *testing.T, j *dac.Job) kernel.Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.col.C:
			if m.Op == kernel.OpReplyInfo && m.Info == j {
				return j.Status
			}
		case <-deadline:
			t.Fatal("no completion reply")
		}
	}
}

func TestWriteThenReadBack(t *testing.T) {
	r := startRig(t)

	w := &dac.Job{Channel: 0, Value: 2048, Ref: dac.RefInternal, Power: dac.PowerNormal}
	r.submit(w)
	if st := r.await(t, w); st != kernel.EOK {
		t.Fatalf("write status = %v", st)
	}

	rd := &dac.Job{Channel: 0, Read: true}
	r.submit(rd)
	if st := r.await(t, rd); st != kernel.EOK {
		t.Fatalf("read status = %v", st)
	}
	if rd.Value != 2048 {
		t.Fatalf("value = %d", rd.Value)
	}
	if rd.Ref != dac.RefInternal || rd.Power != dac.PowerNormal || rd.Gain != 0 {
		t.Fatalf("config = ref %d power %d gain %d", rd.Ref, rd.Power, rd.Gain)
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	r := startRig(t)

	for ch := uint8(0); ch < dac.NumChannels; ch++ {
		w := &dac.Job{Channel: ch, Value: uint16(ch) * 100}
		r.submit(w)
		r.await(t, w)
	}
	for ch := uint8(0); ch < dac.NumChannels; ch++ {
		rd := &dac.Job{Channel: ch, Read: true}
		r.submit(rd)
		r.await(t, rd)
		if rd.Value != uint16(ch)*100 {
			t.Fatalf("channel %d = %d", ch, rd.Value)
		}
	}
}

func TestEEPROMWriteWaitsForBusy(t *testing.T) {
	r := startRig(t)

	w := &dac.Job{Channel: 1, Value: 900, Ref: dac.RefInternal, AccessEEPROM: true}
	r.submit(w)
	if st := r.await(t, w); st != kernel.EOK {
		t.Fatalf("status = %v", st)
	}

	v, ref, _, _ := r.sim.EEPROMChannel(1)
	if v != 900 || ref != dac.RefInternal {
		t.Fatalf("eeprom = %d ref %d", v, ref)
	}
}

func TestInvalidJobRejected(t *testing.T) {
	r := startRig(t)

	for _, j := range []*dac.Job{
		{Channel: dac.NumChannels},
		{Value: 0x1000},
		{Gain: 2},
	} {
		r.submit(j)
		if st := r.await(t, j); st != kernel.EINVAL {
			t.Fatalf("status = %v", st)
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	r := startRig(t)

	// Hold the driver on an EEPROM cycle while the second job queues.
	w := &dac.Job{Channel: 0, Value: 1, AccessEEPROM: true}
	q := &dac.Job{Channel: 1, Value: 2}
	r.submit(w)
	r.submit(q)
	r.x.Post(kernel.Message{Sender: r.colID, Receiver: r.drv, Op: kernel.OpCancel, Info: q})

	if st := r.await(t, q); st != kernel.ECANCELED {
		t.Fatalf("canceled job status = %v", st)
	}
	if st := r.await(t, w); st != kernel.EOK {
		t.Fatalf("eeprom job status = %v", st)
	}
}
