package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire/memwire"
	"github.com/pj9pl/willow-bloated-sub001/clock"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/pingsvc"
)

// node is one simulated cluster member: an exec with a clock, a bus
// secretary attached to the shared hub, and a collector standing in for
// an application task submitting jobs.
type node struct {
	x     *kernel.Exec
	clk   kernel.TaskID
	busID kernel.TaskID
	svc   *bus.Service
	col   *kernel.Collector
	colID kernel.TaskID
}

func startNode(t *testing.T, hub *memwire.Hub, addr wire.Addr, extras ...func(busID kernel.TaskID) kernel.Handler) *node {
	t.Helper()
	x := kernel.New()
	clk := x.Add(clock.New(x))
	svc := bus.New(x, hub.Port(), addr, clk)
	busID := x.Add(svc)
	col := kernel.NewCollector(64)
	colID := x.Add(col)

	var extraIDs []kernel.TaskID
	for _, mk := range extras {
		extraIDs = append(extraIDs, x.Add(mk(busID)))
	}

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

	x.Post(kernel.Message{Receiver: clk, Op: kernel.OpInit})
	x.Post(kernel.Message{Receiver: busID, Op: kernel.OpInit})
	for _, id := range extraIDs {
		x.Post(kernel.Message{Receiver: id, Op: kernel.OpInit})
	}
	return &node{x: x, clk: clk, busID: busID, svc: svc, col: col, colID: colID}
}

func withPing(busID kernel.TaskID) kernel.Handler { return pingsvc.New(busID) }

func (n *node) submit(j *bus.Job) {
	j.Header().ReplyTo = n.colID
	n.x.Post(kernel.Message{Sender: n.colID, Receiver: n.busID, Op: kernel.OpJob, Info: j})
}

func (n *node) cancelJob(j *bus.Job) {
	n.x.Post(kernel.Message{Sender: n.colID, Receiver: n.busID, Op: kernel.OpCancel, Info: j})
}

// await blocks until the collector sees the completion reply for j and
// returns the completion status. Unrelated messages are discarded.
func (n *node) await(t *testing.T, j *bus.Job) kernel.Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-n.col.C:
			if m.Op == kernel.OpReplyInfo && m.Info == j {
				return j.Status
			}
		case <-deadline:
			t.Fatal("no completion reply for job")
		}
	}
}

// awaitAny returns the next job completion the collector sees, preserving
// reply order.
func (n *node) awaitAny(t *testing.T) *bus.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-n.col.C:
			if m.Op == kernel.OpReplyInfo {
				return m.Info.(*bus.Job)
			}
		case <-deadline:
			t.Fatal("no completion reply")
		}
	}
}

func TestPingRoundtrip(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	startNode(t, hub, 2, withPing)

	var buf [32]byte
	j := &bus.Job{
		Mode: bus.MasterTransmitSlaveReceive,
		Dest: 2,
		Op:   pingsvc.OpPing,
		Src:  []byte("ping?"),
		Dst:  buf[:],
	}
	a.submit(j)

	require.Equal(t, kernel.EOK, a.await(t, j))
	require.Equal(t, kernel.EOK, j.Result)
	require.Equal(t, 5, j.N)
	require.Equal(t, "ping?", string(buf[:j.N]))
	require.Equal(t, wire.Addr(2), j.From)
}

func TestAbsentAddressFailsAfterRetries(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)

	j := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 9, Op: pingsvc.OpPing, Src: []byte("x")}
	a.submit(j)

	require.Equal(t, kernel.ENODEV, a.await(t, j))
}

func TestJobsCompleteInSubmissionOrder(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	startNode(t, hub, 2, withPing)

	var b1, b2 [8]byte
	j1 := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 2, Op: pingsvc.OpPing, Src: []byte("one"), Dst: b1[:]}
	j2 := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 2, Op: pingsvc.OpPing, Src: []byte("two"), Dst: b2[:]}
	a.submit(j1)
	a.submit(j2)

	require.Same(t, j1, a.awaitAny(t))
	require.Same(t, j2, a.awaitAny(t))
	require.Equal(t, "one", string(b1[:j1.N]))
	require.Equal(t, "two", string(b2[:j2.N]))
}

func TestSubscriptionIsOneShot(t *testing.T) {
	const op wire.Op = 0x44

	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	b := startNode(t, hub, 2)

	var rbuf [16]byte
	sub := &bus.Job{Mode: bus.SlaveReceive, Op: op, Dst: rbuf[:]}
	b.submit(sub)
	// Let the subscription park before transmitting.
	time.Sleep(20 * time.Millisecond)

	send := &bus.Job{Mode: bus.MasterTransmit, Dest: 2, Op: op, Src: []byte("first")}
	a.submit(send)
	require.Equal(t, kernel.EOK, a.await(t, send))

	require.Equal(t, kernel.EOK, b.await(t, sub))
	require.Equal(t, 5, sub.N)
	require.Equal(t, "first", string(rbuf[:sub.N]))
	require.Equal(t, wire.Addr(1), sub.From)

	// The subscription was consumed: a second frame has no taker.
	again := &bus.Job{Mode: bus.MasterTransmit, Dest: 2, Op: op, Src: []byte("second")}
	a.submit(again)
	require.Equal(t, kernel.EOK, a.await(t, again))
	require.Eventually(t, func() bool { return b.svc.Dropped() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestDuplicateSubscribeRefused(t *testing.T) {
	const op wire.Op = 0x45

	hub := memwire.NewHub()
	b := startNode(t, hub, 2)

	first := &bus.Job{Mode: bus.SlaveReceive, Op: op}
	second := &bus.Job{Mode: bus.SlaveReceive, Op: op}
	b.submit(first)
	b.submit(second)

	require.Equal(t, kernel.EAGAIN, b.await(t, second))
}

func TestCancelQueuedJob(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)

	// j1 keeps the secretary busy retrying against a dead address while
	// j2 waits in the queue.
	j1 := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 9, Op: 0x10, Src: []byte("x")}
	j2 := &bus.Job{Mode: bus.MasterTransmit, Dest: 9, Op: 0x11, Src: []byte("y")}
	a.submit(j1)
	a.submit(j2)
	a.cancelJob(j2)

	require.Equal(t, kernel.ECANCELED, a.await(t, j2))
	require.Equal(t, kernel.ENODEV, a.await(t, j1))
}

func TestCancelParkedSubscription(t *testing.T) {
	hub := memwire.NewHub()
	b := startNode(t, hub, 2)

	sub := &bus.Job{Mode: bus.SlaveReceive, Op: 0x46}
	b.submit(sub)
	b.cancelJob(sub)

	require.Equal(t, kernel.ECANCELED, b.await(t, sub))
}

func TestArbitrationLossRetried(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	startNode(t, hub, 2, withPing)

	hub.InjectArbitrationLoss(1)

	var buf [8]byte
	j := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 2, Op: pingsvc.OpPing, Src: []byte("hi"), Dst: buf[:]}
	a.submit(j)

	require.Equal(t, kernel.EOK, a.await(t, j))
	require.Equal(t, "hi", string(buf[:j.N]))
}

func TestArbitrationLossExhaustsRetries(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)

	hub.InjectArbitrationLoss(10)

	j := &bus.Job{Mode: bus.MasterTransmit, Dest: 2, Op: 0x12, Src: []byte("z")}
	a.submit(j)

	require.Equal(t, kernel.EBUSY, a.await(t, j))
}

func TestReplyTimeout(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	startNode(t, hub, 2) // present, but nothing answers pings

	a.x.Post(kernel.Message{
		Sender:   a.colID,
		Receiver: a.busID,
		Op:       kernel.OpSetIoctl,
		Sel:      bus.SelTimeout,
		Value:    50,
	})
	select {
	case m := <-a.col.C:
		require.Equal(t, kernel.OpReplyResult, m.Op)
		require.Equal(t, kernel.EOK, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no ioctl reply")
	}

	j := &bus.Job{Mode: bus.MasterTransmitSlaveReceive, Dest: 2, Op: pingsvc.OpPing, Src: []byte("hi")}
	a.submit(j)

	require.Equal(t, kernel.ETIMEDOUT, a.await(t, j))
}

func TestIoctlBadSelector(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)

	a.x.Post(kernel.Message{
		Sender:   a.colID,
		Receiver: a.busID,
		Op:       kernel.OpSetIoctl,
		Sel:      99,
	})
	select {
	case m := <-a.col.C:
		require.Equal(t, kernel.OpReplyResult, m.Op)
		require.Equal(t, kernel.EINVAL, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no ioctl reply")
	}
}

func TestPublishServesPolls(t *testing.T) {
	const op wire.Op = 0x50

	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	b := startNode(t, hub, 2)

	pub := &bus.Job{Mode: bus.Publish, Op: op, Src: []byte("level=7")}
	b.submit(pub)
	require.Equal(t, kernel.EOK, b.await(t, pub))

	var buf [16]byte
	poll := &bus.Job{Mode: bus.MasterReceive, Dest: 2, Op: op, Dst: buf[:]}
	a.submit(poll)

	require.Equal(t, kernel.EOK, a.await(t, poll))
	require.Equal(t, kernel.EOK, poll.Result)
	require.Equal(t, "level=7", string(buf[:poll.N]))
}

func TestPollUnpublishedRegister(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	startNode(t, hub, 2)

	poll := &bus.Job{Mode: bus.MasterReceive, Dest: 2, Op: 0x51}
	a.submit(poll)

	require.Equal(t, kernel.EOK, a.await(t, poll))
	require.Equal(t, kernel.ENOENT, poll.Result)
}

func TestGeneralCallReachesAllSubscribers(t *testing.T) {
	const op wire.Op = 0x60

	hub := memwire.NewHub()
	a := startNode(t, hub, 1)
	b := startNode(t, hub, 2)
	c := startNode(t, hub, 3)

	var bbuf, cbuf [8]byte
	bsub := &bus.Job{Mode: bus.SlaveReceive, Op: op, Dst: bbuf[:]}
	csub := &bus.Job{Mode: bus.SlaveReceive, Op: op, Dst: cbuf[:]}
	b.submit(bsub)
	c.submit(csub)
	// Let both subscriptions park before broadcasting.
	time.Sleep(20 * time.Millisecond)

	j := &bus.Job{Mode: bus.MasterTransmit, Dest: wire.GeneralCall, Op: op, Src: []byte("all")}
	a.submit(j)
	require.Equal(t, kernel.EOK, a.await(t, j))

	require.Equal(t, kernel.EOK, b.await(t, bsub))
	require.Equal(t, kernel.EOK, c.await(t, csub))
	require.Equal(t, "all", string(bbuf[:bsub.N]))
	require.Equal(t, "all", string(cbuf[:csub.N]))
}

func TestOversizePayloadRefused(t *testing.T) {
	hub := memwire.NewHub()
	a := startNode(t, hub, 1)

	j := &bus.Job{Mode: bus.MasterTransmit, Dest: 2, Op: 0x13, Src: make([]byte, wire.MaxPayload+1)}
	a.submit(j)

	require.Equal(t, kernel.EINVAL, a.await(t, j))
}
