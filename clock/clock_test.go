package clock

import (
	"context"
	"testing"
	"time"

	"github.com/pj9pl/willow-bloated-sub001/kernel"
)

type rig struct {
	x   *kernel.Exec
	clk kernel.TaskID
	col *kernel.Collector
	id  kernel.TaskID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	x := kernel.New()
	clk := x.Add(New(x))
	col := kernel.NewCollector(16)
	id := x.Add(col)

	ctx, cancel := context.WithCancel(context.Background())
	go x.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-x.Done()
	})
	x.Post(kernel.Message{Receiver: clk, Op: kernel.OpInit})
	return &rig{x: x, clk: clk, col: col, id: id}
}

func TestAlarmNeverEarly(t *testing.T) {
	r := newRig(t)

	const delay = 30 * time.Millisecond
	start := time.Now()
	r.x.Post(kernel.Message{
		Sender: r.id, Receiver: r.clk,
		Op: kernel.OpAlarmSet, Value: int32(delay / time.Millisecond),
	})

	select {
	case m := <-r.col.C:
		if m.Op != kernel.OpAlarm {
			t.Fatalf("got op %s, want alarm", m.Op)
		}
		// Best effort resolution, but delivery is never early. Allow one
		// tick of measurement slack.
		if el := time.Since(start); el < delay-time.Millisecond {
			t.Fatalf("alarm after %v, want >= %v", el, delay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never delivered")
	}
}

func TestAlarmOverwrite(t *testing.T) {
	r := newRig(t)

	// A long alarm overwritten by a short one fires once, on the short
	// deadline.
	r.x.Post(kernel.Message{Sender: r.id, Receiver: r.clk, Op: kernel.OpAlarmSet, Value: 5000})
	r.x.Post(kernel.Message{Sender: r.id, Receiver: r.clk, Op: kernel.OpAlarmSet, Value: 20})

	select {
	case <-r.col.C:
	case <-time.After(2 * time.Second):
		t.Fatal("overwritten alarm never delivered")
	}

	select {
	case m := <-r.col.C:
		t.Fatalf("second delivery %+v for a single alarm", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAlarmNegativeDelayFiresNext(t *testing.T) {
	r := newRig(t)

	// An overdue request must not wrap into a deadline weeks away; it
	// fires on the next tick.
	r.x.Post(kernel.Message{Sender: r.id, Receiver: r.clk, Op: kernel.OpAlarmSet, Value: -5})

	select {
	case m := <-r.col.C:
		if m.Op != kernel.OpAlarm {
			t.Fatalf("got op %s, want alarm", m.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("overdue alarm never delivered")
	}
}

func TestAlarmCancel(t *testing.T) {
	r := newRig(t)

	r.x.Post(kernel.Message{Sender: r.id, Receiver: r.clk, Op: kernel.OpAlarmSet, Value: 30})
	r.x.Post(kernel.Message{Sender: r.id, Receiver: r.clk, Op: kernel.OpAlarmCancel})

	select {
	case m := <-r.col.C:
		t.Fatalf("cancelled alarm delivered %+v", m)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTickMonotonic(t *testing.T) {
	r := newRig(t)

	time.Sleep(20 * time.Millisecond)
	a := r.x.Now()
	time.Sleep(20 * time.Millisecond)
	b := r.x.Now()
	if b < a {
		t.Fatalf("tick went backwards: %d then %d", a, b)
	}
	if b == 0 {
		t.Fatal("tick never advanced")
	}
}
