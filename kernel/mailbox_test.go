package kernel

import (
	"sync"
	"testing"
)

func TestMailboxTryGetEmpty(t *testing.T) {
	mb := NewMailbox()

	_, ok := mb.TryGet()
	if ok {
		t.Fatalf("TryGet() ok = true, want false")
	}
}

func TestMailboxFullDropsAndCounts(t *testing.T) {
	mb := NewMailbox()

	for i := 0; i < MailboxDepth; i++ {
		m := Message{Receiver: 1, Value: int32(i)}
		if ok := mb.Put(m); !ok {
			t.Fatalf("Put() ok = false at slot %d, want true", i)
		}
	}
	if ok := mb.Put(Message{Receiver: 1, Value: -1}); ok {
		t.Fatalf("Put() ok = true when full, want false")
	}
	if got := mb.Lost(); got != 1 {
		t.Fatalf("Lost() = %d, want 1", got)
	}

	// Prior contents dequeue intact, in order.
	for i := 0; i < MailboxDepth; i++ {
		m, ok := mb.TryGet()
		if !ok {
			t.Fatalf("TryGet() ok = false at slot %d, want true", i)
		}
		if m.Value != int32(i) {
			t.Fatalf("TryGet() value = %d at slot %d, want %d", m.Value, i, i)
		}
	}
	if _, ok := mb.TryGet(); ok {
		t.Fatalf("TryGet() ok = true after drain, want false")
	}
}

func TestMailboxHighWater(t *testing.T) {
	mb := NewMailbox()

	for i := 0; i < 5; i++ {
		mb.Put(Message{Receiver: 1})
	}
	mb.TryGet()
	mb.TryGet()
	mb.Put(Message{Receiver: 1})

	if got := mb.HighWater(); got != 5 {
		t.Fatalf("HighWater() = %d, want 5", got)
	}
}

func TestMailboxConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perProd   = 1000
		total     = producers * perProd
	)

	mb := NewMailbox()

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			<-start
			for i := 0; i < perProd; i++ {
				id := int32(p*perProd + i)
				for !mb.Put(Message{Receiver: 1, Value: id}) {
				}
			}
		}(p)
	}
	close(start)

	seen := make([]bool, total)
	for i := 0; i < total; i++ {
		m, ok := mb.Get()
		if !ok {
			t.Fatalf("Get() ok = false at message %d, want true", i)
		}
		// Dropped retries above inflate Lost, but every id must arrive
		// exactly once and intact.
		if int(m.Value) >= total {
			t.Fatalf("Get() id = %d, want < %d", m.Value, total)
		}
		if seen[m.Value] {
			t.Fatalf("Get() duplicate id %d", m.Value)
		}
		seen[m.Value] = true
	}

	wg.Wait()
}

func TestMailboxCloseWakesConsumer(t *testing.T) {
	mb := NewMailbox()

	done := make(chan struct{})
	go func() {
		_, ok := mb.Get()
		if ok {
			t.Errorf("Get() ok = true after close, want false")
		}
		close(done)
	}()
	mb.Close()
	<-done

	if ok := mb.Put(Message{Receiver: 1}); ok {
		t.Fatalf("Put() ok = true on closed mailbox, want false")
	}
}
