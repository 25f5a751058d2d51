package progress

import (
	"testing"
	"time"

	"orchestrator/internal/task"
)

func TestBus_SubscribeReceivesLastValueFirst(t *testing.T) {
	b := NewBus(4)
	b.Publish("t1", task.ProgressEvent{Stage: "download", ProgressPct: 50})

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	select {
	case ev := <-ch:
		if ev.ProgressPct != 50 {
			t.Fatalf("expected cached last value first, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cached event")
	}
}

func TestBus_ClosesOnTerminalEvent(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe("t1")
	defer cancel()

	b.Publish("t1", task.ProgressEvent{Stage: "completed", ProgressPct: 100})

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivering the terminal event")
		}
		if !ev.Terminal() {
			t.Fatalf("expected terminal event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBus_CurrentReturnsLastPublished(t *testing.T) {
	b := NewBus(4)
	if _, ok := b.Current("unknown"); ok {
		t.Fatal("expected no current value for unknown task")
	}
	b.Publish("t1", task.ProgressEvent{Stage: "clean", ProgressPct: 30})
	ev, ok := b.Current("t1")
	if !ok || ev.ProgressPct != 30 {
		t.Fatalf("got %+v, %v", ev, ok)
	}
}

func TestBus_SlowSubscriberDropsWithoutBlockingPublisher(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe("t1")
	defer cancel()
	// Drain the initial nothing (no cached value yet), then fill the buffer
	// without reading, forcing the next publish to be dropped for this sub.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("t1", task.ProgressEvent{Stage: "transcribe", ProgressPct: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	<-ch // drain one so the goroutine above is proven to have not deadlocked
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe("t1")
	cancel()

	b.Publish("t1", task.ProgressEvent{Stage: "download", ProgressPct: 10})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close after cancel")
	}
}
