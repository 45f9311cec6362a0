package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishMatchesPrefix(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 8)
	defer unsub()

	b.Publish(Event{Kind: PushMessage})
	b.Publish(Event{Kind: ConvUpdated})

	select {
	case evt := <-ch:
		if evt.Kind != ConvUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, ConvUpdated)
		}
		if evt.At.IsZero() {
			t.Error("At not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 8)
	unsub()

	b.Publish(Event{Kind: ConvUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullBufferDropsNotBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 1)
	defer unsub()

	b.Publish(Event{Kind: ConvUpdated, Data: 1})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: ConvUpdated, Data: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}

	evt := <-ch
	if evt.Data != 1 {
		t.Errorf("got %v, want first event retained", evt.Data)
	}
}

func TestSubscribeFunc(t *testing.T) {
	b := New()
	var n atomic.Int32
	stop := b.SubscribeFunc("push.", 8, func(Event) { n.Add(1) })
	defer stop()

	b.Publish(Event{Kind: PushTyping})
	deadline := time.Now().Add(time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", n.Load())
	}

	stop()
	b.Publish(Event{Kind: PushTyping})
	time.Sleep(50 * time.Millisecond)
	if n.Load() != 1 {
		t.Errorf("handler ran after stop: %d", n.Load())
	}
}
