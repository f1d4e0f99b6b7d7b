package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	bus := New()
	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeRunStarted, Data: RunEvent{SyncID: "a"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeRunStarted {
				t.Fatalf("subscriber %d got %q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: event time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeRunFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	bus.Publish(Event{Type: TypeRunFailed})
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after unsubscribe")
	}
}
