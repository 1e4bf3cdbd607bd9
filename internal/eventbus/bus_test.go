package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, TypeInstanceReclaimed)
	defer unsub()

	b.Publish(Event{Type: TypeMessageDropped})
	b.Publish(Event{Type: TypeInstanceReclaimed, Data: "i-1"})

	select {
	case e := <-ch:
		if e.Type != TypeInstanceReclaimed || e.Data != "i-1" {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("time not stamped")
		}
	default:
		t.Fatalf("expected an event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "a"})
}
