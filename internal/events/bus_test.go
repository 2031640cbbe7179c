package events

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jthickma/ytbatch/internal/domain"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func receive(t *testing.T, s *Subscription) domain.Event {
	t.Helper()
	select {
	case ev := <-s.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(quietLogger())
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(domain.Event{Type: domain.EventJobCreated, JobID: "j1"})

	for _, s := range []*Subscription{a, b} {
		if ev := receive(t, s); ev.JobID != "j1" || ev.Type != domain.EventJobCreated {
			t.Errorf("received %+v", ev)
		}
	}
}

func TestBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(quietLogger())
	s := bus.Subscribe(16)

	for i := 0; i < 10; i++ {
		bus.Publish(domain.Event{Type: domain.EventFileProgress, JobID: domain.FileKey(i)})
	}
	for i := 0; i < 10; i++ {
		if ev := receive(t, s); ev.JobID != domain.FileKey(i) {
			t.Fatalf("event %d = %s, want %s", i, ev.JobID, domain.FileKey(i))
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(quietLogger())
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(domain.Event{Type: domain.EventFileProgress, JobID: "j"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if len(fast.C) != 5 {
		t.Errorf("fast subscriber got %d events, want 5", len(fast.C))
	}
	if len(slow.C) != 1 {
		t.Errorf("slow subscriber queued %d events, want 1", len(slow.C))
	}
	if bus.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want 4", bus.Dropped())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(quietLogger())
	s := bus.Subscribe(4)
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", bus.Subscribers())
	}

	s.Unsubscribe()
	s.Unsubscribe()
	bus.Publish(domain.Event{Type: domain.EventJobDeleted, JobID: "j"})

	if _, ok := <-s.C; ok {
		t.Error("received event after Unsubscribe()")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(quietLogger())
	s := bus.Subscribe(4)
	bus.Close()

	if _, ok := <-s.C; ok {
		t.Error("channel open after Close()")
	}
	s.Unsubscribe()
	bus.Publish(domain.Event{Type: domain.EventJobCreated})
}
