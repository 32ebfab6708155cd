package engine_test

import (
	"testing"

	"github.com/seantiz/sandbroker/internal/engine"
)

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	events := []engine.Event{
		{Type: engine.EventStage, Data: "compiling"},
		{Type: engine.EventStage, Data: "running"},
		{Type: engine.EventStdout, Data: "1\n"},
	}
	for _, ev := range events {
		b.Publish("r1", ev)
	}
	b.Close("r1")

	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i := range got {
		if got[i] != events[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", engine.Event{Type: engine.EventStdout, Data: "hello"})
	b.Close("r1")

	for i, ch := range []<-chan engine.Event{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i+1, n)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish("r1", engine.Event{Type: engine.EventStage, Data: "early"})
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", engine.Event{Type: engine.EventStdout, Data: "dropped"})
	select {
	case ev := <-ch:
		t.Errorf("unsubscribed channel received %+v", ev)
	default:
	}
}

func TestEventBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := engine.NewEventBroker()
	_, unsub := b.Subscribe("r1")
	defer unsub()

	for range 1000 {
		b.Publish("r1", engine.Event{Type: engine.EventStdout, Data: "x"})
	}
}
