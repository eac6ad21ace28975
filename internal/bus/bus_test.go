package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunStarted, RunEvent{RunID: "r1", PlanID: "p1", Status: "in_progress"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicRunStarted {
			t.Fatalf("got topic %q", ev.Topic)
		}
		payload, ok := ev.Payload.(RunEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.RunID != "r1" {
			t.Fatalf("got run id %q", payload.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	runSub := b.Subscribe("run.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(runSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicQueueStarted, QueueEvent{PlanID: "p1"})

	select {
	case ev := <-runSub.Ch():
		t.Fatalf("run subscriber should not receive queue event, got %q", ev.Topic)
	default:
	}

	select {
	case ev := <-allSub.Ch():
		if ev.Topic != TopicQueueStarted {
			t.Fatalf("got topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicRunLog, RunLogEvent{RunID: "r1", Line: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
