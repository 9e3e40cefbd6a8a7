package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:    EventTaskEnqueued,
		Message: "Task enqueued",
		Metadata: map[string]string{
			"task_id": "t1",
		},
	})

	select {
	case event := <-sub:
		if event.Type != EventTaskEnqueued {
			t.Errorf("expected %s, got %s", EventTaskEnqueued, event.Type)
		}
		if event.Metadata["task_id"] != "t1" {
			t.Errorf("expected task_id t1, got %s", event.Metadata["task_id"])
		}
		if event.Timestamp.IsZero() {
			t.Error("timestamp should be set on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	defer broker.Unsubscribe(sub1)
	defer broker.Unsubscribe(sub2)

	if broker.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", broker.SubscriberCount())
	}

	broker.Publish(&Event{Type: EventWorkerFailed, Message: "w1 dead"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case event := <-sub:
			if event.Type != EventWorkerFailed {
				t.Errorf("wrong event type: %s", event.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	if _, open := <-sub; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if broker.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", broker.SubscriberCount())
	}
}

func TestPublishNeverBlocksWithoutBroker(t *testing.T) {
	broker := NewBroker()
	// Broker intentionally not started: the buffer fills and further
	// publishes must drop rather than block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			broker.Publish(&Event{Type: EventTaskEnqueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stopped broker")
	}

	// Everything past the broker buffer was dropped and counted
	if broker.Dropped() != 500-brokerBuffer {
		t.Errorf("expected %d dropped events, got %d", 500-brokerBuffer, broker.Dropped())
	}
}
