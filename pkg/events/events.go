package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskEnqueued     EventType = "task.enqueued"
	EventTaskAssigned     EventType = "task.assigned"
	EventTaskAcknowledged EventType = "task.acknowledged"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskRetried      EventType = "task.retried"
	EventTaskDisplaced    EventType = "task.displaced"
	EventTaskDeadLettered EventType = "task.dead_lettered"
	EventTaskReplayed     EventType = "task.replayed"

	EventWorkerRegistered   EventType = "worker.registered"
	EventWorkerUnregistered EventType = "worker.unregistered"
	EventWorkerFailed       EventType = "worker.failed"
	EventWorkerRecovered    EventType = "worker.recovered"

	EventIterationStarted   EventType = "iteration.started"
	EventIterationCompleted EventType = "iteration.completed"
	EventCheckpointCreated  EventType = "checkpoint.created"
)

// Event represents an orchestration event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Buffer sizes. The queue publishes under its mutex, so delivery must
// never block: events past these buffers are dropped and counted.
const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	dropped     atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker backlogged, drop rather than block the publisher
		b.dropped.Add(1)
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded because the broker or a
// subscriber buffer was full
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
