/*
Package events provides an in-memory event broker for Lyceum's pub/sub messaging.

The broker fans task, worker and iteration lifecycle events out to buffered
subscriber channels. Publish is non-blocking: a slow subscriber with a full
buffer skips events rather than stalling the queue.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventTaskDeadLettered:
				alert(event)
			case events.EventWorkerFailed:
				page(event)
			}
		}
	}()

Delivery is best effort and in-memory only; Dropped() reports how many
events were discarded on full buffers. Subscribers needing durability
should persist events themselves.
*/
package events
