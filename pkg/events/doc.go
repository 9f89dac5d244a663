/*
Package events implements the broadcast broker for pipeline events.

The cache builder publishes applied mutations and catch-up swaps; the
orchestrator publishes pipeline lifecycle transitions. Subscribers are
buffered channels — a slow subscriber drops events rather than stalling
the publisher, so the broker is strictly an observation surface, never a
correctness dependency.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	for ev := range sub {
	    ...
	}
*/
package events
