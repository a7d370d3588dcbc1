// Package bus provides message bus clients for registry traffic.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, used in deployments
//   - MemoryBus: in-process implementation for tests and single-process use
//
// # Patterns
//
// Pub/Sub with wildcards (heartbeats):
//
//	sub, _ := b.Subscribe("heartbeat.registry-a.>")
//	for msg := range sub.Messages() {
//	    // decode heartbeat
//	}
//
// Request/Reply (dispatcher calls to component handles):
//
//	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
//	defer cancel()
//	reply, err := b.Request(ctx, "component.Foo.A", payload)
//	if errors.Is(err, bus.ErrNoResponders) {
//	    // handle is gone
//	}
//
// Responders answer by publishing to msg.Reply.
package bus
