// Package heartbeat carries component liveness signals to a registry.
//
// # Overview
//
// A component periodically publishes a heartbeat holding a snapshot of its
// self-reported state: lifecycle state, connection count, and the peers and
// clients it currently talks to. The registry's Listener decodes each
// heartbeat and hands it to a Sink, normally the registrar, which refreshes
// the component's check-in time and queues the snapshot for the reaper.
//
// # Architecture
//
//	┌─────────────┐  heartbeat.<registry>.<type>.<name>  ┌─────────────┐
//	│   Sender    │ ───────────────────────────────────> │  Listener   │
//	│ (component) │                                      │ (registry)  │
//	└─────────────┘                                      └──────┬──────┘
//	                                                            │ UpdateHeartbeat
//	                                                            v
//	                                                       ┌─────────┐
//	                                                       │  Sink   │
//	                                                       └─────────┘
//
// # Usage
//
// Sending heartbeats from a component:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    Registry: "main",
//	    Identity: registry.Identity{Type: "Foo", Name: "A"},
//	    Interval: 2 * time.Second,
//	})
//	sender.SetState(registry.StateRun)
//	sender.Start(ctx)
//
// Receiving heartbeats in a registry:
//
//	listener, _ := heartbeat.NewListener(heartbeat.ListenerConfig{
//	    Bus:      b,
//	    Registry: "main",
//	    Sink:     registrar,
//	})
//	listener.Start(ctx)
//
// # Subject Convention
//
// Heartbeats are published to heartbeat.<registry>.<type>.<name>, each part
// passed through bus.Token. The listener subscribes to heartbeat.<registry>.>
//
// A heartbeat the sink rejects with NOT_FOUND means the registry no longer
// tracks the component (it was reaped or deregistered). The component must
// register again; heartbeats alone never bring it back.
package heartbeat
