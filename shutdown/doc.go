// Package shutdown stops the registry daemon in ordered phases.
//
// # Overview
//
// Shutdown can start from a signal (SIGTERM, SIGINT), from an operator
// calling shutdownRegistry, or from the daemon's own run group failing.
// Whatever starts it, the same handlers run once, in phase order:
//
//	PhaseIngress   (10)  HTTP API, RPC listener, bus endpoint, heartbeats
//	PhaseRegistry  (20)  reaper, recovery workers, presence withdrawal
//	PhaseLocks     (30)  held recovery locks
//	PhaseBackends  (40)  state store, etcd and postgres clients
//	PhaseBus       (45)  message bus
//	PhaseTelemetry (50)  trace flush
//
// Handlers in the same phase run concurrently. A failing handler is
// logged; later phases still run unless ContinueOnError is false.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals(ctx)
//	coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)
//	coord.RegisterFunc("registrar", shutdown.PhaseRegistry, reg.Stop)
//
//	<-coord.Done()
package shutdown
