// Package state provides the shared key-value store behind registry presence
// and cross-registry recovery locks.
//
// Backends:
//
//   - NATSStore: NATS JetStream KV, shared by every registry on the cluster
//   - MemoryStore: in-process, for tests and single-registry deployments
//
// Locks are non-blocking and TTL'd. Each holder gets an owner token; a lock
// whose TTL passed may be taken over, after which the old holder's Refresh
// and Unlock fail.
//
//	lock, err := store.Lock(ctx, "recovery.host-a.Foo.A", 30*time.Second)
//	if errors.Is(err, state.ErrLockHeld) {
//	    // someone else is already on it
//	}
//	defer lock.Unlock(ctx)
package state
