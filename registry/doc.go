// Package registry holds the data model of the component registry and the
// registration table built over it.
//
// # Records
//
// A Record describes one registered component: its Identity (type plus
// instance name), where it runs, the interfaces it implements, the groups it
// belongs to and accepts connections from, its self-reported ComponentState,
// and the registry's RecoveryState view of its health.
//
//	rec := &registry.Record{
//	    Identity:        registry.Identity{Type: "Foo", Name: "A"},
//	    Host:            "h1",
//	    Interfaces:      []string{"Storage"},
//	    HeartbeatPeriod: 2 * time.Second,
//	    RemainingRestarts: 2,
//	}
//	rec.ApplyDefaults() // groups = {"Foo/A"}, users = {"any"}
//
// # Table
//
// Table keeps four coupled indexes: primary (by identity), secondary (by
// type or interface name, then instance name), the heartbeat-eligible set
// and the in-recovery set. Registration is a sequence of separate steps:
//
//	t := registry.NewTable(registry.TableConfig{})
//	stored, err := t.Claim(rec, false) // ALREADY_EXISTS if in use
//	_ = t.IndexInterfaces(stored.Identity)
//	_ = t.MarkHeartbeat(stored.Identity)
//
// Deregistration is two-phase. Hide makes the record invisible to discovery
// and returns its generation; Remove later deletes it from every index, but
// only if that generation is still the stored one.
//
// # Recovery states
//
// OK, UNKNOWN and DELAY are live. DOWN means a failure was detected.
// IN_RECOVERY, UNRECOVERABLE and NONEXISTENT belong to the recovery
// controller and are only left by a fresh registration. ShouldNotify marks
// the states pushed to a component's peers and clients.
//
// # Pending updates
//
// Heartbeats deliver a Snapshot. PendingQueue coalesces snapshots per
// identity until the reaper drains them.
package registry
