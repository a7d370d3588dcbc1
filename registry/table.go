package registry

import (
	"sync"
	"time"

	"github.com/vinayprograms/compreg/errors"
)

// EventType represents the type of table event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the table.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Record is a copy of the record after the change. For removal events
	// it is the last known state.
	Record *Record
}

// Table is the registration table: the primary index by identity, the
// secondary index by type or interface name, the heartbeat-eligible set and
// the in-recovery set.
//
// One lock guards all four indexes. Within a registration step the primary
// index is always written before the secondary index and the heartbeat set,
// so no reader sees an identity in the secondary index that is absent from
// the primary.
type Table struct {
	mu         sync.RWMutex
	primary    map[Identity]*Record
	secondary  map[string]map[Identity]*Record
	heartbeat  map[Identity]struct{}
	inRecovery map[Identity]struct{}
	generation uint64
	watchers   []chan Event
	closed     bool

	now func() time.Time
}

// TableConfig configures a Table.
type TableConfig struct {
	// Now supplies the clock. Default: time.Now.
	Now func() time.Time
}

// NewTable creates an empty table.
func NewTable(cfg TableConfig) *Table {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Table{
		primary:    make(map[Identity]*Record),
		secondary:  make(map[string]map[Identity]*Record),
		heartbeat:  make(map[Identity]struct{}),
		inRecovery: make(map[Identity]struct{}),
		now:        cfg.Now,
	}
}

// Claim inserts rec into the primary index, making its identity used. An
// identity already in use is rejected with ALREADY_EXISTS unless replace is
// set. A record that is hidden or in recovery is always replaced. The
// stored record gets a fresh generation; a copy is returned.
func (t *Table) Claim(rec *Record, replace bool) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.Closed("registration table")
	}

	old, exists := t.primary[rec.Identity]
	if exists && t.usedLocked(rec.Identity) && !replace {
		return nil, errors.AlreadyExists(rec.Identity.String()+" is already registered",
			errors.WithIdentity(rec.Identity.String()))
	}
	if exists {
		t.unindexLocked(old)
		delete(t.heartbeat, rec.Identity)
		delete(t.inRecovery, rec.Identity)
	}

	stored := rec.Clone()
	t.generation++
	stored.Generation = t.generation
	now := t.now()
	stored.RegisteredAt = now
	stored.LastCheckin = now
	if stored.RecoveryState == "" || stored.RecoveryState.Recovering() || stored.RecoveryState == RecoveryDown {
		stored.RecoveryState = RecoveryOK
	}
	if stored.State == "" || stored.State.Terminal() {
		stored.State = StateRegister
	}
	t.primary[rec.Identity] = stored

	evt := EventAdded
	if exists {
		evt = EventUpdated
	}
	t.notifyWatchers(Event{Type: evt, Record: stored.Clone()})
	return stored.Clone(), nil
}

// IndexInterfaces lists the record under its type and interfaces in the
// secondary index. Registries are never indexed.
func (t *Table) IndexInterfaces(id Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok {
		return notFound(id)
	}
	if rec.IsRegistry {
		return nil
	}
	for _, key := range rec.IndexKeys() {
		ids, ok := t.secondary[key]
		if !ok {
			ids = make(map[Identity]*Record)
			t.secondary[key] = ids
		}
		ids[id] = rec
	}
	return nil
}

// MarkHeartbeat makes id heartbeat-eligible.
func (t *Table) MarkHeartbeat(id Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.primary[id]; !ok {
		return notFound(id)
	}
	t.heartbeat[id] = struct{}{}
	return nil
}

// IsUsed reports whether id names a live claim: present, not in recovery
// and not in a terminal state.
func (t *Table) IsUsed(id Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usedLocked(id)
}

func (t *Table) usedLocked(id Identity) bool {
	rec, ok := t.primary[id]
	if !ok {
		return false
	}
	if _, recovering := t.inRecovery[id]; recovering {
		return false
	}
	return !rec.State.Terminal()
}

// Get returns a copy of the record for id, hidden or not.
func (t *Table) Get(id Identity) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.primary[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update applies fn to the stored record for id under the table lock. The
// record's identity and generation cannot be changed by fn.
func (t *Table) Update(id Identity, fn func(*Record) error) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok {
		return nil, notFound(id)
	}
	gen := rec.Generation
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.Identity = id
	rec.Generation = gen

	t.notifyWatchers(Event{Type: EventUpdated, Record: rec.Clone()})
	return rec.Clone(), nil
}

// Hide performs phase one of deregistration: the record is marked
// DEREGISTER and DOWN and leaves the secondary index, after which discovery
// no longer returns it. The returned generation identifies the record for
// Remove.
func (t *Table) Hide(id Identity) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok {
		return 0, notFound(id)
	}
	rec.State = StateDeregister
	if !rec.RecoveryState.Recovering() {
		rec.RecoveryState = RecoveryDown
	}
	t.unindexLocked(rec)

	t.notifyWatchers(Event{Type: EventUpdated, Record: rec.Clone()})
	return rec.Generation, nil
}

// Remove performs phase two of deregistration: the record leaves every
// index. Nothing happens unless the stored record still has generation gen,
// so a re-registration that raced the removal survives.
func (t *Table) Remove(id Identity, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok || rec.Generation != gen {
		return false
	}
	t.unindexLocked(rec)
	delete(t.primary, id)
	delete(t.heartbeat, id)
	delete(t.inRecovery, id)

	t.notifyWatchers(Event{Type: EventRemoved, Record: rec.Clone()})
	return true
}

// MoveToRecovery moves id from the heartbeat set into the in-recovery set
// and marks it DOWN. It returns false when id is unknown or already in
// recovery.
func (t *Table) MoveToRecovery(id Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok {
		return false
	}
	if _, already := t.inRecovery[id]; already {
		return false
	}
	delete(t.heartbeat, id)
	t.inRecovery[id] = struct{}{}
	rec.RecoveryState = RecoveryDown

	t.notifyWatchers(Event{Type: EventUpdated, Record: rec.Clone()})
	return true
}

// InRecovery reports whether id is owned by the recovery controller.
func (t *Table) InRecovery(id Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inRecovery[id]
	return ok
}

// SetRecoveryState sets the recovery state of id.
func (t *Table) SetRecoveryState(id Identity, state RecoveryState) (*Record, error) {
	return t.Update(id, func(r *Record) error {
		r.RecoveryState = state
		return nil
	})
}

// SetRecovery records the recovery state and remaining restart budget of a
// record still in the in-recovery set. It reports false, changing nothing,
// once the identity has left recovery by registering again.
func (t *Table) SetRecovery(id Identity, state RecoveryState, remaining int) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.primary[id]
	if !ok {
		return nil, false
	}
	if _, recovering := t.inRecovery[id]; !recovering {
		return nil, false
	}
	rec.RecoveryState = state
	rec.RemainingRestarts = remaining

	t.notifyWatchers(Event{Type: EventUpdated, Record: rec.Clone()})
	return rec.Clone(), true
}

// Lookup returns visible records listed under key (a type or interface
// name) in the secondary index, ordered by identity.
func (t *Table) Lookup(key string) []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Record
	for _, rec := range t.secondary[key] {
		if rec.Visible() {
			out = append(out, rec.Clone())
		}
	}
	SortRecords(out)
	return out
}

// Discoverable returns every visible, indexed record ordered by identity.
func (t *Table) Discoverable() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[Identity]bool)
	var out []*Record
	for _, ids := range t.secondary {
		for _, rec := range ids {
			if seen[rec.Identity] || !rec.Visible() {
				continue
			}
			seen[rec.Identity] = true
			out = append(out, rec.Clone())
		}
	}
	SortRecords(out)
	return out
}

// Records returns every record in the primary index, hidden ones included.
func (t *Table) Records() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Record, 0, len(t.primary))
	for _, rec := range t.primary {
		out = append(out, rec.Clone())
	}
	SortRecords(out)
	return out
}

// Registries returns the visible registry records.
func (t *Table) Registries() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Record
	for _, rec := range t.primary {
		if rec.IsRegistry && !rec.State.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	SortRecords(out)
	return out
}

// HeartbeatSnapshot returns copies of the heartbeat-eligible records that
// are not deregistered.
func (t *Table) HeartbeatSnapshot() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Record, 0, len(t.heartbeat))
	for id := range t.heartbeat {
		rec := t.primary[id]
		if rec == nil || rec.State.Terminal() {
			continue
		}
		out = append(out, rec.Clone())
	}
	SortRecords(out)
	return out
}

// MaxHeartbeatPeriod returns the slowest heartbeat period among
// heartbeat-eligible records, or zero when there are none.
func (t *Table) MaxHeartbeatPeriod() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var longest time.Duration
	for id := range t.heartbeat {
		if rec := t.primary[id]; rec != nil && rec.HeartbeatPeriod > longest {
			longest = rec.HeartbeatPeriod
		}
	}
	return longest
}

// CountByRecoveryState tallies the primary index.
func (t *Table) CountByRecoveryState() map[RecoveryState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[RecoveryState]int)
	for _, rec := range t.primary {
		counts[rec.RecoveryState]++
	}
	return counts
}

// Len returns the size of the primary index.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.primary)
}

// Watch returns a channel of table events. Events are dropped for a
// watcher that falls behind. The channel is closed by Close.
func (t *Table) Watch() (<-chan Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.Closed("registration table")
	}
	ch := make(chan Event, 64)
	t.watchers = append(t.watchers, ch)
	return ch, nil
}

// Close closes every watcher and rejects further claims.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, ch := range t.watchers {
		close(ch)
	}
	t.watchers = nil
	return nil
}

// unindexLocked drops rec from the secondary index.
// Must be called with lock held.
func (t *Table) unindexLocked(rec *Record) {
	for _, key := range rec.IndexKeys() {
		ids := t.secondary[key]
		if ids == nil {
			continue
		}
		if ids[rec.Identity] == rec {
			delete(ids, rec.Identity)
		}
		if len(ids) == 0 {
			delete(t.secondary, key)
		}
	}
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (t *Table) notifyWatchers(event Event) {
	for _, ch := range t.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func notFound(id Identity) error {
	return errors.NotFound(id.String()+" is not registered", errors.WithIdentity(id.String()))
}
