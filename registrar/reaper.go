package registrar

import (
	"context"
	"time"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/recovery"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// UpdateHeartbeat records a heartbeat from id. The snapshot is queued and
// applied by the next reaper cycle. Identities that are unknown,
// deregistered or in recovery get NOT_FOUND: they must register again.
func (r *Registrar) UpdateHeartbeat(ctx context.Context, id registry.Identity, snap registry.Snapshot) error {
	if r.table.InRecovery(id) {
		telemetry.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return errors.NotFound(id.String()+" is in recovery", errors.WithIdentity(id.String()))
	}
	now := r.cfg.Now()
	_, err := r.table.Update(id, func(rec *registry.Record) error {
		if rec.State == registry.StateDeregister {
			return errors.NotFound(id.String()+" is deregistered", errors.WithIdentity(id.String()))
		}
		rec.LastCheckin = now
		switch rec.RecoveryState {
		case registry.RecoveryDelay, registry.RecoveryUnknown, registry.RecoveryDown:
			rec.RecoveryState = registry.RecoveryOK
		}
		return nil
	})
	if err != nil {
		telemetry.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	r.pending.Push(registry.PendingUpdate{Identity: id, Snapshot: snap, Received: now})
	telemetry.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	return nil
}

func (r *Registrar) runReaper(ctx context.Context) {
	log := r.log.WithComponent("reaper")
	log.Debug("reaper started", map[string]interface{}{"period": r.ReaperPeriod().String()})

	timer := time.NewTimer(r.ReaperPeriod())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.periodCh:
			// The period changed. Restart the wait with the new value.
		case <-timer.C:
			r.ReapOnce(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.ReaperPeriod())
	}
}

// ReapOnce runs one reaper cycle: confirm self presence, apply queued
// heartbeat snapshots, classify every heartbeat-eligible record and hand
// the dead ones to recovery.
func (r *Registrar) ReapOnce(ctx context.Context) {
	telemetry.ReaperCycles.Inc()

	if p := r.deps.Presence; p != nil {
		if err := p.Confirm(ctx, r.cfg.Name); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.die(ExitPresenceLost, errors.Wrap(err, "confirm registry presence"))
			return
		}
	}

	r.applyPending(ctx)
	r.sweep(ctx)
	r.flushLogLevel()
	r.heartbeatPeers()
	r.reportMetrics()
}

// applyPending drains queued heartbeat snapshots into the table. A
// component reporting SHUTDOWN or DEREGISTER is deregistered.
func (r *Registrar) applyPending(ctx context.Context) {
	for _, u := range r.pending.Drain() {
		rec, err := r.table.Update(u.Identity, func(rec *registry.Record) error {
			if rec.State.CanTransition(u.Snapshot.State) {
				rec.State = u.Snapshot.State
			}
			if n := u.Snapshot.CurrentConnections; n >= 0 {
				if rec.MaxConnections > 0 && n > rec.MaxConnections {
					n = rec.MaxConnections
				}
				rec.CurrentConnections = n
			}
			if u.Snapshot.Peers != nil {
				rec.Peers = append([]registry.Identity(nil), u.Snapshot.Peers...)
			}
			if u.Snapshot.Clients != nil {
				rec.Clients = append([]registry.Identity(nil), u.Snapshot.Clients...)
			}
			return nil
		})
		if err != nil {
			// Gone between heartbeat and cycle.
			continue
		}
		if rec.State.Terminal() {
			if err := r.deregister(ctx, rec.Identity); err != nil {
				r.log.Warn("deregister on terminal heartbeat failed", map[string]interface{}{
					"identity": rec.Identity.String(),
					"error":    err.Error(),
				})
			}
			continue
		}
		if len(u.Snapshot.Peers) > 0 && !rec.IsRegistry {
			r.detach(MethodPeerInfoChanged, rec.Handle, r.peerInfo(u.Snapshot.Peers))
		}
	}
}

// peerInfo reports the current view of ids. Identities this registry
// does not know are reported DOWN.
func (r *Registrar) peerInfo(ids []registry.Identity) registry.PeerInfo {
	info := registry.PeerInfo{Peers: make([]registry.PeerStatus, 0, len(ids))}
	for _, id := range ids {
		st := registry.PeerStatus{Identity: id, RecoveryState: registry.RecoveryDown}
		if rec, ok := r.table.Get(id); ok {
			st.RecoveryState = rec.RecoveryState
			if rec.Visible() {
				st.Handle = rec.Handle
			}
		}
		info.Peers = append(info.Peers, st)
	}
	return info
}

// sweep classifies the heartbeat-eligible records by the time since their
// last check-in.
func (r *Registrar) sweep(ctx context.Context) {
	now := r.cfg.Now()
	var overdue []*registry.Record
	for _, rec := range r.table.HeartbeatSnapshot() {
		if rec.HeartbeatPeriod <= 0 || rec.Identity == r.self.Identity {
			continue
		}
		elapsed := now.Sub(rec.LastCheckin)
		switch {
		case elapsed <= 2*rec.HeartbeatPeriod:
			r.setLiveness(rec, registry.RecoveryOK)
		case elapsed <= delayLimit(rec):
			r.setLiveness(rec, registry.RecoveryDelay)
		default:
			overdue = append(overdue, rec)
		}
	}
	if len(overdue) == 0 {
		return
	}

	results, err := r.disp.CallConcurrent(ctx, r.cfg.ProbeTimeout, MethodPing, handlesOf(overdue))
	if err != nil {
		// Pre-flight failure: a record carries an unusable handle. Probe
		// one by one so the rest are still judged.
		results = nil
	}
	for i, rec := range overdue {
		var probeErr error
		if results != nil {
			probeErr = results[i].Err
		} else {
			_, probeErr = r.disp.Call(ctx, r.cfg.ProbeTimeout, MethodPing, rec.Handle)
		}
		if probeErr == nil {
			// Busy, not dead.
			r.setLiveness(rec, registry.RecoveryOK)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("component missed heartbeats and probe", map[string]interface{}{
			"identity": rec.Identity.String(),
			"elapsed":  now.Sub(rec.LastCheckin).String(),
			"error":    probeErr.Error(),
		})
		r.declareDown(ctx, rec)
	}
}

// delayLimit is how long a record may go without a check-in before it is
// probed. It is at least three periods, leaving a DELAY band above the
// two-period OK window.
func delayLimit(rec *registry.Record) time.Duration {
	return time.Duration(max(rec.RecoveryMultiplier, 3)) * rec.HeartbeatPeriod
}

// setLiveness moves a record between OK and DELAY. Records that reached
// a recovery state meanwhile are left alone.
func (r *Registrar) setLiveness(rec *registry.Record, state registry.RecoveryState) {
	if rec.RecoveryState == state {
		return
	}
	updated, err := r.table.Update(rec.Identity, func(cur *registry.Record) error {
		if !cur.RecoveryState.Live() || cur.State.Terminal() {
			return errors.Closed(rec.Identity.String() + " left heartbeat tracking")
		}
		cur.RecoveryState = state
		return nil
	})
	if err != nil {
		return
	}
	if state.ShouldNotify() {
		r.notifyRecoveryState(updated)
	}
}

// declareDown moves a dead record into recovery.
func (r *Registrar) declareDown(ctx context.Context, rec *registry.Record) {
	if rec.IsRegistry {
		// Peers are not relaunched. They rejoin through presence.
		if gen, err := r.hide(ctx, rec.Identity); err == nil {
			r.table.Remove(rec.Identity, gen)
			telemetry.FederationPeers.Set(float64(len(r.peers())))
		}
		return
	}
	if !r.table.MoveToRecovery(rec.Identity) {
		return
	}
	r.pending.Discard(rec.Identity)

	if r.recovery == nil {
		r.log.Warn("no process starter, component will not be relaunched", map[string]interface{}{
			"identity": rec.Identity.String(),
		})
		if _, err := r.hide(ctx, rec.Identity); err == nil {
			recoveryTarget{r}.SetRecoveryState(ctx, rec.Identity, registry.RecoveryNonexistent, rec.RemainingRestarts)
		}
		return
	}
	r.recovery.Submit(recovery.RecoveryJob{
		Identity:     rec.Identity,
		AttemptsLeft: rec.RemainingRestarts,
		Record:       rec,
	})
}

// heartbeatPeers tells every peer registry this one is alive.
func (r *Registrar) heartbeatPeers() {
	snap := registry.Snapshot{State: registry.StateRun}
	for _, peer := range r.peers() {
		r.detach(MethodUpdateHeartbeat, peer.Handle, r.self.Identity, snap)
	}
}

func (r *Registrar) reportMetrics() {
	counts := r.table.CountByRecoveryState()
	for _, st := range []registry.RecoveryState{
		registry.RecoveryOK, registry.RecoveryUnknown, registry.RecoveryDown,
		registry.RecoveryInRecovery, registry.RecoveryDelay,
		registry.RecoveryUnrecoverable, registry.RecoveryNonexistent,
	} {
		telemetry.Components.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	telemetry.FederationPeers.Set(float64(len(r.peers())))
}

// watchTable keeps the component gauges current between reaper cycles.
func (r *Registrar) watchTable(ctx context.Context) {
	events, err := r.table.Watch()
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.log.Debug("table "+string(ev.Type), map[string]interface{}{
				"identity": ev.Record.Identity.String(),
			})
			r.reportMetrics()
		}
	}
}

// notifyRecoveryState pushes rec's recovery state to every component that
// lists it as a peer or client.
func (r *Registrar) notifyRecoveryState(rec *registry.Record) {
	info := registry.PeerInfo{Peers: []registry.PeerStatus{{
		Identity:      rec.Identity,
		RecoveryState: rec.RecoveryState,
	}}}
	if rec.Visible() {
		info.Peers[0].Handle = rec.Handle
	}
	for _, other := range r.table.Records() {
		if other.Identity == rec.Identity || other.IsRegistry || !other.Visible() {
			continue
		}
		if listsIdentity(other.Peers, rec.Identity) || listsIdentity(other.Clients, rec.Identity) {
			r.detach(MethodPeerInfoChanged, other.Handle, info)
		}
	}
}

func listsIdentity(ids []registry.Identity, id registry.Identity) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// recoveryTarget is the registrar as seen by the recovery controller.
type recoveryTarget struct {
	r *Registrar
}

func (t recoveryTarget) Hide(ctx context.Context, id registry.Identity) error {
	_, err := t.r.hide(ctx, id)
	return err
}

func (t recoveryTarget) SetRecoveryState(_ context.Context, id registry.Identity, state registry.RecoveryState, remaining int) {
	rec, ok := t.r.table.SetRecovery(id, state, remaining)
	if !ok {
		return
	}
	if state.ShouldNotify() {
		t.r.notifyRecoveryState(rec)
	}
}

func (t recoveryTarget) Reregistered(id registry.Identity, gen uint64) bool {
	rec, ok := t.r.table.Get(id)
	return ok && rec.Generation > gen && t.r.table.IsUsed(id)
}
