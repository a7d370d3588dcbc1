package registrar

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// Register admits a component and returns its identity. An empty name is
// replaced by a generated one. A non-empty password becomes the
// component's credential for later deregistration.
//
// For registries, password is the federation token and propagate asks
// this registry to introduce the newcomer to every peer it knows.
func (r *Registrar) Register(ctx context.Context, rec *registry.Record, password string, propagate bool) (registry.Identity, error) {
	if rec == nil {
		return registry.Identity{}, errors.InvalidInput("registration record is required")
	}
	ctx, span := telemetry.GetTracer().StartRegistrationSpan(ctx, rec.Identity.String())

	stored, joined, err := r.admit(ctx, rec.Clone(), password)
	telemetry.GetTracer().EndSpan(span, err)
	if err != nil {
		telemetry.RegistrationsTotal.WithLabelValues(strings.ToLower(string(errors.Code(err)))).Inc()
		return registry.Identity{}, err
	}
	telemetry.RegistrationsTotal.WithLabelValues("ok").Inc()

	if stored.IsRegistry {
		telemetry.FederationPeers.Set(float64(len(r.peers())))
		if joined {
			r.log.Info("peer registry joined", map[string]interface{}{
				"peer":      stored.Identity.String(),
				"propagate": propagate,
			})
			r.after(r.ReaperPeriod(), func(ctx context.Context) {
				r.federate(ctx, stored, propagate)
			})
		}
		return stored.Identity, nil
	}

	if !r.flushLogLevel() {
		r.pushLogLevel(stored)
	}
	r.notifyNewComponent(stored)

	r.log.Info("component registered", map[string]interface{}{
		"identity": stored.Identity.String(),
		"host":     stored.Host,
	})
	return stored.Identity, nil
}

// admit runs the ordered table steps of registration. joined reports a
// registry that was not already a live peer.
func (r *Registrar) admit(ctx context.Context, rec *registry.Record, password string) (stored *registry.Record, joined bool, err error) {
	if rec.Identity.Type == "" {
		return nil, false, errors.InvalidInput("component type is required")
	}
	if rec.IsRegistry {
		if r.cfg.FederationToken != "" && password != r.cfg.FederationToken {
			return nil, false, errors.AccessDenied("bad federation token",
				errors.WithIdentity(rec.Identity.String()))
		}
		if rec.Identity == r.self.Identity {
			return r.self.Clone(), false, nil
		}
		if err := rec.Handle.Validate(); err != nil {
			return nil, false, err
		}
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	if rec.Identity.Name == "" {
		id, err := r.generateName(ctx, rec.Identity.Type)
		if err != nil {
			return nil, false, err
		}
		rec.Identity = id
	} else if !rec.IsRegistry && r.isUsedFederated(ctx, rec.Identity) {
		return nil, false, errors.AlreadyExists(rec.Identity.String()+" is already registered",
			errors.WithIdentity(rec.Identity.String()))
	}

	if !rec.IsRegistry {
		if _, err := r.deps.Hosts.Resolve(rec.Host); err != nil {
			return nil, false, err
		}
	}

	if old, ok := r.table.Get(rec.Identity); ok && r.table.InRecovery(rec.Identity) {
		rec.RemainingRestarts = old.RemainingRestarts
	}
	if rec.RecoveryMultiplier < 1 {
		r.mu.Lock()
		rec.RecoveryMultiplier = r.multiplier
		r.mu.Unlock()
	}
	rec.ApplyDefaults()
	joined = rec.IsRegistry && !r.table.IsUsed(rec.Identity)

	stored, err = r.table.Claim(rec, rec.IsRegistry)
	if err != nil {
		return nil, false, err
	}
	if err := r.table.IndexInterfaces(stored.Identity); err != nil {
		return nil, false, err
	}
	if stored.HeartbeatPeriod > 0 {
		if err := r.table.MarkHeartbeat(stored.Identity); err != nil {
			return nil, false, err
		}
	}
	r.recomputePeriod()

	if password != "" && !stored.IsRegistry {
		if err := r.deps.Credentials.Put(ctx, stored.Identity.String(), password, nil); err != nil {
			return nil, false, errors.Wrap(err, "store component credential")
		}
		r.mu.Lock()
		r.credentialed[stored.Identity] = true
		r.mu.Unlock()
	}
	return stored, joined, nil
}

// generateName picks "<local type name><n>" for the lowest n not used
// anywhere in the federation. Must be called with regMu held.
func (r *Registrar) generateName(ctx context.Context, typ string) (registry.Identity, error) {
	local := typ
	if i := strings.LastIndexAny(local, "./"); i >= 0 && i < len(local)-1 {
		local = local[i+1:]
	}
	for {
		if err := ctx.Err(); err != nil {
			return registry.Identity{}, errors.Wrap(err, "generate component name")
		}
		r.seq[typ]++
		id := registry.Identity{Type: typ, Name: fmt.Sprintf("%s%d", local, r.seq[typ])}
		if !r.isUsedFederated(ctx, id) {
			return id, nil
		}
	}
}

// IsUsed reports whether id is claimed in this registry's table.
func (r *Registrar) IsUsed(id registry.Identity) bool {
	return r.table.IsUsed(id)
}

// isUsedFederated checks the local table, then asks every peer.
func (r *Registrar) isUsedFederated(ctx context.Context, id registry.Identity) bool {
	if r.table.IsUsed(id) {
		return true
	}
	peers := r.peers()
	if len(peers) == 0 {
		return false
	}
	results, err := r.disp.CallConcurrent(ctx, r.cfg.FederationTimeout, MethodIsUsed, handlesOf(peers), id)
	if err != nil {
		r.log.Warn("isUsed fan-out failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	for _, res := range results {
		var used bool
		if err := res.Decode(&used); err != nil {
			r.log.Debug("peer isUsed failed", map[string]interface{}{
				"peer":  string(res.Target),
				"error": err.Error(),
			})
			continue
		}
		if used {
			return true
		}
	}
	return false
}

// Deregister removes a component. Phase one runs before Deregister
// returns: the component disappears from discovery and its credential is
// revoked. Phase two, which drops the record from the table, runs in the
// background.
func (r *Registrar) Deregister(ctx context.Context, id registry.Identity, password string) error {
	if _, ok := r.table.Get(id); !ok {
		return errors.NotFound(id.String()+" is not registered", errors.WithIdentity(id.String()))
	}
	if err := r.authorize(ctx, id, password); err != nil {
		return err
	}
	return r.deregister(ctx, id)
}

// authorize checks password against the credential a component registered
// with. Components registered without one need no password.
func (r *Registrar) authorize(ctx context.Context, id registry.Identity, password string) error {
	r.mu.Lock()
	secured := r.credentialed[id]
	r.mu.Unlock()
	if !secured {
		return nil
	}
	if _, err := r.deps.Credentials.Verify(ctx, id.String(), password); err != nil {
		return errors.AccessDenied("bad credential for "+id.String(), errors.WithIdentity(id.String()))
	}
	return nil
}

func (r *Registrar) deregister(ctx context.Context, id registry.Identity) error {
	if r.recovery != nil {
		r.recovery.Cancel(id)
	}
	gen, err := r.hide(ctx, id)
	if err != nil {
		return err
	}
	r.goAsync(func(context.Context) {
		if r.table.Remove(id, gen) {
			r.recomputePeriod()
			telemetry.FederationPeers.Set(float64(len(r.peers())))
		}
	})
	r.log.Info("component deregistered", map[string]interface{}{"identity": id.String()})
	return nil
}

// hide is phase one of deregistration.
func (r *Registrar) hide(ctx context.Context, id registry.Identity) (uint64, error) {
	gen, err := r.table.Hide(id)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	delete(r.subs, id)
	secured := r.credentialed[id]
	delete(r.credentialed, id)
	r.mu.Unlock()

	if secured {
		if err := r.deps.Credentials.Remove(ctx, id.String()); err != nil {
			r.log.Warn("credential revoke failed", map[string]interface{}{
				"identity": id.String(),
				"error":    err.Error(),
			})
		}
	}
	telemetry.DeregistrationsTotal.Inc()
	return gen, nil
}

// handleOf returns the handle of a registered record.
func (r *Registrar) handleOf(id registry.Identity) dispatch.Handle {
	if rec, ok := r.table.Get(id); ok {
		return rec.Handle
	}
	return ""
}
