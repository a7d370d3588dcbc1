package registrar

import (
	"context"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// RegisterWithRegistry asks this registry to admit peer and register
// with it in return. Registries send it to their other peers when a new
// registry joins, which keeps the federation fully connected.
func (r *Registrar) RegisterWithRegistry(ctx context.Context, peer *registry.Record, password string) error {
	if peer == nil || !peer.IsRegistry {
		return errors.InvalidInput("registerWithRegistry needs a registry record")
	}
	_, err := r.Register(ctx, peer, password, false)
	if errors.Is(err, errors.ErrCodeAlreadyExists) {
		return nil
	}
	return err
}

// federate registers this registry with peer. With propagate set, every
// other known peer is asked to do the same.
func (r *Registrar) federate(ctx context.Context, peer *registry.Record, propagate bool) {
	ctx, span := telemetry.GetTracer().StartFederationSpan(ctx, "register", peer.Identity.String())
	_, err := r.disp.Call(ctx, r.cfg.FederationTimeout, MethodRegister, peer.Handle,
		r.Self(), r.cfg.FederationToken, false)
	if errors.Is(err, errors.ErrCodeAlreadyExists) {
		err = nil
	}
	telemetry.GetTracer().EndSpan(span, err)
	if err != nil {
		r.log.Warn("mutual registration failed", map[string]interface{}{
			"peer":  peer.Identity.String(),
			"error": err.Error(),
		})
		return
	}
	r.log.Debug("registered with peer", map[string]interface{}{"peer": peer.Identity.String()})

	if !propagate {
		return
	}
	for _, other := range r.peers() {
		if other.Identity == peer.Identity {
			continue
		}
		r.detach(MethodRegisterWithRegistry, other.Handle, peer, r.cfg.FederationToken)
	}
}

// bootstrap joins every registry listed in the presence directory.
func (r *Registrar) bootstrap(ctx context.Context) {
	p := r.deps.Presence
	if p == nil {
		return
	}
	entries, err := p.List(ctx)
	if err != nil {
		r.log.Warn("presence listing failed, starting alone", map[string]interface{}{"error": err.Error()})
		return
	}
	self := r.Self()
	for _, e := range entries {
		if e.Name == r.cfg.Name || e.Handle == "" {
			continue
		}
		ctx, span := telemetry.GetTracer().StartFederationSpan(ctx, "bootstrap", e.Name)
		_, err := r.disp.Call(ctx, r.cfg.FederationTimeout, MethodRegister, e.Handle,
			self, r.cfg.FederationToken, true)
		if errors.Is(err, errors.ErrCodeAlreadyExists) {
			err = nil
		}
		telemetry.GetTracer().EndSpan(span, err)
		if err != nil {
			r.log.Warn("could not join registry", map[string]interface{}{
				"peer":  e.Name,
				"error": err.Error(),
			})
			continue
		}
		r.log.Info("joined registry", map[string]interface{}{"peer": e.Name})
	}
}
