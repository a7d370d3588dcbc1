package registrar

import (
	"context"

	"github.com/vinayprograms/compreg/credentials"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

// ShutdownComponent asks id to shut down and deregisters it. The
// component is not recovered.
func (r *Registrar) ShutdownComponent(ctx context.Context, id registry.Identity, password string) error {
	rec, ok := r.table.Get(id)
	if !ok || rec.IsRegistry {
		return errors.NotFound(id.String()+" is not registered", errors.WithIdentity(id.String()))
	}
	if err := r.authorize(ctx, id, password); err != nil {
		return err
	}
	r.detach(MethodShutdown, rec.Handle)
	return r.deregister(ctx, id)
}

// ShutdownAll shuts down every component of this registry and, when
// forwardable, of every peer. The caller must hold the admin allowance.
func (r *Registrar) ShutdownAll(ctx context.Context, user, secret string, forwardable bool) error {
	if err := r.admin(ctx, user, secret); err != nil {
		return err
	}
	n := 0
	for _, rec := range r.table.Records() {
		if rec.IsRegistry || rec.State.Terminal() {
			continue
		}
		r.detach(MethodShutdown, rec.Handle)
		if err := r.deregister(ctx, rec.Identity); err == nil {
			n++
		}
	}
	r.log.Info("all components shut down", map[string]interface{}{
		"user":  user,
		"count": n,
	})
	if forwardable {
		r.fanOut(ctx, MethodShutdownAll, user, secret, false)
	}
	return nil
}

// ShutdownRegistry stops this registry. The caller must hold the admin
// allowance.
func (r *Registrar) ShutdownRegistry(ctx context.Context, user, secret string) error {
	if err := r.admin(ctx, user, secret); err != nil {
		return err
	}
	r.log.Info("registry shutdown requested", map[string]interface{}{"user": user})
	if r.cfg.OnShutdown != nil {
		go r.cfg.OnShutdown()
	}
	return nil
}

// SetRecoveryMultiplier changes how many heartbeat periods id may miss
// before it is probed. Addressed to the registry itself, it changes the
// default for records registering later.
func (r *Registrar) SetRecoveryMultiplier(ctx context.Context, id registry.Identity, password string, multiplier int) error {
	if multiplier < 1 {
		return errors.InvalidInput("recovery multiplier must be at least 1")
	}
	if id == r.self.Identity {
		if r.cfg.FederationToken != "" && password != r.cfg.FederationToken {
			return errors.AccessDenied("bad federation token")
		}
		r.mu.Lock()
		r.multiplier = multiplier
		r.mu.Unlock()
		return nil
	}
	if _, ok := r.table.Get(id); !ok {
		return errors.NotFound(id.String()+" is not registered", errors.WithIdentity(id.String()))
	}
	if err := r.authorize(ctx, id, password); err != nil {
		return err
	}
	_, err := r.table.Update(id, func(rec *registry.Record) error {
		rec.RecoveryMultiplier = multiplier
		return nil
	})
	return err
}

func (r *Registrar) admin(ctx context.Context, user, secret string) error {
	p, err := r.deps.Credentials.Verify(ctx, user, secret)
	if err != nil {
		return err
	}
	if !p.Has(credentials.AllowAdmin) {
		return errors.AccessDenied(user+" may not shut down components", errors.WithMetadata("user", user))
	}
	return nil
}
