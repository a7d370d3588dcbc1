package registrar

import (
	"context"

	"github.com/vinayprograms/compreg/constraint"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// RequestNewComponentNotification subscribes handle to admissions that
// match constraints. A later request from the same subscriber replaces
// the earlier one. Forwardable requests are passed on to every peer so
// admissions anywhere in the federation are reported.
func (r *Registrar) RequestNewComponentNotification(ctx context.Context, subscriber registry.Identity, handle dispatch.Handle, constraints constraint.List, forwardable bool) error {
	if subscriber.IsZero() {
		return errors.InvalidInput("subscriber identity is required")
	}
	if err := handle.Validate(); err != nil {
		return err
	}
	if err := constraint.Validate(constraints); err != nil {
		// Kept anyway: a malformed list never matches.
		r.log.Warn("subscription constraints are malformed", map[string]interface{}{
			"subscriber": subscriber.String(),
			"error":      err.Error(),
		})
	}

	r.mu.Lock()
	r.subs[subscriber] = subscription{handle: handle, constraints: constraints}
	r.mu.Unlock()

	if forwardable {
		for _, peer := range r.peers() {
			r.detach(MethodRequestNewComponentNotification, peer.Handle, subscriber, handle, constraints, false)
		}
	}
	return nil
}

// notifyNewComponent tells every matching subscriber about rec.
func (r *Registrar) notifyNewComponent(rec *registry.Record) {
	type target struct {
		id     registry.Identity
		handle dispatch.Handle
	}
	var targets []target
	r.mu.Lock()
	for id, sub := range r.subs {
		if id != rec.Identity && constraint.Match(sub.constraints, rec) {
			targets = append(targets, target{id, sub.handle})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		r.detach(MethodNewComponent, t.handle, rec)
		telemetry.NotificationsTotal.Inc()
	}
}

// SetLogLevel changes this registry's log level and queues the new level
// for every live component. Forwardable requests go on to the peers.
func (r *Registrar) SetLogLevel(ctx context.Context, level string, forwardable bool) error {
	lvl, ok := logging.ParseLevel(level)
	if !ok {
		return errors.InvalidInput("unknown log level " + level)
	}
	r.log.SetLevel(lvl)

	r.mu.Lock()
	r.logLevel = string(lvl)
	r.logDirty = true
	r.mu.Unlock()

	if forwardable {
		for _, peer := range r.peers() {
			r.detach(MethodSetLogLevel, peer.Handle, string(lvl), false)
		}
	}
	r.log.Info("log level changed", map[string]interface{}{"level": string(lvl)})
	return nil
}

// flushLogLevel pushes a queued level change to every live component.
// It reports whether anything was sent.
func (r *Registrar) flushLogLevel() bool {
	r.mu.Lock()
	level, dirty := r.logLevel, r.logDirty
	r.logDirty = false
	r.mu.Unlock()
	if !dirty {
		return false
	}
	for _, rec := range r.table.Discoverable() {
		r.detach(MethodSetLogLevel, rec.Handle, level)
	}
	return true
}

// pushLogLevel gives a newly admitted component the current level, if one
// was ever set.
func (r *Registrar) pushLogLevel(rec *registry.Record) {
	r.mu.Lock()
	level := r.logLevel
	r.mu.Unlock()
	if level != "" {
		r.detach(MethodSetLogLevel, rec.Handle, level)
	}
}
