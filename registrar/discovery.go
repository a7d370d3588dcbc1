package registrar

import (
	"context"

	"github.com/vinayprograms/compreg/constraint"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

// candidates returns the visible components that satisfy req. When
// access is set, the requester's user, host, groups and the candidates'
// capacity are checked too.
func (r *Registrar) candidates(req registry.ConnectionRequest, access bool) []*registry.Record {
	cons := constraint.List(req.Constraints)
	var out []*registry.Record
	for _, rec := range r.table.Discoverable() {
		if rec.Identity == req.Requester || !constraint.Match(cons, rec) {
			continue
		}
		if access {
			if !rec.AllowsUser(req.User) || !rec.AllowsHost(req.Host) ||
				!rec.HasCapacity() || !rec.SharesGroup(req.ConnectGroups) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

// RequestConnection hands out the least loaded component satisfying req
// and records the requester as its client. When nothing local fits and
// forwardable is set, peers are asked in turn of their identity.
func (r *Registrar) RequestConnection(ctx context.Context, req registry.ConnectionRequest, forwardable bool) (*registry.Record, error) {
	for {
		cands := r.candidates(req, true)
		if len(cands) == 0 {
			break
		}
		best := cands[0]
		for _, c := range cands[1:] {
			if c.CurrentConnections < best.CurrentConnections {
				best = c
			}
		}
		granted, err := r.table.Update(best.Identity, func(rec *registry.Record) error {
			if !rec.Visible() || !rec.HasCapacity() {
				return errors.Exhausted(rec.Identity.String() + " has no free connection")
			}
			if !req.Requester.IsZero() {
				rec.AddClient(req.Requester)
			}
			rec.CurrentConnections++
			return nil
		})
		if err == nil {
			return granted, nil
		}
		// Lost a race for the last slot or the record went away. Look again.
	}

	if forwardable {
		results := r.fanOut(ctx, MethodRequestConnection, req, false)
		for _, res := range results {
			var rec registry.Record
			if err := res.Decode(&rec); err == nil && !rec.Identity.IsZero() {
				return &rec, nil
			}
		}
	}
	return nil, errors.NotFound("no component satisfies the request")
}

// RequestConnections returns every component satisfying req, merged with
// the peers' answers when forwardable.
func (r *Registrar) RequestConnections(ctx context.Context, req registry.ConnectionRequest, forwardable bool) ([]*registry.Record, error) {
	local := r.candidates(req, true)
	if !forwardable {
		return local, nil
	}
	return mergeRecords(local, r.fanOut(ctx, MethodRequestConnections, req, false)), nil
}

// GetAllApplicableComponents returns the visible components matching
// constraints, ignoring access lists and capacity. A malformed list
// matches nothing.
func (r *Registrar) GetAllApplicableComponents(ctx context.Context, constraints constraint.List, forwardable bool) ([]*registry.Record, error) {
	local := r.candidates(registry.ConnectionRequest{Constraints: constraints}, false)
	if !forwardable {
		return local, nil
	}
	return mergeRecords(local, r.fanOut(ctx, MethodGetAllApplicableComponents, constraints, false)), nil
}

// RequestComponentList returns the identities of every visible component.
func (r *Registrar) RequestComponentList(ctx context.Context, forwardable bool) ([]registry.Identity, error) {
	recs := r.table.Discoverable()
	if forwardable {
		for _, res := range r.fanOut(ctx, MethodRequestComponentList, false) {
			var ids []registry.Identity
			if res.Decode(&ids) != nil {
				continue
			}
			recs = mergeIdentities(recs, ids)
		}
	}
	ids := make([]registry.Identity, len(recs))
	for i, rec := range recs {
		ids[i] = rec.Identity
	}
	return ids, nil
}

// RequestState returns the recovery state of id. An identity unknown
// here is looked up on the peers when forwardable; NONEXISTENT is
// returned once every peer has missed too.
func (r *Registrar) RequestState(ctx context.Context, id registry.Identity, forwardable bool) (registry.RecoveryState, error) {
	if id.Type == "" || id.Name == "" {
		return "", errors.InvalidInput("requestState needs a type and a name")
	}
	if rec, ok := r.table.Get(id); ok {
		return rec.RecoveryState, nil
	}
	if id == r.self.Identity {
		return registry.RecoveryOK, nil
	}
	if forwardable {
		for _, res := range r.fanOut(ctx, MethodRequestState, id, false) {
			var st registry.RecoveryState
			if res.Decode(&st) != nil {
				continue
			}
			if st != "" && st != registry.RecoveryNonexistent {
				return st, nil
			}
		}
	}
	return registry.RecoveryNonexistent, nil
}

// fanOut calls method on every peer and returns the answers. Peer
// failures are logged and dropped.
func (r *Registrar) fanOut(ctx context.Context, method string, args ...any) []dispatch.Result {
	peers := r.peers()
	if len(peers) == 0 {
		return nil
	}
	results, err := r.disp.CallConcurrent(ctx, r.cfg.FederationTimeout, method, handlesOf(peers), args...)
	if err != nil {
		r.log.Warn("federation fan-out failed", map[string]interface{}{
			"method": method,
			"error":  err.Error(),
		})
		return nil
	}
	ok := results[:0]
	for i, res := range results {
		if res.Err != nil {
			r.log.Warn("peer call failed", map[string]interface{}{
				"method": method,
				"peer":   peers[i].Identity.String(),
				"error":  res.Err.Error(),
			})
			continue
		}
		ok = append(ok, res)
	}
	return ok
}

func mergeRecords(local []*registry.Record, remote []dispatch.Result) []*registry.Record {
	seen := make(map[registry.Identity]bool, len(local))
	for _, rec := range local {
		seen[rec.Identity] = true
	}
	out := local
	for _, res := range remote {
		var recs []*registry.Record
		if res.Decode(&recs) != nil {
			continue
		}
		for _, rec := range recs {
			if rec == nil || seen[rec.Identity] {
				continue
			}
			seen[rec.Identity] = true
			out = append(out, rec)
		}
	}
	registry.SortRecords(out)
	return out
}

// mergeIdentities appends stub records for ids not yet in recs.
func mergeIdentities(recs []*registry.Record, ids []registry.Identity) []*registry.Record {
	seen := make(map[registry.Identity]bool, len(recs))
	for _, rec := range recs {
		seen[rec.Identity] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			recs = append(recs, &registry.Record{Identity: id})
		}
	}
	registry.SortRecords(recs)
	return recs
}
