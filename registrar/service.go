package registrar

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/compreg/constraint"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

// Serve implements dispatch.Service: it decodes an inbound call on the
// registry surface and runs it.
func (r *Registrar) Serve(ctx context.Context, method string, args dispatch.Args) (any, error) {
	switch method {
	case MethodPing:
		return true, nil

	case MethodRegister:
		var rec registry.Record
		if err := args.Decode(0, &rec); err != nil {
			return nil, err
		}
		password, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		propagate, err := optBool(args, 2, false)
		if err != nil {
			return nil, err
		}
		return r.Register(ctx, &rec, password, propagate)

	case MethodDeregister:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		password, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, r.Deregister(ctx, id, password)

	case MethodUpdateHeartbeat:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		var snap registry.Snapshot
		if err := args.Decode(1, &snap); err != nil {
			return nil, err
		}
		return nil, r.UpdateHeartbeat(ctx, id, snap)

	case MethodRequestConnection, MethodRequestConnections:
		var req registry.ConnectionRequest
		if err := args.Decode(0, &req); err != nil {
			return nil, err
		}
		forwardable, err := optBool(args, 1, true)
		if err != nil {
			return nil, err
		}
		if method == MethodRequestConnection {
			return r.RequestConnection(ctx, req, forwardable)
		}
		return r.RequestConnections(ctx, req, forwardable)

	case MethodGetAllApplicableComponents:
		var cons constraint.List
		if !args.IsNull(0) {
			if err := args.Decode(0, &cons); err != nil {
				return nil, err
			}
		}
		forwardable, err := optBool(args, 1, true)
		if err != nil {
			return nil, err
		}
		return r.GetAllApplicableComponents(ctx, cons, forwardable)

	case MethodRequestComponentList:
		forwardable, err := optBool(args, 0, true)
		if err != nil {
			return nil, err
		}
		return r.RequestComponentList(ctx, forwardable)

	case MethodRequestState:
		// (type, name) from clients, (identity, forwardable) from peers.
		if isJSONString(args, 0) && isJSONString(args, 1) {
			typ, _ := args.String(0)
			name, _ := args.String(1)
			return r.RequestState(ctx, registry.Identity{Type: typ, Name: name}, true)
		}
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		forwardable, err := optBool(args, 1, true)
		if err != nil {
			return nil, err
		}
		return r.RequestState(ctx, id, forwardable)

	case MethodRequestNewComponentNotification:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		handle, err := args.String(1)
		if err != nil {
			return nil, err
		}
		var cons constraint.List
		if !args.IsNull(2) {
			if err := args.Decode(2, &cons); err != nil {
				return nil, err
			}
		}
		forwardable, err := optBool(args, 3, true)
		if err != nil {
			return nil, err
		}
		return nil, r.RequestNewComponentNotification(ctx, id, dispatch.Handle(handle), cons, forwardable)

	case MethodSetRecoveryMultiplier:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		password, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		m, err := args.Int(2)
		if err != nil {
			return nil, err
		}
		return nil, r.SetRecoveryMultiplier(ctx, id, password, m)

	case MethodSetLogLevel:
		level, err := args.String(0)
		if err != nil {
			return nil, err
		}
		forwardable, err := optBool(args, 1, true)
		if err != nil {
			return nil, err
		}
		return nil, r.SetLogLevel(ctx, level, forwardable)

	case MethodShutdownComponent:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		password, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, r.ShutdownComponent(ctx, id, password)

	case MethodShutdownAll, MethodShutdownRegistry:
		user, err := args.String(0)
		if err != nil {
			return nil, err
		}
		secret, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		if method == MethodShutdownRegistry {
			return nil, r.ShutdownRegistry(ctx, user, secret)
		}
		forwardable, err := optBool(args, 2, true)
		if err != nil {
			return nil, err
		}
		return nil, r.ShutdownAll(ctx, user, secret, forwardable)

	case MethodRegisterWithRegistry:
		var rec registry.Record
		if err := args.Decode(0, &rec); err != nil {
			return nil, err
		}
		password, err := optString(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, r.RegisterWithRegistry(ctx, &rec, password)

	case MethodIsUsed:
		id, err := identityArg(args, 0)
		if err != nil {
			return nil, err
		}
		return r.IsUsed(id), nil
	}
	return nil, errors.MethodNotFound(method, "")
}

// identityArg accepts an identity object or a "type/name" string.
func identityArg(args dispatch.Args, i int) (registry.Identity, error) {
	if isJSONString(args, i) {
		s, _ := args.String(i)
		return registry.ParseIdentity(s)
	}
	var id registry.Identity
	if err := args.Decode(i, &id); err != nil {
		return id, err
	}
	if id.Type == "" {
		return id, errors.InvalidInput("identity needs a type")
	}
	return id, nil
}

func optString(args dispatch.Args, i int) (string, error) {
	if args.IsNull(i) {
		return "", nil
	}
	return args.String(i)
}

func optBool(args dispatch.Args, i int, def bool) (bool, error) {
	if args.IsNull(i) {
		return def, nil
	}
	var b bool
	err := args.Decode(i, &b)
	return b, err
}

func isJSONString(args dispatch.Args, i int) bool {
	if i >= args.Len() {
		return false
	}
	var s string
	return json.Unmarshal(args[i], &s) == nil
}
