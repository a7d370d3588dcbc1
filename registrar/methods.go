package registrar

import (
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/launcher"
	"github.com/vinayprograms/compreg/registry"
)

// Methods components serve for the registry.
const (
	MethodPing            = "ping"
	MethodShutdown        = "shutdown"
	MethodSetLogLevel     = "setLogLevel"
	MethodPeerInfoChanged = "peerInfoChanged"
	MethodNewComponent    = "newComponent"
)

// Methods of the registry surface.
const (
	MethodRegister                        = "register"
	MethodDeregister                      = "deregister"
	MethodUpdateHeartbeat                 = "updateHeartbeat"
	MethodRequestConnection               = "requestConnection"
	MethodRequestConnections              = "requestConnections"
	MethodGetAllApplicableComponents      = "getAllApplicableComponents"
	MethodRequestComponentList            = "requestComponentList"
	MethodRequestState                    = "requestState"
	MethodRequestNewComponentNotification = "requestNewComponentNotification"
	MethodSetRecoveryMultiplier           = "setRecoveryMultiplier"
	MethodShutdownComponent               = "shutdownComponent"
	MethodShutdownAll                     = "shutdownAll"
	MethodShutdownRegistry                = "shutdownRegistry"
	MethodRegisterWithRegistry            = "registerWithRegistry"
	MethodIsUsed                          = "isUsed"
)

var (
	kString = dispatch.KindString
	kBool   = dispatch.KindBool
	kInt    = dispatch.KindInt
	kID     = registry.KindIdentity
)

// ComponentMethodSpecs describe the callbacks every component serves.
var ComponentMethodSpecs = []dispatch.MethodSpec{
	{Name: MethodPing},
	{Name: MethodShutdown},
	{Name: MethodSetLogLevel, Params: []dispatch.Kind{kString}},
	{Name: MethodPeerInfoChanged, Params: []dispatch.Kind{registry.KindPeerInfo}},
	{Name: MethodNewComponent, Params: []dispatch.Kind{registry.KindRecord}},
}

// RegistryMethodSpecs describe the registry surface.
var RegistryMethodSpecs = []dispatch.MethodSpec{
	{Name: MethodRegister, Params: []dispatch.Kind{registry.KindRecord, kString, kBool}},
	{Name: MethodRegister, Params: []dispatch.Kind{registry.KindRecord, kString}},
	{Name: MethodDeregister, Params: []dispatch.Kind{kID, kString}},
	{Name: MethodUpdateHeartbeat, Params: []dispatch.Kind{kID, registry.KindSnapshot}},
	{Name: MethodRequestConnection, Params: []dispatch.Kind{registry.KindRequest, kBool}},
	{Name: MethodRequestConnections, Params: []dispatch.Kind{registry.KindRequest, kBool}},
	{Name: MethodGetAllApplicableComponents, Params: []dispatch.Kind{registry.KindConstraints, kBool}},
	{Name: MethodRequestComponentList, Params: []dispatch.Kind{kBool}},
	{Name: MethodRequestState, Params: []dispatch.Kind{kID, kBool}},
	{Name: MethodRequestState, Params: []dispatch.Kind{kString, kString}},
	{Name: MethodRequestNewComponentNotification, Params: []dispatch.Kind{kID, dispatch.KindHandle, registry.KindConstraints, kBool}},
	{Name: MethodSetRecoveryMultiplier, Params: []dispatch.Kind{kID, kString, kInt}},
	{Name: MethodSetLogLevel, Params: []dispatch.Kind{kString, kBool}},
	{Name: MethodShutdownComponent, Params: []dispatch.Kind{kID, kString}},
	{Name: MethodShutdownAll, Params: []dispatch.Kind{kString, kString, kBool}},
	{Name: MethodShutdownRegistry, Params: []dispatch.Kind{kString, kString}},
	{Name: MethodRegisterWithRegistry, Params: []dispatch.Kind{registry.KindRecord, kString}},
	{Name: MethodIsUsed, Params: []dispatch.Kind{kID}},
}

// MethodSpecs is every method the registry calls or serves, including the
// launcher agent surface.
func MethodSpecs() []dispatch.MethodSpec {
	specs := make([]dispatch.MethodSpec, 0, len(ComponentMethodSpecs)+len(RegistryMethodSpecs)+len(launcher.MethodSpecs))
	specs = append(specs, ComponentMethodSpecs...)
	specs = append(specs, RegistryMethodSpecs...)
	specs = append(specs, launcher.MethodSpecs...)
	return specs
}

// NewMethodTable builds the method table registries and their clients
// share. Strings of the form "type/name" coerce to identities.
func NewMethodTable() *dispatch.MethodTable {
	t := dispatch.NewMethodTable(MethodSpecs()...)
	t.AddCoercion(kString, kID, func(v any) (any, bool) {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		id, err := registry.ParseIdentity(s)
		return id, err == nil
	})
	return t
}
