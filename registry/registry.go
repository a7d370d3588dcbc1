package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
)

// AnyUser in AllowedUsers admits every principal.
const AnyUser = "any"

// DefaultRecoveryMultiplier is used when a record does not set one.
const DefaultRecoveryMultiplier = 4

// Argument kinds for the registry's method table.
const (
	KindIdentity    dispatch.Kind = "identity"
	KindRecord      dispatch.Kind = "record"
	KindSnapshot    dispatch.Kind = "snapshot"
	KindRequest     dispatch.Kind = "request"
	KindConstraints dispatch.Kind = "constraints"
	KindPeerInfo    dispatch.Kind = "peerinfo"
)

// Identity is the unique key of a component: its type plus instance name.
type Identity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// String renders the identity as "type/name".
func (id Identity) String() string {
	return id.Type + "/" + id.Name
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Type == "" && id.Name == ""
}

// Token renders the identity as two subject-safe tokens, "type.name".
func (id Identity) Token() string {
	return bus.Token(id.Type) + "." + bus.Token(id.Name)
}

// WireKind implements dispatch.Kinded.
func (id Identity) WireKind() dispatch.Kind { return KindIdentity }

// Less orders identities by type, then name.
func (id Identity) Less(other Identity) bool {
	if id.Type != other.Type {
		return id.Type < other.Type
	}
	return id.Name < other.Name
}

// ParseIdentity parses "type/name".
func ParseIdentity(s string) (Identity, error) {
	typ, name, ok := strings.Cut(s, "/")
	if !ok || typ == "" || name == "" {
		return Identity{}, errors.InvalidInput("identity must be type/name: " + s)
	}
	return Identity{Type: typ, Name: name}, nil
}

// ComponentState is the lifecycle state a component reports about itself.
type ComponentState string

const (
	StateInit       ComponentState = "INIT"
	StateRegister   ComponentState = "REGISTER"
	StateRun        ComponentState = "RUN"
	StateSuspend    ComponentState = "SUSPEND"
	StateShutdown   ComponentState = "SHUTDOWN"
	StateDeregister ComponentState = "DEREGISTER"
)

var stateRank = map[ComponentState]int{
	StateInit:       0,
	StateRegister:   1,
	StateRun:        2,
	StateSuspend:    3,
	StateShutdown:   4,
	StateDeregister: 5,
}

// Valid reports whether s is a known state.
func (s ComponentState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether the registry treats s as final.
func (s ComponentState) Terminal() bool {
	return s == StateShutdown || s == StateDeregister
}

// CanTransition reports whether a self-reported change from s to next is
// accepted. States only move forward, except that a suspended component may
// resume running. Terminal states never change.
func (s ComponentState) CanTransition(next ComponentState) bool {
	if !next.Valid() || s.Terminal() {
		return s == next
	}
	if s == StateSuspend && next == StateRun {
		return true
	}
	return stateRank[next] >= stateRank[s]
}

// RecoveryState is the registry's view of a component's health.
type RecoveryState string

const (
	RecoveryOK            RecoveryState = "OK"
	RecoveryUnknown       RecoveryState = "UNKNOWN"
	RecoveryDown          RecoveryState = "DOWN"
	RecoveryInRecovery    RecoveryState = "IN_RECOVERY"
	RecoveryDelay         RecoveryState = "DELAY"
	RecoveryUnrecoverable RecoveryState = "UNRECOVERABLE"
	RecoveryNonexistent   RecoveryState = "NONEXISTENT"
)

// Valid reports whether r is a known recovery state.
func (r RecoveryState) Valid() bool {
	switch r {
	case RecoveryOK, RecoveryUnknown, RecoveryDown, RecoveryInRecovery,
		RecoveryDelay, RecoveryUnrecoverable, RecoveryNonexistent:
		return true
	}
	return false
}

// ShouldNotify reports whether peers and clients are told about entering r.
func (r RecoveryState) ShouldNotify() bool {
	switch r {
	case RecoveryInRecovery, RecoveryDelay, RecoveryUnrecoverable, RecoveryNonexistent:
		return true
	}
	return false
}

// Recovering reports whether r is owned by the recovery controller. Only a
// full re-registration leaves these states.
func (r RecoveryState) Recovering() bool {
	switch r {
	case RecoveryInRecovery, RecoveryUnrecoverable, RecoveryNonexistent:
		return true
	}
	return false
}

// Live reports whether a component in r may be handed out by discovery.
func (r RecoveryState) Live() bool {
	switch r {
	case RecoveryOK, RecoveryUnknown, RecoveryDelay:
		return true
	}
	return false
}

// LaunchSpec tells a process starter how to relaunch a component.
type LaunchSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// Record is the registration record of one component.
type Record struct {
	Identity      Identity       `json:"identity"`
	Host          string         `json:"host"`
	Port          int            `json:"port,omitempty"`
	Interfaces    []string       `json:"interfaces,omitempty"`
	Groups        []string       `json:"groups,omitempty"`
	ConnectGroups []string       `json:"connectGroups,omitempty"`
	State         ComponentState `json:"state"`
	RecoveryState RecoveryState  `json:"recoveryState"`

	HeartbeatPeriod    time.Duration `json:"heartbeatPeriod"`
	LastCheckin        time.Time     `json:"lastCheckin"`
	RecoveryMultiplier int           `json:"recoveryMultiplier"`
	RemainingRestarts  int           `json:"remainingRestarts"`

	// MaxConnections <= 0 means unlimited.
	MaxConnections     int `json:"maxConnections"`
	CurrentConnections int `json:"currentConnections"`

	AllowedUsers    []string `json:"allowedUsers,omitempty"`
	AllowedHosts    []string `json:"allowedHosts,omitempty"`
	RequiredDevices []string `json:"requiredDevices,omitempty"`

	Clients []Identity `json:"clients,omitempty"`
	Peers   []Identity `json:"peers,omitempty"`

	IsRegistry bool            `json:"isRegistry"`
	Handle     dispatch.Handle `json:"handle"`
	Launch     *LaunchSpec     `json:"launch,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
	Generation   uint64    `json:"generation"`
}

// WireKind implements dispatch.Kinded.
func (r *Record) WireKind() dispatch.Kind { return KindRecord }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Interfaces = cloneStrings(r.Interfaces)
	c.Groups = cloneStrings(r.Groups)
	c.ConnectGroups = cloneStrings(r.ConnectGroups)
	c.AllowedUsers = cloneStrings(r.AllowedUsers)
	c.AllowedHosts = cloneStrings(r.AllowedHosts)
	c.RequiredDevices = cloneStrings(r.RequiredDevices)
	c.Clients = cloneIdentities(r.Clients)
	c.Peers = cloneIdentities(r.Peers)
	if r.Launch != nil {
		l := *r.Launch
		l.Args = cloneStrings(r.Launch.Args)
		if r.Launch.Env != nil {
			l.Env = make(map[string]string, len(r.Launch.Env))
			for k, v := range r.Launch.Env {
				l.Env[k] = v
			}
		}
		c.Launch = &l
	}
	return &c
}

// ApplyDefaults fills unset fields: groups default to the identity itself,
// users to AnyUser and the multiplier to DefaultRecoveryMultiplier.
func (r *Record) ApplyDefaults() {
	if len(r.Groups) == 0 {
		r.Groups = []string{r.Identity.String()}
	}
	if len(r.AllowedUsers) == 0 {
		r.AllowedUsers = []string{AnyUser}
	}
	if r.RecoveryMultiplier < 1 {
		r.RecoveryMultiplier = DefaultRecoveryMultiplier
	}
	if r.State == "" {
		r.State = StateRegister
	}
	if r.RecoveryState == "" {
		r.RecoveryState = RecoveryOK
	}
}

// Validate checks the record's invariants.
func (r *Record) Validate() error {
	if r.Identity.Type == "" {
		return errors.InvalidInput("component type is required")
	}
	if r.State != "" && !r.State.Valid() {
		return errors.InvalidInput("unknown component state " + string(r.State))
	}
	if r.RecoveryState != "" && !r.RecoveryState.Valid() {
		return errors.InvalidInput("unknown recovery state " + string(r.RecoveryState))
	}
	if r.HeartbeatPeriod < 0 {
		return errors.InvalidInput("heartbeat period must not be negative")
	}
	if r.RemainingRestarts < 0 {
		return errors.InvalidInput("remaining restarts must not be negative")
	}
	if r.CurrentConnections < 0 {
		return errors.InvalidInput("current connections must not be negative")
	}
	if r.MaxConnections > 0 && r.CurrentConnections > r.MaxConnections {
		return errors.InvalidInput("current connections exceed maximum")
	}
	return nil
}

// Visible reports whether discovery may return the record.
func (r *Record) Visible() bool {
	return !r.State.Terminal() && r.RecoveryState.Live()
}

// Implements reports whether the record declares name as its type or one of
// its interfaces.
func (r *Record) Implements(name string) bool {
	return r.Identity.Type == name || contains(r.Interfaces, name)
}

// InGroup reports membership in group.
func (r *Record) InGroup(group string) bool {
	return contains(r.Groups, group)
}

// SharesGroup reports whether any of groups is one of the record's groups.
// An empty list shares with everything.
func (r *Record) SharesGroup(groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if r.InGroup(g) {
			return true
		}
	}
	return false
}

// AllowsUser reports whether user may connect.
func (r *Record) AllowsUser(user string) bool {
	return contains(r.AllowedUsers, AnyUser) || contains(r.AllowedUsers, user)
}

// AllowsHost reports whether a requester on host may connect. An empty
// allow list admits every host.
func (r *Record) AllowsHost(host string) bool {
	return len(r.AllowedHosts) == 0 || contains(r.AllowedHosts, host)
}

// HasCapacity reports whether another connection fits.
func (r *Record) HasCapacity() bool {
	return r.MaxConnections <= 0 || r.CurrentConnections < r.MaxConnections
}

// IndexKeys are the secondary-index names the record is listed under.
func (r *Record) IndexKeys() []string {
	keys := []string{r.Identity.Type}
	for _, iface := range r.Interfaces {
		if iface != r.Identity.Type && !contains(keys, iface) {
			keys = append(keys, iface)
		}
	}
	return keys
}

// AddClient records c as a client, once.
func (r *Record) AddClient(c Identity) {
	for _, existing := range r.Clients {
		if existing == c {
			return
		}
	}
	r.Clients = append(r.Clients, c)
}

// Snapshot is the state a component reports with each heartbeat.
type Snapshot struct {
	State              ComponentState `json:"state"`
	CurrentConnections int            `json:"currentConnections"`
	Peers              []Identity     `json:"peers,omitempty"`
	Clients            []Identity     `json:"clients,omitempty"`
}

// WireKind implements dispatch.Kinded.
func (s Snapshot) WireKind() dispatch.Kind { return KindSnapshot }

// ConnectionRequest asks the registry for components to connect to.
type ConnectionRequest struct {
	// Requester is the asking component. It is recorded as a client of
	// the component handed out.
	Requester Identity `json:"requester"`

	// User and Host are checked against each candidate's allow lists.
	User string `json:"user,omitempty"`
	Host string `json:"host,omitempty"`

	// ConnectGroups, when set, restricts candidates to those sharing a
	// group with the requester.
	ConnectGroups []string `json:"connectGroups,omitempty"`

	// Constraints is a constraint list in disjunctive normal form.
	Constraints [][]string `json:"constraints,omitempty"`
}

// WireKind implements dispatch.Kinded.
func (c ConnectionRequest) WireKind() dispatch.Kind { return KindRequest }

// PeerStatus is the registry's current view of one peer, as pushed to a
// component in a peerInfoChanged call.
type PeerStatus struct {
	Identity      Identity        `json:"identity"`
	RecoveryState RecoveryState   `json:"recoveryState"`
	Handle        dispatch.Handle `json:"handle,omitempty"`
}

// PeerInfo is the argument of a peerInfoChanged call.
type PeerInfo struct {
	Peers []PeerStatus `json:"peers"`
}

// WireKind implements dispatch.Kinded.
func (p PeerInfo) WireKind() dispatch.Kind { return KindPeerInfo }

// SortRecords orders records by identity.
func SortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Identity.Less(recs[j].Identity)
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneIdentities(s []Identity) []Identity {
	if s == nil {
		return nil
	}
	return append([]Identity(nil), s...)
}
