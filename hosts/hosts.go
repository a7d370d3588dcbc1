// Package hosts is the directory of hosts components may run on.
//
// A host must be known before a component declaring it can register, and
// the recovery controller asks the directory where to relaunch a failed
// component.
//
// The file form is TOML:
//
//	[[host]]
//	id = "h1"
//	address = "10.0.0.5"
//	devices = ["gpu0"]
//
// A host's launcher handle defaults to "launcher.<id>".
package hosts

import (
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
)

// LauncherPrefix is the subject prefix of per-host launcher endpoints.
const LauncherPrefix = "launcher."

// Descriptor describes one known host.
type Descriptor struct {
	ID       string          `toml:"id" json:"id"`
	Address  string          `toml:"address" json:"address,omitempty"`
	Launcher dispatch.Handle `toml:"launcher" json:"launcher,omitempty"`
	Devices  []string        `toml:"devices" json:"devices,omitempty"`
}

// Directory resolves host identifiers.
type Directory interface {
	// Resolve returns the descriptor for id, or a NOT_FOUND error.
	Resolve(id string) (*Descriptor, error)
}

// MemoryDirectory is a static in-memory Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	hosts map[string]Descriptor
}

// NewMemoryDirectory creates a directory holding hosts.
func NewMemoryDirectory(hosts ...Descriptor) *MemoryDirectory {
	d := &MemoryDirectory{hosts: make(map[string]Descriptor)}
	for _, h := range hosts {
		d.Add(h)
	}
	return d
}

// Add registers or replaces a host.
func (d *MemoryDirectory) Add(h Descriptor) {
	if h.Launcher == "" {
		h.Launcher = dispatch.Handle(LauncherPrefix + bus.Token(h.ID))
	}
	h.Devices = append([]string(nil), h.Devices...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[h.ID] = h
}

// Resolve implements Directory.
func (d *MemoryDirectory) Resolve(id string) (*Descriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hosts[id]
	if !ok {
		return nil, errors.NotFound("unknown host " + id)
	}
	h.Devices = append([]string(nil), h.Devices...)
	return &h, nil
}

// List returns every host ordered by id.
func (d *MemoryDirectory) List() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Descriptor, 0, len(d.hosts))
	for _, h := range d.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasDevices reports whether the host offers every required device.
func (h *Descriptor) HasDevices(required []string) bool {
	for _, r := range required {
		found := false
		for _, d := range h.Devices {
			if d == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type hostsFile struct {
	Hosts []Descriptor `toml:"host"`
}

// LoadFile reads a TOML hosts file into a new directory.
func LoadFile(path string) (*MemoryDirectory, error) {
	var f hostsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, errors.Wrap(err, "read hosts file "+path)
	}
	d := NewMemoryDirectory()
	for _, h := range f.Hosts {
		if h.ID == "" {
			return nil, errors.InvalidInput("hosts file " + path + ": host without id")
		}
		d.Add(h)
	}
	return d, nil
}
