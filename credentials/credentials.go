// Package credentials verifies the secrets components and operators present
// to the registry.
package credentials

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/vinayprograms/compreg/errors"
)

// AllowAdmin lets a principal shut down components and registries.
const AllowAdmin = "admin"

// Principal is a verified caller.
type Principal struct {
	Name       string
	Allowances []string
}

// Has reports whether the principal holds allowance.
func (p *Principal) Has(allowance string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Allowances {
		if a == allowance {
			return true
		}
	}
	return false
}

// Store verifies and manages credentials.
type Store interface {
	// Verify returns the principal for name if secret matches, otherwise
	// an ACCESS_DENIED error.
	Verify(ctx context.Context, name, secret string) (*Principal, error)

	// Put creates or replaces the credential for name.
	Put(ctx context.Context, name, secret string, allowances []string) error

	// Remove deletes the credential for name. Removing an unknown name is
	// not an error.
	Remove(ctx context.Context, name string) error
}

type entry struct {
	hash       []byte
	allowances []string
}

// MemoryStore keeps bcrypt-hashed credentials in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	cost    int
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// Cost is the bcrypt cost. Default: bcrypt.DefaultCost
	Cost int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	return &MemoryStore{
		entries: make(map[string]entry),
		cost:    cfg.Cost,
	}
}

// Verify implements Store.
func (s *MemoryStore) Verify(_ context.Context, name, secret string) (*Principal, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.AccessDenied("unknown principal " + name)
	}
	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(secret)); err != nil {
		return nil, errors.AccessDenied("bad credential for " + name)
	}
	return &Principal{Name: name, Allowances: append([]string(nil), e.allowances...)}, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, name, secret string, allowances []string) error {
	if name == "" {
		return errors.InvalidInput("credential name is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return errors.Wrap(err, "hash credential")
	}
	s.putHash(name, hash, allowances)
	return nil
}

func (s *MemoryStore) putHash(name string, hash []byte, allowances []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = entry{hash: hash, allowances: append([]string(nil), allowances...)}
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	return nil
}

// Names returns the stored principal names in order.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
