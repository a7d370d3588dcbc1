package presence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/state"
)

// StoreDirectory implements Directory over a state store.
type StoreDirectory struct {
	store state.StateStore
	cfg   Config
	now   func() time.Time

	mu   sync.Mutex
	mine map[string]Entry
}

// NewStoreDirectory creates a directory over store.
func NewStoreDirectory(store state.StateStore, cfg Config) *StoreDirectory {
	return &StoreDirectory{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		mine:  make(map[string]Entry),
	}
}

func (d *StoreDirectory) key(name string) string {
	return d.cfg.Prefix + "." + state.KeyToken(name)
}

// Announce implements Directory.
func (d *StoreDirectory) Announce(ctx context.Context, e Entry) error {
	if e.Name == "" || e.Instance == "" {
		return errors.InvalidInput("presence entry needs name and instance")
	}
	if e.Started.IsZero() {
		e.Started = d.now()
	}
	if err := d.put(ctx, e); err != nil {
		return err
	}
	d.mu.Lock()
	d.mine[e.Name] = e
	d.mu.Unlock()
	return nil
}

func (d *StoreDirectory) put(ctx context.Context, e Entry) error {
	e.Expires = d.now().Add(d.cfg.TTL)
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode presence entry")
	}
	if err := d.store.Put(ctx, d.key(e.Name), data, d.cfg.TTL); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "write presence entry")
	}
	return nil
}

// Confirm implements Directory.
func (d *StoreDirectory) Confirm(ctx context.Context, name string) error {
	d.mu.Lock()
	mine, ok := d.mine[name]
	d.mu.Unlock()
	if !ok {
		return ErrLost
	}

	current, err := d.get(ctx, name)
	if stderrors.Is(err, state.ErrNotFound) {
		return ErrLost
	}
	if err != nil {
		return err
	}
	if current.Instance != mine.Instance || d.now().After(current.Expires) {
		return ErrLost
	}
	return d.put(ctx, mine)
}

func (d *StoreDirectory) get(ctx context.Context, name string) (*Entry, error) {
	data, err := d.store.Get(ctx, d.key(name))
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "read presence entry")
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode presence entry")
	}
	return &e, nil
}

// List implements Directory.
func (d *StoreDirectory) List(ctx context.Context) ([]Entry, error) {
	keys, err := d.store.Keys(ctx, d.cfg.Prefix+".*")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "list presence entries")
	}
	now := d.now()
	var out []Entry
	for _, key := range keys {
		data, err := d.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Entry
		if json.Unmarshal(data, &e) != nil || now.After(e.Expires) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Withdraw implements Directory.
func (d *StoreDirectory) Withdraw(ctx context.Context, name string) error {
	d.mu.Lock()
	mine, ok := d.mine[name]
	delete(d.mine, name)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	current, err := d.get(ctx, name)
	if err != nil {
		if stderrors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	if current.Instance != mine.Instance {
		return nil
	}
	if err := d.store.Delete(ctx, d.key(name)); err != nil && !stderrors.Is(err, state.ErrNotFound) {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "delete presence entry")
	}
	return nil
}
