package presence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/vinayprograms/compreg/errors"
)

// EtcdConfig configures the etcd client.
type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

// NewEtcdClient connects to etcd with a silent client logger.
func NewEtcdClient(cfg EtcdConfig) (*clientv3.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "connect etcd")
	}
	return cli, nil
}

// EtcdDirectory implements Directory with etcd leases. An entry lives as
// long as its lease; Confirm renews the lease once.
type EtcdDirectory struct {
	cli *clientv3.Client
	cfg Config

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdDirectory creates a directory over cli.
func NewEtcdDirectory(cli *clientv3.Client, cfg Config) *EtcdDirectory {
	cfg = cfg.withDefaults()
	return &EtcdDirectory{cli: cli, cfg: cfg, leases: make(map[string]clientv3.LeaseID)}
}

func (d *EtcdDirectory) key(name string) string {
	return "/" + d.cfg.Prefix + "/" + name
}

// Announce implements Directory.
func (d *EtcdDirectory) Announce(ctx context.Context, e Entry) error {
	if e.Name == "" || e.Instance == "" {
		return errors.InvalidInput("presence entry needs name and instance")
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode presence entry")
	}

	ttl := int64(d.cfg.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := d.cli.Grant(ctx, ttl)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "grant presence lease")
	}
	if _, err := d.cli.Put(ctx, d.key(e.Name), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "write presence entry")
	}

	d.mu.Lock()
	old, had := d.leases[e.Name]
	d.leases[e.Name] = lease.ID
	d.mu.Unlock()
	if had {
		d.cli.Revoke(ctx, old) //nolint:errcheck
	}
	return nil
}

// Confirm implements Directory.
func (d *EtcdDirectory) Confirm(ctx context.Context, name string) error {
	d.mu.Lock()
	lease, ok := d.leases[name]
	d.mu.Unlock()
	if !ok {
		return ErrLost
	}

	_, err := d.cli.KeepAliveOnce(ctx, lease)
	if stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return ErrLost
	}
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "renew presence lease")
	}
	return nil
}

// List implements Directory.
func (d *EtcdDirectory) List(ctx context.Context) ([]Entry, error) {
	resp, err := d.cli.Get(ctx, "/"+d.cfg.Prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "list presence entries")
	}
	var out []Entry
	for _, kv := range resp.Kvs {
		var e Entry
		if json.Unmarshal(kv.Value, &e) == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Withdraw implements Directory.
func (d *EtcdDirectory) Withdraw(ctx context.Context, name string) error {
	d.mu.Lock()
	lease, ok := d.leases[name]
	delete(d.leases, name)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := d.cli.Revoke(ctx, lease); err != nil && !stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return errors.WrapWithCode(err, errors.ErrCodeUnreachable, "revoke presence lease")
	}
	return nil
}
