package mutex

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vinayprograms/compreg/errors"
)

// PostgresMutex implements Mutex with Postgres session advisory locks.
// Each held name pins one pooled connection, since an advisory lock belongs
// to the session that took it.
type PostgresMutex struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// NewPostgresMutex creates a mutex over pool.
func NewPostgresMutex(pool *pgxpool.Pool) *PostgresMutex {
	return &PostgresMutex{pool: pool, held: make(map[string]*pgxpool.Conn)}
}

// TryAcquire implements Mutex.
func (m *PostgresMutex) TryAcquire(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[name]; ok {
		return true, nil
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "acquire connection for advisory lock")
	}

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&got); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "try advisory lock "+name)
	}
	if !got {
		conn.Release()
		return false, nil
	}
	m.held[name] = conn
	return true, nil
}

// Release implements Mutex.
func (m *PostgresMutex) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name); err != nil {
		return errors.Wrap(err, "advisory unlock "+name)
	}
	return nil
}

// Close implements Mutex.
func (m *PostgresMutex) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Release(context.Background(), name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
