package connpool

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Map holds one Pool per remote. Pools are created on first access and live
// until the map is closed.
type Map struct {
	bootstrap Bootstrap
	opts      Options

	mu     sync.Mutex
	pools  map[RemoteKey]*Pool
	closed bool
}

// NewMap creates an empty pool map. Pools it creates establish connections with
// bootstrap and are configured with opts.
func NewMap(bootstrap Bootstrap, opts Options) *Map {
	return &Map{
		bootstrap: bootstrap,
		opts:      opts,
		pools:     make(map[RemoteKey]*Pool),
	}
}

// Get returns the pool for key, creating it if it does not exist yet. Concurrent
// callers for the same key always get the same instance.
func (m *Map) Get(key RemoteKey) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrPoolClosed
	}
	p, ok := m.pools[key]
	if !ok {
		p = NewPool(key, m.bootstrap, m.opts)
		m.pools[key] = p
	}
	return p, nil
}

// Acquire acquires a connection from the pool for key.
func (m *Map) Acquire(ctx context.Context, key RemoteKey) (*Conn, error) {
	p, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns c to the pool that created it.
func (m *Map) Release(c *Conn) error {
	return c.pool.Release(c)
}

// CloseAndDiscard closes c and removes it from its pool.
func (m *Map) CloseAndDiscard(c *Conn) error {
	return c.pool.CloseAndDiscard(c)
}

// Len returns the number of pools.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// Close closes all pools concurrently and returns once every pool is closed.
// A failing pool does not stop the others from closing; all errors are
// returned joined.
func (m *Map) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[RemoteKey]*Pool)
	m.mu.Unlock()

	wg := pool.New().WithErrors()
	for _, p := range pools {
		wg.Go(p.Close)
	}
	return wg.Wait()
}
