// Package pool implements the HTTP Client Pool: an idle-connection pool
// keyed by upstream endpoint identifier, with age-based GC and a
// per-pool-key lock released before dial runs.
package pool

import (
	"sync"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
)

// Conn is the minimal capability a pooled connection needs: closing it
// when disposed or GC'd. RemoteConnection values satisfy this directly.
type Conn interface {
	Close() error
}

type idleEntry struct {
	conn     Conn
	lastUsed time.Time
}

type hostPool struct {
	mu   sync.Mutex
	idle []*idleEntry
}

// Manager is a set of per-key idle-connection pools plus the background
// sweeper that GCs them.
type Manager struct {
	pools      sync.Map // key string -> *hostPool
	maxIdleAge time.Duration
	shrinkToCap int
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	closed  bool
}

// NewManager builds a Manager and starts its sweeper goroutine.
func NewManager() *Manager {
	m := &Manager{
		maxIdleAge:  constants.PoolMaxIdleAge,
		shrinkToCap: constants.PoolShrinkToCap,
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

func (m *Manager) getOrCreate(key string) *hostPool {
	val, _ := m.pools.LoadOrStore(key, &hostPool{})
	return val.(*hostPool)
}

// Acquire pops the youngest idle connection for key, or calls dial if none
// is available. The per-pool lock is released before dial runs so a slow
// dial never blocks other acquires/releases on the same key.
func (m *Manager) Acquire(key string, dial func() (Conn, error)) (Conn, error) {
	hp := m.getOrCreate(key)

	hp.mu.Lock()
	if n := len(hp.idle); n > 0 {
		entry := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		hp.mu.Unlock()
		return entry.conn, nil
	}
	hp.mu.Unlock()

	return dial()
}

// Release returns conn to key's idle list, unless disposed is set (a
// WebSocket-upgraded or error-marked connection is never returned —
// invariant 2).
func (m *Manager) Release(key string, conn Conn, disposed bool) {
	if disposed {
		conn.Close()
		return
	}
	hp := m.getOrCreate(key)
	hp.mu.Lock()
	hp.idle = append(hp.idle, &idleEntry{conn: conn, lastUsed: time.Now()})
	hp.mu.Unlock()
}

// IdleCount reports how many idle connections key currently holds — used
// by the admin metrics surface.
func (m *Manager) IdleCount(key string) int {
	val, ok := m.pools.Load(key)
	if !ok {
		return 0
	}
	hp := val.(*hostPool)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.idle)
}

// TotalIdleCount sums idle connections across every pool key, for the
// pool-idle-count gauge.
func (m *Manager) TotalIdleCount() int {
	total := 0
	m.pools.Range(func(_, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		total += len(hp.idle)
		hp.mu.Unlock()
		return true
	})
	return total
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(constants.PoolSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	m.pools.Range(func(_, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, e := range hp.idle {
			if now.Sub(e.lastUsed) > m.maxIdleAge {
				e.conn.Close()
				continue
			}
			kept = append(kept, e)
		}
		hp.idle = kept
		if len(hp.idle) == 0 && cap(hp.idle) > m.shrinkToCap {
			hp.idle = make([]*idleEntry, 0, m.shrinkToCap)
		}
		hp.mu.Unlock()
		return true
	})
}

// Close stops the sweeper and closes every idle connection across every
// pool key.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.pools.Range(func(_, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		for _, e := range hp.idle {
			e.conn.Close()
		}
		hp.idle = nil
		hp.mu.Unlock()
		return true
	})
}
