// Package pool caches reusable TCP transport connections keyed by
// remote endpoint. One connection serves every register read of a
// device's poll pass; callers must not reconnect per register.
package pool

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/log2"
)

// Conn is a connected transport handle.
type Conn interface {
	Close() error
}

// Factory dials a new connection to endpoint ("host:port").
type Factory func(endpoint string) (Conn, error)

type Config struct {
	Capacity    int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

const (
	DefaultCapacity    = 8
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxLifetime = 15 * time.Minute
)

type entry struct {
	conn      Conn
	inUse     bool
	lastUsed  time.Time
	createdAt time.Time
}

type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory
	cfg     Config
	log     *log2.Log
	now     func() time.Time
}

func NewPool(cfg Config, factory Factory, log *log2.Log) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	return &Pool{
		entries: make(map[string]*entry),
		factory: factory,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Acquire returns a healthy cached connection for the endpoint or dials
// a new one. When a cached connection is busy, or the pool is full with
// no idle entry to evict, the returned connection is ephemeral: Release
// will close it instead of caching.
func (p *Pool) Acquire(endpoint string) (Conn, error) {
	p.mu.Lock()
	if e, ok := p.entries[endpoint]; ok && !e.inUse {
		e.inUse = true
		p.mu.Unlock()
		return e.conn, nil
	}
	cache := true
	if _, ok := p.entries[endpoint]; ok {
		cache = false // busy entry for this endpoint, dial ephemeral
	} else if len(p.entries) >= p.cfg.Capacity {
		cache = p.evictOldestIdleLocked()
	}
	p.mu.Unlock()

	conn, err := p.factory(endpoint)
	if err != nil {
		return nil, errors.Annotatef(err, "pool dial endpoint=%s", endpoint)
	}

	if cache {
		now := p.now()
		p.mu.Lock()
		// somebody may have raced a cache slot for this endpoint
		if _, ok := p.entries[endpoint]; !ok && len(p.entries) < p.cfg.Capacity {
			p.entries[endpoint] = &entry{conn: conn, inUse: true, lastUsed: now, createdAt: now}
		}
		p.mu.Unlock()
	}
	return conn, nil
}

// Release returns a connection. healthy=false means the caller observed
// a read failure: the connection is closed, not reused.
func (p *Pool) Release(endpoint string, conn Conn, healthy bool) {
	p.mu.Lock()
	e, ok := p.entries[endpoint]
	if !ok || e.conn != conn {
		p.mu.Unlock()
		_ = conn.Close() // ephemeral
		return
	}
	if !healthy {
		delete(p.entries, endpoint)
		p.mu.Unlock()
		if err := conn.Close(); err != nil {
			p.log.Debugf("pool close unhealthy endpoint=%s err=%v", endpoint, err)
		}
		return
	}
	e.inUse = false
	e.lastUsed = p.now()
	p.mu.Unlock()
}

// ReapIdle closes entries idle beyond IdleTimeout or older than
// MaxLifetime, bounding dangling sockets and head-of-line staleness
// after network changes.
func (p *Pool) ReapIdle() int {
	now := p.now()
	var victims []Conn

	p.mu.Lock()
	for endpoint, e := range p.entries {
		if e.inUse {
			continue
		}
		if now.Sub(e.lastUsed) > p.cfg.IdleTimeout || now.Sub(e.createdAt) > p.cfg.MaxLifetime {
			victims = append(victims, e.conn)
			delete(p.entries, endpoint)
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		_ = c.Close()
	}
	return len(victims)
}

// Run is the maintenance loop. Call with a held alive.Add(1).
func (p *Pool) Run(a *alive.Alive, interval time.Duration) {
	defer a.Done()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stopch := a.StopChan()
	for a.IsRunning() {
		select {
		case <-time.After(interval):
			if n := p.ReapIdle(); n > 0 {
				p.log.Debugf("pool reaped n=%d", n)
			}
		case <-stopch:
			p.Close()
			return
		}
	}
}

// Close closes every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	victims := make([]Conn, 0, len(p.entries))
	for _, e := range p.entries {
		victims = append(victims, e.conn)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	for _, c := range victims {
		_ = c.Close()
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictOldestIdleLocked frees one slot. Returns false when every entry
// is busy, meaning the caller gets an ephemeral connection.
func (p *Pool) evictOldestIdleLocked() bool {
	var oldestKey string
	var oldest *entry
	for k, e := range p.entries {
		if e.inUse {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return false
	}
	delete(p.entries, oldestKey)
	go oldest.conn.Close() //nolint:errcheck
	return true
}
