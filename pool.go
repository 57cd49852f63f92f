package ultrafast

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the opaque capability to send requests over one established
// connection. The pool treats it as a black box supplied by the dialer.
type Transport interface {
	RoundTrip(*http.Request) (*http.Response, error)
	Close() error
}

// PoolKey identifies the idle set a connection belongs to.
type PoolKey struct {
	Host     string
	Port     string
	Protocol HTTPVersion
}

// DialFunc establishes a new connection for a key. Supplied by the protocol
// layer so the pool stays agnostic of TLS and version negotiation.
type DialFunc func(ctx context.Context, key PoolKey) (Transport, error)

type pooledConn struct {
	key       PoolKey
	transport Transport
	createdAt time.Time
	lastUsed  time.Time
}

// Lease is exclusive ownership of one pooled connection by one in-flight
// request. It must be released exactly once; Release is idempotent so error
// paths can release defensively.
type Lease struct {
	conn     *pooledConn
	pool     *ConnectionPool
	released int32
}

// Transport exposes the leased connection's send capability.
func (l *Lease) Transport() Transport {
	return l.conn.transport
}

// Key returns the pool key this lease was acquired under.
func (l *Lease) Key() PoolKey {
	return l.conn.key
}

// Release returns the connection to the pool when healthy, or closes it.
// Only the first call has any effect.
func (l *Lease) Release(healthy bool) {
	if !atomic.CompareAndSwapInt32(&l.released, 0, 1) {
		return
	}
	l.pool.release(l.conn, healthy)
}

type poolBucket struct {
	mu   sync.Mutex
	idle []*pooledConn
}

// ConnectionPool owns idle connections keyed by (host, port, protocol).
// Buckets synchronize independently so unrelated hosts never contend.
type ConnectionPool struct {
	config PoolConfig
	dial   DialFunc

	mu      sync.RWMutex
	buckets map[PoolKey]*poolBucket

	idleCount   int64
	leasedCount int64
	closed      int32
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	IdleConnections   int
	LeasedConnections int
	Hosts             int
}

// NewConnectionPool creates a pool with the given limits and dialer.
func NewConnectionPool(config PoolConfig, dial DialFunc) *ConnectionPool {
	return &ConnectionPool{
		config:  config,
		dial:    dial,
		buckets: make(map[PoolKey]*poolBucket),
	}
}

// Acquire hands out an idle connection for the key, dialing a new one when
// none is available. The returned lease is exclusive until released.
func (p *ConnectionPool) Acquire(ctx context.Context, key PoolKey) (*Lease, error) {
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	if conn := p.takeIdle(key); conn != nil {
		atomic.AddInt64(&p.leasedCount, 1)
		return &Lease{conn: conn, pool: p}, nil
	}

	transport, err := p.dial(ctx, key)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	conn := &pooledConn{key: key, transport: transport, createdAt: now, lastUsed: now}
	atomic.AddInt64(&p.leasedCount, 1)
	return &Lease{conn: conn, pool: p}, nil
}

// takeIdle pops the most recently used live connection for the key, purging
// entries idle beyond the timeout on the way.
func (p *ConnectionPool) takeIdle(key PoolKey) *pooledConn {
	bucket := p.bucket(key, false)
	if bucket == nil {
		return nil
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	p.purgeLocked(bucket)

	n := len(bucket.idle)
	if n == 0 {
		return nil
	}
	conn := bucket.idle[n-1]
	bucket.idle = bucket.idle[:n-1]
	atomic.AddInt64(&p.idleCount, -1)
	return conn
}

// purgeLocked drops idle entries older than IdleTimeout. Caller holds the
// bucket lock.
func (p *ConnectionPool) purgeLocked(bucket *poolBucket) {
	if p.config.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.config.IdleTimeout)
	kept := bucket.idle[:0]
	for _, conn := range bucket.idle {
		if conn.lastUsed.Before(cutoff) {
			_ = conn.transport.Close()
			atomic.AddInt64(&p.idleCount, -1)
			continue
		}
		kept = append(kept, conn)
	}
	bucket.idle = kept
}

func (p *ConnectionPool) release(conn *pooledConn, healthy bool) {
	atomic.AddInt64(&p.leasedCount, -1)

	if !healthy || atomic.LoadInt32(&p.closed) == 1 {
		_ = conn.transport.Close()
		return
	}

	// Over-cap connections are closed rather than pooled.
	if p.config.MaxIdleConnections > 0 && atomic.LoadInt64(&p.idleCount) >= int64(p.config.MaxIdleConnections) {
		_ = conn.transport.Close()
		return
	}

	bucket := p.bucket(conn.key, true)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	p.purgeLocked(bucket)

	if p.config.MaxIdlePerHost > 0 && len(bucket.idle) >= p.config.MaxIdlePerHost {
		_ = conn.transport.Close()
		return
	}

	conn.lastUsed = time.Now()
	bucket.idle = append(bucket.idle, conn)
	atomic.AddInt64(&p.idleCount, 1)
}

func (p *ConnectionPool) bucket(key PoolKey, create bool) *poolBucket {
	p.mu.RLock()
	bucket, ok := p.buckets[key]
	p.mu.RUnlock()
	if ok || !create {
		return bucket
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok = p.buckets[key]
	if !ok {
		bucket = &poolBucket{}
		p.buckets[key] = bucket
	}
	return bucket
}

// Stats returns a snapshot of pool occupancy.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	hosts := len(p.buckets)
	p.mu.RUnlock()
	return PoolStats{
		IdleConnections:   int(atomic.LoadInt64(&p.idleCount)),
		LeasedConnections: int(atomic.LoadInt64(&p.leasedCount)),
		Hosts:             hosts,
	}
}

// Close drops all idle connections. Leased connections are closed as they are
// released.
func (p *ConnectionPool) Close() {
	atomic.StoreInt32(&p.closed, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range p.buckets {
		bucket.mu.Lock()
		for _, conn := range bucket.idle {
			_ = conn.transport.Close()
		}
		atomic.AddInt64(&p.idleCount, -int64(len(bucket.idle)))
		bucket.idle = nil
		bucket.mu.Unlock()
	}
}
