package ultrafast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubTransport struct {
	id     int
	closed int32
}

func (s *stubTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("not used")
}

func (s *stubTransport) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return nil
}

func (s *stubTransport) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

type stubDialer struct {
	mu     sync.Mutex
	dials  int
	conns  []*stubTransport
	failAt int
}

func (d *stubDialer) dial(ctx context.Context, key PoolKey) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAt > 0 && d.dials >= d.failAt {
		return nil, errors.New("dial refused")
	}
	conn := &stubTransport{id: d.dials}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testPoolKey() PoolKey {
	return PoolKey{Host: "api.example.com", Port: "443", Protocol: VersionHTTP1}
}

func TestPoolAcquireDialsWhenEmpty(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)

	lease, err := pool.Acquire(context.Background(), testPoolKey())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
	if stats := pool.Stats(); stats.LeasedConnections != 1 {
		t.Errorf("leased = %d, want 1", stats.LeasedConnections)
	}
	lease.Release(true)
}

func TestPoolReusesHealthyConnection(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)
	key := testPoolKey()

	lease, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	first := lease.Transport()
	lease.Release(true)

	lease, err = pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	defer lease.Release(true)

	if lease.Transport() != first {
		t.Error("healthy released connection should be reused")
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
}

func TestPoolLeaseIsExclusive(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)
	key := testPoolKey()

	a, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if a.Transport() == b.Transport() {
		t.Error("two live leases must never share a connection")
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", dialer.dialCount())
	}
	a.Release(true)
	b.Release(true)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)

	lease, err := pool.Acquire(context.Background(), testPoolKey())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)
	lease.Release(true)
	lease.Release(false)

	stats := pool.Stats()
	if stats.LeasedConnections != 0 {
		t.Errorf("leased = %d, want 0 after repeated release", stats.LeasedConnections)
	}
	if stats.IdleConnections != 1 {
		t.Errorf("idle = %d, want 1", stats.IdleConnections)
	}
	if dialer.conns[0].isClosed() {
		t.Error("later release(false) calls must not close a pooled connection")
	}
}

func TestPoolUnhealthyReleaseCloses(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)

	lease, err := pool.Acquire(context.Background(), testPoolKey())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(false)

	if !dialer.conns[0].isClosed() {
		t.Error("unhealthy release should close the connection")
	}
	if stats := pool.Stats(); stats.IdleConnections != 0 {
		t.Errorf("idle = %d, want 0", stats.IdleConnections)
	}
}

func TestPoolIdleTimeoutPurge(t *testing.T) {
	config := DefaultPoolConfig()
	config.IdleTimeout = 10 * time.Millisecond
	dialer := &stubDialer{}
	pool := NewConnectionPool(config, dialer.dial)
	key := testPoolKey()

	lease, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)

	time.Sleep(25 * time.Millisecond)

	lease, err = pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	defer lease.Release(true)

	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2 after idle purge", dialer.dialCount())
	}
	if !dialer.conns[0].isClosed() {
		t.Error("purged connection should be closed")
	}
}

func TestPoolPerHostCap(t *testing.T) {
	config := DefaultPoolConfig()
	config.MaxIdlePerHost = 1
	dialer := &stubDialer{}
	pool := NewConnectionPool(config, dialer.dial)
	key := testPoolKey()

	a, _ := pool.Acquire(context.Background(), key)
	b, _ := pool.Acquire(context.Background(), key)
	a.Release(true)
	b.Release(true)

	stats := pool.Stats()
	if stats.IdleConnections != 1 {
		t.Errorf("idle = %d, want 1 with per-host cap", stats.IdleConnections)
	}
	if !dialer.conns[1].isClosed() {
		t.Error("over-cap connection should be closed, not pooled")
	}
}

func TestPoolGlobalCap(t *testing.T) {
	config := DefaultPoolConfig()
	config.MaxIdleConnections = 1
	config.MaxIdlePerHost = 10
	dialer := &stubDialer{}
	pool := NewConnectionPool(config, dialer.dial)

	keyA := PoolKey{Host: "a.example.com", Port: "443", Protocol: VersionHTTP1}
	keyB := PoolKey{Host: "b.example.com", Port: "443", Protocol: VersionHTTP1}

	a, _ := pool.Acquire(context.Background(), keyA)
	b, _ := pool.Acquire(context.Background(), keyB)
	a.Release(true)
	b.Release(true)

	if stats := pool.Stats(); stats.IdleConnections != 1 {
		t.Errorf("idle = %d, want 1 with global cap", stats.IdleConnections)
	}
	if !dialer.conns[1].isClosed() {
		t.Error("over-cap connection should be closed")
	}
}

func TestPoolDialErrorPropagates(t *testing.T) {
	dialer := &stubDialer{failAt: 1}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)

	if _, err := pool.Acquire(context.Background(), testPoolKey()); err == nil {
		t.Fatal("Acquire() should surface the dial error")
	}
	if stats := pool.Stats(); stats.LeasedConnections != 0 {
		t.Errorf("leased = %d, want 0 after failed dial", stats.LeasedConnections)
	}
}

func TestPoolCloseDropsIdle(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)
	key := testPoolKey()

	lease, _ := pool.Acquire(context.Background(), key)
	lease.Release(true)
	leased, _ := pool.Acquire(context.Background(), key)

	pool.Close()

	if stats := pool.Stats(); stats.IdleConnections != 0 {
		t.Errorf("idle = %d, want 0 after Close", stats.IdleConnections)
	}

	// Connections still leased at Close time are closed on release.
	leased.Release(true)
	for _, conn := range dialer.conns {
		if !conn.isClosed() {
			t.Errorf("connection %d not closed after pool Close", conn.id)
		}
	}
}

func TestPoolStatsHosts(t *testing.T) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)

	keyA := PoolKey{Host: "a.example.com", Port: "443", Protocol: VersionHTTP1}
	keyB := PoolKey{Host: "b.example.com", Port: "443", Protocol: VersionHTTP2}
	a, _ := pool.Acquire(context.Background(), keyA)
	b, _ := pool.Acquire(context.Background(), keyB)
	a.Release(true)
	b.Release(true)

	if stats := pool.Stats(); stats.Hosts != 2 {
		t.Errorf("hosts = %d, want 2", stats.Hosts)
	}
}

func BenchmarkPoolAcquireRelease(b *testing.B) {
	dialer := &stubDialer{}
	pool := NewConnectionPool(DefaultPoolConfig(), dialer.dial)
	key := testPoolKey()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			lease, err := pool.Acquire(context.Background(), key)
			if err != nil {
				b.Fatal(err)
			}
			lease.Release(true)
		}
	})
}
