package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/route"
)

type fakeResolver struct{ ip net.IP }

func (r fakeResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return []net.IP{r.ip}, nil
}

// fakeFactory hands out in-memory net.Pipe connections instead of dialing the
// network, and counts how many times a plaintext connection was opened.
type fakeFactory struct {
	dials int32
	delay time.Duration
}

func (f *fakeFactory) OpenPlaintext(ctx context.Context, r *route.Route) (net.Conn, error) {
	atomic.AddInt32(&f.dials, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	client, server := net.Pipe()
	go drain(server)
	return client, nil
}

func (f *fakeFactory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	return conn, &message.Handshake{}, "http/1.1", nil
}

func drain(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func testAddr() *route.Address {
	return &route.Address{Host: "example.com", Port: 80}
}

func newTestPool(factory *fakeFactory) *Pool {
	return New(Options{
		Factory:   factory,
		Planner:   route.NewPlanner(fakeResolver{ip: net.ParseIP("10.0.0.1")}),
		KeepAlive: time.Hour,
	})
}

func TestPoolAcquireDialsWhenEmpty(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(factory)
	defer p.Close()

	conn, err := p.Acquire(context.Background(), testAddr())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if conn.State() != StateAcquired {
		t.Fatalf("State() = %v, want ACQUIRED", conn.State())
	}
	if atomic.LoadInt32(&factory.dials) != 1 {
		t.Fatalf("dials = %d, want 1", factory.dials)
	}
}

func TestPoolReusesIdleHTTP1ConnectionWithinKeepAlive(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(factory)
	defer p.Close()

	addr := testAddr()
	first, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second != first {
		t.Fatalf("expected pool to reuse the released idle connection")
	}
	if atomic.LoadInt32(&factory.dials) != 1 {
		t.Fatalf("dials = %d, want 1 (no redial on reuse)", factory.dials)
	}
}

func TestPoolDoesNotReuseIdleConnectionPastKeepAlive(t *testing.T) {
	factory := &fakeFactory{}
	p := New(Options{
		Factory:   factory,
		Planner:   route.NewPlanner(fakeResolver{ip: net.ParseIP("10.0.0.1")}),
		KeepAlive: time.Millisecond,
	})
	defer p.Close()

	addr := testAddr()
	first, _ := p.Acquire(context.Background(), addr)
	p.Release(first)
	time.Sleep(5 * time.Millisecond)

	second, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh connection once keep-alive expired")
	}
	if atomic.LoadInt32(&factory.dials) != 2 {
		t.Fatalf("dials = %d, want 2", factory.dials)
	}
}

func TestPoolAcquireCannotReuseAcquiredHTTP1Connection(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(factory)
	defer p.Close()

	addr := testAddr()
	first, _ := p.Acquire(context.Background(), addr)
	// first is still held (not released): a second Acquire must dial again
	// rather than double-booking the same HTTP/1 connection.
	second, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second == first {
		t.Fatalf("expected pool not to hand out an already-acquired HTTP/1 connection")
	}
}

// fakeSession is a minimal MultiplexedSession used to exercise rule 1 of
// Pool.Acquire (reuse a multiplexed connection under its peer stream cap).
type fakeSession struct {
	open  bool
	shut  bool
	calls int32
}

func (f *fakeSession) CanOpenStream() bool { atomic.AddInt32(&f.calls, 1); return f.open }
func (f *fakeSession) IsShutdown() bool    { return f.shut }
func (f *fakeSession) Close() error        { return nil }

func TestPoolReusesMultiplexedConnectionAcrossAcquires(t *testing.T) {
	factory := &fakeFactory{}
	session := &fakeSession{open: true}
	p := New(Options{
		Factory: factory,
		Planner: route.NewPlanner(fakeResolver{ip: net.ParseIP("10.0.0.1")}),
		UpgradeHTTP2: func(conn net.Conn) (MultiplexedSession, error) {
			return session, nil
		},
	})
	defer p.Close()

	// Force h2 negotiation by swapping in a factory that reports ALPN h2.
	p.opts.Factory = &h2Factory{fakeFactory: factory}

	addr := testAddr()
	addr.TLS = true
	first, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !first.IsMultiplexed() {
		t.Fatalf("expected multiplexed connection")
	}

	second, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second != first {
		t.Fatalf("expected both acquisitions to reuse the same HTTP/2 connection")
	}
	if atomic.LoadInt32(&factory.dials) != 1 {
		t.Fatalf("dials = %d, want 1", factory.dials)
	}
}

type h2Factory struct{ *fakeFactory }

func (f *h2Factory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	return conn, &message.Handshake{}, "h2", nil
}

func TestPoolDialCoalescesConcurrentAcquires(t *testing.T) {
	factory := &fakeFactory{delay: 20 * time.Millisecond}
	p := newTestPool(factory)
	defer p.Close()

	addr := testAddr()
	const n = 8
	var wg sync.WaitGroup
	conns := make([]*Connection, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), addr)
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&factory.dials) != 1 {
		t.Fatalf("dials = %d, want 1 (single-flight coalescing)", factory.dials)
	}
	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("expected all concurrent acquires to share the single dialed connection")
		}
	}
}

func TestPoolSweepEvictsLRUIdleConnectionPastKeepAlive(t *testing.T) {
	factory := &fakeFactory{}
	p := New(Options{
		Factory:   factory,
		Planner:   route.NewPlanner(fakeResolver{ip: net.ParseIP("10.0.0.1")}),
		KeepAlive: time.Millisecond,
	})
	defer p.Close()

	conn, _ := p.Acquire(context.Background(), testAddr())
	p.Release(conn)
	time.Sleep(5 * time.Millisecond)

	p.sweep()

	if conn.State() != StateClosed {
		t.Fatalf("State() = %v, want CLOSED after sweep", conn.State())
	}
	if stats := p.Stats(); stats.Total != 0 {
		t.Fatalf("Stats().Total = %d, want 0 after eviction", stats.Total)
	}
}

func TestPoolSweepEnforcesMaxIdlePerKey(t *testing.T) {
	factory := &fakeFactory{}
	p := New(Options{
		Factory:       factory,
		Planner:       route.NewPlanner(fakeResolver{ip: net.ParseIP("10.0.0.1")}),
		KeepAlive:     time.Hour,
		MaxIdlePerKey: 1,
	})
	defer p.Close()

	addr := testAddr()
	var conns []*Connection
	for i := 0; i < 3; i++ {
		// Force a fresh dial each time by acquiring before releasing the
		// previous connection.
		c, err := p.Acquire(context.Background(), addr)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}

	p.sweep()

	if stats := p.Stats(); stats.Idle > 1 {
		t.Fatalf("Stats().Idle = %d, want <= 1 after sweep enforces MaxIdlePerKey", stats.Idle)
	}
}

func TestConnectionStateTransitionsAreOneWay(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnection(&route.Route{Address: testAddr()}, client, nil, message.ProtocolHTTP11)

	c.MarkNoNewExchanges()
	if c.State() != StateNoNewExchanges {
		t.Fatalf("State() = %v, want NO_NEW_EXCHANGES", c.State())
	}
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("State() = %v, want CLOSED", c.State())
	}
	// Closing twice must not panic or change state.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("State() = %v, want CLOSED after second Close", c.State())
	}
}
