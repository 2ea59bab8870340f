package pool

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/corehttp/engine/pkg/constants"
	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/route"
)

// UpgradeHTTP2Func negotiates an HTTP/2 session on top of an already-open
// (and, for HTTPS, already TLS-handshaked) net.Conn. Kept as an injected
// function rather than a direct import of the http2 package so pool has no
// compile-time dependency on HTTP/2 internals, per SPEC_FULL.md §9 "Dynamic
// dispatch".
type UpgradeHTTP2Func func(conn net.Conn) (MultiplexedSession, error)

// Options configures a Pool.
type Options struct {
	Factory       TransportFactory
	Planner       *route.Planner
	UpgradeHTTP2  UpgradeHTTP2Func
	MaxIdleTotal  int
	MaxIdlePerKey int
	KeepAlive     time.Duration
}

// Pool caches connections keyed by Address (SPEC_FULL.md §4.4).
type Pool struct {
	opts Options

	mu    sync.Mutex
	byKey map[string][]*Connection // Address key -> connections (mixed idle/acquired)

	dialMu  sync.Mutex
	dialing map[string]*dialWaiters // Address key -> in-flight dial, for single-flight coalescing

	stop chan struct{}
	wg   sync.WaitGroup
}

type dialWaiters struct {
	done chan struct{}
	conn *Connection
	err  error
}

// New creates a Pool and starts its background eviction sweeper.
func New(opts Options) *Pool {
	if opts.MaxIdleTotal <= 0 {
		opts.MaxIdleTotal = constants.DefaultMaxIdleConns
	}
	if opts.MaxIdlePerKey <= 0 {
		opts.MaxIdlePerKey = constants.DefaultMaxIdlePerHost
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = constants.DefaultPoolKeepAlive
	}
	if opts.Planner == nil {
		opts.Planner = route.NewPlanner(nil)
	}
	if opts.Factory == nil {
		opts.Factory = NewDefaultTransportFactory(nil)
	}
	p := &Pool{
		opts:    opts,
		byKey:   make(map[string][]*Connection),
		dialing: make(map[string]*dialWaiters),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Acquire implements the ordered acquisition rules of SPEC_FULL.md §4.4:
// (1) reuse a held multiplexable connection, (2) reuse an idle HTTP/1
// connection to the same Address, (3) ask the planner for the next route and
// dial. Rule 2 matches by Address key only; the idle connection's Route is
// not compared.
func (p *Pool) Acquire(ctx context.Context, addr *route.Address) (*Connection, error) {
	key := addr.Key()

	if c := p.tryReuseMultiplexed(key); c != nil {
		c.Acquire()
		return c, nil
	}

	if c := p.tryReuseIdleHTTP1(key); c != nil {
		c.Acquire()
		return c, nil
	}

	return p.dialCoalesced(ctx, addr, key)
}

func (p *Pool) tryReuseMultiplexed(key string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.byKey[key] {
		if c.IsMultiplexed() && c.CanAcquire() {
			return c
		}
	}
	return nil
}

func (p *Pool) tryReuseIdleHTTP1(key string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.byKey[key] {
		if !c.IsMultiplexed() && c.State() == StateIdle && c.IdleDuration() < p.opts.KeepAlive {
			return c
		}
	}
	return nil
}

// dialCoalesced ensures only one dial is in flight per Address key at a time;
// concurrent Acquire calls for the same key wait on the same dial, which is
// the limited form of multiplex coalescing SPEC_FULL.md §4.4 describes for
// this implementation.
func (p *Pool) dialCoalesced(ctx context.Context, addr *route.Address, key string) (*Connection, error) {
	p.dialMu.Lock()
	if w, ok := p.dialing[key]; ok {
		p.dialMu.Unlock()
		select {
		case <-w.done:
			if w.err != nil {
				return nil, w.err
			}
			w.conn.Acquire()
			return w.conn, nil
		case <-ctx.Done():
			return nil, errors.NewCanceledError("acquire", ctx.Err())
		}
	}
	w := &dialWaiters{done: make(chan struct{})}
	p.dialing[key] = w
	p.dialMu.Unlock()

	conn, err := p.dial(ctx, addr)

	p.dialMu.Lock()
	delete(p.dialing, key)
	p.dialMu.Unlock()
	w.conn, w.err = conn, err
	close(w.done)

	if err != nil {
		return nil, err
	}
	conn.Acquire()

	p.mu.Lock()
	p.byKey[key] = append(p.byKey[key], conn)
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) dial(ctx context.Context, addr *route.Address) (*Connection, error) {
	routes, err := p.opts.Planner.Plan(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, errors.NewConnectionError(addr.Host, addr.Port, nil)
	}

	var lastErr error
	for _, r := range routes {
		conn, err := p.dialOne(ctx, r)
		if err != nil {
			lastErr = err
			p.opts.Planner.MarkFailed(r)
			continue
		}
		p.opts.Planner.MarkSucceeded(r)
		return conn, nil
	}
	return nil, lastErr
}

func (p *Pool) dialOne(ctx context.Context, r *route.Route) (*Connection, error) {
	raw, err := p.opts.Factory.OpenPlaintext(ctx, r)
	if err != nil {
		return nil, err
	}

	var hs *message.Handshake
	proto := message.ProtocolHTTP11
	conn := raw
	if r.Address.TLS {
		tlsConn, handshake, negotiated, err := p.opts.Factory.OpenTLS(ctx, raw, r.Address)
		if err != nil {
			return nil, err
		}
		conn = tlsConn
		hs = handshake
		if negotiated == "h2" {
			proto = message.ProtocolHTTP2
		}
	}

	c := NewConnection(r, conn, hs, proto)
	if proto == message.ProtocolHTTP2 && p.opts.UpgradeHTTP2 != nil {
		session, err := p.opts.UpgradeHTTP2(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		c.Session = session
	}
	return c, nil
}

// Release returns a connection handle after an exchange completes.
func (p *Pool) Release(c *Connection) {
	c.Release()
}

// Remove evicts c from the pool immediately and closes it, used when an
// Exchange fails unrecoverably on c.
func (p *Pool) Remove(c *Connection) {
	p.mu.Lock()
	for key, conns := range p.byKey {
		for i, cc := range conns {
			if cc == c {
				p.byKey[key] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	c.Close()
}

// Close stops the sweeper and closes every pooled connection.
func (p *Pool) Close() error {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.byKey {
		for _, c := range conns {
			c.Close()
		}
	}
	p.byKey = make(map[string][]*Connection)
	return nil
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(constants.PoolSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes the single least-recently-used idle connection past its
// keep-alive and enforces the max-idle-count caps, per SPEC_FULL.md §4.4.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lru *Connection
	var lruKey string
	var lruIdle time.Duration
	totalIdle := 0

	for key, conns := range p.byKey {
		var kept []*Connection
		perKeyIdle := 0
		for _, c := range conns {
			if c.State() == StateClosed {
				continue // drop references to already-closed connections
			}
			kept = append(kept, c)
			if c.Holds() == 0 {
				perKeyIdle++
				totalIdle++
				idle := c.IdleDuration()
				if idle > lruIdle {
					lru, lruKey, lruIdle = c, key, idle
				}
			}
		}
		p.byKey[key] = kept
		if perKeyIdle > p.opts.MaxIdlePerKey {
			p.evictOldestIdleLocked(key, perKeyIdle-p.opts.MaxIdlePerKey)
		}
	}

	if lru != nil && lruIdle > p.opts.KeepAlive {
		p.removeLocked(lruKey, lru)
		lru.Close()
	}
	if totalIdle > p.opts.MaxIdleTotal {
		p.evictExcessTotalLocked(totalIdle - p.opts.MaxIdleTotal)
	}
}

func (p *Pool) evictOldestIdleLocked(key string, n int) {
	conns := p.byKey[key]
	idle := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if c.Holds() == 0 {
			idle = append(idle, c)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].IdleDuration() > idle[j].IdleDuration() })
	for i := 0; i < n && i < len(idle); i++ {
		p.removeLocked(key, idle[i])
		idle[i].Close()
	}
}

func (p *Pool) evictExcessTotalLocked(n int) {
	type entry struct {
		key  string
		conn *Connection
		idle time.Duration
	}
	var all []entry
	for key, conns := range p.byKey {
		for _, c := range conns {
			if c.Holds() == 0 {
				all = append(all, entry{key, c, c.IdleDuration()})
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].idle > all[j].idle })
	for i := 0; i < n && i < len(all); i++ {
		p.removeLocked(all[i].key, all[i].conn)
		all[i].conn.Close()
	}
}

func (p *Pool) removeLocked(key string, target *Connection) {
	conns := p.byKey[key]
	for i, c := range conns {
		if c == target {
			p.byKey[key] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}

// Stats reports the number of known connections and idle connections, used
// by tests and diagnostics.
type Stats struct {
	Total int
	Idle  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, conns := range p.byKey {
		for _, c := range conns {
			s.Total++
			if c.Holds() == 0 {
				s.Idle++
			}
		}
	}
	return s
}
