package pool

import (
	"net"
	"sync"
	"time"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/route"
)

// State is one of the five Connection states named in SPEC_FULL.md §3.
type State int

const (
	StateIdle State = iota
	StateAcquired
	StateLimitReached
	StateNoNewExchanges
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquired:
		return "ACQUIRED"
	case StateLimitReached:
		return "LIMIT_REACHED"
	case StateNoNewExchanges:
		return "NO_NEW_EXCHANGES"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MultiplexedSession is the narrow view the pool needs of an HTTP/2 session,
// implemented by *http2.Session. Kept as an interface here (rather than
// importing the http2 package's concrete type) so pool has no compile-time
// dependency on HTTP/2 internals beyond this contract — mirroring
// SPEC_FULL.md §9's "weak back-reference" redesign for Connection ownership.
type MultiplexedSession interface {
	CanOpenStream() bool
	IsShutdown() bool
	Close() error
}

// Connection owns a transport byte stream and, for HTTP/2, a multiplexed
// session (SPEC_FULL.md §3 "Connection").
type Connection struct {
	Route     *route.Route
	Conn      net.Conn
	Handshake *message.Handshake
	Protocol  message.Protocol // HTTP/1.1 or HTTP/2, decided by ALPN
	Session   MultiplexedSession // non-nil only for HTTP/2

	mu           sync.Mutex
	state        State
	holds        int // number of exchanges currently bound (at most 1 for HTTP/1)
	lastActivity time.Time
	createdAt    time.Time
}

// NewConnection wraps a freshly dialed net.Conn as an IDLE pool Connection.
func NewConnection(r *route.Route, conn net.Conn, hs *message.Handshake, proto message.Protocol) *Connection {
	return &Connection{
		Route:        r,
		Conn:         conn,
		Handshake:    hs,
		Protocol:     proto,
		state:        StateIdle,
		lastActivity: time.Now(),
		createdAt:    time.Now(),
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsMultiplexed reports whether this connection carries an HTTP/2 session.
func (c *Connection) IsMultiplexed() bool {
	return c.Protocol == message.ProtocolHTTP2 && c.Session != nil
}

// CanAcquire reports whether the pool may hand out one more exchange on this
// connection, per the acquisition rules in SPEC_FULL.md §4.4 rule 1/2.
func (c *Connection) CanAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateNoNewExchanges, StateClosed:
		return false
	}
	if c.IsMultiplexed() {
		return !c.Session.IsShutdown() && c.Session.CanOpenStream()
	}
	return c.holds == 0 && c.state != StateAcquired
}

// Acquire marks one more exchange bound to this connection, transitioning
// IDLE -> ACQUIRED (HTTP/1) or leaving an HTTP/2 connection free for further
// concurrent acquisition up to its peer-advertised stream cap.
func (c *Connection) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds++
	c.lastActivity = time.Now()
	if !c.IsMultiplexed() {
		c.state = StateAcquired
	}
}

// Release drops one exchange binding. For HTTP/1 this returns the connection
// to IDLE unless NoNewExchanges/Closed was already set.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds > 0 {
		c.holds--
	}
	c.lastActivity = time.Now()
	if !c.IsMultiplexed() && c.holds == 0 && c.state == StateAcquired {
		c.state = StateIdle
	}
}

// Holds returns the current number of bound exchanges.
func (c *Connection) Holds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holds
}

// MarkNoNewExchanges transitions the connection to NO_NEW_EXCHANGES. This is
// a one-way transition (SPEC_FULL §3 invariant c).
func (c *Connection) MarkNoNewExchanges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = StateNoNewExchanges
	}
}

// IdleDuration returns how long the connection has had zero holds.
func (c *Connection) IdleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds > 0 {
		return 0
	}
	return time.Since(c.lastActivity)
}

// Close transitions to CLOSED (terminal, SPEC_FULL §3 invariant d) and closes
// the underlying session/socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	if c.Session != nil {
		c.Session.Close()
	}
	return c.Conn.Close()
}
