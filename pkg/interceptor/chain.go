// Package interceptor implements the ordered request/response pipeline
// SPEC_FULL.md §4.6 describes: a fixed core of stages (retry-and-follow-ups,
// bridge, cache, connect, call-server) sandwiched between caller-supplied
// application and network interceptors. New package; the teacher's
// pkg/client/client.go drives one request straight through to the wire with
// no stage pipeline at all, so the chain/stage shape here is grounded on the
// teacher's general preference for small, explicit interfaces (TransportFactory-
// style single-purpose interfaces) rather than on any one teacher file.
package interceptor

import (
	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
)

// Kind names the three stage groups: application-supplied, the fixed core,
// and network-supplied. Stages are not tagged with a Kind: NewChain takes a
// plain slice, does not consult Kind, and runs the stages in slice order.
type Kind int

const (
	KindApplication Kind = iota
	KindCore
	KindNetwork
)

// Interceptor is one pipeline stage. Intercept must call chain.Proceed
// exactly once (unless short-circuiting with a response of its own, e.g. a
// cache hit) and may inspect or replace both the outgoing request and the
// incoming response. The retry-and-follow-up stage is the exception: it calls
// Proceed again for each retry or follow-up request.
type Interceptor interface {
	Intercept(chain Chain) (*message.Response, error)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(chain Chain) (*message.Response, error)

func (f InterceptorFunc) Intercept(chain Chain) (*message.Response, error) { return f(chain) }

// Chain is the per-stage handle SPEC_FULL.md §4.6 describes: inspect the
// current request, proceed to the next stage (optionally with a replacement
// request), and find out which Connection the call ended up bound to
// (nil until the connect stage runs).
type Chain interface {
	Request() *message.Request
	Proceed(req *message.Request) (*message.Response, error)
	Connection() *pool.Connection
	IsCanceled() bool
}

// realChain is the only Chain implementation, mirroring the single
// concrete RealInterceptorChain shape this architecture is modeled on.
type realChain struct {
	interceptors []Interceptor
	index        int
	req          *message.Request
	conn         *pool.Connection
	isCanceled   func() bool
}

// NewChain builds the index-0 Chain over the full ordered interceptor list
// (application..., core stages, network..., call-server). The caller starts
// execution with chain.Proceed(initialRequest).
func NewChain(interceptors []Interceptor, isCanceled func() bool) Chain {
	if isCanceled == nil {
		isCanceled = func() bool { return false }
	}
	return &realChain{interceptors: interceptors, index: 0, isCanceled: isCanceled}
}

func (c *realChain) Request() *message.Request { return c.req }
func (c *realChain) Connection() *pool.Connection { return c.conn }
func (c *realChain) IsCanceled() bool { return c.isCanceled() }

// Proceed invokes the interceptor at the current index with a new Chain
// advanced to index+1, per SPEC_FULL.md §5 "well-defined points" wording:
// cancellation is checked before each stage runs.
func (c *realChain) Proceed(req *message.Request) (*message.Response, error) {
	if c.isCanceled() {
		return nil, errors.NewCanceledError("chain.proceed", nil)
	}
	if c.index >= len(c.interceptors) {
		return nil, errors.NewProtocolError("interceptor chain exhausted without a terminal stage", nil)
	}
	next := &realChain{
		interceptors: c.interceptors,
		index:        c.index + 1,
		req:          req,
		conn:         c.conn,
		isCanceled:   c.isCanceled,
	}
	return c.interceptors[c.index].Intercept(next)
}

// withConnection returns a copy of chain with its bound Connection set,
// used by the connect stage to make the acquired Connection visible to
// every stage downstream of it (call-server, network interceptors).
func withConnection(chain Chain, conn *pool.Connection) Chain {
	rc, ok := chain.(*realChain)
	if !ok {
		return chain
	}
	clone := *rc
	clone.conn = conn
	return &clone
}
