package engine

import (
	"sync"
	"sync/atomic"

	"github.com/corehttp/engine/pkg/dispatcher"
	stderrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
)

// ErrCallReused is returned by a second Execute or Enqueue on the same Call
// (SPEC_FULL.md §4.7 "each Call may be executed at most once; a second
// execute/enqueue fails with a reuse error").
var ErrCallReused = stderrors.NewValidationError("engine: Call already executed")

// ErrCanceled identifies a Call that failed because Cancel was invoked,
// distinguishable from other I/O errors via errors.Is(err, ErrCanceled)
// (SPEC_FULL.md §5 "Cancellation semantics"). Every cancellation error the
// chain produces carries the same ErrorTypeCanceled kind, which is what
// (*errors.Error).Is compares.
var ErrCanceled = stderrors.NewCanceledError("call", nil)

// Call is a handle bound to a single Request (SPEC_FULL.md §4.7). It may be
// run synchronously via Execute or asynchronously via Enqueue, but not both,
// and not more than once either way.
type Call struct {
	client *Client
	req    *message.Request

	executed atomic.Bool
	canceled atomic.Bool

	mu   sync.Mutex
	conn *pool.Connection
}

// IsCanceled reports whether Cancel has been invoked on this Call. Every
// interceptor chain stage checks this before doing further work.
func (call *Call) IsCanceled() bool { return call.canceled.Load() }

// Cancel marks the call canceled and, if it holds an exclusively-owned
// (non-multiplexed) connection, closes the underlying socket so any blocking
// read or write currently in progress fails immediately. Idempotent and
// callable from any goroutine (SPEC_FULL.md §5). A multiplexed HTTP/2
// connection is shared with other Calls and is never force-closed by
// cancellation here; those in-flight stages instead observe IsCanceled()
// at the next check point (chain.Proceed, and the start of the call-server
// stage's drive). Cancel sends no RST_STREAM for the Call's HTTP/2 stream.
func (call *Call) Cancel() {
	call.canceled.Store(true)
	call.mu.Lock()
	conn := call.conn
	call.mu.Unlock()
	if conn != nil && !conn.IsMultiplexed() {
		conn.Close()
	}
}

func (call *Call) bindConnection(conn *pool.Connection) {
	if conn == nil {
		return
	}
	call.mu.Lock()
	call.conn = conn
	call.mu.Unlock()
}

// Execute runs the call synchronously on the caller's goroutine and returns
// the Response or the terminal error (SPEC_FULL.md §4.7 "Synchronous").
func (call *Call) Execute() (*message.Response, error) {
	if !call.executed.CompareAndSwap(false, true) {
		return nil, ErrCallReused
	}

	job := &dispatcher.Job{Host: hostOf(call.req)}
	call.client.dispatcher.ExecutedSync(job)
	defer call.client.dispatcher.FinishedSync(job)

	if call.IsCanceled() {
		return nil, ErrCanceled
	}
	chain := call.client.newChain(call)
	return chain.Proceed(call.req)
}

// Enqueue submits the call to the Client's Dispatcher and returns
// immediately; done is invoked from a Dispatcher-owned goroutine exactly
// once, with either a Response or the terminal error (SPEC_FULL.md §4.7
// "Asynchronous"). If the Call was already executed, done is instead invoked
// synchronously on the caller's goroutine with ErrCallReused.
func (call *Call) Enqueue(done func(*message.Response, error)) {
	if !call.executed.CompareAndSwap(false, true) {
		done(nil, ErrCallReused)
		return
	}

	chain := call.client.newChain(call)
	job := &dispatcher.Job{
		Host: hostOf(call.req),
		Run: func() {
			if call.IsCanceled() {
				done(nil, ErrCanceled)
				return
			}
			resp, err := chain.Proceed(call.req)
			done(resp, err)
		},
	}
	call.client.dispatcher.Enqueue(job)
}

func hostOf(req *message.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Hostname()
}
