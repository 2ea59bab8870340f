// Package exchange binds one request/response pair to a live pool.Connection
// (SPEC_FULL.md §4.5 "Exchange (C5)"), dispatching to the HTTP/1.1 (codec1)
// or HTTP/2 (http2) wire codec depending on the connection's negotiated
// protocol. New package; the teacher has no equivalent abstraction since its
// client (pkg/client/client.go) drives a codec directly per request without
// a pooled-connection binding layer.
package exchange

import (
	"io"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/timing"
)

// codec is the narrow per-protocol surface an Exchange drives. Implemented
// by codec1Exchange (HTTP/1.1) and http2Exchange (HTTP/2); an Exchange holds
// exactly one of these for its lifetime.
type codec interface {
	WriteRequestHeaders() error
	CreateRequestBody() (io.WriteCloser, error)
	FinishRequest() error
	ReadResponseHeaders(expectContinue bool) (*message.Response, error)
	OpenResponseBody(resp *message.Response) (message.Body, error)
	PeekTrailers() (*message.Headers, error)
	Cancel()
}

// Exchange is exclusively owned by the Call that created it; it holds a
// shared handle to the Connection rather than the Connection holding a
// pointer back, realizing SPEC_FULL.md §9's "weak back-reference"
// redesign of the Connection/Exchange/Call ownership cycle.
type Exchange struct {
	conn  *pool.Connection
	req   *message.Request
	timer *timing.Timer
	codec codec

	finished bool
}

// New binds req to conn, selecting the codec that matches conn's negotiated
// protocol. The caller must already hold conn (via pool.Pool.Acquire).
func New(conn *pool.Connection, req *message.Request, timer *timing.Timer) (*Exchange, error) {
	var c codec
	if conn.Protocol == message.ProtocolHTTP2 {
		hc, err := newHTTP2Exchange(conn, req, timer)
		if err != nil {
			return nil, err
		}
		c = hc
	} else {
		c = newCodec1Exchange(conn, req, timer)
	}
	return &Exchange{conn: conn, req: req, timer: timer, codec: c}, nil
}

// WriteRequestHeaders serializes and sends req's request line/headers.
func (e *Exchange) WriteRequestHeaders() error {
	return e.codec.WriteRequestHeaders()
}

// CreateRequestBody returns the sink the call-server stage streams req.Body
// into, framed the way WriteRequestHeaders already decided (Content-Length
// or chunked for HTTP/1.1; DATA frames for HTTP/2).
func (e *Exchange) CreateRequestBody() (io.WriteCloser, error) {
	return e.codec.CreateRequestBody()
}

// FinishRequest signals the request is fully written (closes the chunked
// trailer / sends the final END_STREAM DATA frame, if not already done by
// the body sink's Close).
func (e *Exchange) FinishRequest() error {
	return e.codec.FinishRequest()
}

// ReadResponseHeaders reads the next set of response headers. When
// expectContinue is true and the codec observes an interim "100 Continue"
// response, it returns (nil, nil): the caller should proceed to write the
// request body and call ReadResponseHeaders(false) again for the final
// response. Any other response (including a final response arriving instead
// of 100-continue, e.g. an early 417) is returned directly, signaling the
// caller should skip writing the body.
func (e *Exchange) ReadResponseHeaders(expectContinue bool) (*message.Response, error) {
	return e.codec.ReadResponseHeaders(expectContinue)
}

// OpenResponseBody attaches resp's lazily-decoded Body.
func (e *Exchange) OpenResponseBody(resp *message.Response) (message.Body, error) {
	return e.codec.OpenResponseBody(resp)
}

// PeekTrailers returns the trailer headers of an HTTP/2 trailing HEADERS
// block, or nil if the body hasn't finished or carried none. On HTTP/1.1 it
// always returns nil: chunked trailers are appended to resp.Headers instead.
func (e *Exchange) PeekTrailers() (*message.Headers, error) {
	return e.codec.PeekTrailers()
}

// NoNewExchangesOnConnection marks the bound connection NO_NEW_EXCHANGES,
// used when a failure on this Exchange means the connection must not be
// reused for a subsequent request (SPEC_FULL.md §4.5 contract).
func (e *Exchange) NoNewExchangesOnConnection() {
	e.conn.MarkNoNewExchanges()
}

// Cancel interrupts any blocking I/O this Exchange is doing: for HTTP/1.1 by
// closing the underlying socket, for HTTP/2 by sending RST_STREAM(CANCEL)
// and waking every waiter on that stream (SPEC_FULL.md §4.7 cancellation
// semantics).
func (e *Exchange) Cancel() {
	e.codec.Cancel()
}

// Release drops this Exchange's hold on the connection, returning it to the
// pool's idle set (HTTP/1.1) or simply decrementing its HTTP/2 stream count.
// Call exactly once, after both directions finish or on failure.
func (e *Exchange) Release(p *pool.Pool) {
	if e.finished {
		return
	}
	e.finished = true
	p.Release(e.conn)
}

