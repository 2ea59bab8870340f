package exchange

import (
	"bufio"
	"io"

	"github.com/corehttp/engine/pkg/codec1"
	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/timing"
)

// codec1Exchange drives an HTTP/1.1 connection through the codec1 package's
// header/body primitives. Grounded on the teacher's per-request
// readResponse/writeRequest round trip in pkg/client/client.go, split here
// into the separately callable steps SPEC_FULL.md §4.5 names.
type codec1Exchange struct {
	conn  *pool.Connection
	br    *bufio.Reader
	req   *message.Request
	timer *timing.Timer

	gotFinalHeaders bool
	response        *message.Response
}

func newCodec1Exchange(conn *pool.Connection, req *message.Request, timer *timing.Timer) *codec1Exchange {
	return &codec1Exchange{
		conn:  conn,
		br:    bufio.NewReader(conn.Conn),
		req:   req,
		timer: timer,
	}
}

func (e *codec1Exchange) WriteRequestHeaders() error {
	return codec1.WriteHeaders(e.conn.Conn, e.req, e.timer)
}

func (e *codec1Exchange) CreateRequestBody() (io.WriteCloser, error) {
	if e.req.Body == nil {
		return nil, errors.NewValidationError("exchange has no request body to create a sink for")
	}
	return codec1.NewBodyWriter(e.conn.Conn, e.req), nil
}

// FinishRequest is a no-op for HTTP/1.1: the body sink's Close already wrote
// the final chunk terminator (or nothing, for Content-Length framing).
func (e *codec1Exchange) FinishRequest() error { return nil }

func (e *codec1Exchange) ReadResponseHeaders(expectContinue bool) (*message.Response, error) {
	if e.gotFinalHeaders {
		return e.response, nil
	}
	if expectContinue {
		resp, err := codec1.ReadResponse(e.br, e.req.Method, e.timer)
		if err != nil {
			return nil, err
		}
		if resp.Code != 100 {
			e.gotFinalHeaders = true
			e.response = resp
			return resp, nil
		}
		// 100 Continue observed: discard it and let the caller write the body,
		// then call ReadResponseHeaders(false) for the real response.
		return nil, nil
	}

	resp, err := codec1.ReadResponse(e.br, e.req.Method, e.timer)
	if err != nil {
		return nil, err
	}
	e.gotFinalHeaders = true
	e.response = resp
	return resp, nil
}

func (e *codec1Exchange) OpenResponseBody(resp *message.Response) (message.Body, error) {
	return resp.Body, nil
}

// PeekTrailers always returns nil: codec1's chunkedReader appends trailer
// fields directly onto resp.Headers once the body is fully consumed, so
// callers consult resp.Headers after draining the body.
func (e *codec1Exchange) PeekTrailers() (*message.Headers, error) {
	return nil, nil
}

func (e *codec1Exchange) Cancel() {
	e.conn.Conn.Close()
}
