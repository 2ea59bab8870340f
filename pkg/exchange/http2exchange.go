package exchange

import (
	"context"
	"io"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/http2"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/timing"
)

// http2Exchange drives one HTTP/2 stream on an already-multiplexed
// connection. New code; the teacher's HTTP/2 client never pools connections
// across requests, so it has nothing resembling binding a request onto a
// stream of a shared session.
type http2Exchange struct {
	session *http2.Session
	stream  *http2.Stream
	req     *message.Request
	timer   *timing.Timer

	gotFinalHeaders bool
	response        *message.Response
}

func newHTTP2Exchange(conn *pool.Connection, req *message.Request, timer *timing.Timer) (*http2Exchange, error) {
	session, ok := conn.Session.(*http2.Session)
	if !ok {
		return nil, errors.NewProtocolError("connection negotiated HTTP/2 but has no http2.Session", nil)
	}
	return &http2Exchange{session: session, req: req, timer: timer}, nil
}

func (e *http2Exchange) WriteRequestHeaders() error {
	if e.timer != nil {
		e.timer.StartRequestHeaders()
	}
	stream, err := e.session.OpenStream(context.Background(), e.req)
	if e.timer != nil {
		e.timer.EndRequestHeaders()
	}
	if err != nil {
		return err
	}
	e.stream = stream
	return nil
}

func (e *http2Exchange) CreateRequestBody() (io.WriteCloser, error) {
	if e.req.Body == nil {
		return nil, errors.NewValidationError("exchange has no request body to create a sink for")
	}
	sink := e.session.BodyWriter(context.Background(), e.stream)
	return &timedBodyWriter{sink: sink, timer: e.timer}, nil
}

// FinishRequest is a no-op for HTTP/2: the body sink's Close already sent
// the final END_STREAM DATA frame, and a bodyless request's HEADERS frame
// was already sent with END_STREAM set by WriteRequestHeaders.
func (e *http2Exchange) FinishRequest() error { return nil }

// ReadResponseHeaders blocks for the stream's HEADERS frame. HTTP/2 has no
// wire-level 100-continue interim response distinct from a second HEADERS
// frame, so expectContinue has no effect here: the first HEADERS received
// is always the final response headers (RFC 7540 draws no protocol
// distinction an Exchange needs to special-case).
func (e *http2Exchange) ReadResponseHeaders(expectContinue bool) (*message.Response, error) {
	if e.gotFinalHeaders {
		return e.response, nil
	}
	if e.timer != nil {
		e.timer.StartResponseHeaders()
	}
	code, headers, err := e.stream.WaitHeaders()
	if e.timer != nil {
		e.timer.EndResponseHeaders()
	}
	if err != nil {
		return nil, err
	}
	e.gotFinalHeaders = true
	e.response = &message.Response{
		Code:     code,
		Protocol: message.ProtocolHTTP2,
		Headers:  headers,
	}
	return e.response, nil
}

func (e *http2Exchange) OpenResponseBody(resp *message.Response) (message.Body, error) {
	contentType, _ := resp.Headers.Get("Content-Type")
	length := int64(-1)
	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		length = parseContentLength(cl)
	}
	return message.NewStreamBody(&timedStreamReader{stream: e.stream, timer: e.timer}, length, contentType), nil
}

func (e *http2Exchange) PeekTrailers() (*message.Headers, error) {
	return e.stream.Trailers(), nil
}

func (e *http2Exchange) Cancel() {
	if e.stream != nil {
		e.stream.Close()
	}
}

// timedBodyWriter wraps the HTTP/2 body sink with the same
// Start/EndRequestBody timer bracketing codec1's writer applies, so a
// caller's io.Copy(sink, req.Body) is timed uniformly across protocols.
type timedBodyWriter struct {
	sink    io.WriteCloser
	timer   *timing.Timer
	started bool
}

func (w *timedBodyWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		if w.timer != nil {
			w.timer.StartRequestBody()
		}
	}
	return w.sink.Write(p)
}

func (w *timedBodyWriter) Close() error {
	err := w.sink.Close()
	if w.timer != nil {
		w.timer.EndRequestBody()
	}
	return err
}

// timedStreamReader wraps a Stream's Read with Start/EndResponseBody timer
// bracketing, matching codec1's response-body readers.
type timedStreamReader struct {
	stream  *http2.Stream
	timer   *timing.Timer
	started bool
}

func (r *timedStreamReader) Read(p []byte) (int, error) {
	if !r.started {
		r.started = true
		if r.timer != nil {
			r.timer.StartResponseBody()
		}
	}
	n, err := r.stream.Read(p)
	if err != nil && r.timer != nil {
		r.timer.EndResponseBody()
	}
	return n, err
}

func (r *timedStreamReader) Close() error { return r.stream.Close() }

func parseContentLength(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
