// Package codec1 implements the HTTP/1.1 wire format: writing a Request onto
// a connection and reading a Response back off it (SPEC_FULL.md §4.1).
package codec1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/timing"
)

// WriteRequest serializes req onto w as an HTTP/1.1 message: headers then
// body. Most callers want this one-shot form; WriteHeaders/WriteBody below
// are split out for the exchange stage, which needs to write headers, wait
// for a 100-continue response, and only then write the body.
func WriteRequest(w io.Writer, req *message.Request, timer *timing.Timer) error {
	if err := WriteHeaders(w, req, timer); err != nil {
		return err
	}
	if req.Body == nil {
		return nil
	}
	return WriteBody(w, req, timer)
}

// WriteHeaders serializes req's request line and headers onto w, choosing
// Content-Length or chunked framing for the body when the caller's headers
// don't already specify one. Grounded on the teacher's request/response line
// and header formatting conventions (pkg/client/client.go's canonicalized
// header handling); the teacher never builds a request from a structured
// type (it takes pre-built raw bytes), so this serialization direction is
// new.
func WriteHeaders(w io.Writer, req *message.Request, timer *timing.Timer) error {
	bw := bufio.NewWriter(w)

	if timer != nil {
		timer.StartRequestHeaders()
	}
	if err := writeRequestLine(bw, req); err != nil {
		return err
	}
	if err := writeRequestHeaders(bw, req); err != nil {
		return err
	}
	if timer != nil {
		timer.EndRequestHeaders()
	}
	if err := bw.Flush(); err != nil {
		return errors.NewIOError("flushing request headers", err)
	}
	return nil
}

// WriteBody serializes req.Body onto w, framed the same way WriteHeaders
// decided (Content-Length vs chunked).
func WriteBody(w io.Writer, req *message.Request, timer *timing.Timer) error {
	if req.Body == nil {
		return nil
	}
	if timer != nil {
		timer.StartRequestBody()
		defer timer.EndRequestBody()
	}
	return writeRequestBody(w, req)
}

func writeRequestLine(bw *bufio.Writer, req *message.Request) error {
	path := req.URL.RequestURI()
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, path); err != nil {
		return errors.NewIOError("writing request line", err)
	}
	return nil
}

func writeRequestHeaders(bw *bufio.Writer, req *message.Request) error {
	if !req.Headers.Has("Host") {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", req.URL.Host); err != nil {
			return errors.NewIOError("writing Host header", err)
		}
	}

	needsFraming := req.Body != nil && !req.Headers.Has("Content-Length") && !req.Headers.Has("Transfer-Encoding")
	if needsFraming {
		if req.Body.ContentLength() >= 0 {
			if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", req.Body.ContentLength()); err != nil {
				return errors.NewIOError("writing Content-Length header", err)
			}
		} else if _, err := bw.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return errors.NewIOError("writing Transfer-Encoding header", err)
		}
	}

	var writeErr error
	req.Headers.Each(func(name, value string) {
		if writeErr != nil {
			return
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, value); err != nil {
			writeErr = errors.NewIOError("writing header "+name, err)
		}
	})
	if writeErr != nil {
		return writeErr
	}

	if _, err := bw.WriteString("\r\n"); err != nil {
		return errors.NewIOError("writing header terminator", err)
	}
	return nil
}

func writeRequestBody(w io.Writer, req *message.Request) error {
	if !IsChunkedFraming(req) {
		_, err := io.Copy(w, req.Body)
		if err != nil {
			return errors.NewIOError("writing request body", err)
		}
		return nil
	}
	return writeChunkedBody(w, req.Body)
}

// IsChunkedFraming reports whether req's body will be sent chunked, as
// WriteHeaders decided it: chunked when an explicit Transfer-Encoding header
// is set; otherwise not chunked when an explicit Content-Length header is
// set; otherwise chunked only if the body's length is unknown.
func IsChunkedFraming(req *message.Request) bool {
	if req.Headers.Has("Transfer-Encoding") {
		return true
	}
	if req.Headers.Has("Content-Length") {
		return false
	}
	return req.Body.ContentLength() < 0
}

// NewBodyWriter returns the sink the exchange stage's CreateRequestBody
// writes request-body bytes into, framed the same way WriteHeaders decided
// (Content-Length passthrough or chunked), so a caller can stream bytes in
// directly rather than going through a message.Body.
func NewBodyWriter(w io.Writer, req *message.Request) io.WriteCloser {
	if IsChunkedFraming(req) {
		return &chunkedBodyWriter{w: w}
	}
	return &passthroughBodyWriter{w: w}
}

type passthroughBodyWriter struct{ w io.Writer }

func (p *passthroughBodyWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if err != nil {
		return n, errors.NewIOError("writing request body", err)
	}
	return n, nil
}

func (p *passthroughBodyWriter) Close() error { return nil }

type chunkedBodyWriter struct{ w io.Writer }

func (c *chunkedBodyWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%s\r\n", strconv.FormatInt(int64(len(b)), 16)); err != nil {
		return 0, errors.NewIOError("writing chunk size", err)
	}
	n, err := c.w.Write(b)
	if err != nil {
		return n, errors.NewIOError("writing chunk data", err)
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return n, errors.NewIOError("writing chunk terminator", err)
	}
	return n, nil
}

func (c *chunkedBodyWriter) Close() error {
	if _, err := c.w.Write([]byte("0\r\n\r\n")); err != nil {
		return errors.NewIOError("writing final chunk", err)
	}
	return nil
}

func writeChunkedBody(w io.Writer, body message.Body) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := fmt.Fprintf(w, "%s\r\n", strconv.FormatInt(int64(n), 16)); err != nil {
				return errors.NewIOError("writing chunk size", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.NewIOError("writing chunk data", err)
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return errors.NewIOError("writing chunk terminator", err)
			}
		}
		if readErr == io.EOF {
			_, err := w.Write([]byte("0\r\n\r\n"))
			if err != nil {
				return errors.NewIOError("writing final chunk", err)
			}
			return nil
		}
		if readErr != nil {
			return errors.NewIOError("reading request body for chunking", readErr)
		}
	}
}
