package codec1

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/corehttp/engine/pkg/constants"
	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/timing"
)

// ReadResponse parses an HTTP/1.1 response off r, returning a Response whose
// Body lazily decodes the wire framing (chunked, fixed-length, or
// read-until-close) as the caller reads it. Grounded on the teacher's
// readResponse/readHeaders/readBody split in pkg/client/client.go, adapted
// from "decode fully into a buffer.Buffer" into a lazily-consumed io.Reader
// so the exchange stage controls when bytes are pulled off the wire.
func ReadResponse(r *bufio.Reader, method string, timer *timing.Timer) (*message.Response, error) {
	if timer != nil {
		timer.StartResponseHeaders()
	}

	statusLine, err := readLine(r)
	if err != nil {
		return nil, errors.NewProtocolError("reading status line", err)
	}

	proto, code, reason, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	if timer != nil {
		timer.EndResponseHeaders()
	}

	body, err := framedBody(r, method, code, headers, timer)
	if err != nil {
		return nil, err
	}

	return &message.Response{
		Code:     code,
		Reason:   reason,
		Protocol: proto,
		Headers:  headers,
		Body:     body,
	}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStatusLine(line string) (message.Protocol, int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.NewProtocolError("invalid status line: "+line, nil)
	}

	var proto message.Protocol
	switch parts[0] {
	case "HTTP/1.0":
		proto = message.ProtocolHTTP10
	case "HTTP/1.1":
		proto = message.ProtocolHTTP11
	case "ICY":
		proto = message.ProtocolHTTP10
	case "SOURCETABLE":
		proto = message.ProtocolHTTP11
	default:
		proto = message.ProtocolHTTP11
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", errors.NewProtocolError("invalid status code: "+parts[1], err)
	}

	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return proto, code, reason, nil
}

// readHeaders parses header lines up to the terminating blank line, folding
// obsolete line-continuations (RFC 7230 §3.2.4) the way the teacher's
// readHeaders does.
func readHeaders(r *bufio.Reader) (*message.Headers, error) {
	h := message.NewHeaders()
	total := 0
	lastName := ""

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}
		total += len(line)
		if total > constants.MaxHeaderBytes {
			return nil, errors.NewProtocolError("response headers exceed maximum size", nil)
		}
		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if (strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")) && lastName != "" {
			foldContinuationLine(h, lastName, strings.TrimSpace(trimmed))
			continue
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if err := h.Add(name, value); err != nil {
			return nil, err
		}
		lastName = name
	}

	if h.Has("Content-Length") && h.Has("Transfer-Encoding") {
		return nil, errConflictingFraming()
	}

	return h, nil
}

// foldContinuationLine appends an obsolete line-folded continuation onto the
// most recently added value for name, preserving its position among other
// headers of the same name.
func foldContinuationLine(h *message.Headers, name, continuation string) {
	values := h.Values(name)
	if len(values) == 0 {
		return
	}
	values[len(values)-1] = values[len(values)-1] + " " + continuation
	h.Remove(name)
	for _, v := range values {
		h.Add(name, v)
	}
}

// errConflictingFraming implements Open Question #2's decision (SPEC_FULL.md
// §4.1/§9): a response carrying both Content-Length and Transfer-Encoding is
// rejected outright rather than preferring chunked framing, since RFC 7230
// §3.3.3 treats this combination as a request-smuggling signal.
func errConflictingFraming() error {
	return errors.NewProtocolError("response has both Content-Length and Transfer-Encoding headers", nil)
}

func framedBody(r *bufio.Reader, method string, code int, headers *message.Headers, timer *timing.Timer) (message.Body, error) {
	if method == "HEAD" || (code >= 100 && code < 200) || code == 204 || code == 304 {
		return message.NewBytesBody(nil, headers0(headers)), nil
	}

	contentType := headers0(headers)
	te, _ := headers.Get("Transfer-Encoding")
	cl, hasCL := headers.Get("Content-Length")

	switch {
	case strings.Contains(strings.ToLower(te), "chunked"):
		return message.NewStreamBody(&chunkedReader{r: r, headers: headers, timer: timer}, -1, contentType), nil
	case hasCL:
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || length < 0 {
			return nil, errors.NewProtocolError("invalid Content-Length: "+cl, err)
		}
		if length > constants.MaxContentLength {
			return nil, errors.NewProtocolError("Content-Length exceeds maximum", nil)
		}
		if length == 0 {
			return message.NewBytesBody(nil, contentType), nil
		}
		return message.NewStreamBody(&fixedLengthReader{r: r, remaining: length, timer: timer}, length, contentType), nil
	default:
		return message.NewStreamBody(&untilCloseReader{r: r, timer: timer}, -1, contentType), nil
	}
}

func headers0(h *message.Headers) string {
	ct, _ := h.Get("Content-Type")
	return ct
}

// fixedLengthReader reads exactly remaining bytes then returns io.EOF,
// grounded on the teacher's readFixedBody.
type fixedLengthReader struct {
	r         *bufio.Reader
	remaining int64
	timer     *timing.Timer
	started   bool
	closed    bool
}

func (f *fixedLengthReader) Read(p []byte) (int, error) {
	if !f.started {
		f.started = true
		if f.timer != nil {
			f.timer.StartResponseBody()
		}
	}
	if f.remaining <= 0 {
		f.endTimer()
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	if f.remaining <= 0 && err == nil {
		err = io.EOF
		f.endTimer()
	}
	if err != nil && err != io.EOF {
		err = errors.NewIOError("reading fixed-length response body", err)
	}
	return n, err
}

func (f *fixedLengthReader) endTimer() {
	if f.timer != nil && !f.closed {
		f.timer.EndResponseBody()
	}
}

func (f *fixedLengthReader) Close() error {
	f.closed = true
	return nil
}

// untilCloseReader reads until the connection closes (no framing header
// present), grounded on the teacher's readUntilClose. A connection read this
// way cannot be returned to the pool afterward.
type untilCloseReader struct {
	r       *bufio.Reader
	timer   *timing.Timer
	started bool
}

func (u *untilCloseReader) Read(p []byte) (int, error) {
	if !u.started {
		u.started = true
		if u.timer != nil {
			u.timer.StartResponseBody()
		}
	}
	n, err := u.r.Read(p)
	if err == io.EOF && u.timer != nil {
		u.timer.EndResponseBody()
	}
	return n, err
}

func (u *untilCloseReader) Close() error { return nil }

// chunkedReader decodes chunked transfer-coding (RFC 7230 §4.1), appending
// any trailer fields onto headers once the terminating chunk is seen,
// grounded on the teacher's readChunkedBody.
type chunkedReader struct {
	r         *bufio.Reader
	headers   *message.Headers
	timer     *timing.Timer
	started   bool
	chunkLeft int64
	done      bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if !c.started {
		c.started = true
		if c.timer != nil {
			c.timer.StartResponseBody()
		}
	}
	if c.done {
		return 0, io.EOF
	}

	if c.chunkLeft == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.done = true
			if c.timer != nil {
				c.timer.EndResponseBody()
			}
			return 0, io.EOF
		}
		c.chunkLeft = size
	}

	if int64(len(p)) > c.chunkLeft {
		p = p[:c.chunkLeft]
	}
	n, err := c.r.Read(p)
	c.chunkLeft -= int64(n)
	if err != nil && err != io.EOF {
		return n, errors.NewIOError("reading chunk data", err)
	}
	if c.chunkLeft == 0 {
		if _, discardErr := c.r.Discard(2); discardErr != nil { // trailing CRLF
			return n, errors.NewIOError("reading chunk terminator", discardErr)
		}
	}
	return n, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := readLine(c.r)
	if err != nil {
		return 0, errors.NewProtocolError("reading chunk size", err)
	}
	sizeStr, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil {
		return 0, errors.NewProtocolError("invalid chunk size: "+line, err)
	}
	return size, nil
}

func (c *chunkedReader) readTrailers() error {
	for {
		line, err := readLine(c.r)
		if err != nil {
			return errors.NewProtocolError("reading chunk trailers", err)
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if err := c.headers.Add(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
}

func (c *chunkedReader) Close() error { return nil }
