package message

import "io"

// Body is a single-shot byte stream attached to a Request or Response.
// ContentLength is -1 when the length is unknown (chunked or read-until-close
// framing).
type Body interface {
	io.ReadCloser
	ContentLength() int64
	ContentType() string
}

// bytesBody is the common in-memory Body implementation, used for request
// bodies supplied as a byte slice and for buffered response bodies.
type bytesBody struct {
	r           io.Reader
	closer      func() error
	length      int64
	contentType string
}

// NewBytesBody wraps a byte slice as a replayable Body (length is always
// known; idempotent retry logic in the interceptor chain treats any Body
// whose Replayable() reports true as safe to resend).
func NewBytesBody(data []byte, contentType string) Body {
	return &bytesBody{r: newByteReader(data), length: int64(len(data)), contentType: contentType}
}

// NewStreamBody wraps an io.ReadCloser of known or unknown length. Pass -1
// for length when it is not known ahead of time (chunked or read-until-close).
func NewStreamBody(rc io.ReadCloser, length int64, contentType string) Body {
	return &bytesBody{r: rc, closer: rc.Close, length: length, contentType: contentType}
}

func (b *bytesBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bytesBody) Close() error {
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

func (b *bytesBody) ContentLength() int64 { return b.length }
func (b *bytesBody) ContentType() string  { return b.contentType }

// Replayable reports whether body can be safely re-read from the start for a
// retry. Only bodies backed by an in-memory byte slice are replayable; a
// caller-supplied io.ReadCloser stream is assumed non-replayable once any
// bytes have been consumed from it.
func Replayable(b Body) bool {
	bb, ok := b.(*bytesBody)
	return ok && bb.closer == nil
}

type byteReaderSeeker struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) io.Reader { return &byteReaderSeeker{data: data} }

func (r *byteReaderSeeker) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
