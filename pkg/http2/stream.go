package http2

import (
	"bytes"
	"io"
	"sync"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
)

// Stream is a single HTTP/2 stream (SPEC_FULL.md §3 "Stream (HTTP/2)"):
// independent inbound/outbound flow-control windows, a headers queue, and a
// byte buffer woken via sync.Cond rather than a channel, per SPEC_FULL §9's
// "Coroutine/suspension mapping" (blocking reads are sync.Cond waits bound to
// the stream's own mutex). New package; the teacher's Stream
// (pkg/http2/types.go) was a flat struct with no synchronization of its own,
// since the teacher's HTTP/2 client is a one-shot synchronous request.
type Stream struct {
	id uint32

	mu    sync.Mutex
	cond  *sync.Cond
	state StreamState

	recvBuf      bytes.Buffer
	recvClosed   bool // peer sent END_STREAM or RST_STREAM
	recvErr      error
	recvWindow   int32 // bytes we're willing to receive before needing a WINDOW_UPDATE
	recvConsumed int32 // bytes read by the caller since the last WINDOW_UPDATE

	sendWindow int32 // bytes we're authorized to send (Property 3)
	sendCond   *sync.Cond

	respHeaders *message.Headers
	respCode    int
	headersDone bool

	trailers *message.Headers

	session *Session
}

func newStream(id uint32, session *Session, initialSendWindow, initialRecvWindow int32) *Stream {
	s := &Stream{
		id:         id,
		state:      StreamOpen,
		sendWindow: initialSendWindow,
		recvWindow: initialRecvWindow,
		session:    session,
	}
	s.cond = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream's 31-bit client-initiated (odd) identifier.
func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// deliverHeaders is called by the session's reader goroutine when a HEADERS
// frame completes for this stream. It never blocks.
func (s *Stream) deliverHeaders(code int, h *message.Headers, endStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respCode = code
	s.respHeaders = h
	s.headersDone = true
	if endStream {
		s.recvClosed = true
	}
	s.cond.Broadcast()
}

// deliverData is called by the reader goroutine on a DATA frame. It never
// blocks: the buffer grows unbounded between reads, bounded in practice by
// the receive-window accounting that throttles how much the peer may send.
func (s *Stream) deliverData(p []byte, endStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvBuf.Write(p)
	if endStream {
		s.recvClosed = true
	}
	s.cond.Broadcast()
}

func (s *Stream) deliverTrailers(h *message.Headers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailers = h
	s.recvClosed = true
	s.cond.Broadcast()
}

// fail wakes every waiter with err, used on RST_STREAM, GOAWAY, or
// connection teardown.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvErr = err
	s.recvClosed = true
	s.setStateLocked(StreamClosed)
	s.cond.Broadcast()
	s.sendCond.Broadcast()
}

func (s *Stream) setStateLocked(to StreamState) {
	if isValidStateTransition(s.state, to) {
		s.state = to
	}
}

// closeRemote records that the peer sent END_STREAM, moving OPEN to
// HALF_CLOSED_REMOTE or HALF_CLOSED_LOCAL to CLOSED.
func (s *Stream) closeRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamOpen:
		s.setStateLocked(StreamHalfClosedRemote)
	case StreamHalfClosedLocal:
		s.setStateLocked(StreamClosed)
	}
}

// hasHeaders reports whether response HEADERS were already delivered,
// distinguishing a second HEADERS frame (trailers) from the first.
func (s *Stream) hasHeaders() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersDone
}

// WaitHeaders blocks until response headers have arrived or the stream
// fails, and is the Exchange stage's ReadResponseHeaders primitive.
func (s *Stream) WaitHeaders() (int, *message.Headers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.headersDone && s.recvErr == nil {
		s.cond.Wait()
	}
	if s.recvErr != nil {
		return 0, nil, s.recvErr
	}
	return s.respCode, s.respHeaders, nil
}

// Trailers returns the trailing HEADERS block delivered after the stream's
// DATA frames, or nil if none arrived (or the body hasn't finished yet).
func (s *Stream) Trailers() *message.Headers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailers
}

// Read implements io.Reader over the stream's receive buffer, blocking until
// data, END_STREAM, or an error is available.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for s.recvBuf.Len() == 0 && !s.recvClosed && s.recvErr == nil {
		s.cond.Wait()
	}
	if s.recvBuf.Len() == 0 {
		err := s.recvErr
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n, _ := s.recvBuf.Read(p)
	s.recvConsumed += int32(n)
	consumed := s.recvConsumed
	half := s.recvWindow / 2
	credit := consumed >= half && half > 0
	if credit {
		s.recvConsumed = 0
	}
	s.mu.Unlock()

	// Flow control: once at least half the window has been consumed, credit
	// it back on both the stream and connection windows (SPEC_FULL §4.2).
	if credit {
		s.session.sendWindowUpdate(s.id, consumed)
	}
	return n, nil
}

func (s *Stream) Close() error {
	s.session.resetStream(s.id, errCodeCancel)
	s.fail(errors.NewCanceledError("http2 stream", nil))
	return nil
}

// reserveSendWindow blocks until at least one byte of send-window is
// available, consuming up to n bytes of it, per Property 3 (flow control).
func (s *Stream) reserveSendWindow(n int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.sendWindow <= 0 && s.recvErr == nil {
		s.sendCond.Wait()
	}
	if s.recvErr != nil {
		return 0, s.recvErr
	}
	if n > s.sendWindow {
		n = s.sendWindow
	}
	s.sendWindow -= n
	return n, nil
}

func (s *Stream) creditSendWindow(delta int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow += delta
	s.sendCond.Broadcast()
}
