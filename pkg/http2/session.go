package http2

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
)

const (
	errCodeNone     = http2.ErrCodeNo
	errCodeCancel   = http2.ErrCodeCancel
	connectionPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// Session is one live HTTP/2 connection (SPEC_FULL.md §4.2): a single reader
// goroutine owns the socket's input, writes are serialized through one
// writer mutex, and connection-internal state (stream table, windows,
// settings) is guarded by Session.mu, never held across a blocking write.
// New package; the teacher's Connection (pkg/http2/types.go) had no reader
// goroutine at all — every HTTP/2 request in the teacher is a synchronous
// round trip that opens a fresh connection.
type Session struct {
	conn   net.Conn
	framer *http2.Framer
	opts   *Options

	writeMu sync.Mutex // serializes all frame writes
	encoder *hpack.Encoder
	encBuf  writerBuf

	mu             sync.Mutex
	streams        map[uint32]*Stream
	nextStreamID   uint32
	peerMaxStreams uint32
	connSendWindow int32
	settingsAcked  bool
	goAway         bool
	lastPeerStream uint32
	closed         bool
	closeErr       error

	pingC    chan struct{}
	stopOnce sync.Once
	stopC    chan struct{}
}

type writerBuf struct{ b []byte }

func (w *writerBuf) Write(p []byte) (int, error) { w.b = append(w.b, p...); return len(p), nil }
func (w *writerBuf) Reset()                      { w.b = w.b[:0] }
func (w *writerBuf) Bytes() []byte               { return w.b }

// NewSession performs the client connection preface and initial SETTINGS
// exchange, then starts the reader and PING-keepalive goroutines. conn must
// already be dialed and, for TLS, already negotiated "h2" via ALPN.
func NewSession(conn net.Conn, opts *Options) (*Session, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := ValidateOptions(opts); err != nil {
		return nil, errors.NewProtocolError(err.Error(), nil)
	}

	if _, err := conn.Write([]byte(connectionPreface)); err != nil {
		return nil, errors.NewIOError("writing connection preface", err)
	}

	s := &Session{
		conn:           conn,
		framer:         http2.NewFramer(conn, conn),
		opts:           opts,
		streams:        make(map[uint32]*Stream),
		nextStreamID:   1,
		peerMaxStreams: opts.MaxConcurrentStreams,
		connSendWindow: 65535,
		pingC:          make(chan struct{}, 1),
		stopC:          make(chan struct{}),
	}
	s.encoder = hpack.NewEncoder(&s.encBuf)
	s.encoder.SetMaxDynamicTableSize(opts.HeaderTableSize)
	s.framer.ReadMetaHeaders = hpack.NewDecoder(opts.HeaderTableSize, nil)

	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: opts.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
		{ID: http2.SettingHeaderTableSize, Val: opts.HeaderTableSize},
	}
	if opts.DisableServerPush {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	}
	if err := s.framer.WriteSettings(settings...); err != nil {
		return nil, errors.NewIOError("writing initial SETTINGS", err)
	}

	go s.readLoop()
	if opts.PingInterval > 0 {
		go s.pingLoop(time.Duration(opts.PingInterval) * time.Second)
	}
	return s, nil
}

// CanOpenStream implements pool.MultiplexedSession.
func (s *Session) CanOpenStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.goAway {
		return false
	}
	active := uint32(0)
	for _, st := range s.streams {
		if st.State() != StreamClosed {
			active++
		}
	}
	return active < s.peerMaxStreams
}

// IsShutdown implements pool.MultiplexedSession.
func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.goAway
}

// OpenStream allocates the next odd stream id and writes its HEADERS frame
// (with END_STREAM set if req has no body), returning the Stream handle the
// exchange stage reads/writes through. Callers with a request body follow up
// with WriteBody. Satisfies Property 2 (strictly increasing odd stream ids).
func (s *Session) OpenStream(ctx context.Context, req *message.Request) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.NewConnectionShutdownError(s.conn.RemoteAddr().String(), s.closeErr)
	}
	if s.goAway {
		s.mu.Unlock()
		return nil, errors.NewConnectionShutdownError(s.conn.RemoteAddr().String(), nil)
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	stream := newStream(id, s, s.connSendWindow, int32(s.opts.InitialWindowSize))
	s.streams[id] = stream
	s.mu.Unlock()

	endStream := req.Body == nil
	s.writeMu.Lock()
	s.encBuf.Reset()
	if err := encodeRequestHeaders(s.encoder, req); err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: s.encBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, errors.NewIOError("writing HEADERS frame", err)
	}

	return stream, nil
}

// WriteBody streams body onto stream as one or more DATA frames, finishing
// with an empty END_STREAM frame. Split out from OpenStream so the exchange
// stage can write headers, observe an early response (e.g. 100-continue or
// an early error), and only then decide whether to send the body.
func (s *Session) WriteBody(ctx context.Context, stream *Stream, body message.Body) error {
	return s.writeBody(ctx, stream, body)
}

func (s *Session) writeBody(ctx context.Context, stream *Stream, body message.Body) error {
	w := s.BodyWriter(ctx, stream)
	buf := make([]byte, s.opts.MaxFrameSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return w.Close()
		}
		if readErr != nil {
			return errors.NewIOError("reading request body for HTTP/2 DATA frames", readErr)
		}
	}
}

// BodyWriter returns the sink the exchange stage's CreateRequestBody writes
// request-body bytes into: each Write becomes one or more DATA frames
// (split at MaxFrameSize, gated by flow control); Close sends the final
// empty END_STREAM DATA frame.
func (s *Session) BodyWriter(ctx context.Context, stream *Stream) io.WriteCloser {
	return &streamBodyWriter{session: s, stream: stream, ctx: ctx}
}

type streamBodyWriter struct {
	session *Session
	stream  *Stream
	ctx     context.Context
}

func (w *streamBodyWriter) Write(p []byte) (int, error) {
	total := len(p)
	max := int(w.session.opts.MaxFrameSize)
	for len(p) > 0 {
		n := len(p)
		if n > max {
			n = max
		}
		if err := w.session.writeDataChunk(w.ctx, w.stream, p[:n]); err != nil {
			return total - len(p), err
		}
		p = p[n:]
	}
	return total, nil
}

func (w *streamBodyWriter) Close() error {
	return w.session.writeDataChunk(w.ctx, w.stream, nil)
}

// writeDataChunk sends data as one or more DATA frames honoring both the
// stream and connection send windows (Property 3), blocking until enough
// send-window credit is available.
func (s *Session) writeDataChunk(ctx context.Context, stream *Stream, data []byte) error {
	if len(data) == 0 {
		s.writeMu.Lock()
		err := s.framer.WriteData(stream.id, true, nil)
		s.writeMu.Unlock()
		if err != nil {
			return errors.NewIOError("writing final DATA frame", err)
		}
		return nil
	}

	for len(data) > 0 {
		n, err := stream.reserveSendWindow(int32(len(data)))
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		s.mu.Lock()
		if s.connSendWindow < n {
			n = s.connSendWindow
		}
		s.connSendWindow -= n
		s.mu.Unlock()
		if n == 0 {
			continue
		}

		s.writeMu.Lock()
		writeErr := s.framer.WriteData(stream.id, false, data[:n])
		s.writeMu.Unlock()
		if writeErr != nil {
			return errors.NewIOError("writing DATA frame", writeErr)
		}
		data = data[n:]
	}
	return nil
}

// sendWindowUpdate credits n bytes back to the peer: on streamID (when
// nonzero, restoring that stream's receive window) and always on the
// connection window (stream 0). Callers pass streamID == 0 when the credit
// is connection-only, in which case only one WINDOW_UPDATE is written.
func (s *Session) sendWindowUpdate(streamID uint32, n int32) {
	if n <= 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if streamID != 0 {
		_ = s.framer.WriteWindowUpdate(streamID, uint32(n))
	}
	_ = s.framer.WriteWindowUpdate(0, uint32(n))
}

func (s *Session) resetStream(streamID uint32, code http2.ErrCode) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.framer.WriteRSTStream(streamID, code)
}

// Close sends GOAWAY and closes the underlying socket, per SPEC_FULL §4.2
// "On send (orderly shutdown), same locally."
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	last := s.lastPeerStream
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.framer.WriteGoAway(last, errCodeNone, nil)
	s.writeMu.Unlock()

	s.stopOnce.Do(func() { close(s.stopC) })
	return s.conn.Close()
}

func (s *Session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var data [8]byte
	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.framer.WritePing(false, data)
			s.writeMu.Unlock()
			if err != nil {
				s.teardown(errors.NewIOError("writing keep-alive PING", err))
				return
			}
			select {
			case <-s.pingC:
			case <-time.After(interval):
				s.teardown(errors.NewTimeoutError("http2 ping keep-alive", interval))
				return
			case <-s.stopC:
				return
			}
		}
	}
}
