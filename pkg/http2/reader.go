package http2

import (
	"io"

	"golang.org/x/net/http2"

	"github.com/corehttp/engine/pkg/errors"
)

// readLoop is the session's single reader goroutine (SPEC_FULL.md §4.2 "The
// reader task never invokes user code and never blocks on writing"). Replies
// (WINDOW_UPDATE, SETTINGS ACK, PING ACK, RST_STREAM) are written inline
// since those writes cannot block indefinitely without the peer also
// stalling; delivering decoded payloads into stream buffers never blocks.
func (s *Session) readLoop() {
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			s.teardown(classifyReadErr(err))
			return
		}
		if err := s.dispatch(frame); err != nil {
			s.teardown(err)
			return
		}
	}
}

func classifyReadErr(err error) error {
	if err == io.EOF {
		return errors.NewProtocolError("connection closed by peer", err)
	}
	return errors.NewProtocolError("reading HTTP/2 frame", err)
}

func (s *Session) dispatch(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.MetaHeadersFrame:
		return s.handleMetaHeaders(f)
	case *http2.DataFrame:
		return s.handleData(f)
	case *http2.SettingsFrame:
		return s.handleSettings(f)
	case *http2.WindowUpdateFrame:
		return s.handleWindowUpdate(f)
	case *http2.PingFrame:
		return s.handlePing(f)
	case *http2.GoAwayFrame:
		return s.handleGoAway(f)
	case *http2.RSTStreamFrame:
		return s.handleRSTStream(f)
	default:
		// PRIORITY, PUSH_PROMISE (disabled), unknown frame types: ignored.
		return nil
	}
}

func (s *Session) handleMetaHeaders(f *http2.MetaHeadersFrame) error {
	if f.StreamID == 0 {
		return errors.NewProtocolError("HEADERS on stream 0", nil)
	}
	s.mu.Lock()
	if f.StreamID > s.lastPeerStream {
		s.lastPeerStream = f.StreamID
	}
	stream := s.streams[f.StreamID]
	s.mu.Unlock()
	if stream == nil {
		return nil // response to an already-abandoned/reset stream
	}

	d, emit := newHeaderBlockDecoder()
	for _, field := range f.Fields {
		emit(field)
	}
	if d.err != nil {
		return d.err
	}

	if stream.hasHeaders() {
		stream.deliverTrailers(d.headers)
	} else {
		stream.deliverHeaders(d.status, d.headers, f.StreamEnded())
	}
	if f.StreamEnded() {
		stream.closeRemote()
	}
	return nil
}

func (s *Session) handleData(f *http2.DataFrame) error {
	if f.StreamID == 0 {
		return errors.NewProtocolError("DATA on stream 0", nil)
	}
	s.mu.Lock()
	stream := s.streams[f.StreamID]
	s.mu.Unlock()

	if stream != nil {
		stream.deliverData(f.Data(), f.StreamEnded())
		if f.StreamEnded() {
			stream.closeRemote()
		}
	}
	// Connection-level WINDOW_UPDATE is credited solely from the
	// application-consumption path (Stream.Read -> sendWindowUpdate), not
	// from frame arrival here, per SPEC_FULL.md §4.2.
	return nil
}

func (s *Session) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		s.mu.Lock()
		s.settingsAcked = true
		s.mu.Unlock()
		return nil
	}

	var delta int32
	err := f.ForeachSetting(func(setting http2.Setting) error {
		switch setting.ID {
		case http2.SettingMaxConcurrentStreams:
			s.mu.Lock()
			s.peerMaxStreams = setting.Val
			s.mu.Unlock()
		case http2.SettingInitialWindowSize:
			s.mu.Lock()
			old := s.connSendWindow
			delta = int32(setting.Val) - old
			s.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return errors.NewProtocolError("invalid SETTINGS payload", err)
	}

	if delta != 0 {
		s.mu.Lock()
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.mu.Unlock()
		for _, st := range streams {
			st.creditSendWindow(delta)
		}
	}

	s.writeMu.Lock()
	ackErr := s.framer.WriteSettingsAck()
	s.writeMu.Unlock()
	if ackErr != nil {
		return errors.NewIOError("writing SETTINGS ACK", ackErr)
	}
	return nil
}

func (s *Session) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		s.mu.Lock()
		s.connSendWindow += int32(f.Increment)
		s.mu.Unlock()
		return nil
	}
	if f.Increment == 0 {
		s.resetStream(f.StreamID, http2.ErrCodeProtocol)
		return nil
	}
	s.mu.Lock()
	stream := s.streams[f.StreamID]
	s.mu.Unlock()
	if stream != nil {
		stream.creditSendWindow(int32(f.Increment))
	}
	return nil
}

func (s *Session) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		select {
		case s.pingC <- struct{}{}:
		default:
		}
		return nil
	}
	s.writeMu.Lock()
	err := s.framer.WritePing(true, f.Data)
	s.writeMu.Unlock()
	if err != nil {
		return errors.NewIOError("writing PING ACK", err)
	}
	return nil
}

func (s *Session) handleGoAway(f *http2.GoAwayFrame) error {
	s.mu.Lock()
	s.goAway = true
	var toFail []*Stream
	for id, st := range s.streams {
		if id > f.LastStreamID {
			toFail = append(toFail, st)
		}
	}
	s.mu.Unlock()

	failErr := errors.NewConnectionShutdownError(s.conn.RemoteAddr().String(), nil)
	for _, st := range toFail {
		st.fail(failErr)
	}
	return nil
}

func (s *Session) handleRSTStream(f *http2.RSTStreamFrame) error {
	s.mu.Lock()
	stream := s.streams[f.StreamID]
	s.mu.Unlock()
	if stream != nil {
		stream.fail(errors.NewProtocolError("stream reset by peer", nil))
	}
	return nil
}

// teardown fails every live stream and marks the session closed, used when
// the reader goroutine hits an unrecoverable read error.
func (s *Session) teardown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
	s.stopOnce.Do(func() { close(s.stopC) })
	s.conn.Close()
}
