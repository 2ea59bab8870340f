// Package http2 implements the HTTP/2 wire codec and the per-connection
// multiplexed session (SPEC_FULL.md §4.1's HTTP/2 codec, §4.2 HTTP/2
// session): binary framing via golang.org/x/net/http2, HPACK header
// compression via golang.org/x/net/http2/hpack, stream multiplexing, and
// flow control.
package http2

import "fmt"

// StreamState is one of the seven HTTP/2 stream states named in
// SPEC_FULL.md §4.2, adapted from the teacher's StreamState enum
// (pkg/http2/types.go) which this package otherwise rewrites in full.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamReservedLocal
	StreamReservedRemote
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "IDLE"
	case StreamReservedLocal:
		return "RESERVED_LOCAL"
	case StreamReservedRemote:
		return "RESERVED_REMOTE"
	case StreamOpen:
		return "OPEN"
	case StreamHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StreamHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StreamClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// isValidStateTransition reports whether a client-initiated stream may move
// from from to to, kept from the teacher's state machine
// (pkg/http2/stream.go isValidStateTransition) and generalized to the
// states this session actually drives a stream through.
func isValidStateTransition(from, to StreamState) bool {
	if from == to {
		return true
	}
	switch from {
	case StreamIdle:
		return to == StreamOpen || to == StreamReservedRemote
	case StreamReservedRemote:
		return to == StreamHalfClosedLocal || to == StreamClosed
	case StreamOpen:
		return to == StreamHalfClosedLocal || to == StreamHalfClosedRemote || to == StreamClosed
	case StreamHalfClosedLocal:
		return to == StreamClosed
	case StreamHalfClosedRemote:
		return to == StreamClosed
	default:
		return false
	}
}

// Options maps to the connection-level SETTINGS this session negotiates
// (RFC 7540 §6.5.2), grounded on the teacher's Options struct with the
// dial-time/TLS/proxy fields removed — those concerns now belong to
// route.Dialer and pool.TransportFactory.
type Options struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	HeaderTableSize      uint32
	DisableServerPush    bool
	PingInterval         uint32 // seconds; 0 disables keep-alive PINGs
}

// DefaultOptions returns RFC 7540-recommended SETTINGS values, aligned with
// the teacher's DefaultOptions (pkg/http2/types.go).
func DefaultOptions() *Options {
	return &Options{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    10485760,
		HeaderTableSize:      4096,
		DisableServerPush:    true,
		PingInterval:         15,
	}
}

// ValidateOptions enforces the RFC 7540 bounds the teacher's ValidateOptions
// checked (pkg/http2/types.go), unchanged in substance.
func ValidateOptions(opts *Options) error {
	if opts == nil {
		return nil
	}
	if opts.MaxFrameSize != 0 && (opts.MaxFrameSize < 16384 || opts.MaxFrameSize > 16777215) {
		return fmt.Errorf("http2: MaxFrameSize must be between 16384 and 16777215, got %d", opts.MaxFrameSize)
	}
	if opts.InitialWindowSize > (1<<31 - 1) {
		return fmt.Errorf("http2: InitialWindowSize must not exceed 2147483647, got %d", opts.InitialWindowSize)
	}
	return nil
}
