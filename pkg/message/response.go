package message

import (
	"crypto/tls"
	"time"

	"github.com/corehttp/engine/pkg/timing"
	"github.com/corehttp/engine/pkg/tlsconfig"
)

// Protocol identifies the wire protocol a Response was received over.
type Protocol string

const (
	ProtocolHTTP10 Protocol = "HTTP/1.0"
	ProtocolHTTP11 Protocol = "HTTP/1.1"
	ProtocolHTTP2  Protocol = "HTTP/2"
)

// Handshake is the subset of a TLS handshake the engine surfaces to callers,
// deliberately narrow since full TLS machinery is an external collaborator
// (SPEC_FULL.md §1).
type Handshake struct {
	Version     uint16
	CipherSuite uint16
	ServerName  string
	PeerCerts   []*tls.Certificate
}

// IsDowngraded reports whether the handshake negotiated below TLS 1.2,
// the trigger for the cache-store veto in SPEC_FULL.md §4.9 / Open Question 3.
func (h *Handshake) IsDowngraded() bool {
	return h != nil && h.Version != 0 && tlsconfig.IsVersionDeprecated(h.Version)
}

// String renders the negotiated version and cipher suite by name, e.g.
// "TLS 1.3 / TLS_AES_128_GCM_SHA256", for diagnostics and
// error messages where a *Handshake needs a human-readable form.
func (h *Handshake) String() string {
	if h == nil {
		return "no handshake"
	}
	return tlsconfig.GetVersionName(h.Version) + " / " + tlsconfig.GetCipherSuiteName(h.CipherSuite)
}

// Response is an immutable shell over a lazily consumed Body.
type Response struct {
	Code       int
	Reason     string
	Protocol   Protocol
	Headers    *Headers
	Body       Body
	Handshake  *Handshake
	Request    *Request
	SentAt     time.Time
	ReceivedAt time.Time
	Prior      *Response // predecessor in a redirect/auth/cache chain, or nil
	Metrics    *timing.Metrics
	FromCache  bool
}

// PriorChainLength returns the number of predecessor responses (S2: a
// redirect chain of one hop yields PriorChainLength() == 1).
func (r *Response) PriorChainLength() int {
	n := 0
	for p := r.Prior; p != nil; p = p.Prior {
		n++
	}
	return n
}

// IsSuccessful reports whether Code is in the 2xx range.
func (r *Response) IsSuccessful() bool { return r.Code >= 200 && r.Code < 300 }

// IsRedirect reports whether Code is one of the redirect statuses the retry
// stage follows.
func (r *Response) IsRedirect() bool {
	switch r.Code {
	case 300, 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// WithBody returns a shallow copy of r with its body replaced, used when the
// bridge stage transcodes a gzip body or the cache stage substitutes a
// stored body.
func (r *Response) WithBody(b Body) *Response {
	c := *r
	c.Body = b
	return &c
}

// WithHeaders returns a shallow copy of r with its headers replaced.
func (r *Response) WithHeaders(h *Headers) *Response {
	c := *r
	c.Headers = h
	return &c
}

// WithPrior returns a shallow copy of r chained onto prior, used when the
// retry stage returns the final response of a redirect sequence.
func (r *Response) WithPrior(prior *Response) *Response {
	c := *r
	c.Prior = prior
	return &c
}
