// Package pool implements the connection pool (SPEC_FULL.md §4.4): an
// idle-connection cache keyed by Address, acquisition following the ordered
// rules in §4.4, a background eviction sweeper, and single-flight dial
// coalescing for concurrent requests to the same Address.
package pool

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/route"
	"github.com/corehttp/engine/pkg/tlsconfig"
)

// TransportFactory is the externally-consumed "transport factory" collaborator
// from SPEC_FULL.md §6: open plaintext / open TLS, yielding a byte-stream and
// (for TLS) a handshake descriptor. The engine depends only on this
// interface; DefaultTransportFactory is the concrete crypto/tls-based
// implementation provided so the engine is usable without a caller having to
// supply one, grounded on the teacher's pkg/tlsconfig + transport.upgradeTLS.
type TransportFactory interface {
	OpenPlaintext(ctx context.Context, r *route.Route) (net.Conn, error)
	OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error)
}

// DefaultTransportFactory dials via a route.Dialer and performs the TLS
// handshake with crypto/tls, advertising ALPN per addr.ALPN.
type DefaultTransportFactory struct {
	Dialer *route.Dialer
}

// NewDefaultTransportFactory returns a TransportFactory using the given dialer.
func NewDefaultTransportFactory(dialer *route.Dialer) *DefaultTransportFactory {
	if dialer == nil {
		dialer = route.NewDialer(0)
	}
	return &DefaultTransportFactory{Dialer: dialer}
}

func (f *DefaultTransportFactory) OpenPlaintext(ctx context.Context, r *route.Route) (net.Conn, error) {
	return f.Dialer.Dial(ctx, r)
}

// OpenTLS upgrades conn to TLS, applying SNI priority rules (TLSConfig.ServerName
// > Address.ServerName > Address.Host), grounded on the teacher's
// ConfigureSNI / upgradeTLS functions in pkg/transport/transport.go. Version
// and cipher-suite policy, when the caller's TLSConfig leaves them unset,
// comes from tlsconfig.ProfileSecure (TLS 1.2+) via ApplyVersionProfile/
// ApplyCipherSuites, rather than leaving crypto/tls's own defaults implicit.
func (f *DefaultTransportFactory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	var cfg *tls.Config
	if addr.TLSConfig != nil {
		cfg = addr.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		if addr.ServerName != "" {
			cfg.ServerName = addr.ServerName
		} else {
			cfg.ServerName = addr.Host
		}
	}
	if len(addr.ALPN) > 0 {
		cfg.NextProtos = addr.ALPN
	} else if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	if cfg.MinVersion == 0 && cfg.MaxVersion == 0 {
		tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)
	}
	if cfg.CipherSuites == nil {
		tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, nil, "", errors.NewTLSError(addr.Host, addr.Port, err)
	}

	state := tlsConn.ConnectionState()
	hs := &message.Handshake{
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}
	negotiated := state.NegotiatedProtocol
	if negotiated == "" {
		negotiated = "http/1.1"
	}
	return tlsConn, hs, negotiated, nil
}
