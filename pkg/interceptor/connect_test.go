package interceptor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/route"
)

type connectTestFactory struct {
	server net.Conn
}

func (f *connectTestFactory) OpenPlaintext(ctx context.Context, r *route.Route) (net.Conn, error) {
	client, server := net.Pipe()
	f.server = server
	return client, nil
}

func (f *connectTestFactory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	return conn, &message.Handshake{}, "http/1.1", nil
}

type connectTestResolver struct{}

func (connectTestResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("127.0.0.1")}, nil
}

func newConnectTestPool() (*pool.Pool, *connectTestFactory) {
	factory := &connectTestFactory{}
	p := pool.New(pool.Options{
		Factory:   factory,
		Planner:   route.NewPlanner(connectTestResolver{}),
		KeepAlive: time.Hour,
	})
	return p, factory
}

func TestConnectInterceptorAcquiresAndReleasesOnError(t *testing.T) {
	p, _ := newConnectTestPool()
	defer p.Close()

	ci := NewConnectInterceptor(p)
	var sawConnection *pool.Connection
	chain := NewChain([]Interceptor{
		ci,
		InterceptorFunc(func(chain Chain) (*message.Response, error) {
			sawConnection = chain.Connection()
			return nil, errAlwaysFails
		}),
	}, nil)

	req := mustReq(t, "http://example.com/")
	_, err := chain.Proceed(req)
	if err == nil {
		t.Fatalf("expected the downstream failure to propagate")
	}
	if sawConnection == nil {
		t.Fatalf("expected the connect stage to have bound a connection before failing downstream")
	}
	if sawConnection.Holds() != 0 {
		t.Fatalf("expected the connect stage to release its hold on error, holds = %d", sawConnection.Holds())
	}
}

func TestConnectInterceptorRejectsURLWithoutHost(t *testing.T) {
	p, _ := newConnectTestPool()
	defer p.Close()

	ci := NewConnectInterceptor(p)
	chain := NewChain([]Interceptor{ci}, nil)

	req := mustReq(t, "/just-a-path")
	_, err := chain.Proceed(req)
	if err == nil {
		t.Fatalf("expected an error for a request whose URL carries no host")
	}
}

func TestAddressFromURLDefaultsPortsByScheme(t *testing.T) {
	httpReq := mustReq(t, "http://example.com/")
	addr, err := addressFromURL(httpReq.URL)
	if err != nil {
		t.Fatalf("addressFromURL: %v", err)
	}
	if addr.Port != 80 || addr.TLS {
		t.Fatalf("http default = %+v, want port 80, TLS false", addr)
	}

	httpsReq := mustReq(t, "https://example.com/")
	addr, err = addressFromURL(httpsReq.URL)
	if err != nil {
		t.Fatalf("addressFromURL: %v", err)
	}
	if addr.Port != 443 || !addr.TLS {
		t.Fatalf("https default = %+v, want port 443, TLS true", addr)
	}

	explicitReq := mustReq(t, "http://example.com:8080/")
	addr, err = addressFromURL(explicitReq.URL)
	if err != nil {
		t.Fatalf("addressFromURL: %v", err)
	}
	if addr.Port != 8080 {
		t.Fatalf("explicit port = %d, want 8080", addr.Port)
	}
}

func TestAddressFromURLRejectsInvalidPort(t *testing.T) {
	u := mustReq(t, "http://example.com/").URL
	u.Host = "example.com:99999999999999999999" // all digits, out of int range
	if _, err := addressFromURL(u); err == nil {
		t.Fatalf("expected an error for a port that overflows int")
	}
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errAlwaysFails = &sentinelError{msg: "downstream failure"}
