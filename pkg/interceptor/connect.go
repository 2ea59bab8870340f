package interceptor

import (
	"context"
	"net/url"
	"strconv"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/route"
)

// ConnectInterceptor acquires a pool.Connection for the chain's current
// Request and makes it visible to every downstream stage (SPEC_FULL.md
// §4.6 "Connect. Acquires an Exchange from the pool using the current
// Request's Address" — acquisition of the Connection itself; binding a
// specific Exchange to it is the call-server stage's job, since only
// call-server knows whether the HTTP/2 codec needs a fresh stream per
// retry within the same Connection).
type ConnectInterceptor struct {
	Pool *pool.Pool
}

// NewConnectInterceptor returns a ConnectInterceptor drawing connections
// from p.
func NewConnectInterceptor(p *pool.Pool) *ConnectInterceptor {
	return &ConnectInterceptor{Pool: p}
}

func (ci *ConnectInterceptor) Intercept(chain Chain) (*message.Response, error) {
	req := chain.Request()
	addr, err := addressFromURL(req.URL)
	if err != nil {
		return nil, err
	}

	conn, err := ci.Pool.Acquire(context.Background(), addr)
	if err != nil {
		return nil, err
	}

	resp, err := withConnection(chain, conn).Proceed(req)
	if err != nil {
		// This stage acquired the hold, so on any downstream error it
		// releases it, whether or not call-server created an Exchange
		// (call-server releases only on success).
		ci.Pool.Release(conn)
	}
	return resp, err
}

// addressFromURL translates a Request's URL into the route.Address the pool
// keys connections by, defaulting the port per scheme the way net/url's
// own Port()/Hostname() split leaves unfilled.
func addressFromURL(u *url.URL) (*route.Address, error) {
	host := u.Hostname()
	if host == "" {
		return nil, errors.NewValidationError("request URL has no host: " + u.String())
	}
	isTLS := u.Scheme == "https"
	port := 80
	if isTLS {
		port = 443
	}
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.NewValidationError("request URL has an invalid port: " + p)
		}
		port = parsed
	}
	return &route.Address{Host: host, Port: port, TLS: isTLS}, nil
}
