// Package engine implements the client-side HTTP engine SPEC_FULL.md
// describes: a Call bound to one Request, driven through an interceptor
// pipeline, over a pooled and protocol-negotiating connection layer. New
// root package; grounded on the teacher's top-level rawhttp.go (a single
// exported Sender wrapping a client.Client and re-exporting its collaborator
// types), generalized into the Options/Client/Call split SPEC_FULL.md §4.7
// requires.
package engine

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/corehttp/engine/pkg/cachepolicy"
	"github.com/corehttp/engine/pkg/constants"
	"github.com/corehttp/engine/pkg/dispatcher"
	"github.com/corehttp/engine/pkg/http2"
	"github.com/corehttp/engine/pkg/interceptor"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/route"
)

// Version identifies this engine build, kept for parity with the teacher's
// top-level Version constant.
const Version = "3.0.0"

// Options controls how a Client resolves, dials, pools, and pipelines every
// Call it creates. The zero Options is valid: every field defaults as
// documented below, the same "usable out of the box" guarantee SPEC_FULL.md
// §6 asks of every externally-consumed interface.
type Options struct {
	// Resolver resolves hostnames to IP addresses. Defaults to
	// route.SystemResolver (net.DefaultResolver-backed).
	Resolver route.Resolver

	// TransportFactory opens the plaintext and, for HTTPS, TLS-upgraded
	// byte stream for a route. Defaults to pool.DefaultTransportFactory
	// seeded with TLSConfig and ConnTimeout below.
	TransportFactory pool.TransportFactory

	// TLSConfig seeds the TLS handshake for HTTPS addresses; ServerName and
	// ALPN are filled in by the transport factory per-request when left
	// empty. Ignored if TransportFactory is set explicitly.
	TLSConfig *tls.Config

	// ConnTimeout bounds dialing a single route. Ignored if
	// TransportFactory is set explicitly. Defaults to
	// constants.DefaultConnTimeout.
	ConnTimeout time.Duration

	// KeepAlive is how long an idle pooled connection is kept before
	// eviction. Defaults to constants.DefaultPoolKeepAlive.
	KeepAlive time.Duration

	// MaxIdleConnsTotal / MaxIdleConnsPerHost bound the connection pool's
	// idle set. Default to constants.DefaultMaxIdleConns /
	// constants.DefaultMaxIdlePerHost.
	MaxIdleConnsTotal   int
	MaxIdleConnsPerHost int

	// HTTP2 configures the SETTINGS negotiated on every HTTP/2 session this
	// Client opens. Defaults to http2.DefaultOptions().
	HTTP2 *http2.Options

	// MaxRequests / MaxRequestsPerHost bound the Dispatcher's asynchronous
	// admission control (SPEC_FULL.md §4.8). Default to
	// constants.DefaultMaxRequests / constants.DefaultMaxRequestsPerHost.
	MaxRequests        int
	MaxRequestsPerHost int

	// UserAgent is injected by the bridge stage when the caller's Request
	// doesn't set one. Defaults to "corehttp-engine/<Version>".
	UserAgent string

	// Authenticator / ProxyAuthenticator answer 401 / 407 challenges raised
	// by the retry-and-follow-ups stage. Default to
	// interceptor.NoAuthenticator (offers no credential, so the challenge
	// response is returned to the caller as-is).
	Authenticator      interceptor.Authenticator
	ProxyAuthenticator interceptor.Authenticator

	// CookieJar stores and supplies cookies across every Call this Client
	// creates. Defaults to a fresh interceptor.MemoryCookieJar.
	CookieJar interceptor.CookieJar

	// MaxFollowUps bounds redirect/auth-challenge retries per Call.
	// Defaults to constants.DefaultMaxRedirects.
	MaxFollowUps int

	// DisableRetryOnConnectFailure turns off the retry stage's automatic
	// retry of idempotent requests on a fresh route after a connection-
	// level failure. Retry-on-connect-failure is enabled by default.
	DisableRetryOnConnectFailure bool

	// DisableCache turns off the cache stage's storage: requests still flow
	// through it, but nothing is ever looked up or written.
	DisableCache bool

	// CacheBackend stores cached responses. Defaults to an in-memory LRU
	// (cachepolicy.MemoryBackend) sized by CacheMaxEntries, unless
	// DisableCache is set.
	CacheBackend cachepolicy.Backend

	// CacheMaxEntries bounds the default CacheBackend's size. Ignored if
	// CacheBackend is set explicitly or DisableCache is set. Defaults to
	// 1024.
	CacheMaxEntries int

	// Listener receives cache hit/miss/conditional-hit events. Defaults to
	// interceptor.NoopListener.
	Listener interceptor.Listener

	// ApplicationInterceptors run first, ahead of the fixed core stages;
	// they see every follow-up request the retry stage issues, same as the
	// original caller-supplied request.
	ApplicationInterceptors []interceptor.Interceptor

	// NetworkInterceptors run once a Connection is bound, immediately
	// before the terminal call-server stage; they see exactly one physical
	// request/response pair per invocation rather than every follow-up.
	NetworkInterceptors []interceptor.Interceptor
}

// Client assembles a connection pool, dispatcher, and interceptor chain
// template from Options, then mints Calls bound to individual Requests
// (SPEC_FULL.md §4.7). A Client is safe for concurrent use by multiple
// goroutines, same as the teacher's Sender.
type Client struct {
	pool       *pool.Pool
	dispatcher *dispatcher.Dispatcher

	retry      *interceptor.RetryAndFollowUpInterceptor
	bridge     *interceptor.BridgeInterceptor
	cacheStage *interceptor.CacheInterceptor
	connect    *interceptor.ConnectInterceptor
	callServer *interceptor.CallServerInterceptor

	appInterceptors []interceptor.Interceptor
	netInterceptors []interceptor.Interceptor
}

// NewClient builds a Client from opts, filling every unset field with the
// default SPEC_FULL.md §6 "exactly one default, concrete implementation"
// calls for.
func NewClient(opts Options) *Client {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = route.SystemResolver{}
	}
	planner := route.NewPlanner(resolver)

	factory := opts.TransportFactory
	if factory == nil {
		dialer := route.NewDialer(durationOrDefault(opts.ConnTimeout, constants.DefaultConnTimeout))
		factory = pool.NewDefaultTransportFactory(dialer)
		if opts.TLSConfig != nil {
			factory = &tlsDefaultingFactory{TransportFactory: factory, def: opts.TLSConfig}
		}
	}

	h2opts := opts.HTTP2
	if h2opts == nil {
		h2opts = http2.DefaultOptions()
	}

	p := pool.New(pool.Options{
		Factory:       factory,
		Planner:       planner,
		MaxIdleTotal:  opts.MaxIdleConnsTotal,
		MaxIdlePerKey: opts.MaxIdleConnsPerHost,
		KeepAlive:     durationOrDefault(opts.KeepAlive, constants.DefaultPoolKeepAlive),
		UpgradeHTTP2: func(conn net.Conn) (pool.MultiplexedSession, error) {
			return http2.NewSession(conn, h2opts)
		},
	})

	d := dispatcher.New()
	if opts.MaxRequests > 0 {
		d.SetMaxRequests(opts.MaxRequests)
	}
	if opts.MaxRequestsPerHost > 0 {
		d.SetMaxRequestsPerHost(opts.MaxRequestsPerHost)
	}

	listener := opts.Listener
	if listener == nil {
		listener = interceptor.NoopListener{}
	}

	jar := opts.CookieJar
	if jar == nil {
		jar = interceptor.NewMemoryCookieJar()
	}

	var cache cachepolicy.Backend
	var coalescer *cachepolicy.WriteCoalescer
	if opts.DisableCache {
		cache = noCacheBackend{}
	} else {
		cache = opts.CacheBackend
		if cache == nil {
			maxEntries := opts.CacheMaxEntries
			if maxEntries <= 0 {
				maxEntries = 1024
			}
			cache = cachepolicy.NewMemoryBackend(maxEntries)
		}
		coalescer = cachepolicy.NewWriteCoalescer()
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "corehttp-engine/" + Version
	}

	retry := interceptor.NewRetryAndFollowUpInterceptor(opts.Authenticator, opts.ProxyAuthenticator)
	if opts.MaxFollowUps > 0 {
		retry.MaxFollowUps = opts.MaxFollowUps
	}
	retry.RetryOnConnectFailure = !opts.DisableRetryOnConnectFailure

	return &Client{
		pool:       p,
		dispatcher: d,

		retry:      retry,
		bridge:     interceptor.NewBridgeInterceptor(userAgent, jar),
		cacheStage: interceptor.NewCacheInterceptor(cache, coalescer, listener),
		connect:    interceptor.NewConnectInterceptor(p),
		callServer: interceptor.NewCallServerInterceptor(p),

		appInterceptors: opts.ApplicationInterceptors,
		netInterceptors: opts.NetworkInterceptors,
	}
}

// NewCall returns a Call bound to req, ready for exactly one Execute or
// Enqueue (SPEC_FULL.md §4.7 "each Call may be executed at most once").
func (c *Client) NewCall(req *message.Request) *Call {
	return &Call{client: c, req: req}
}

// newChain builds the ordered stage list SPEC_FULL.md §4.6 describes:
// application interceptors, the fixed core (retry, bridge, cache, connect),
// a small internal stage that publishes the bound Connection back to call so
// Cancel can reach it, caller-supplied network interceptors, then the
// terminal call-server stage.
func (c *Client) newChain(call *Call) interceptor.Chain {
	stages := make([]interceptor.Interceptor, 0, len(c.appInterceptors)+len(c.netInterceptors)+6)
	stages = append(stages, c.appInterceptors...)
	stages = append(stages, c.retry, c.bridge, c.cacheStage, c.connect)
	stages = append(stages, interceptor.InterceptorFunc(func(chain interceptor.Chain) (*message.Response, error) {
		call.bindConnection(chain.Connection())
		return chain.Proceed(chain.Request())
	}))
	stages = append(stages, c.netInterceptors...)
	stages = append(stages, c.callServer)
	return interceptor.NewChain(stages, call.IsCanceled)
}

// PoolStats reports the connection pool's current total/idle counts.
func (c *Client) PoolStats() pool.Stats { return c.pool.Stats() }

// RunningCallsCount and QueuedCallsCount expose the Dispatcher's admission
// control bookkeeping (SPEC_FULL.md §4.8).
func (c *Client) RunningCallsCount() int { return c.dispatcher.RunningCallsCount() }
func (c *Client) QueuedCallsCount() int  { return c.dispatcher.QueuedCallsCount() }

// AwaitIdle blocks until no Call is running or queued.
func (c *Client) AwaitIdle() { c.dispatcher.AwaitIdle() }

// SetIdleListener registers a callback invoked whenever the Client
// transitions from having running/queued Calls to having none.
func (c *Client) SetIdleListener(cb func()) { c.dispatcher.SetIdleListener(cb) }

// Close shuts down the connection pool's background eviction sweeper and
// closes every idle connection. In-flight Calls are not interrupted; cancel
// them individually first if that's required.
func (c *Client) Close() error { return c.pool.Close() }

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// noCacheBackend is the cachepolicy.Backend used when Options.DisableCache
// is set: every lookup misses and every write is discarded.
type noCacheBackend struct{}

func (noCacheBackend) Get(string) (*cachepolicy.Entry, bool) { return nil, false }
func (noCacheBackend) Put(string, *cachepolicy.Entry)        {}
func (noCacheBackend) Remove(string)                         {}

// tlsDefaultingFactory applies Options.TLSConfig to any route.Address that
// doesn't already carry its own, so a Client-wide TLSConfig reaches
// DefaultTransportFactory.OpenTLS without every caller having to set
// route.Address.TLSConfig by hand.
type tlsDefaultingFactory struct {
	pool.TransportFactory
	def *tls.Config
}

func (f *tlsDefaultingFactory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	if addr.TLSConfig == nil {
		clone := *addr
		clone.TLSConfig = f.def
		addr = &clone
	}
	return f.TransportFactory.OpenTLS(ctx, conn, addr)
}
