package interceptor

import (
	"io"
	"time"

	"github.com/corehttp/engine/pkg/buffer"
	"github.com/corehttp/engine/pkg/cachepolicy"
	"github.com/corehttp/engine/pkg/message"
)

// CacheInterceptor implements the RFC 7234 hit/conditional-hit/miss flow
// SPEC_FULL.md §4.9 describes, ahead of the connect/call-server stages so a
// fresh hit never opens a connection at all. New package; cache semantics
// are grounded directly on the cachepolicy package (itself grounded on the
// RFC, since the teacher carries no response cache).
type CacheInterceptor struct {
	Backend    cachepolicy.Backend
	Coalescer  *cachepolicy.WriteCoalescer
	Listener   Listener
}

// NewCacheInterceptor returns a CacheInterceptor backed by backend,
// coalescing concurrent write-throughs via coalescer and reporting hit/miss
// events to listener (NoopListener if nil).
func NewCacheInterceptor(backend cachepolicy.Backend, coalescer *cachepolicy.WriteCoalescer, listener Listener) *CacheInterceptor {
	if listener == nil {
		listener = NoopListener{}
	}
	return &CacheInterceptor{Backend: backend, Coalescer: coalescer, Listener: listener}
}

func (ci *CacheInterceptor) Intercept(chain Chain) (*message.Response, error) {
	req := chain.Request()
	reqDirectives := cachepolicy.ParseDirectives(req.Headers)

	if !cachepolicy.IsRequestCacheable(req) {
		return ci.passThroughAndInvalidate(chain, req)
	}

	key := cachepolicy.Key(req)
	entry, hit := ci.Backend.Get(key)
	if hit && !cachepolicy.MatchesVary(entry, req) {
		hit = false
	}

	if hit {
		age := entryAge(entry)
		lifetime := entryFreshnessLifetime(entry)
		if !reqDirectives.NoCache && cachepolicy.IsFresh(age, lifetime, reqDirectives) {
			ci.Listener.CacheHit(req)
			return ci.responseFromEntry(entry, req, age, false), nil
		}

		if reqDirectives.OnlyIfCached {
			return ci.gatewayTimeout(req), nil
		}

		conditional := addConditionalHeaders(req, entry)
		resp, err := chain.Proceed(conditional)
		if err != nil {
			return nil, err
		}
		if resp.Code == 304 {
			ci.Listener.CacheConditionalHit(req)
			merged := mergeValidators(entry, resp.Headers)
			updated := *entry
			updated.Headers = merged
			updated.ReceivedAt = resp.ReceivedAt
			ci.Backend.Put(key, &updated)
			return ci.responseFromEntry(&updated, req, 0, true), nil
		}
		ci.Listener.CacheMiss(req)
		return ci.handleMiss(key, req, resp)
	}

	if reqDirectives.OnlyIfCached {
		return ci.gatewayTimeout(req), nil
	}

	ci.Listener.CacheMiss(req)
	resp, err := chain.Proceed(req)
	if err != nil {
		return nil, err
	}
	return ci.handleMiss(key, req, resp)
}

// passThroughAndInvalidate proceeds a request the cache does not serve (such
// as a POST) unchanged and, when the response is 2xx, 301 or 302, removes
// the stored GET response for the same URL, per RFC 7234 §4.4.
func (ci *CacheInterceptor) passThroughAndInvalidate(chain Chain, req *message.Request) (*message.Response, error) {
	resp, err := chain.Proceed(req)
	if err != nil {
		return nil, err
	}
	if resp.IsSuccessful() || resp.Code == 301 || resp.Code == 302 {
		ci.Backend.Remove(cachepolicy.Key(&message.Request{Method: "GET", URL: req.URL, Headers: req.Headers}))
	}
	return resp, nil
}

func (ci *CacheInterceptor) handleMiss(key string, req *message.Request, resp *message.Response) (*message.Response, error) {
	respDirectives := cachepolicy.ParseDirectives(resp.Headers)
	if !cachepolicy.IsResponseStorable(req, resp, respDirectives) || cachepolicy.TLSDowngraded(resp) {
		return resp, nil
	}
	if ci.Coalescer != nil && !ci.Coalescer.Begin(key) {
		return resp, nil
	}
	defer func() {
		if ci.Coalescer != nil {
			ci.Coalescer.Done(key)
		}
	}()

	body, err := bufferBody(resp.Body)
	if err != nil {
		return resp, nil
	}
	ci.Backend.Put(key, &cachepolicy.Entry{
		Code:           resp.Code,
		Headers:        resp.Headers,
		Body:           body,
		RequestHeaders: req.Headers,
		Handshake:      resp.Handshake,
		SentAt:         resp.SentAt,
		ReceivedAt:     resp.ReceivedAt,
	})
	contentType, _ := resp.Headers.Get("Content-Type")
	return resp.WithBody(message.NewBytesBody(body, contentType)), nil
}

func (ci *CacheInterceptor) responseFromEntry(entry *cachepolicy.Entry, req *message.Request, age time.Duration, revalidated bool) *message.Response {
	contentType, _ := entry.Headers.Get("Content-Type")
	resp := &message.Response{
		Code:       entry.Code,
		Protocol:   message.ProtocolHTTP11,
		Headers:    entry.Headers,
		Body:       message.NewBytesBody(entry.Body, contentType),
		Handshake:  entry.Handshake,
		Request:    req,
		SentAt:     entry.SentAt,
		ReceivedAt: entry.ReceivedAt,
		FromCache:  true,
	}
	return resp
}

func (ci *CacheInterceptor) gatewayTimeout(req *message.Request) *message.Response {
	h := message.NewHeaders()
	return &message.Response{
		Code:     504,
		Reason:   "Gateway Timeout (only-if-cached)",
		Protocol: message.ProtocolHTTP11,
		Headers:  h,
		Body:     message.NewBytesBody(nil, ""),
		Request:  req,
	}
}

func entryAge(entry *cachepolicy.Entry) time.Duration {
	resp := &message.Response{Headers: entry.Headers, ReceivedAt: entry.ReceivedAt}
	return cachepolicy.Age(resp, time.Now())
}

func entryFreshnessLifetime(entry *cachepolicy.Entry) time.Duration {
	resp := &message.Response{Headers: entry.Headers, SentAt: entry.SentAt, ReceivedAt: entry.ReceivedAt, Code: entry.Code}
	return cachepolicy.FreshnessLifetime(resp, cachepolicy.ParseDirectives(entry.Headers))
}

// addConditionalHeaders attaches If-Modified-Since/If-None-Match to req
// from entry's stored Last-Modified/ETag, for a conditional GET revalidation.
func addConditionalHeaders(req *message.Request, entry *cachepolicy.Entry) *message.Request {
	headers := req.Headers.Clone()
	if lm, ok := entry.Headers.Get("Last-Modified"); ok {
		_ = headers.Set("If-Modified-Since", lm)
	}
	if etag, ok := entry.Headers.Get("ETag"); ok {
		_ = headers.Set("If-None-Match", etag)
	}
	return req.WithHeaders(headers)
}

// mergeValidators applies RFC 7234 §4.3.4: a 304 response's headers update
// the stored entry's headers field by field, leaving unmentioned stored
// headers untouched.
func mergeValidators(entry *cachepolicy.Entry, fresh *message.Headers) *message.Headers {
	merged := entry.Headers.Clone()
	fresh.Each(func(name, value string) {
		if name == "Content-Length" {
			return
		}
		_ = merged.Set(name, value)
	})
	return merged
}

// bufferBody drains body for cache storage through a buffer.Buffer rather
// than a single growing io.ReadAll slice, so a pathologically large
// cacheable response spills to a temp file past buffer.DefaultMemoryLimit
// instead of one unbounded in-process allocation.
func bufferBody(body message.Body) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	buf := buffer.New(buffer.DefaultMemoryLimit)
	defer buf.Close()
	if _, err := io.Copy(buf, body); err != nil {
		return nil, err
	}
	r, err := buf.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
