package message

import (
	"net/url"
)

// Request is an immutable description of one HTTP request. Callers build it
// with NewRequest and a Builder; once constructed it is never mutated by the
// engine — every rewrite (redirect, auth retry, bridge header injection)
// produces a new Request sharing the same URL/method/body when unchanged.
type Request struct {
	URL     *url.URL
	Method  string
	Headers *Headers
	Body    Body
	Tags    map[string]any
}

// Builder constructs a Request incrementally, mirroring the teacher's
// options-struct style rather than a chained fluent API (the teacher's
// client.Options is a plain struct populated by the caller, not a builder
// chain; this follows the same shape for Request construction).
type Builder struct {
	req *Request
}

// NewBuilder starts building a Request for method and target URL.
func NewBuilder(method string, target *url.URL) *Builder {
	return &Builder{req: &Request{
		URL:     target,
		Method:  method,
		Headers: NewHeaders(),
		Tags:    make(map[string]any),
	}}
}

// Header adds a header to the request under construction.
func (b *Builder) Header(name, value string) *Builder {
	_ = b.req.Headers.Add(name, value)
	return b
}

// SetBody attaches a request body.
func (b *Builder) SetBody(body Body) *Builder {
	b.req.Body = body
	return b
}

// Tag attaches caller metadata retrievable later via Request.Tag.
func (b *Builder) Tag(key string, value any) *Builder {
	b.req.Tags[key] = value
	return b
}

// Build finalizes the Request. The returned value is treated as immutable by
// the rest of the engine.
func (b *Builder) Build() *Request {
	return b.req
}

// Tag retrieves caller metadata previously attached with Builder.Tag.
func (r *Request) Tag(key string) (any, bool) {
	v, ok := r.Tags[key]
	return v, ok
}

// WithHeaders returns a shallow copy of r with its header list replaced.
// Used by the bridge and retry-and-follow-ups stages, which must not mutate
// the caller's original Request.
func (r *Request) WithHeaders(h *Headers) *Request {
	c := *r
	c.Headers = h
	return &c
}

// WithMethodAndBody returns a shallow copy of r with method and body
// replaced, used by the redirect-to-GET rewrite.
func (r *Request) WithMethodAndBody(method string, body Body) *Request {
	c := *r
	c.Method = method
	c.Body = body
	return &c
}

// WithURL returns a shallow copy of r pointed at a new URL, used when
// following a redirect.
func (r *Request) WithURL(u *url.URL) *Request {
	c := *r
	c.URL = u
	return &c
}

// IsIdempotent reports whether method is safe to retry or resend without
// caller confirmation (RFC 7231 §4.2.2). PROPFIND is not idempotent here;
// its redirect exception lives in the retry stage.
func IsIdempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	default:
		return false
	}
}
