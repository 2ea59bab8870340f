package interceptor

import (
	"net/url"
	"strings"
	"sync"
)

// CookieJar is the injected cookie store SPEC_FULL.md §6 names ("URL →
// cookies; URL + Set-Cookie → void"). The default implementation,
// MemoryCookieJar, matches exact hosts rather than registrable domains: a
// full public-suffix list is an explicit Non-goal (SPEC_FULL.md §1).
type CookieJar interface {
	CookiesFor(u *url.URL) []string
	SetCookies(u *url.URL, setCookieHeaders []string)
}

// MemoryCookieJar is the default in-memory CookieJar, grounded on the
// teacher's bounded in-memory map style (pkg/pool's connection map before
// this rework, and cachepolicy.MemoryBackend after it) applied to a
// host -> cookie-name -> value store.
type MemoryCookieJar struct {
	mu      sync.Mutex
	byHost  map[string]map[string]string
}

// NewMemoryCookieJar returns an empty cookie jar.
func NewMemoryCookieJar() *MemoryCookieJar {
	return &MemoryCookieJar{byHost: make(map[string]map[string]string)}
}

// CookiesFor returns the "name=value" pairs stored for u's exact host,
// suitable for joining into a single Cookie header value.
func (j *MemoryCookieJar) CookiesFor(u *url.URL) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	cookies := j.byHost[u.Hostname()]
	if len(cookies) == 0 {
		return nil
	}
	out := make([]string, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, name+"="+value)
	}
	return out
}

// SetCookies parses each Set-Cookie header value's leading "name=value" pair
// (attributes like Path/Expires/HttpOnly are not modeled: exact-host,
// session-lifetime storage is this jar's documented scope) and stores it
// under u's host.
func (j *MemoryCookieJar) SetCookies(u *url.URL, setCookieHeaders []string) {
	if len(setCookieHeaders) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	host := u.Hostname()
	cookies, ok := j.byHost[host]
	if !ok {
		cookies = make(map[string]string)
		j.byHost[host] = cookies
	}
	for _, raw := range setCookieHeaders {
		firstAttr, _, _ := strings.Cut(raw, ";")
		name, value, ok := strings.Cut(strings.TrimSpace(firstAttr), "=")
		if !ok {
			continue
		}
		cookies[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
}
