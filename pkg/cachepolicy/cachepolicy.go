// Package cachepolicy computes HTTP cache freshness and cacheability per
// RFC 7234 (SPEC_FULL.md §4.9). New package; the teacher has no HTTP
// response cache at all (pkg/client/client.go always hits the network), so
// this is grounded on the RFC directly plus the teacher's header-parsing
// conventions (pkg/codec1's treatment of Headers as an ordered multimap).
package cachepolicy

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/corehttp/engine/pkg/constants"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/tlsconfig"
)

var errNotAnHTTPDate = errors.New("cachepolicy: value is not a valid HTTP-date")

// heuristicallyCacheable is the status-code set RFC 7234 §4.2.2 permits a
// heuristic freshness lifetime for, absent explicit freshness information.
var heuristicallyCacheable = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true,
	308: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// Directives is the parsed Cache-Control header of either a request or a
// response; fields the relevant side doesn't use are simply left zero.
type Directives struct {
	NoCache      bool
	NoStore      bool
	OnlyIfCached bool
	Public       bool
	MustRevalidate bool
	MaxAge       time.Duration
	HasMaxAge    bool
	SMaxAge      time.Duration
	HasSMaxAge   bool
	MaxStale     time.Duration
	HasMaxStale  bool
	MinFresh     time.Duration
	HasMinFresh  bool
}

// ParseDirectives parses a Cache-Control header value's comma-separated
// directive list. Unknown directives are ignored, matching the RFC's
// extensibility requirement.
func ParseDirectives(headers *message.Headers) Directives {
	var d Directives
	raw, _ := headers.Get("Cache-Control")
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch name {
		case "no-cache":
			d.NoCache = true
		case "no-store":
			d.NoStore = true
		case "only-if-cached":
			d.OnlyIfCached = true
		case "public":
			d.Public = true
		case "must-revalidate":
			d.MustRevalidate = true
		case "max-age":
			if secs, ok := parseSeconds(value); ok {
				d.MaxAge = secs
				d.HasMaxAge = true
			}
		case "s-maxage":
			if secs, ok := parseSeconds(value); ok {
				d.SMaxAge = secs
				d.HasSMaxAge = true
			}
		case "max-stale":
			if value == "" {
				d.MaxStale = time.Duration(1<<63 - 1)
				d.HasMaxStale = true
			} else if secs, ok := parseSeconds(value); ok {
				d.MaxStale = secs
				d.HasMaxStale = true
			}
		case "min-fresh":
			if secs, ok := parseSeconds(value); ok {
				d.MinFresh = secs
				d.HasMinFresh = true
			}
		}
	}
	return d
}

func parseSeconds(s string) (time.Duration, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// IsRequestCacheable reports whether req.Method is one RFC 7234 permits
// serving a cached response for at all (only GET and HEAD build cache
// entries; other methods invalidate instead).
func IsRequestCacheable(req *message.Request) bool {
	return req.Method == "GET" || req.Method == "HEAD"
}

// IsResponseStorable decides whether resp may be written to the cache,
// independent of freshness: "Vary: *" and an Authorization request header
// without a qualifying response directive both veto storage outright, per
// SPEC_FULL.md §4.9.
func IsResponseStorable(req *message.Request, resp *message.Response, respDirectives Directives) bool {
	if respDirectives.NoStore {
		return false
	}
	if vary, ok := resp.Headers.Get("Vary"); ok && strings.TrimSpace(vary) == "*" {
		return false
	}
	if req.Headers.Has("Authorization") {
		if !(respDirectives.Public || respDirectives.MustRevalidate || respDirectives.HasSMaxAge) {
			return false
		}
	}
	if !heuristicallyCacheable[resp.Code] && !respDirectives.HasMaxAge {
		if _, ok := resp.Headers.Get("Expires"); !ok {
			return false
		}
	}
	return true
}

// Age computes the current age of a stored response from its Date/Age
// headers and the local send/receive timestamps (RFC 7234 §4.2.3),
// evaluated at "now".
func Age(resp *message.Response, now time.Time) time.Duration {
	var apparentAge time.Duration
	if dateHdr, ok := resp.Headers.Get("Date"); ok {
		if date, err := http1Date(dateHdr); err == nil {
			apparentAge = resp.ReceivedAt.Sub(date)
			if apparentAge < 0 {
				apparentAge = 0
			}
		}
	}

	var ageValue time.Duration
	if ageHdr, ok := resp.Headers.Get("Age"); ok {
		if secs, err := strconv.ParseInt(strings.TrimSpace(ageHdr), 10, 64); err == nil && secs >= 0 {
			ageValue = time.Duration(secs) * time.Second
		}
	}

	correctedAge := ageValue
	if apparentAge > correctedAge {
		correctedAge = apparentAge
	}
	residentTime := now.Sub(resp.ReceivedAt)
	if residentTime < 0 {
		residentTime = 0
	}
	return correctedAge + residentTime
}

// FreshnessLifetime computes how long resp is fresh for, per RFC 7234
// §4.2.1: explicit max-age/s-maxage wins, then Expires-minus-Date, then a
// heuristic for status codes that permit one, else zero (always stale
// unless a conditional revalidation succeeds).
func FreshnessLifetime(resp *message.Response, respDirectives Directives) time.Duration {
	if respDirectives.HasSMaxAge {
		return respDirectives.SMaxAge
	}
	if respDirectives.HasMaxAge {
		return respDirectives.MaxAge
	}
	if expiresHdr, ok := resp.Headers.Get("Expires"); ok {
		if expires, err := http1Date(expiresHdr); err == nil {
			var dateTime time.Time
			if dateHdr, ok := resp.Headers.Get("Date"); ok {
				if d, err := http1Date(dateHdr); err == nil {
					dateTime = d
				}
			}
			if dateTime.IsZero() {
				dateTime = resp.SentAt
			}
			lifetime := expires.Sub(dateTime)
			if lifetime < 0 {
				return 0
			}
			return lifetime
		}
	}
	if heuristicallyCacheable[resp.Code] {
		if lastModHdr, ok := resp.Headers.Get("Last-Modified"); ok {
			if lastMod, err := http1Date(lastModHdr); err == nil {
				dateTime := resp.ReceivedAt
				if dateHdr, ok := resp.Headers.Get("Date"); ok {
					if d, err := http1Date(dateHdr); err == nil {
						dateTime = d
					}
				}
				heuristic := dateTime.Sub(lastMod) / 10
				if heuristic < 0 {
					heuristic = 0
				}
				if heuristic > constants.DefaultMaxHeuristicFreshness {
					heuristic = constants.DefaultMaxHeuristicFreshness
				}
				return heuristic
			}
		}
	}
	return 0
}

// IsFresh reports whether resp, with the given freshness lifetime and
// current age, still satisfies the request's min-fresh/max-stale
// constraints: fresh when age + min-fresh <= lifetime + max-stale.
func IsFresh(age, lifetime time.Duration, reqDirectives Directives) bool {
	minFresh := time.Duration(0)
	if reqDirectives.HasMinFresh {
		minFresh = reqDirectives.MinFresh
	}
	maxStale := time.Duration(0)
	if reqDirectives.HasMaxStale {
		maxStale = reqDirectives.MaxStale
	}
	return age+minFresh <= lifetime+maxStale
}

// TLSDowngraded reports whether resp was received over a connection whose
// negotiated TLS version or cipher suite is too weak to permit caching, per
// SPEC_FULL.md §4.9's Open Question #3 resolution. A response with no
// Handshake (plaintext HTTP) is never considered downgraded by this check;
// plaintext cacheability is governed by the ordinary RFC 7234 rules only.
func TLSDowngraded(resp *message.Response) bool {
	hs := resp.Handshake
	if hs == nil {
		return false
	}
	if hs.IsDowngraded() {
		return true
	}
	for _, weak := range tlsconfig.CipherSuitesLegacy {
		if hs.CipherSuite == weak {
			return true
		}
	}
	return false
}

// MatchesVary reports whether newReq would receive the same response as the
// request stored in entry, by comparing the header fields entry's stored
// response named in its own Vary header. A stored response with no Vary
// header always matches (nothing varies).
func MatchesVary(entry *Entry, newReq *message.Request) bool {
	vary, ok := entry.Headers.Get("Vary")
	if !ok || strings.TrimSpace(vary) == "" {
		return true
	}
	for _, name := range strings.Split(vary, ",") {
		name = strings.TrimSpace(name)
		oldVal, _ := entry.RequestHeaders.Get(name)
		newVal, _ := newReq.Headers.Get(name)
		if oldVal != newVal {
			return false
		}
	}
	return true
}

// http1Date parses an HTTP-date header value, trying the three formats
// RFC 7231 §7.1.1.1 permits a sender to produce (only the first, IMF-fixdate,
// is valid to generate; the others exist only for parsing legacy peers).
func http1Date(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errNotAnHTTPDate
}
