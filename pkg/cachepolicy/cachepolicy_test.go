package cachepolicy

import (
	"net/url"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/message"
)

func mustResp(t *testing.T, code int) *message.Response {
	t.Helper()
	return &message.Response{Code: code, Headers: message.NewHeaders()}
}

func mustReq(t *testing.T, method, raw string) *message.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse failed: %v", err)
	}
	return message.NewBuilder(method, u).Build()
}

func TestParseDirectivesParsesMultipleDirectives(t *testing.T) {
	h := message.NewHeaders()
	h.Add("Cache-Control", "no-cache, max-age=60, must-revalidate")
	d := ParseDirectives(h)
	if !d.NoCache || !d.MustRevalidate {
		t.Fatalf("expected no-cache and must-revalidate set, got %+v", d)
	}
	if !d.HasMaxAge || d.MaxAge != 60*time.Second {
		t.Fatalf("MaxAge = %v HasMaxAge=%v, want 60s", d.MaxAge, d.HasMaxAge)
	}
}

func TestParseDirectivesMaxStaleWithoutValueMeansUnbounded(t *testing.T) {
	h := message.NewHeaders()
	h.Add("Cache-Control", "max-stale")
	d := ParseDirectives(h)
	if !d.HasMaxStale || d.MaxStale < 365*24*time.Hour {
		t.Fatalf("expected a very large MaxStale, got %v", d.MaxStale)
	}
}

func TestIsRequestCacheable(t *testing.T) {
	if !IsRequestCacheable(mustReq(t, "GET", "http://example.com/")) {
		t.Fatalf("GET should be cacheable")
	}
	if !IsRequestCacheable(mustReq(t, "HEAD", "http://example.com/")) {
		t.Fatalf("HEAD should be cacheable")
	}
	if IsRequestCacheable(mustReq(t, "POST", "http://example.com/")) {
		t.Fatalf("POST should not be cacheable")
	}
}

func TestIsResponseStorableRejectsVaryStar(t *testing.T) {
	req := mustReq(t, "GET", "http://example.com/")
	resp := mustResp(t, 200)
	resp.Headers.Add("Vary", "*")
	if IsResponseStorable(req, resp, Directives{}) {
		t.Fatalf("Vary: * must veto storage")
	}
}

func TestIsResponseStorableRejectsNoStore(t *testing.T) {
	req := mustReq(t, "GET", "http://example.com/")
	resp := mustResp(t, 200)
	if IsResponseStorable(req, resp, Directives{NoStore: true}) {
		t.Fatalf("no-store must veto storage")
	}
}

func TestIsResponseStorableRequiresQualifyingDirectiveForAuthorizedRequest(t *testing.T) {
	req := mustReq(t, "GET", "http://example.com/")
	req.Headers.Add("Authorization", "Bearer token")
	resp := mustResp(t, 200)
	resp.Headers.Add("Expires", time.Now().Add(time.Hour).UTC().Format(time.RFC1123))

	if IsResponseStorable(req, resp, Directives{}) {
		t.Fatalf("authorized request without public/must-revalidate/s-maxage must not be stored")
	}
	if !IsResponseStorable(req, resp, Directives{Public: true}) {
		t.Fatalf("authorized request with public directive should be storable")
	}
}

func TestIsResponseStorableRequiresFreshnessSignalForNonHeuristicStatus(t *testing.T) {
	req := mustReq(t, "GET", "http://example.com/")
	resp := mustResp(t, 200) // heuristically cacheable status, so no Expires/max-age needed
	if !IsResponseStorable(req, resp, Directives{}) {
		t.Fatalf("200 with no freshness signal is still storable via heuristic freshness")
	}

	teapot := mustResp(t, 418) // not heuristically cacheable
	if IsResponseStorable(req, teapot, Directives{}) {
		t.Fatalf("a non-heuristically-cacheable status with no freshness signal should not be storable")
	}
}

func TestAgeUsesDateAndAgeHeader(t *testing.T) {
	now := time.Now()
	resp := mustResp(t, 200)
	resp.ReceivedAt = now.Add(-30 * time.Second)
	resp.Headers.Add("Date", resp.ReceivedAt.UTC().Format(time.RFC1123))
	resp.Headers.Add("Age", "10")

	age := Age(resp, now)
	// correctedAge = max(apparentAge≈0, ageValue=10s) + residentTime(30s) = 40s, with slack.
	if age < 39*time.Second || age > 41*time.Second {
		t.Fatalf("Age = %v, want ~40s", age)
	}
}

func TestFreshnessLifetimePrefersMaxAgeOverExpires(t *testing.T) {
	resp := mustResp(t, 200)
	resp.Headers.Add("Expires", time.Now().Add(time.Hour).UTC().Format(time.RFC1123))
	lifetime := FreshnessLifetime(resp, Directives{HasMaxAge: true, MaxAge: 5 * time.Second})
	if lifetime != 5*time.Second {
		t.Fatalf("FreshnessLifetime = %v, want 5s", lifetime)
	}
}

func TestFreshnessLifetimeFromExpiresMinusDate(t *testing.T) {
	date := time.Now()
	resp := mustResp(t, 200)
	resp.Headers.Add("Date", date.UTC().Format(time.RFC1123))
	resp.Headers.Add("Expires", date.Add(2*time.Minute).UTC().Format(time.RFC1123))
	lifetime := FreshnessLifetime(resp, Directives{})
	if lifetime < 119*time.Second || lifetime > 121*time.Second {
		t.Fatalf("FreshnessLifetime = %v, want ~2m", lifetime)
	}
}

func TestFreshnessLifetimeHeuristicForCacheableStatus(t *testing.T) {
	date := time.Now()
	resp := mustResp(t, 200)
	resp.ReceivedAt = date
	resp.Headers.Add("Date", date.UTC().Format(time.RFC1123))
	resp.Headers.Add("Last-Modified", date.Add(-100*time.Hour).UTC().Format(time.RFC1123))
	lifetime := FreshnessLifetime(resp, Directives{})
	if lifetime <= 0 {
		t.Fatalf("expected a positive heuristic lifetime, got %v", lifetime)
	}
	if lifetime > 24*time.Hour {
		t.Fatalf("heuristic lifetime must be clamped, got %v", lifetime)
	}
}

func TestFreshnessLifetimeZeroWithoutAnySignal(t *testing.T) {
	resp := mustResp(t, 418) // not heuristically cacheable and no explicit freshness
	if lifetime := FreshnessLifetime(resp, Directives{}); lifetime != 0 {
		t.Fatalf("FreshnessLifetime = %v, want 0", lifetime)
	}
}

func TestIsFreshRespectsMinFreshAndMaxStale(t *testing.T) {
	if !IsFresh(10*time.Second, 20*time.Second, Directives{}) {
		t.Fatalf("age < lifetime should be fresh")
	}
	if IsFresh(25*time.Second, 20*time.Second, Directives{}) {
		t.Fatalf("age > lifetime without max-stale should be stale")
	}
	if !IsFresh(25*time.Second, 20*time.Second, Directives{HasMaxStale: true, MaxStale: 10 * time.Second}) {
		t.Fatalf("max-stale=10s should tolerate 5s of staleness")
	}
	if IsFresh(15*time.Second, 20*time.Second, Directives{HasMinFresh: true, MinFresh: 10 * time.Second}) {
		t.Fatalf("min-fresh=10s should reject a response only 5s from expiry")
	}
}

func TestTLSDowngradedNilHandshake(t *testing.T) {
	resp := mustResp(t, 200)
	if TLSDowngraded(resp) {
		t.Fatalf("a plaintext response (nil Handshake) must not be considered downgraded")
	}
}

func TestTLSDowngradedOldTLSVersion(t *testing.T) {
	resp := mustResp(t, 200)
	resp.Handshake = &message.Handshake{Version: 0x0301} // TLS 1.0
	if !TLSDowngraded(resp) {
		t.Fatalf("TLS 1.0 should be reported as downgraded")
	}
}

func TestMatchesVaryNoVaryHeaderAlwaysMatches(t *testing.T) {
	entry := &Entry{Headers: message.NewHeaders(), RequestHeaders: message.NewHeaders()}
	newReq := mustReq(t, "GET", "http://example.com/")
	if !MatchesVary(entry, newReq) {
		t.Fatalf("no Vary header should always match")
	}
}

func TestMatchesVaryComparesNamedHeaders(t *testing.T) {
	storedReqHeaders := message.NewHeaders()
	storedReqHeaders.Add("Accept-Language", "en")
	entryHeaders := message.NewHeaders()
	entryHeaders.Add("Vary", "Accept-Language")
	entry := &Entry{Headers: entryHeaders, RequestHeaders: storedReqHeaders}

	matching := mustReq(t, "GET", "http://example.com/")
	matching.Headers.Add("Accept-Language", "en")
	if !MatchesVary(entry, matching) {
		t.Fatalf("identical Accept-Language should match")
	}

	mismatching := mustReq(t, "GET", "http://example.com/")
	mismatching.Headers.Add("Accept-Language", "fr")
	if MatchesVary(entry, mismatching) {
		t.Fatalf("differing Accept-Language should not match")
	}
}
