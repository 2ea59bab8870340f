package interceptor

import (
	"net/url"
	"sort"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestMemoryCookieJarStoresAndReturnsCookies(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustURL(t, "http://example.com/login")

	jar.SetCookies(u, []string{"session=abc123; Path=/; HttpOnly", "theme=dark"})

	got := jar.CookiesFor(u)
	sort.Strings(got)
	want := []string{"session=abc123", "theme=dark"}
	sort.Strings(want)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("CookiesFor = %v, want %v", got, want)
	}
}

func TestMemoryCookieJarIsHostScoped(t *testing.T) {
	jar := NewMemoryCookieJar()
	jar.SetCookies(mustURL(t, "http://a.example.com/"), []string{"x=1"})

	if cookies := jar.CookiesFor(mustURL(t, "http://b.example.com/")); len(cookies) != 0 {
		t.Fatalf("expected no cookies for a different host, got %v", cookies)
	}
	if cookies := jar.CookiesFor(mustURL(t, "http://a.example.com/")); len(cookies) != 1 {
		t.Fatalf("expected the stored cookie back for the same host, got %v", cookies)
	}
}

func TestMemoryCookieJarOverwritesSameName(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustURL(t, "http://example.com/")
	jar.SetCookies(u, []string{"session=old"})
	jar.SetCookies(u, []string{"session=new"})

	got := jar.CookiesFor(u)
	if len(got) != 1 || got[0] != "session=new" {
		t.Fatalf("CookiesFor = %v, want [session=new]", got)
	}
}

func TestMemoryCookieJarIgnoresMalformedSetCookie(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustURL(t, "http://example.com/")
	jar.SetCookies(u, []string{"not-a-pair"})

	if got := jar.CookiesFor(u); len(got) != 0 {
		t.Fatalf("expected malformed Set-Cookie value to be ignored, got %v", got)
	}
}
