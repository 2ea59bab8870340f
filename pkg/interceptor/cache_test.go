package interceptor

import (
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/cachepolicy"
	"github.com/corehttp/engine/pkg/message"
)

func respHeaders(t *testing.T, pairs ...string) *message.Headers {
	t.Helper()
	h := message.NewHeaders()
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := h.Set(pairs[i], pairs[i+1]); err != nil {
			t.Fatalf("Set(%q, %q): %v", pairs[i], pairs[i+1], err)
		}
	}
	return h
}

func TestCacheMissStoresFreshResponse(t *testing.T) {
	backend := cachepolicy.NewMemoryBackend(0)
	ci := NewCacheInterceptor(backend, cachepolicy.NewWriteCoalescer(), nil)

	calls := 0
	chain := NewChain([]Interceptor{
		ci,
		InterceptorFunc(func(chain Chain) (*message.Response, error) {
			calls++
			return &message.Response{
				Code:       200,
				Headers:    respHeaders(t, "Cache-Control", "max-age=60"),
				Body:       message.NewBytesBody([]byte("body"), "text/plain"),
				Request:    chain.Request(),
			}, nil
		}),
	}, nil)

	req := mustReq(t, "http://example.com/resource")
	if _, err := chain.Proceed(req); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	if _, ok := backend.Get(cachepolicy.Key(req)); !ok {
		t.Fatalf("expected the response to have been stored")
	}
}

func TestCacheServesFreshHitWithoutProceeding(t *testing.T) {
	backend := cachepolicy.NewMemoryBackend(0)
	ci := NewCacheInterceptor(backend, cachepolicy.NewWriteCoalescer(), nil)
	req := mustReq(t, "http://example.com/resource")
	now := time.Now()
	backend.Put(cachepolicy.Key(req), &cachepolicy.Entry{
		Code:           200,
		Headers:        respHeaders(t, "Cache-Control", "max-age=3600", "Date", now.Format(time.RFC1123)),
		Body:           []byte("cached"),
		RequestHeaders: req.Headers,
		SentAt:         now,
		ReceivedAt:     now,
	})

	calls := 0
	chain := NewChain([]Interceptor{
		ci,
		InterceptorFunc(func(chain Chain) (*message.Response, error) {
			calls++
			return &message.Response{Code: 200, Headers: message.NewHeaders(), Body: message.NewBytesBody(nil, "")}, nil
		}),
	}, nil)

	resp, err := chain.Proceed(req)
	if err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 (fresh hit should not proceed downstream)", calls)
	}
	if !resp.FromCache {
		t.Fatalf("expected FromCache to be set on a cache hit")
	}
}

func TestCacheOnlyIfCachedWithoutEntryReturns504(t *testing.T) {
	backend := cachepolicy.NewMemoryBackend(0)
	ci := NewCacheInterceptor(backend, cachepolicy.NewWriteCoalescer(), nil)

	calls := 0
	chain := NewChain([]Interceptor{
		ci,
		InterceptorFunc(func(chain Chain) (*message.Response, error) {
			calls++
			return &message.Response{Code: 200, Headers: message.NewHeaders(), Body: message.NewBytesBody(nil, "")}, nil
		}),
	}, nil)

	req := mustReq(t, "http://example.com/resource")
	_ = req.Headers.Set("Cache-Control", "only-if-cached")
	resp, err := chain.Proceed(req)
	if err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if resp.Code != 504 {
		t.Fatalf("Code = %d, want 504", resp.Code)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestCacheNonGETBypassesCache(t *testing.T) {
	backend := cachepolicy.NewMemoryBackend(0)
	ci := NewCacheInterceptor(backend, cachepolicy.NewWriteCoalescer(), nil)

	calls := 0
	chain := NewChain([]Interceptor{
		ci,
		InterceptorFunc(func(chain Chain) (*message.Response, error) {
			calls++
			return &message.Response{Code: 200, Headers: message.NewHeaders(), Body: message.NewBytesBody(nil, "")}, nil
		}),
	}, nil)

	req := message.NewBuilder("POST", mustReq(t, "http://example.com/resource").URL).Build()
	if _, err := chain.Proceed(req); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (POST always proceeds)", calls)
	}
}

func timeNowRFC1123(t *testing.T) string {
	t.Helper()
	return time.Now().UTC().Format(time.RFC1123)
}
